package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerdfunk-net/datenschleuder-sub000/admin"
)

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and operate queues, workers and schedules",
	}
	cmd.AddCommand(
		a.adminQueuesCmd(),
		a.adminPurgeCmd(),
		a.adminWorkersCmd(),
		a.adminActiveCmd(),
		a.adminJobTypesCmd(),
		a.adminRecomputeCmd(),
	)
	return cmd
}

// withAdmin opens the backends and hands fn an admin service over them.
func (a *app) withAdmin(ctx context.Context, fn func(svc *admin.Service) error) error {
	return a.withDeps(ctx, func(d *deps) error {
		svc := admin.NewService(d.broker, d.store, newRegistry(), a.cfg.Topology,
			admin.WithLogger(a.logger),
			admin.WithLivenessWindow(3*a.cfg.Engine.HeartbeatInterval),
		)
		return fn(svc)
	})
}

func (a *app) adminQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show pending and active task counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				stats, err := svc.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout(), "QUEUE", "PENDING", "ACTIVE")
				for _, s := range stats {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", s.Queue, s.Pending, s.Active)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) adminPurgeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [queue]",
		Short: "Drop queued tasks of one queue or of all queues; running tasks are kept",
		Args: func(_ *cobra.Command, args []string) error {
			if all != (len(args) == 0) {
				return fmt.Errorf("give exactly one queue name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				out := cmd.OutOrStdout()
				if !all {
					n, err := svc.Purge(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "purged %d tasks from %s\n", n, args[0])
					return nil
				}
				counts, err := svc.PurgeAll(cmd.Context())
				if err != nil {
					return err
				}
				names := make([]string, 0, len(counts))
				for q := range counts {
					names = append(names, q)
				}
				sort.Strings(names)
				tw := newTable(out, "QUEUE", "PURGED")
				for _, q := range names {
					fmt.Fprintf(tw, "%s\t%d\n", q, counts[q])
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "purge every queue")
	return cmd
}

func (a *app) adminWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers with liveness and leadership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				workers, err := svc.Workers(cmd.Context())
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout(), "ID", "HOST", "QUEUES", "ACTIVE", "ALIVE", "LEADER", "LAST SEEN")
				for _, w := range workers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%t\t%t\t%s\n",
						w.ID, w.Hostname, strings.Join(w.Queues, ","),
						w.Active, w.Concurrency, w.Alive, w.IsLeader,
						w.LastSeen.Format(time.RFC3339),
					)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) adminActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List tasks reserved by workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				tasks, err := svc.ActiveTasks(cmd.Context())
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout(), "TASK", "QUEUE", "KIND", "JOB TYPE", "RUN", "WORKER")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.Queue, t.Kind, t.JobType, t.RunID, t.WorkerID)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) adminJobTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobtypes",
		Short: "List registered job types and their queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				tw := newTable(cmd.OutOrStdout(), "TYPE", "QUEUE", "FAN-OUT", "POLICY", "RETRIES", "TIMEOUT")
				for _, jt := range svc.RegisteredJobTypes() {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
						jt.Type, jt.Queue, jt.FanOut, jt.Policy, jt.Retries, jt.Timeout)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) adminRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Recompute next_run of every active schedule from now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd.Context(), func(svc *admin.Service) error {
				n, err := svc.RecomputeNextRuns(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d schedules\n", n)
				return nil
			})
		},
	}
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}
