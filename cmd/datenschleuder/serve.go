package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerdfunk-net/datenschleuder-sub000/engine"
)

func newServeCmd(a *app) *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the schedule tick, the reaper and a worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseRoles(roles)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), parsed)
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", []string{"worker", "scheduler", "reaper"},
		"background duties to run")
	return cmd
}

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), []engine.Role{engine.RoleWorker})
		},
	}
	cmd.Flags().StringSlice("queues", nil, "queues to serve in priority order (default: all)")
	cmd.Flags().Int("concurrency", 0, "worker goroutines (default: sum of queue limits)")
	_ = a.v.BindPFlag("worker.queues", cmd.Flags().Lookup("queues"))
	_ = a.v.BindPFlag("worker.concurrency", cmd.Flags().Lookup("concurrency"))
	return cmd
}

func parseRoles(names []string) ([]engine.Role, error) {
	out := make([]engine.Role, 0, len(names))
	for _, n := range names {
		switch r := engine.Role(n); r {
		case engine.RoleWorker, engine.RoleScheduler, engine.RoleReaper:
			out = append(out, r)
		default:
			return nil, fmt.Errorf("unknown role %q", n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	return out, nil
}

// run starts an engine with roles and blocks until SIGINT or SIGTERM.
func (a *app) run(parent context.Context, roles []engine.Role) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.withDeps(ctx, func(d *deps) error {
		eng, err := newEngine(a.cfg, d, roles)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := eng.Start(gctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			a.logger.Info("datenschleuder started",
				slog.Any("roles", roles),
				slog.String("store", a.cfg.Store.Backend),
				slog.String("transport", a.cfg.Transport.Backend),
			)
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout)
			defer cancel()
			a.logger.Info("shutting down")
			return eng.Stop(shutdownCtx)
		})
		return g.Wait()
	})
}
