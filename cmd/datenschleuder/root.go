package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand needs after flag parsing.
type app struct {
	v          *viper.Viper
	configPath string

	cfg    fileConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "datenschleuder",
		Short:         "Job scheduling and distributed execution for network automation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store", "memory", "store backend (memory, redis, postgres)")
	flags.String("transport", "memory", "transport backend (memory, redis, nats)")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("store.backend", flags.Lookup("store"))
	_ = a.v.BindPFlag("transport.backend", flags.Lookup("transport"))

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newAdminCmd(a),
	)
	return root
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := loadConfig(a.v, a.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// withDeps opens the backends, runs fn and closes them again.
func (a *app) withDeps(ctx context.Context, fn func(d *deps) error) error {
	d, err := openDeps(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			a.logger.Warn("closing backends failed", slog.String("error", cerr.Error()))
		}
	}()
	return fn(d)
}
