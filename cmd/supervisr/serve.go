package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/daemon"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision daemon",
		Long: `Run the supervision daemon in the foreground, or in the background with
--daemonize. Services from the config file are registered at startup; the
command API listens on [server] listen.

Examples:
  supervisr serve
  supervisr serve --config=/etc/supervisr/config.toml --daemonize --logfile=/var/log/supervisr.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, global, f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "daemon output file when daemonized (default: [server] logfile)")
	return cmd
}

func runServe(cmd *cobra.Command, global *GlobalFlags, f *ServeFlags) error {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return err
	}
	if f.Daemonize && !daemon.IsDaemonized() {
		logFile := f.LogFile
		if logFile == "" {
			logFile = cfg.Server.LogFile
		}
		pid, err := daemon.Daemonize(os.Args[1:], logFile)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "daemon started with pid %d\n", pid)
		return err
	}

	logger := cfg.Log.NewSlogger()
	if cfg.Path != "" {
		logger.Info("loaded config", "path", cfg.Path, "services", len(cfg.Services))
	}
	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Serve(ctx)
}
