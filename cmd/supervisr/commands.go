package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/pkg/client"
)

type command struct {
	global *GlobalFlags
}

// apiURL picks the daemon address: --api-url, else the [server] section of
// the config, else the default.
func (c *command) apiURL() string {
	if c.global.APIUrl != "" {
		return c.global.APIUrl
	}
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return client.DefaultBaseURL
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Server.BasePath
}

func (c *command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.apiURL(), Timeout: c.global.APITimeout})
}

func (c *command) printer(out io.Writer) printer {
	return printer{out: out, json: c.global.Output == "json"}
}

func (c *command) add(ctx context.Context, out io.Writer, name string, argv []string, f AddFlags) error {
	req := client.AddRequest{
		ID:       f.ID,
		Name:     name,
		Command:  f.Command,
		WorkDir:  f.WorkDir,
		Schedule: f.Schedule,
		Watch:    f.Watch,
	}
	if len(argv) > 0 {
		if f.Command != "" {
			return fmt.Errorf("give the command either with --command or after --, not both")
		}
		req.Path, req.Args = argv[0], argv[1:]
	}
	if req.Command == "" && req.Path == "" {
		return fmt.Errorf("a command is required: --command=\"...\" or -- PROGRAM ARGS")
	}
	if f.Inactive {
		off := false
		req.Active = &off
	}
	if f.RestartInterval > 0 {
		req.RestartInterval = f.RestartInterval.String()
	}
	if len(f.Env) > 0 {
		req.Env = make(map[string]string, len(f.Env))
		for _, kv := range f.Env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
			}
			req.Env[k] = v
		}
	}
	res, err := c.client().Add(ctx, req)
	if err != nil {
		return err
	}
	return c.printer(out).added(res)
}

func (c *command) remove(ctx context.Context, out io.Writer, ref string) error {
	if err := c.client().Remove(ctx, ref); err != nil {
		return err
	}
	return c.printer(out).done("removed", ref)
}

func (c *command) start(ctx context.Context, out io.Writer, ref string) error {
	if err := c.client().Start(ctx, ref); err != nil {
		return err
	}
	return c.printer(out).done("started", ref)
}

func (c *command) stop(ctx context.Context, out io.Writer, ref string) error {
	if err := c.client().Stop(ctx, ref); err != nil {
		return err
	}
	return c.printer(out).done("stopped", ref)
}

func (c *command) restart(ctx context.Context, out io.Writer, ref string) error {
	if err := c.client().Restart(ctx, ref); err != nil {
		return err
	}
	return c.printer(out).done("restarted", ref)
}

func (c *command) signal(ctx context.Context, out io.Writer, ref, sig string) error {
	if err := c.client().Signal(ctx, ref, sig); err != nil {
		return err
	}
	return c.printer(out).done("signalled", ref)
}

func (c *command) list(ctx context.Context, out io.Writer) error {
	sts, err := c.client().List(ctx)
	if err != nil {
		return err
	}
	return c.printer(out).services(sts)
}

func (c *command) status(ctx context.Context, out io.Writer, ref string) error {
	st, err := c.client().Get(ctx, ref)
	if err != nil {
		return err
	}
	return c.printer(out).service(st)
}

func (c *command) scheduler(ctx context.Context, out io.Writer) error {
	entries, err := c.client().Scheduler(ctx)
	if err != nil {
		return err
	}
	return c.printer(out).schedule(entries)
}

func (c *command) history(ctx context.Context, out io.Writer, ref string, limit int) error {
	events, err := c.client().History(ctx, ref, limit)
	if err != nil {
		return err
	}
	return c.printer(out).history(events)
}

func (c *command) logs(ctx context.Context, out io.Writer, ref string, opts client.LogOptions, files bool) error {
	if files {
		list, err := c.client().LogFiles(ctx, ref)
		if err != nil {
			return err
		}
		return c.printer(out).logFiles(list)
	}
	if opts.Follow {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	body, err := c.client().Logs(ctx, ref, opts)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	_, err = io.Copy(out, body)
	if ctx.Err() != nil {
		// interrupted while following
		return nil
	}
	return err
}

func (c *command) showConfig(ctx context.Context, out io.Writer) error {
	defs, err := c.client().Config(ctx)
	if err != nil {
		return err
	}
	return c.printer(out).definitions(defs)
}

func createAddCommand(c *command) *cobra.Command {
	f := &AddFlags{}
	cmd := &cobra.Command{
		Use:   "add NAME [-- PROGRAM ARGS...]",
		Short: "Register a new service",
		Long: `Register a service with the daemon. An active service without a schedule
starts at once; a scheduled one waits for its first fire.

Examples:
  supervisr add web --command="python3 -m http.server 8000" --env PORT=8000
  supervisr add backup --schedule="0 3 * * *" -- /usr/local/bin/backup --all
  supervisr add worker --inactive --watch=/srv/worker.py -- python3 /srv/worker.py`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.add(cmd.Context(), cmd.OutOrStdout(), args[0], args[1:], *f)
		},
	}
	cmd.Flags().Uint64Var(&f.ID, "id", 0, "explicit numeric id (default: assigned)")
	cmd.Flags().StringVar(&f.Command, "command", "", "command line to run")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "working directory (absolute)")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.Schedule, "schedule", "", "cron expression, optional seconds field")
	cmd.Flags().BoolVar(&f.Inactive, "inactive", false, "register without starting")
	cmd.Flags().StringArrayVar(&f.Watch, "watch", nil, "restart when this path changes (repeatable)")
	cmd.Flags().DurationVar(&f.RestartInterval, "restart-interval", 0, "backoff base after a crash (default: daemon setting)")
	return cmd
}

func createRemoveCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME|ID",
		Aliases: []string{"rm"},
		Short:   "Stop a service and delete it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.remove(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

// createRefCommand builds the commands that take only a service reference.
func createRefCommand(_ *command, use, short string, run func(context.Context, io.Writer, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME|ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createSignalCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "signal NAME|ID SIGNAL",
		Short: "Send a signal to a running service",
		Long: `Send a signal to the live process of a service. SIGNAL is a name with or
without the SIG prefix, or a number.

Examples:
  supervisr signal web HUP
  supervisr signal worker SIGUSR1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.signal(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	}
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List services and their state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.list(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME|ID",
		Short: "Show one service in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.status(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createSchedulerCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Show scheduled services with their last and next fire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.scheduler(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createConfigCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the service definitions held by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.showConfig(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	var (
		opts   client.LogOptions
		stderr bool
		files  bool
	)
	cmd := &cobra.Command{
		Use:   "logs NAME|ID",
		Short: "Print the captured output of a service",
		Long: `Print the last lines of a service's output across its rotated log files.
With --follow new output is streamed until interrupted, continuing into the
next file when the log rotates. Output is only available for services whose
stdio the daemon writes to files ([log] dir or a per-service [services.log]).

Examples:
  supervisr logs web
  supervisr logs web -n 100 --stderr
  supervisr logs web -f
  supervisr logs web --files`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stderr {
				opts.Stream = "stderr"
			}
			return c.logs(cmd.Context(), cmd.OutOrStdout(), args[0], opts, files)
		},
	}
	cmd.Flags().IntVarP(&opts.Tail, "lines", "n", 10, "number of lines to print")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep printing new output")
	cmd.Flags().BoolVar(&stderr, "stderr", false, "read stderr instead of stdout")
	cmd.Flags().BoolVar(&files, "files", false, "list the log files instead of printing them")
	cmd.MarkFlagsMutuallyExclusive("files", "follow")
	return cmd
}

func createHistoryCommand(c *command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history NAME|ID",
		Short: "Show recorded lifecycle events of a service",
		Long: `Show the newest lifecycle events of a service, as recorded by the first
queryable [history] sink (sqlite or postgres). Removed services are looked
up by name.

Examples:
  supervisr history web
  supervisr history backup --limit=100 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.history(cmd.Context(), cmd.OutOrStdout(), args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	return cmd
}
