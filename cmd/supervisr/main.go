package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	c := &command{global: global}
	root.AddCommand(
		createServeCommand(global),
		createAddCommand(c),
		createRemoveCommand(c),
		createRefCommand(c, "start", "Start a service and mark it active", c.start),
		createRefCommand(c, "stop", "Stop a service and mark it inactive", c.stop),
		createRefCommand(c, "restart", "Stop a service and start it again", c.restart),
		createSignalCommand(c),
		createListCommand(c),
		createStatusCommand(c),
		createSchedulerCommand(c),
		createHistoryCommand(c),
		createLogsCommand(c),
		createConfigCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "supervisr",
		Short:         "Process supervision daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Supervisr keeps services running: it restarts crashed processes with
exponential backoff, starts scheduled services on cron expressions, and
exposes a command API for adding, stopping and inspecting them.

Examples:
  supervisr serve --config=/etc/supervisr/config.toml
  supervisr add web --command="python3 -m http.server 8000" --env PORT=8000
  supervisr list
  supervisr stop web`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (default: $SUPERVISR_CONFIG, ~/.config/supervisr/config.toml, ./.supervisr.toml)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default: from [server] in config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "table", "output format: table or json")
	return root
}
