package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command { return newRoot(os.Stdout) }

func newRoot(out io.Writer) *cobra.Command {
	global := &GlobalFlags{}
	api := &APIFlags{}
	root := createRootCommand(global, api)
	root.SetOut(out)
	cmd := &command{global: global, api: api, out: out}

	root.AddCommand(
		createServeCommand(global),
		createEnsureCommand(cmd),
		createStopCommand(cmd),
		createTouchCommand(cmd),
		createListCommand(cmd),
		createGetCommand(cmd),
		createDeleteCommand(cmd),
		createCleanupCommand(cmd),
		createReleasePortCommand(cmd),
	)
	return root
}

func createRootCommand(global *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "renderd",
		Short: "Render server supervisor",
		Long: `renderd keeps at most one render server per owner key running on a port
from a small pool, and reconciles its records against the processes that
actually exist.

Examples:
  renderd serve --config renderd.toml
  renderd ensure --key task-42 --case-path /data/cases/42
  renderd list
  renderd stop --key task-42`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&api.URL, "api-url", "", "daemon API URL (default derived from --config, else "+defaultAPIURL+")")
	pf.DurationVar(&api.Timeout, "api-timeout", 60*time.Second, "request timeout")
	pf.BoolVar(&api.Insecure, "insecure", false, "skip TLS verification for https API URLs")
	pf.StringVar(&api.CACert, "ca-cert", "", "CA certificate for https API URLs")
	return root
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the renderd daemon",
		Long: `Run the supervisor and its HTTP API in the foreground until SIGINT or SIGTERM.
Running render servers survive a daemon restart and are adopted by the next run.

Examples:
  renderd serve renderd.toml
  RENDERD_PORTS_START=12000 RENDERD_PORTS_END=12005 renderd serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = global.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override server.listen")
	return cmd
}

func createEnsureCommand(c *command) *cobra.Command {
	f := &EnsureFlags{}
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Start or reuse the render server for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ensure(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Key, "key", "", "owner key (required)")
	cmd.Flags().StringVar(&f.CasePath, "case-path", "", "case directory the server runs in (required)")
	mustRequire(cmd, "key", "case-path")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	f := &KeyFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the render server for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Key, "key", "", "owner key (required)")
	mustRequire(cmd, "key")
	return cmd
}

func createTouchCommand(c *command) *cobra.Command {
	f := &KeyFlags{}
	cmd := &cobra.Command{
		Use:   "touch",
		Short: "Record activity for a key so the inactive sweep skips it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Touch(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Key, "key", "", "owner key (required)")
	mustRequire(cmd, "key")
	return cmd
}

func createListCommand(c *command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List render server records with live process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the raw listing as JSON")
	return cmd
}

func createGetCommand(c *command) *cobra.Command {
	f := &KeyFlags{}
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the record for a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Get(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Key, "key", "", "owner key (required)")
	mustRequire(cmd, "key")
	return cmd
}

func createDeleteCommand(c *command) *cobra.Command {
	f := &KeyFlags{}
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Stop a key's server and delete its record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Key, "key", "", "owner key (required)")
	mustRequire(cmd, "key")
	return cmd
}

func createCleanupCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run a cleanup sweep on the daemon",
	}
	dead := &cobra.Command{
		Use:   "dead",
		Short: "Stop records whose process is gone or no longer the render server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CleanupDead(cmd.Context())
		},
	}
	f := &CleanupFlags{}
	inactive := &cobra.Command{
		Use:   "inactive",
		Short: "Stop servers idle longer than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CleanupInactive(cmd.Context(), *f)
		},
	}
	inactive.Flags().DurationVar(&f.MaxAge, "max-age", 0, "idle age to stop at (default: daemon's cleanup.inactive_after)")
	cmd.AddCommand(dead, inactive)
	return cmd
}

func createReleasePortCommand(c *command) *cobra.Command {
	f := &ReleaseFlags{}
	cmd := &cobra.Command{
		Use:   "release-port",
		Short: "Kill whatever holds a pool port, tracked or not",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ReleasePort(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to release (required)")
	mustRequire(cmd, "port")
	return cmd
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err) // flag names are static
		}
	}
}
