// Package cli implements the eventmap command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"eventmap/internal/config"
	appLog "eventmap/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo is called from main with values stamped at build time.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// rootOptions carries persistent flags and the loaded config to
// subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "eventmap",
		Short:         "Calendar events on a map",
		Long:          "eventmap aggregates calendar feeds, geocodes their venues and serves them as markers on a map.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			level := cfg.LogLevel
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			appLog.SetLevel(appLog.ParseLevel(level))
			opts.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: XDG config dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info or error (overrides config)")

	root.AddCommand(
		newServeCmd(opts),
		newOnceCmd(opts),
		newSnapshotCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventmap %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// Execute runs the command line with ctx as the root context.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
