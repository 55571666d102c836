// Package cli implements the famcal command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"famcal/internal/config"
	appLog "famcal/internal/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the famcal CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "famcal",
		Short: "famcal - family calendar engine",
		Long:  "Recurring events, series edits and per-user calendar queries over HTTP.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/famcal/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides config if set)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewExpandCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// loadConfig reads the config file and applies the logging settings.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.ConfigPath, err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	appLog.Setup(cmd.ErrOrStderr(), cfg.LogFormat, appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}
