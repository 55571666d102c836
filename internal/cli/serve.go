package cli

import (
	"github.com/spf13/cobra"

	"famcal/internal/cache"
	appLog "famcal/internal/log"
	"famcal/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the calendar HTTP API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"storage", cfg.Storage.Driver,
		"cache_ttl", cfg.Cache.TTL.String(),
		"sweep_cron", cfg.Cache.SweepCron,
		"preserve_split_termination", cfg.Recurrence.PreserveSplitTermination,
	)

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper, err := cache.StartSweeper(cfg.Cache.SweepCron, a.entries)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	if err := web.NewServer(cfg, a.svc).Run(ctx); err != nil {
		return err
	}
	appLog.Info("famcal exiting")
	return nil
}
