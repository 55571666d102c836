package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	appLog "famcal/internal/log"
	"famcal/internal/migrations"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply database migrations",
		Long:         "Apply pending PostgreSQL migrations. Requires storage.driver: postgres.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "postgres" {
		return errors.New("migrate: storage.driver is not postgres")
	}

	ctx := cmd.Context()
	db, err := openPostgres(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Run(ctx, db); err != nil {
		return err
	}
	appLog.Info("migrations applied")
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return err
}
