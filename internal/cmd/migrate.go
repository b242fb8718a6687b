package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Running database migrations")
		if err := repository.Migrate(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		logger.Info("Database migrations completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
