package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riffle-ai/riffle/db"
	"github.com/riffle-ai/riffle/internal/config"
	"github.com/riffle-ai/riffle/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := log.New(log.Config{})
		if err := db.Migrate(cfg.DatabaseURL(), logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
