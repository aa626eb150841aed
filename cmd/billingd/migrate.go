package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured SQL store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			if cfg.Store != storePostgres && cfg.Store != storeSQLite {
				return fmt.Errorf("store %q has no migrations", cfg.Store)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			_, closeStore, err := openStore(cmd.Context(), cfg, true, log)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s store\n", cfg.Store)
			return nil
		},
	}
}
