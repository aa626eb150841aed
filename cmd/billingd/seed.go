package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func newSeedUserCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-user <user-id>",
		Short: "Create a free-tier subscription record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			if cfg.Store == storeMemory {
				return errors.New("seed-user requires a persistent store")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg, true, log)
			if err != nil {
				return err
			}
			defer closeStore()

			rec, err := store.Create(cmd.Context(), args[0])
			if errors.Is(err, subscription.ErrUserAlreadyExists) {
				fmt.Fprintf(cmd.OutOrStdout(), "user %s already exists\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s: status=%s usage=%d/%d\n",
				rec.UserID, rec.Status, rec.UsageCount, rec.UsageLimit)
			return nil
		},
	}
}
