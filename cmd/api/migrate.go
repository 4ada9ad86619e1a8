package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.URL == "" {
				return errors.New("Database.URL is required")
			}
			_, err := migrate(contextOrBackground(cmd.Context()), cfg)
			return err
		},
	}
}
