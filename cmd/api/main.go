package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"commitflow/config"
	"commitflow/logger"
)

var Version = "dev"

var (
	configFile string
	cfg        *config.Config
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "commitflow",
		Short:         "Commitment contracts backed by a refundable stake",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := logger.Init(loaded); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a yaml or json config file")

	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(migrateCmd())
	return root
}
