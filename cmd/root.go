package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "invoicescan",
	Short: "Invoice scanning and extraction pipeline",
	Long:  "Rasterizes invoices, runs multi-pass OCR over detected zones, resolves fields by weighted consensus, validates, and queues review cases for approval.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
