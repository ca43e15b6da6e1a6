package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerline/invoicescan/internal/monitoring"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch queue health and send webhook alerts",
	Long:  "Collects queue depth, staleness and run-outcome metrics on an interval and posts alerts to the configured webhook when thresholds are breached.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := initReviewStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, time.Duration(cfg.Monitor.StaleCaseHours)*time.Hour)
		alerter := monitoring.NewAlerter(cfg.Monitor)

		if monitorOnce {
			snap, err := collector.Collect(ctx, cfg.Monitor.LookbackWindowHours)
			if err != nil {
				return err
			}
			alerter.SendAlerts(ctx, alerter.Evaluate(snap))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		monitoring.NewChecker(collector, alerter, cfg.Monitor).Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "collect and report a single snapshot, then exit")
	rootCmd.AddCommand(monitorCmd)
}
