package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQueueBacklog    AlertType = "queue_backlog"
	AlertStaleCases      AlertType = "stale_cases"
	AlertBudgetExhausted AlertType = "budget_exhausted_rate"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.QueueDepthThreshold > 0 && snap.QueueDepth > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"review queue depth %d exceeds threshold %d",
				snap.QueueDepth, a.cfg.QueueDepthThreshold,
			),
			Details: map[string]any{
				"queue_depth": snap.QueueDepth,
				"threshold":   a.cfg.QueueDepthThreshold,
				"pending":     snap.CasesPending,
				"in_review":   snap.CasesInReview,
			},
			Timestamp: now,
		})
	}

	if snap.StaleCases > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleCases,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d case(s) waiting on a reviewer for more than %dh",
				snap.StaleCases, a.cfg.StaleCaseHours,
			),
			Details: map[string]any{
				"stale_cases": snap.StaleCases,
			},
			Timestamp: now,
		})
	}

	finished := snap.RunsEarlyStopped + snap.RunsCompleted + snap.RunsBudgetExhausted
	if finished >= 5 && snap.BudgetExhaustedRate > a.cfg.BudgetRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBudgetExhausted,
			Severity: "high",
			Message: fmt.Sprintf(
				"%.1f%% of runs exhausted their OCR budget in last %dh (threshold %.1f%%)",
				snap.BudgetExhaustedRate*100, snap.LookbackHours, a.cfg.BudgetRateThreshold*100,
			),
			Details: map[string]any{
				"budget_exhausted": snap.RunsBudgetExhausted,
				"finished_runs":    finished,
				"rate":             snap.BudgetExhaustedRate,
				"threshold":        a.cfg.BudgetRateThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
