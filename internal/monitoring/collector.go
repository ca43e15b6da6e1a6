// Package monitoring watches review-queue health and raises webhook alerts
// when the queue backs up or too many runs exhaust their OCR budget.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
)

// MetricsSnapshot holds a point-in-time view of pipeline and queue health.
type MetricsSnapshot struct {
	// Case counts by state within the lookback window.
	CasesTotal    int `json:"cases_total"`
	CasesPending  int `json:"cases_pending"`
	CasesInReview int `json:"cases_in_review"`
	CasesApproved int `json:"cases_approved"`
	CasesRejected int `json:"cases_rejected"`

	// QueueDepth counts cases waiting on a reviewer regardless of age.
	QueueDepth int `json:"queue_depth"`
	// StaleCases counts unworked cases older than the staleness cutoff.
	StaleCases int `json:"stale_cases"`

	// Run outcomes for cases created in the window.
	RunsEarlyStopped    int     `json:"runs_early_stopped"`
	RunsCompleted       int     `json:"runs_completed"`
	RunsBudgetExhausted int     `json:"runs_budget_exhausted"`
	BudgetExhaustedRate float64 `json:"budget_exhausted_rate"`

	// AvgMinConfidence averages each case's weakest field.
	AvgMinConfidence float64 `json:"avg_min_confidence"`
	// HardFailureRate is the share of window cases carrying hard failures.
	HardFailureRate float64 `json:"hard_failure_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the review store.
type Collector struct {
	store review.Store
	// staleAfter is how long a case may sit unworked before counting as stale.
	staleAfter time.Duration
}

// NewCollector creates a metrics collector.
func NewCollector(store review.Store, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 48 * time.Hour
	}
	return &Collector{store: store, staleAfter: staleAfter}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	staleCutoff := now.Add(-c.staleAfter)

	cases, err := c.store.ListCases(ctx, review.QueueFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cases")
	}

	var confSum float64
	var confN int
	var hardFailed int
	for i := range cases {
		rc := &cases[i]

		switch rc.State {
		case model.CasePending:
			snap.QueueDepth++
			if rc.CreatedAt.Before(staleCutoff) {
				snap.StaleCases++
			}
		case model.CaseInReview:
			snap.QueueDepth++
		}

		if rc.CreatedAt.Before(cutoff) {
			continue
		}
		snap.CasesTotal++
		switch rc.State {
		case model.CasePending:
			snap.CasesPending++
		case model.CaseInReview:
			snap.CasesInReview++
		case model.CaseApproved:
			snap.CasesApproved++
		case model.CaseRejected:
			snap.CasesRejected++
		}

		switch rc.RunState {
		case model.RunEarlyStopped:
			snap.RunsEarlyStopped++
		case model.RunCompleted:
			snap.RunsCompleted++
		case model.RunBudgetExhausted:
			snap.RunsBudgetExhausted++
		}

		confSum += rc.MinConfidence()
		confN++
		if len(rc.Validation.HardFailures()) > 0 {
			hardFailed++
		}
	}

	if confN > 0 {
		snap.AvgMinConfidence = confSum / float64(confN)
		snap.HardFailureRate = float64(hardFailed) / float64(confN)
	}
	finishedRuns := snap.RunsEarlyStopped + snap.RunsCompleted + snap.RunsBudgetExhausted
	if finishedRuns > 0 {
		snap.BudgetExhaustedRate = float64(snap.RunsBudgetExhausted) / float64(finishedRuns)
	}

	return snap, nil
}
