package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/cost"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/resilience"
)

// Profile is the declarative pass plan for a document run.
type Profile struct {
	// Passes are executed as rounds, in order, over every schedulable
	// zone x variant pair.
	Passes []model.PassConfig
	// EarlyStopThreshold is the calibrated confidence every critical field
	// must exceed for the run to stop early.
	EarlyStopThreshold float64
	CriticalFields     []string
	// DocConcurrency bounds in-flight passes within one document.
	DocConcurrency int
	// PassTimeout bounds a single engine call; a timeout is treated the same
	// as an engine failure.
	PassTimeout time.Duration
	Budget      cost.Budget
}

// ProfileFromConfig expands the static configuration into a pass plan,
// cycling through the configured engines round by round.
func ProfileFromConfig(cfg config.OCRConfig, dpi int) Profile {
	engines := cfg.Engines
	if len(engines) == 0 {
		engines = []string{"tesseract"}
	}
	maxPasses := cfg.MaxPasses
	if maxPasses <= 0 {
		maxPasses = 5
	}

	passes := make([]model.PassConfig, 0, maxPasses)
	for i := 0; i < maxPasses; i++ {
		passes = append(passes, model.PassConfig{
			Engine:    engines[i%len(engines)],
			DPI:       dpi,
			Languages: cfg.Languages,
		})
	}

	docConc := cfg.DocConcurrency
	if docConc <= 0 {
		docConc = 4
	}
	passTimeout := time.Duration(cfg.PassTimeoutSecs) * time.Second
	if passTimeout <= 0 {
		passTimeout = 30 * time.Second
	}

	return Profile{
		Passes:             passes,
		EarlyStopThreshold: cfg.EarlyStopThreshold,
		CriticalFields:     cfg.CriticalFields,
		DocConcurrency:     docConc,
		PassTimeout:        passTimeout,
		// The pass count is bounded by the rounds themselves; the ledger
		// guards the wall clock.
		Budget: cost.Budget{Wall: time.Duration(cfg.WallBudgetSecs) * time.Second},
	}
}

// Unit is one schedulable zone x variant pair: the variant rendering cropped
// to the zone bounds, PNG-encoded.
type Unit struct {
	ZoneID     string
	ZoneRef    model.Ref
	VariantID  string
	VariantRef model.Ref
	Readiness  float64
	Image      []byte
}

// ConfidenceProbe maps accumulated pass results to per-field calibrated
// confidence. The orchestrator consults it after each round to decide on an
// early stop; it stays ignorant of how confidence is computed.
type ConfidenceProbe func(ctx context.Context, results []model.OcrResult) (map[string]float64, error)

// RunResult is the outcome of one document run.
type RunResult struct {
	State   model.RunState
	Results []model.OcrResult
	Spend   cost.Summary
}

// Orchestrator schedules passes under two concurrency bounds: a per-document
// limit and a global worker pool shared across documents, acquired at pass
// granularity so large documents cannot starve small ones.
type Orchestrator struct {
	store    *artifact.Store
	registry *Registry
	probe    ConfidenceProbe
	global   *semaphore.Weighted
	breakers *resilience.EngineBreakers
	limiters map[string]*rate.Limiter
	limitMu  sync.Mutex
	ratePer  float64
}

// NewOrchestrator creates an Orchestrator. globalWorkers bounds in-flight
// passes across all documents; ratePerSec throttles calls per engine, zero
// meaning unthrottled. probe may be nil, in which case runs never stop early.
func NewOrchestrator(store *artifact.Store, registry *Registry, probe ConfidenceProbe, globalWorkers int, ratePerSec float64) *Orchestrator {
	if globalWorkers <= 0 {
		globalWorkers = 8
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		probe:    probe,
		global:   semaphore.NewWeighted(int64(globalWorkers)),
		breakers: resilience.NewEngineBreakers(resilience.DefaultCircuitBreakerConfig()),
		limiters: make(map[string]*rate.Limiter),
		ratePer:  ratePerSec,
	}
}

func (o *Orchestrator) limiter(engine string) *rate.Limiter {
	o.limitMu.Lock()
	defer o.limitMu.Unlock()
	l, ok := o.limiters[engine]
	if !ok {
		r := rate.Inf
		if o.ratePer > 0 {
			r = rate.Limit(o.ratePer)
		}
		l = rate.NewLimiter(r, 1)
		o.limiters[engine] = l
	}
	return l
}

// pairKey identifies a zone x variant pair for permanent-failure tracking.
type pairKey struct{ zone, variant string }

// Run executes the profile over the given units. Cancelling ctx stops
// scheduling new passes immediately; in-flight passes finish and their
// results are recorded.
func (o *Orchestrator) Run(ctx context.Context, docID string, profile Profile, units []Unit) (RunResult, error) {
	return o.RunWithProbe(ctx, docID, profile, units, o.probe)
}

// RunWithProbe is Run with a per-document probe. The pipeline uses it to
// close the probe over one document's text layer and zone metadata while
// every document still shares this orchestrator's worker pool and breakers.
func (o *Orchestrator) RunWithProbe(ctx context.Context, docID string, profile Profile, units []Unit, probe ConfidenceProbe) (RunResult, error) {
	// Highest readiness first, so the most promising pairs spend the budget.
	ordered := append([]Unit(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Readiness > ordered[j].Readiness
	})

	ledger := cost.NewLedger(profile.Budget)
	state := model.RunRunning

	var mu sync.Mutex
	var results []model.OcrResult
	dead := make(map[pairKey]bool)

	log := zap.L().With(zap.String("document", docID))
	probing := probe != nil && profile.EarlyStopThreshold > 0 && len(profile.CriticalFields) > 0
	exhausted := false

rounds:
	for round, passCfg := range profile.Passes {
		if ctx.Err() != nil {
			break
		}
		if _, done := ledger.Exhausted(); done {
			exhausted = true
			break
		}

		engine, err := o.registry.Get(passCfg.Engine)
		if err != nil {
			return RunResult{}, err
		}

		var g errgroup.Group
		g.SetLimit(profile.DocConcurrency)

		for _, u := range ordered {
			if ctx.Err() != nil {
				break
			}
			if _, done := ledger.Exhausted(); done {
				exhausted = true
				break
			}
			mu.Lock()
			skip := dead[pairKey{u.ZoneID, u.VariantID}]
			mu.Unlock()
			if skip {
				continue
			}

			u := u
			pass := round + 1
			g.Go(func() error {
				if err := o.global.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer o.global.Release(1)
				if err := o.limiter(passCfg.Engine).Wait(ctx); err != nil {
					return nil
				}

				ledger.Start()
				res := o.runPass(ctx, engine, u, pass, passCfg, profile.PassTimeout)
				ledger.RecordPass(passCfg.Engine, res.Duration, res.Failed)

				o.persistResult(ctx, &res, u)

				mu.Lock()
				results = append(results, res)
				if res.Failed {
					dead[pairKey{u.ZoneID, u.VariantID}] = true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
		if _, done := ledger.Exhausted(); done {
			exhausted = true
			break
		}

		if probing {
			mu.Lock()
			snapshot := append([]model.OcrResult(nil), results...)
			mu.Unlock()

			conf, err := probe(ctx, snapshot)
			if err != nil {
				log.Warn("ocr: confidence probe failed", zap.Error(err))
				continue
			}
			if criticalsMet(conf, profile.CriticalFields, profile.EarlyStopThreshold) {
				if round < len(profile.Passes)-1 {
					state = model.RunEarlyStopped
					log.Info("ocr: early stop",
						zap.Int("after_pass", round+1),
						zap.Float64("threshold", profile.EarlyStopThreshold),
					)
				} else {
					state = model.RunCompleted
				}
				break rounds
			}
		}
	}

	if state == model.RunRunning {
		switch {
		case exhausted || ctx.Err() != nil:
			// Wall clock or cancellation: downstream proceeds with whatever
			// confidence the completed passes bought.
			state = model.RunBudgetExhausted
		case probing && len(ordered) > 0:
			// All rounds ran and the criticals never cleared the bar.
			state = model.RunBudgetExhausted
		default:
			state = model.RunCompleted
		}
	}

	spend := ledger.Snapshot()
	log.Info("ocr: run finished",
		zap.String("state", string(state)),
		zap.Int("passes", spend.Passes),
		zap.Int("failed", spend.Failed),
		zap.Duration("elapsed", spend.Elapsed),
	)
	return RunResult{State: state, Results: results, Spend: spend}, nil
}

// runPass executes one engine call with timeout, breaker and a single retry.
// Failures come back as a recorded failed result, never an error.
func (o *Orchestrator) runPass(ctx context.Context, engine Engine, u Unit, pass int, cfg model.PassConfig, timeout time.Duration) model.OcrResult {
	res := model.OcrResult{
		ZoneID:    u.ZoneID,
		VariantID: u.VariantID,
		Pass:      pass,
		Config:    cfg,
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	start := time.Now()
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger(cfg.Engine, "recognize")
	// Every engine failure gets its one retry, transient or not; an open
	// breaker is the exception since the engine is known down.
	retryCfg.ShouldRetry = func(err error) bool {
		return !eris.Is(err, resilience.ErrCircuitOpen)
	}

	tokens, err := resilience.DoVal(ctx, retryCfg, func(rctx context.Context) ([]model.Token, error) {
		// In-flight work is allowed to finish even when the document run is
		// cancelled; only the pass timeout applies to the engine call itself.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(rctx), timeout)
		defer cancel()
		return resilience.ExecuteVal(callCtx, o.breakers.Get(cfg.Engine), func(ectx context.Context) ([]model.Token, error) {
			return engine.Recognize(ectx, Input{
				ZoneID:    u.ZoneID,
				VariantID: u.VariantID,
				Image:     u.Image,
				Config:    cfg,
			})
		})
	})
	res.Duration = time.Since(start)

	if err != nil {
		res.Failed = true
		res.Error = err.Error()
		zap.L().Warn("ocr: pass failed permanently",
			zap.String("zone", u.ZoneID),
			zap.String("variant", u.VariantID),
			zap.Int("pass", pass),
			zap.Error(err),
		)
		return res
	}
	res.Tokens = tokens
	return res
}

// persistResult registers the pass output as an artifact chained to its zone
// and variant. Persistence failure is logged, not fatal: the in-memory result
// still flows downstream.
func (o *Orchestrator) persistResult(ctx context.Context, res *model.OcrResult, u Unit) {
	body, err := json.Marshal(res)
	if err != nil {
		zap.L().Warn("ocr: marshal result", zap.Error(err))
		return
	}
	params := map[string]any{
		"pass":   res.Pass,
		"engine": res.Config.Engine,
		"failed": res.Failed,
	}
	ref, err := o.store.Put(context.WithoutCancel(ctx), model.KindOcrResult,
		[]model.Ref{u.ZoneRef, u.VariantRef}, params, body)
	if err != nil {
		zap.L().Warn("ocr: persist result", zap.Error(err))
		return
	}
	res.Ref = ref
}

func criticalsMet(conf map[string]float64, critical []string, threshold float64) bool {
	for _, f := range critical {
		if conf[f] < threshold {
			return false
		}
	}
	return true
}

// PairLabel is a human-readable pair identifier for logs and audit notes.
func PairLabel(u Unit) string { return fmt.Sprintf("%s/%s", u.ZoneID, u.VariantID) }
