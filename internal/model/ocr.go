package model

import "time"

// PassConfig is the declarative configuration for a single OCR pass.
type PassConfig struct {
	Engine    string   `json:"engine"`
	DPI       int      `json:"dpi"`
	Languages []string `json:"languages,omitempty"`
	// Options carries engine-specific knobs (e.g. Tesseract PSM) without
	// widening the contract.
	Options map[string]string `json:"options,omitempty"`
}

// Token is a single recognized word with position and engine confidence.
type Token struct {
	Text       string  `json:"text"`
	Bounds     Rect    `json:"bounds"`
	Confidence float64 `json:"confidence"`
}

// OcrResult is one pass's output over one zone x variant pair.
type OcrResult struct {
	Ref       Ref        `json:"ref,omitempty"`
	ZoneID    string     `json:"zone_id"`
	VariantID string     `json:"variant_id"`
	Pass      int        `json:"pass"`
	Config    PassConfig `json:"config"`
	Tokens    []Token    `json:"tokens,omitempty"`
	// Failed passes are recorded, not dropped: a retried-and-failed pair is
	// counted permanently failed without aborting the document.
	Failed   bool          `json:"failed,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// MeanConfidence averages engine confidence over all tokens.
func (r OcrResult) MeanConfidence() float64 {
	if len(r.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range r.Tokens {
		sum += t.Confidence
	}
	return sum / float64(len(r.Tokens))
}

// RunState is the OCR orchestrator's state for one document run.
type RunState string

const (
	RunPending         RunState = "pending"
	RunRunning         RunState = "running"
	RunEarlyStopped    RunState = "early_stopped"
	RunBudgetExhausted RunState = "budget_exhausted"
	RunCompleted       RunState = "completed"
)

// Terminal reports whether the run state admits no further passes.
func (s RunState) Terminal() bool {
	return s == RunEarlyStopped || s == RunBudgetExhausted || s == RunCompleted
}
