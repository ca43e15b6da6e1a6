package model

// SourceType identifies where a candidate's underlying text came from.
// The declared order is the consensus weighting and tie-break order: the PDF
// text layer outranks high-resolution OCR, which outranks low-resolution OCR.
type SourceType string

const (
	SourceTextLayer SourceType = "text_layer"
	SourceOCRHigh   SourceType = "ocr_highres"
	SourceOCRLow    SourceType = "ocr_lowres"
)

// Weight returns the consensus weight multiplier for the source type.
func (s SourceType) Weight() float64 {
	switch s {
	case SourceTextLayer:
		return 1.0
	case SourceOCRHigh:
		return 0.85
	case SourceOCRLow:
		return 0.65
	default:
		return 0.5
	}
}

// Rank orders source types for deterministic tie-breaking; lower is better.
func (s SourceType) Rank() int {
	switch s {
	case SourceTextLayer:
		return 0
	case SourceOCRHigh:
		return 1
	case SourceOCRLow:
		return 2
	default:
		return 3
	}
}

// Strategy identifies the extraction strategy that produced a candidate.
type Strategy string

const (
	StrategyPattern    Strategy = "pattern"
	StrategyLexicon    Strategy = "lexicon"
	StrategyPositional Strategy = "positional"
)

// Candidate is one proposed value for one field from one extraction source.
type Candidate struct {
	Ref   Ref    `json:"ref,omitempty"`
	Field string `json:"field"`
	Value string `json:"value"`
	// Raw is the uncalibrated confidence reported by the strategy.
	Raw       float64    `json:"raw"`
	Source    SourceType `json:"source"`
	Strategy  Strategy   `json:"strategy"`
	Span      TextSpan   `json:"span"`
	SourceRef Ref        `json:"source_ref,omitempty"`
	// Readiness is the readiness score of the variant the source pass ran
	// over; zero for text-layer candidates.
	Readiness float64 `json:"readiness,omitempty"`
	// Line is the 1-based line-item row for line fields, zero for header
	// fields.
	Line int `json:"line,omitempty"`
}
