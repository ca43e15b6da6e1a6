// Package validate evaluates a declarative hard/soft rule set over resolved
// records. Every rule's outcome is reported, not just failures, and the rule
// set hot-reloads when its file changes.
package validate

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Mode selects strictness: which thresholds apply and which soft rules are
// promoted to hard.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeStrict   Mode = "strict"
)

// ParseMode validates a mode string, defaulting to balanced.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFast:
		return ModeFast, nil
	case ModeBalanced, "":
		return ModeBalanced, nil
	case ModeStrict:
		return ModeStrict, nil
	default:
		return ModeBalanced, eris.Errorf("validate: unknown mode %q", s)
	}
}

// RuleDef is one declarative rule.
type RuleDef struct {
	ID       string         `yaml:"id" mapstructure:"id"`
	Kind     string         `yaml:"kind" mapstructure:"kind"`
	Severity model.Severity `yaml:"severity" mapstructure:"severity"`
	// Field scopes field-level kinds; empty for record-level kinds.
	Field string `yaml:"field,omitempty" mapstructure:"field"`
	// Tolerance is the relative tolerance for amount-comparison kinds.
	Tolerance float64 `yaml:"tolerance,omitempty" mapstructure:"tolerance"`
	// PromoteIn lists the modes in which a soft rule is enforced as hard.
	PromoteIn []Mode `yaml:"promote_in,omitempty" mapstructure:"promote_in"`
	Message   string `yaml:"message,omitempty" mapstructure:"message"`
}

// ModeParams carries per-mode confidence thresholds.
type ModeParams struct {
	ConfidenceDefault float64            `yaml:"confidence_default" mapstructure:"confidence_default"`
	ConfidenceByField map[string]float64 `yaml:"confidence_by_field,omitempty" mapstructure:"confidence_by_field"`
}

// Threshold returns the confidence floor for a field under this mode.
func (m ModeParams) Threshold(field string) float64 {
	if v, ok := m.ConfidenceByField[field]; ok {
		return v
	}
	return m.ConfidenceDefault
}

// RuleSet is the full validation configuration.
type RuleSet struct {
	Version int                 `yaml:"version" mapstructure:"version"`
	Modes   map[Mode]ModeParams `yaml:"modes" mapstructure:"modes"`
	Rules   []RuleDef           `yaml:"rules" mapstructure:"rules"`
}

// params returns the mode's parameters, falling back to balanced.
func (rs RuleSet) params(mode Mode) ModeParams {
	if p, ok := rs.Modes[mode]; ok {
		return p
	}
	return rs.Modes[ModeBalanced]
}

// LoadRules reads a rule file. An empty path yields the defaults.
func LoadRules(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return RuleSet{}, eris.Wrap(err, "validate: read rule file")
	}
	var rs RuleSet
	if err := v.Unmarshal(&rs); err != nil {
		return RuleSet{}, eris.Wrap(err, "validate: parse rule file")
	}
	return rs, nil
}

// WatchRules reloads the rule file whenever it changes, delivering each new
// set to onChange. A file that fails to parse is logged and skipped; the
// engine keeps the last good set.
func WatchRules(path string, onChange func(RuleSet)) error {
	if path == "" {
		return eris.New("validate: no rule file to watch")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return eris.Wrap(err, "validate: read rule file")
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var rs RuleSet
		if err := v.Unmarshal(&rs); err != nil {
			zap.L().Warn("validate: rule reload failed, keeping previous set", zap.Error(err))
			return
		}
		zap.L().Info("validate: rule set reloaded",
			zap.String("path", path),
			zap.Int("version", rs.Version),
			zap.Int("rules", len(rs.Rules)),
		)
		onChange(rs)
	})
	v.WatchConfig()
	return nil
}

// DefaultRules is the built-in invoice rule set.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: 1,
		Modes: map[Mode]ModeParams{
			ModeFast: {ConfidenceDefault: 0.5,
				ConfidenceByField: map[string]float64{"total_amount": 0.6}},
			ModeBalanced: {ConfidenceDefault: 0.7,
				ConfidenceByField: map[string]float64{"total_amount": 0.8, "invoice_number": 0.75}},
			ModeStrict: {ConfidenceDefault: 0.85,
				ConfidenceByField: map[string]float64{"total_amount": 0.92, "invoice_number": 0.9}},
		},
		Rules: []RuleDef{
			{ID: "required.invoice_number", Kind: KindRequired, Field: "invoice_number", Severity: model.SeverityHard},
			{ID: "required.invoice_date", Kind: KindRequired, Field: "invoice_date", Severity: model.SeverityHard},
			{ID: "required.vendor_name", Kind: KindRequired, Field: "vendor_name", Severity: model.SeverityHard},
			{ID: "required.total_amount", Kind: KindRequired, Field: "total_amount", Severity: model.SeverityHard},

			{ID: "confidence.invoice_number", Kind: KindConfidence, Field: "invoice_number", Severity: model.SeveritySoft, PromoteIn: []Mode{ModeStrict}},
			{ID: "confidence.invoice_date", Kind: KindConfidence, Field: "invoice_date", Severity: model.SeveritySoft, PromoteIn: []Mode{ModeStrict}},
			{ID: "confidence.vendor_name", Kind: KindConfidence, Field: "vendor_name", Severity: model.SeveritySoft},
			{ID: "confidence.total_amount", Kind: KindConfidence, Field: "total_amount", Severity: model.SeveritySoft, PromoteIn: []Mode{ModeBalanced, ModeStrict}},

			{ID: "totals.line_sum", Kind: KindLineSum, Severity: model.SeverityHard, Tolerance: 0.01},
			{ID: "totals.subtotal_tax", Kind: KindSubtotalTax, Severity: model.SeveritySoft, Tolerance: 0.01, PromoteIn: []Mode{ModeStrict}},
			{ID: "amount.total_positive", Kind: KindPositiveAmount, Field: "total_amount", Severity: model.SeverityHard},
			{ID: "date.order", Kind: KindDateOrder, Severity: model.SeveritySoft},
			{ID: "date.invoice_parseable", Kind: KindDateParses, Field: "invoice_date", Severity: model.SeveritySoft, PromoteIn: []Mode{ModeStrict}},
		},
	}
}
