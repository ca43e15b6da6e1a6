package validate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/model"
)

// Rule kinds understood by the engine.
const (
	KindRequired       = "required_present"
	KindConfidence     = "confidence_min"
	KindLineSum        = "line_sum_matches_total"
	KindSubtotalTax    = "subtotal_plus_tax"
	KindPositiveAmount = "amount_positive"
	KindDateOrder      = "date_order"
	KindDateParses     = "date_parseable"
)

// Engine evaluates a rule set in a chosen mode. The rule set can be swapped
// at any time; evaluations in flight finish on the set they started with.
type Engine struct {
	mu    sync.RWMutex
	rules RuleSet
	mode  Mode
}

// NewEngine creates an Engine.
func NewEngine(rules RuleSet, mode Mode) *Engine {
	return &Engine{rules: rules, mode: mode}
}

// Reload swaps in a new rule set, the hot-reload entry point.
func (e *Engine) Reload(rules RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Mode returns the configured strictness mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode changes the strictness mode.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// Evaluate runs every rule against the record and reports every outcome.
func (e *Engine) Evaluate(record *model.ResolvedRecord) model.ValidationResult {
	e.mu.RLock()
	rules := e.rules
	mode := e.mode
	e.mu.RUnlock()

	params := rules.params(mode)
	result := model.ValidationResult{
		Mode:        string(mode),
		EvaluatedAt: time.Now().UTC(),
	}

	for _, rule := range rules.Rules {
		outcome := model.RuleOutcome{
			RuleID:   rule.ID,
			Severity: effectiveSeverity(rule, mode),
		}
		outcome.Passed, outcome.Message = e.check(rule, params, record)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if failures := result.HardFailures(); len(failures) > 0 {
		zap.L().Debug("validate: hard failures",
			zap.String("document", record.DocumentID),
			zap.Strings("rules", failures),
		)
	}
	return result
}

// effectiveSeverity promotes a soft rule to hard in the modes that list it.
func effectiveSeverity(rule RuleDef, mode Mode) model.Severity {
	if rule.Severity == model.SeverityHard {
		return model.SeverityHard
	}
	for _, m := range rule.PromoteIn {
		if m == mode {
			return model.SeverityHard
		}
	}
	return model.SeveritySoft
}

func (e *Engine) check(rule RuleDef, params ModeParams, record *model.ResolvedRecord) (bool, string) {
	switch rule.Kind {
	case KindRequired:
		f := record.Field(rule.Field)
		if f.Unresolved || f.Value == "" {
			return false, fmt.Sprintf("%s was not resolved", rule.Field)
		}
		return true, fmt.Sprintf("%s present", rule.Field)

	case KindConfidence:
		f := record.Field(rule.Field)
		threshold := params.Threshold(rule.Field)
		if f.Unresolved {
			return false, fmt.Sprintf("%s unresolved, below %.2f", rule.Field, threshold)
		}
		if f.Confidence < threshold {
			return false, fmt.Sprintf("%s confidence %.2f below %.2f", rule.Field, f.Confidence, threshold)
		}
		return true, fmt.Sprintf("%s confidence %.2f meets %.2f", rule.Field, f.Confidence, threshold)

	case KindLineSum:
		if len(record.LineItems) == 0 {
			return true, "no line items to reconcile"
		}
		total, ok := money(record, "total_amount")
		if !ok {
			return true, "no total amount to reconcile against"
		}
		sum := record.LineTotal()
		if !within(sum, total, rule.Tolerance) {
			return false, fmt.Sprintf("line items sum to %s but total is %s", sum, total)
		}
		return true, fmt.Sprintf("line items sum to %s, matching total", sum)

	case KindSubtotalTax:
		sub, okSub := money(record, "subtotal")
		tax, okTax := money(record, "tax_amount")
		total, okTotal := money(record, "total_amount")
		if !okSub || !okTax || !okTotal {
			return true, "subtotal, tax and total not all present"
		}
		if !within(sub+tax, total, rule.Tolerance) {
			return false, fmt.Sprintf("subtotal %s plus tax %s is not total %s", sub, tax, total)
		}
		return true, "subtotal plus tax matches total"

	case KindPositiveAmount:
		m, ok := money(record, rule.Field)
		if !ok {
			return true, fmt.Sprintf("%s not resolved as an amount", rule.Field)
		}
		if m <= 0 {
			return false, fmt.Sprintf("%s is %s, expected a positive amount", rule.Field, m)
		}
		return true, fmt.Sprintf("%s is positive", rule.Field)

	case KindDateOrder:
		inv, okInv := date(record, "invoice_date")
		due, okDue := date(record, "due_date")
		if !okInv || !okDue {
			return true, "invoice and due date not both present"
		}
		if due.Before(inv) {
			return false, fmt.Sprintf("due date %s precedes invoice date %s",
				due.Format("2006-01-02"), inv.Format("2006-01-02"))
		}
		return true, "due date does not precede invoice date"

	case KindDateParses:
		f := record.Field(rule.Field)
		if f.Unresolved || f.Value == "" {
			return true, fmt.Sprintf("%s not resolved", rule.Field)
		}
		if _, ok := date(record, rule.Field); !ok {
			return false, fmt.Sprintf("%s value %q is not a recognizable date", rule.Field, f.Value)
		}
		return true, fmt.Sprintf("%s parses as a date", rule.Field)

	default:
		// Unknown kinds pass so an old binary tolerates a newer rule file.
		return true, fmt.Sprintf("unknown rule kind %q skipped", rule.Kind)
	}
}

func money(record *model.ResolvedRecord, field string) (model.Money, bool) {
	f := record.Field(field)
	if f.Unresolved || f.Value == "" {
		return 0, false
	}
	m, err := candidate.ParseMoney(f.Value)
	if err != nil {
		return 0, false
	}
	return m, true
}

func date(record *model.ResolvedRecord, field string) (time.Time, bool) {
	f := record.Field(field)
	if f.Unresolved || f.Value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", f.Value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func within(a, b model.Money, tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = 0.01
	}
	diff := int64(a - b)
	if diff < 0 {
		diff = -diff
	}
	limit := int64(tolerance * float64(abs64(int64(b))))
	if limit < 1 {
		limit = 1
	}
	return diff <= limit
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
