package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/model"
)

func record(fields map[string]model.ResolvedField, lines ...model.LineItem) *model.ResolvedRecord {
	return &model.ResolvedRecord{
		DocumentID: "doc-1",
		Fields:     fields,
		LineItems:  lines,
	}
}

func resolved(field, value string, confidence float64) model.ResolvedField {
	return model.ResolvedField{Field: field, Value: value, Confidence: confidence}
}

func cleanRecord() *model.ResolvedRecord {
	return record(map[string]model.ResolvedField{
		"invoice_number": resolved("invoice_number", "INV-1042", 0.96),
		"invoice_date":   resolved("invoice_date", "2026-03-15", 0.95),
		"vendor_name":    resolved("vendor_name", "Acme Supply Co", 0.9),
		"total_amount":   resolved("total_amount", "145.00", 0.97),
	},
		model.LineItem{Line: 1, Description: "Widget", Amount: model.Money(2000)},
		model.LineItem{Line: 2, Description: "Gadget", Amount: model.Money(12500)},
	)
}

func TestEvaluate_CleanRecordPasses(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	res := e.Evaluate(cleanRecord())

	assert.True(t, res.Passed())
	assert.Empty(t, res.HardFailures())
	// Every rule reports an outcome, pass or fail.
	assert.Len(t, res.Outcomes, len(DefaultRules().Rules))
}

func TestEvaluate_MissingRequiredFieldIsHardFailure(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	rec := cleanRecord()
	rec.Fields["total_amount"] = model.ResolvedField{Field: "total_amount", Unresolved: true}

	res := e.Evaluate(rec)
	assert.False(t, res.Passed())
	assert.Contains(t, res.HardFailures(), "required.total_amount")
}

func TestEvaluate_LineSumMismatchIsHardFailure(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	rec := cleanRecord()
	// Lines sum to 142.50 against a 145.00 total, beyond tolerance.
	rec.LineItems = []model.LineItem{{Line: 1, Amount: model.Money(14250)}}

	res := e.Evaluate(rec)
	assert.Contains(t, res.HardFailures(), "totals.line_sum")
}

func TestEvaluate_LowConfidenceIsSoftWarningInFast(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeFast)
	rec := cleanRecord()
	rec.Fields["vendor_name"] = resolved("vendor_name", "Acme Supply Co", 0.3)

	res := e.Evaluate(rec)
	assert.True(t, res.Passed())
	assert.GreaterOrEqual(t, res.WarningCount(), 1)
}

func TestEvaluate_StrictPromotesConfidenceRules(t *testing.T) {
	rec := cleanRecord()
	rec.Fields["invoice_number"] = resolved("invoice_number", "INV-1042", 0.8)

	balanced := NewEngine(DefaultRules(), ModeBalanced).Evaluate(rec)
	assert.True(t, balanced.Passed(), "0.8 passes the balanced 0.75 floor")

	strict := NewEngine(DefaultRules(), ModeStrict).Evaluate(rec)
	// Strict raises the floor to 0.9 and promotes the rule to hard.
	assert.Contains(t, strict.HardFailures(), "confidence.invoice_number")
}

func TestEvaluate_DueDateBeforeInvoiceDateWarns(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	rec := cleanRecord()
	rec.Fields["due_date"] = resolved("due_date", "2026-03-01", 0.9)

	res := e.Evaluate(rec)
	assert.True(t, res.Passed())

	var found bool
	for _, o := range res.Outcomes {
		if o.RuleID == "date.order" {
			found = true
			assert.False(t, o.Passed)
			assert.Equal(t, model.SeveritySoft, o.Severity)
		}
	}
	assert.True(t, found)
}

func TestEvaluate_NegativeTotalIsHardFailure(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	rec := cleanRecord()
	rec.Fields["total_amount"] = resolved("total_amount", "-10.00", 0.95)
	rec.LineItems = nil

	res := e.Evaluate(rec)
	assert.Contains(t, res.HardFailures(), "amount.total_positive")
}

func TestEvaluate_UnknownRuleKindPasses(t *testing.T) {
	rs := DefaultRules()
	rs.Rules = append(rs.Rules, RuleDef{ID: "future.rule", Kind: "holographic_check", Severity: model.SeverityHard})

	res := NewEngine(rs, ModeBalanced).Evaluate(cleanRecord())
	assert.True(t, res.Passed())
}

func TestEngine_ReloadSwapsRuleSet(t *testing.T) {
	e := NewEngine(DefaultRules(), ModeBalanced)
	require.True(t, e.Evaluate(cleanRecord()).Passed())

	rs := DefaultRules()
	rs.Rules = []RuleDef{
		{ID: "required.po_number", Kind: KindRequired, Field: "po_number", Severity: model.SeverityHard},
	}
	e.Reload(rs)

	res := e.Evaluate(cleanRecord())
	assert.Contains(t, res.HardFailures(), "required.po_number")
	assert.Len(t, res.Outcomes, 1)
}

func TestLoadRules_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 3
modes:
  balanced:
    confidence_default: 0.6
rules:
  - id: required.total_amount
    kind: required_present
    field: total_amount
    severity: hard
`), 0o644))

	rs, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Version)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, "required.total_amount", rs.Rules[0].ID)
	assert.Equal(t, model.SeverityHard, rs.Rules[0].Severity)
	assert.Equal(t, 0.6, rs.params(ModeBalanced).ConfidenceDefault)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeBalanced, m)

	_, err = ParseMode("paranoid")
	assert.Error(t, err)
}
