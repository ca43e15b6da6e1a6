package model

import "regexp"

// FieldType drives normalization, calibration curve selection, and
// validation coercion.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldDate   FieldType = "date"
	FieldMoney  FieldType = "money"
	FieldNumber FieldType = "number"
	FieldID     FieldType = "id"
)

// FieldDef declares one extractable field: the patterns that match its value,
// the labels that anchor lexicon and positional search, and the zone types it
// usually appears in.
type FieldDef struct {
	Key      string    `json:"key" yaml:"key"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	// Patterns are value regexes; the first capture group, when present, is
	// the extracted value.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	// Labels are the anchor words a lexicon match looks for near the value.
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	// Zones restricts which zone types the positional strategy searches.
	Zones []ZoneType `json:"zones,omitempty" yaml:"zones,omitempty"`

	compiled []*regexp.Regexp
}

// FieldRegistry is an indexed collection of field definitions with
// precompiled patterns. Invalid patterns are skipped at build time.
type FieldRegistry struct {
	Fields []FieldDef
	byKey  map[string]*FieldDef
}

// NewFieldRegistry indexes field definitions and precompiles their patterns.
func NewFieldRegistry(fields []FieldDef) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byKey:  make(map[string]*FieldDef, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		for _, p := range f.Patterns {
			if re, err := regexp.Compile(p); err == nil {
				f.compiled = append(f.compiled, re)
			}
		}
		r.byKey[f.Key] = f
	}
	return r
}

// ByKey returns the field definition for key, or nil.
func (r *FieldRegistry) ByKey(key string) *FieldDef {
	return r.byKey[key]
}

// Required returns all required field definitions.
func (r *FieldRegistry) Required() []*FieldDef {
	var out []*FieldDef
	for i := range r.Fields {
		if r.Fields[i].Required {
			out = append(out, &r.Fields[i])
		}
	}
	return out
}

// Regexps returns the precompiled patterns for f.
func (f *FieldDef) Regexps() []*regexp.Regexp { return f.compiled }

// DefaultFields is the standard invoice field set.
func DefaultFields() []FieldDef {
	return []FieldDef{
		{
			Key: "invoice_number", Type: FieldID, Required: true,
			Patterns: []string{`(?i)\b(?:invoice|inv)\.?\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-/]{2,19})\b`},
			Labels:   []string{"invoice number", "invoice no", "invoice #", "inv no"},
			Zones:    []ZoneType{ZoneHeaderFields},
		},
		{
			Key: "invoice_date", Type: FieldDate, Required: true,
			Patterns: []string{
				`\b(\d{4}-\d{2}-\d{2})\b`,
				`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`,
				`\b(\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?,?\s+\d{4})\b`,
			},
			Labels: []string{"invoice date", "date", "issued"},
			Zones:  []ZoneType{ZoneHeaderFields},
		},
		{
			Key: "due_date", Type: FieldDate,
			Patterns: []string{
				`\b(\d{4}-\d{2}-\d{2})\b`,
				`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`,
			},
			Labels: []string{"due date", "payment due", "due by"},
			Zones:  []ZoneType{ZoneHeaderFields},
		},
		{
			Key: "vendor_name", Type: FieldText, Required: true,
			Labels: []string{"from", "vendor", "supplier", "remit to"},
			Zones:  []ZoneType{ZoneHeaderFields},
		},
		{
			Key: "po_number", Type: FieldID,
			Patterns: []string{`(?i)\b(?:p\.?o\.?|purchase\s+order)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-]{2,14})\b`},
			Labels:   []string{"po number", "purchase order", "po #"},
			Zones:    []ZoneType{ZoneHeaderFields},
		},
		{
			Key: "currency", Type: FieldText,
			Patterns: []string{`\b(USD|EUR|GBP|CAD|AUD|CHF|JPY)\b`},
			Labels:   []string{"currency"},
			Zones:    []ZoneType{ZoneHeaderFields, ZoneTotalsBox},
		},
		{
			Key: "subtotal", Type: FieldMoney,
			Patterns: []string{`\$?\s?([0-9]{1,3}(?:,[0-9]{3})*(?:\.[0-9]{2}))\b`},
			Labels:   []string{"subtotal", "sub total", "sub-total"},
			Zones:    []ZoneType{ZoneTotalsBox},
		},
		{
			Key: "tax_amount", Type: FieldMoney,
			Patterns: []string{`\$?\s?([0-9]{1,3}(?:,[0-9]{3})*(?:\.[0-9]{2}))\b`},
			Labels:   []string{"tax", "vat", "sales tax", "gst"},
			Zones:    []ZoneType{ZoneTotalsBox},
		},
		{
			Key: "total_amount", Type: FieldMoney, Required: true,
			Patterns: []string{`\$?\s?([0-9]{1,3}(?:,[0-9]{3})*(?:\.[0-9]{2}))\b`},
			Labels:   []string{"total", "amount due", "balance due", "total due", "grand total"},
			Zones:    []ZoneType{ZoneTotalsBox},
		},
	}
}
