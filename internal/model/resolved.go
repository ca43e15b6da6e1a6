package model

import (
	"fmt"
	"time"
)

// Money is an amount in minor currency units (cents). Line-sum checks stay
// exact this way.
type Money int64

// String formats the amount as a decimal with two fraction digits.
func (m Money) String() string {
	neg := ""
	v := int64(m)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", neg, v/100, v%100)
}

// ResolutionAttempt records one candidate considered while resolving a field,
// mirroring the per-field audit trail shape used for reviewer display.
type ResolutionAttempt struct {
	Value      string     `json:"value"`
	Raw        float64    `json:"raw"`
	Weight     float64    `json:"weight"`
	Source     SourceType `json:"source"`
	Strategy   Strategy   `json:"strategy"`
	SourceRef  Ref        `json:"source_ref,omitempty"`
	CandidRef  Ref        `json:"candidate_ref,omitempty"`
	PageIndex  int        `json:"page_index"`
	Winner     bool       `json:"winner,omitempty"`
	Discounted bool       `json:"discounted,omitempty"`
}

// ResolvedField is the chosen value for one field. Immutable once produced.
type ResolvedField struct {
	Field string `json:"field"`
	Value string `json:"value"`
	// Confidence is the calibrated probability, 0 for unresolved fields.
	Confidence float64 `json:"confidence"`
	// Unresolved marks a required field that produced zero candidates. Such
	// fields are emitted, never omitted.
	Unresolved bool `json:"unresolved,omitempty"`
	// Evidence references the candidate artifacts backing the value. It is
	// never empty for a resolved (non-unresolved) field.
	Evidence []Ref               `json:"evidence,omitempty"`
	Attempts []ResolutionAttempt `json:"attempts,omitempty"`
	// Edited marks a value manually set by a reviewer.
	Edited bool `json:"edited,omitempty"`
}

// LineItem is one resolved invoice line.
type LineItem struct {
	Line        int     `json:"line"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   Money   `json:"unit_price"`
	Amount      Money   `json:"amount"`
	Confidence  float64 `json:"confidence"`
	Evidence    []Ref   `json:"evidence,omitempty"`
}

// ResolvedRecord is the full resolved field set for a document.
type ResolvedRecord struct {
	DocumentID string                   `json:"document_id"`
	VendorID   string                   `json:"vendor_id,omitempty"`
	Ref        Ref                      `json:"ref,omitempty"`
	Fields     map[string]ResolvedField `json:"fields"`
	LineItems  []LineItem               `json:"line_items,omitempty"`
	ResolvedAt time.Time                `json:"resolved_at"`
}

// Field returns the resolved field for key, or a zero-value unresolved field
// if the key is absent.
func (r *ResolvedRecord) Field(key string) ResolvedField {
	if f, ok := r.Fields[key]; ok {
		return f
	}
	return ResolvedField{Field: key, Unresolved: true}
}

// LineTotal sums the line item amounts.
func (r *ResolvedRecord) LineTotal() Money {
	var sum Money
	for _, li := range r.LineItems {
		sum += li.Amount
	}
	return sum
}

// EvidenceRefs collects every artifact reference cited by the record.
func (r *ResolvedRecord) EvidenceRefs() []Ref {
	seen := make(map[Ref]struct{})
	var refs []Ref
	add := func(rs []Ref) {
		for _, ref := range rs {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	for _, f := range r.Fields {
		add(f.Evidence)
	}
	for _, li := range r.LineItems {
		add(li.Evidence)
	}
	if r.Ref != "" {
		add([]Ref{r.Ref})
	}
	return refs
}
