// Package candidate extracts proposed field values from recognized text via
// pattern, lexicon and positional strategies. The PDF text layer, when
// present, runs through the same strategies as an additional source.
package candidate

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/model"
)

// Strategy confidence factors: a regex hit on the value shape is stronger
// evidence than a label-anchored read, which beats a bare positional guess.
const (
	patternFactor    = 1.0
	lexiconFactor    = 0.9
	positionalFactor = 0.7
)

// Source is one extraction input: the tokens of one OCR pass result or of
// the document's text layer.
type Source struct {
	Type      model.SourceType
	Ref       model.Ref
	PageIndex int
	// ZoneType scopes positional search; ZoneUnclassified means unknown
	// (the text layer spans the whole page).
	ZoneType  model.ZoneType
	Readiness float64
	Tokens    []model.Token
}

// Generator runs every strategy over every source for every field.
type Generator struct {
	store    *artifact.Store
	fields   *model.FieldRegistry
	lexicons LexiconStore
}

// New creates a Generator. lexicons may be nil, disabling vendor overrides.
func New(store *artifact.Store, fields *model.FieldRegistry, lexicons LexiconStore) *Generator {
	return &Generator{store: store, fields: fields, lexicons: lexicons}
}

// Generate produces candidates for all fields across all sources. A strategy
// finding nothing contributes zero candidates, which is not an error.
func (g *Generator) Generate(ctx context.Context, vendorID string, sources []Source) ([]model.Candidate, error) {
	aliases := map[string][]string{}
	if g.lexicons != nil && vendorID != "" {
		lex, err := g.lexicons.Lexicon(vendorID)
		if err != nil {
			zap.L().Warn("candidate: vendor lexicon unavailable",
				zap.String("vendor", vendorID), zap.Error(err))
		} else {
			aliases = lex.Aliases
		}
	}

	var out []model.Candidate
	for _, src := range sources {
		lines := buildLines(src.Tokens)
		if len(lines) == 0 {
			continue
		}

		for i := range g.fields.Fields {
			field := &g.fields.Fields[i]
			labels := append(append([]string(nil), field.Labels...), aliases[field.Key]...)

			out = append(out, patternCandidates(field, lines, src)...)
			out = append(out, lexiconCandidates(field, labels, lines, src)...)
			out = append(out, positionalCandidates(field, lines, src)...)
		}

		if src.ZoneType == model.ZoneLineItemsTable {
			out = append(out, lineItemCandidates(lines, src)...)
		}
	}

	for i := range out {
		g.persist(ctx, &out[i])
	}
	return out, nil
}

// patternCandidates matches the field's value regexes against each line.
func patternCandidates(field *model.FieldDef, lines []textLine, src Source) []model.Candidate {
	var out []model.Candidate
	for _, re := range field.Regexps() {
		for li := range lines {
			l := &lines[li]
			for _, m := range re.FindAllStringSubmatchIndex(l.text, -1) {
				start, end := m[0], m[1]
				// Prefer the first capture group when the pattern has one.
				if len(m) >= 4 && m[2] >= 0 {
					start, end = m[2], m[3]
				}
				raw := l.text[start:end]
				bounds, conf, covered := l.span(start, end)
				if covered == 0 {
					continue
				}
				out = append(out, newCandidate(field, raw, conf*patternFactor, model.StrategyPattern, bounds, src))
			}
		}
	}
	return out
}

// lexiconCandidates anchors on a label phrase and reads the value to its
// right, or on the next line when the label stands alone.
func lexiconCandidates(field *model.FieldDef, labels []string, lines []textLine, src Source) []model.Candidate {
	var out []model.Candidate
	for li := range lines {
		l := &lines[li]
		lower := strings.ToLower(l.text)

		for _, label := range labels {
			label = strings.ToLower(collapse(label))
			if label == "" {
				continue
			}
			idx := strings.Index(lower, label)
			if idx < 0 {
				continue
			}

			rest := strings.TrimLeft(l.text[idx+len(label):], " \t:.#-")
			if rest != "" {
				start := len(l.text) - len(rest)
				bounds, conf, covered := l.span(start, len(l.text))
				if covered == 0 {
					continue
				}
				out = append(out, newCandidate(field, rest, conf*lexiconFactor, model.StrategyLexicon, bounds, src))
				continue
			}

			// Label with nothing after it: the value usually sits on the next
			// line, roughly below the label.
			if li+1 < len(lines) {
				next := &lines[li+1]
				bounds, conf, covered := next.span(0, len(next.text))
				if covered == 0 || next.text == "" {
					continue
				}
				out = append(out, newCandidate(field, next.text, conf*lexiconFactor*0.9, model.StrategyLexicon, bounds, src))
			}
		}
	}
	return out
}

var typePatterns = map[model.FieldType]*regexp.Regexp{
	model.FieldMoney:  regexp.MustCompile(`\$?\s?[0-9]{1,3}(?:,[0-9]{3})*\.[0-9]{2}\b`),
	model.FieldDate:   regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	model.FieldNumber: regexp.MustCompile(`\b[0-9]+(?:\.[0-9]+)?\b`),
	model.FieldID:     regexp.MustCompile(`\b[A-Z0-9][A-Z0-9\-/]{3,19}\b`),
}

// positionalCandidates proposes type-shaped tokens found in the zone types
// the field usually occupies. Weak evidence on its own; consensus with other
// strategies is what lifts it.
func positionalCandidates(field *model.FieldDef, lines []textLine, src Source) []model.Candidate {
	if src.ZoneType == model.ZoneUnclassified || len(field.Zones) == 0 {
		return nil
	}
	hinted := false
	for _, z := range field.Zones {
		if z == src.ZoneType {
			hinted = true
			break
		}
	}
	if !hinted {
		return nil
	}
	re, ok := typePatterns[field.Type]
	if !ok {
		return nil
	}

	var out []model.Candidate
	for li := range lines {
		l := &lines[li]
		for _, m := range re.FindAllStringIndex(l.text, -1) {
			raw := l.text[m[0]:m[1]]
			bounds, conf, covered := l.span(m[0], m[1])
			if covered == 0 {
				continue
			}
			out = append(out, newCandidate(field, raw, conf*positionalFactor, model.StrategyPositional, bounds, src))
		}
	}
	return out
}

var moneyTail = regexp.MustCompile(`\$?\s?([0-9]{1,3}(?:,[0-9]{3})*\.[0-9]{2})\s*$`)
var qtyLead = regexp.MustCompile(`\b([0-9]+(?:\.[0-9]+)?)\b`)

// lineItemCandidates parses table rows of the shape
// "description ... qty unit amount": the trailing amount is mandatory, the
// unit price and quantity are picked off when present.
func lineItemCandidates(lines []textLine, src Source) []model.Candidate {
	var out []model.Candidate
	row := 0
	for li := range lines {
		l := &lines[li]

		m := moneyTail.FindStringSubmatchIndex(l.text)
		if m == nil {
			continue
		}
		row++

		amountRaw := l.text[m[2]:m[3]]
		bounds, conf, _ := l.span(m[2], m[3])
		out = append(out, lineCandidate("amount", model.FieldMoney, amountRaw, conf, row, bounds, src))

		head := strings.TrimSpace(l.text[:m[0]])

		// A second trailing amount is the unit price.
		if um := moneyTail.FindStringSubmatchIndex(head); um != nil {
			unitRaw := head[um[2]:um[3]]
			ub, uconf, _ := l.span(um[2], um[3])
			out = append(out, lineCandidate("unit_price", model.FieldMoney, unitRaw, uconf, row, ub, src))
			head = strings.TrimSpace(head[:um[0]])
		}

		// A trailing bare number on the remaining head is the quantity.
		if qm := qtyLead.FindAllStringSubmatchIndex(head, -1); len(qm) > 0 {
			last := qm[len(qm)-1]
			if last[1] == len(head) {
				qtyRaw := head[last[2]:last[3]]
				qb, qconf, _ := l.span(last[2], last[3])
				out = append(out, lineCandidate("quantity", model.FieldNumber, qtyRaw, qconf, row, qb, src))
				head = strings.TrimSpace(head[:last[0]])
			}
		}

		if head != "" {
			db, dconf, _ := l.span(0, len(head))
			out = append(out, lineCandidate("description", model.FieldText, head, dconf, row, db, src))
		}
	}
	return out
}

// LineField names a line-item part field, e.g. "line.2.amount".
func LineField(row int, part string) string {
	return "line." + strconv.Itoa(row) + "." + part
}

func lineCandidate(part string, ft model.FieldType, raw string, conf float64, row int, bounds Rect, src Source) model.Candidate {
	return model.Candidate{
		Field:     LineField(row, part),
		Value:     Normalize(ft, raw),
		Raw:       clamp01(conf * patternFactor),
		Source:    src.Type,
		Strategy:  model.StrategyPattern,
		Span:      model.TextSpan{PageIndex: src.PageIndex, Bounds: bounds, Text: raw},
		SourceRef: src.Ref,
		Readiness: src.Readiness,
		Line:      row,
	}
}

func newCandidate(field *model.FieldDef, raw string, conf float64, strategy model.Strategy, bounds Rect, src Source) model.Candidate {
	return model.Candidate{
		Field:     field.Key,
		Value:     Normalize(field.Type, raw),
		Raw:       clamp01(conf),
		Source:    src.Type,
		Strategy:  strategy,
		Span:      model.TextSpan{PageIndex: src.PageIndex, Bounds: bounds, Text: raw},
		SourceRef: src.Ref,
		Readiness: src.Readiness,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// persist registers the candidate as an artifact chained to its source.
// Failure is logged, not fatal; the in-memory candidate still flows on.
func (g *Generator) persist(ctx context.Context, c *model.Candidate) {
	body, err := json.Marshal(c)
	if err != nil {
		zap.L().Warn("candidate: marshal", zap.Error(err))
		return
	}
	var parents []model.Ref
	if c.SourceRef != "" {
		parents = []model.Ref{c.SourceRef}
	}
	params := map[string]any{
		"field":    c.Field,
		"strategy": string(c.Strategy),
		"source":   string(c.Source),
	}
	ref, err := g.store.Put(ctx, model.KindCandidate, parents, params, body)
	if err != nil {
		zap.L().Warn("candidate: persist", zap.Error(err))
		return
	}
	c.Ref = ref
}
