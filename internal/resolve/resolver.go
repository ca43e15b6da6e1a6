// Package resolve merges field candidates into a resolved record via weighted
// consensus, then calibrates confidence and runs cross-field checks.
package resolve

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
)

// crossCheckPenalty scales down the calibrated confidence of every field a
// failed cross-field check touches. The fields stay resolved; the record just
// stops looking certain.
const crossCheckPenalty = 0.75

// Resolver merges candidates into resolved fields.
type Resolver struct {
	store  *artifact.Store
	fields *model.FieldRegistry
	curves *Curves
	cfg    config.ResolveConfig
}

// New creates a Resolver.
func New(store *artifact.Store, fields *model.FieldRegistry, curves *Curves, cfg config.ResolveConfig) *Resolver {
	if curves == nil {
		curves = DefaultCurves()
	}
	return &Resolver{store: store, fields: fields, curves: curves, cfg: cfg}
}

// valueGroup is all candidates proposing the same normalized value for one
// field.
type valueGroup struct {
	value     string
	members   []model.Candidate
	score     float64
	bestRaw   float64
	bestReady float64
	bestRank  int
}

// Resolve produces the record for a document from its candidates. Every
// required field appears in the output: with zero candidates it is emitted
// unresolved at confidence 0, never omitted.
func (r *Resolver) Resolve(ctx context.Context, docID, vendorID string, cands []model.Candidate) (*model.ResolvedRecord, error) {
	header := make(map[string][]model.Candidate)
	lineParts := make(map[int]map[string][]model.Candidate)

	for _, c := range cands {
		if c.Line > 0 {
			part := linePart(c.Field)
			if lineParts[c.Line] == nil {
				lineParts[c.Line] = make(map[string][]model.Candidate)
			}
			lineParts[c.Line][part] = append(lineParts[c.Line][part], c)
			continue
		}
		header[c.Field] = append(header[c.Field], c)
	}

	record := &model.ResolvedRecord{
		DocumentID: docID,
		VendorID:   vendorID,
		Fields:     make(map[string]model.ResolvedField),
		ResolvedAt: time.Now().UTC(),
	}

	for i := range r.fields.Fields {
		def := &r.fields.Fields[i]
		record.Fields[def.Key] = r.resolveField(def, header[def.Key])
	}

	record.LineItems = r.resolveLines(lineParts)

	r.applyCrossChecks(record)
	r.persist(ctx, record)
	return record, nil
}

// resolveField picks the winning value group by weighted consensus.
func (r *Resolver) resolveField(def *model.FieldDef, cands []model.Candidate) model.ResolvedField {
	if len(cands) == 0 {
		return model.ResolvedField{Field: def.Key, Unresolved: true}
	}

	groups := groupByValue(cands)
	sortGroups(groups)
	winner := groups[0]

	var total float64
	for _, g := range groups {
		total += g.score
	}
	agreement := 1.0
	if total > 0 {
		agreement = winner.score / total
	}
	raw := agreement * winner.bestRaw
	confidence := r.curves.For(def.Type).Apply(raw)

	out := model.ResolvedField{
		Field:      def.Key,
		Value:      winner.value,
		Confidence: confidence,
	}
	for _, g := range groups {
		isWinner := g.value == winner.value
		for _, c := range g.members {
			if isWinner && c.Ref != "" {
				out.Evidence = append(out.Evidence, c.Ref)
			}
			out.Attempts = append(out.Attempts, model.ResolutionAttempt{
				Value:     c.Value,
				Raw:       c.Raw,
				Weight:    c.Source.Weight() * c.Raw,
				Source:    c.Source,
				Strategy:  c.Strategy,
				SourceRef: c.SourceRef,
				CandidRef: c.Ref,
				PageIndex: c.Span.PageIndex,
				Winner:    isWinner,
			})
		}
	}
	return out
}

func groupByValue(cands []model.Candidate) []*valueGroup {
	byValue := make(map[string]*valueGroup)
	var order []string
	for _, c := range cands {
		g, ok := byValue[c.Value]
		if !ok {
			g = &valueGroup{value: c.Value, bestRank: 99}
			byValue[c.Value] = g
			order = append(order, c.Value)
		}
		g.members = append(g.members, c)
		g.score += c.Source.Weight() * c.Raw
		if c.Raw > g.bestRaw {
			g.bestRaw = c.Raw
		}
		if c.Readiness > g.bestReady {
			g.bestReady = c.Readiness
		}
		if rank := c.Source.Rank(); rank < g.bestRank {
			g.bestRank = rank
		}
	}

	groups := make([]*valueGroup, 0, len(byValue))
	for _, v := range order {
		groups = append(groups, byValue[v])
	}
	return groups
}

// sortGroups orders by consensus score, then readiness of the best source
// pass, then source rank, then value, so resolution is deterministic.
func sortGroups(groups []*valueGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestReady != b.bestReady {
			return a.bestReady > b.bestReady
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.value < b.value
	})
}

// resolveLines assembles line items from per-row part candidates.
func (r *Resolver) resolveLines(rows map[int]map[string][]model.Candidate) []model.LineItem {
	if len(rows) == 0 {
		return nil
	}
	nums := make([]int, 0, len(rows))
	for n := range rows {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var items []model.LineItem
	for _, n := range nums {
		parts := rows[n]
		item := model.LineItem{Line: n}
		var confSum float64
		var confN int

		resolvePart := func(part string, ft model.FieldType) (string, bool) {
			cands := parts[part]
			if len(cands) == 0 {
				return "", false
			}
			groups := groupByValue(cands)
			sortGroups(groups)
			for _, c := range groups[0].members {
				if c.Ref != "" {
					item.Evidence = append(item.Evidence, c.Ref)
				}
			}
			var total float64
			for _, g := range groups {
				total += g.score
			}
			agreement := 1.0
			if total > 0 {
				agreement = groups[0].score / total
			}
			confSum += r.curves.For(ft).Apply(agreement * groups[0].bestRaw)
			confN++
			return groups[0].value, true
		}

		if v, ok := resolvePart("description", model.FieldText); ok {
			item.Description = v
		}
		if v, ok := resolvePart("quantity", model.FieldNumber); ok {
			if q, err := strconv.ParseFloat(v, 64); err == nil {
				item.Quantity = q
			}
		}
		if v, ok := resolvePart("unit_price", model.FieldMoney); ok {
			if m, err := candidate.ParseMoney(v); err == nil {
				item.UnitPrice = m
			}
		}
		v, ok := resolvePart("amount", model.FieldMoney)
		if !ok {
			// A row without an amount is not a line item.
			continue
		}
		m, err := candidate.ParseMoney(v)
		if err != nil {
			continue
		}
		item.Amount = m

		if confN > 0 {
			item.Confidence = confSum / float64(confN)
		}
		items = append(items, item)
	}
	return items
}

// applyCrossChecks runs record-level consistency checks and discounts the
// confidence of every touched field when one fails. No field is rejected.
func (r *Resolver) applyCrossChecks(record *model.ResolvedRecord) {
	tolerance := r.cfg.TotalsTolerance
	if tolerance <= 0 {
		tolerance = 0.01
	}

	if len(record.LineItems) > 0 {
		if total, ok := moneyField(record, "total_amount"); ok {
			sum := record.LineTotal()
			if sub, okSub := moneyField(record, "subtotal"); okSub {
				// With an explicit subtotal, the line sum checks against it.
				if !within(sum, sub, tolerance) {
					r.discount(record, "line sum vs subtotal", "subtotal")
				}
			} else if !within(sum, total, tolerance) {
				r.discount(record, "line sum vs total", "total_amount")
			}
		}
	}

	sub, okSub := moneyField(record, "subtotal")
	tax, okTax := moneyField(record, "tax_amount")
	total, okTotal := moneyField(record, "total_amount")
	if okSub && okTax && okTotal && !within(sub+tax, total, tolerance) {
		r.discount(record, "subtotal plus tax vs total", "subtotal", "tax_amount", "total_amount")
	}
}

func (r *Resolver) discount(record *model.ResolvedRecord, check string, fields ...string) {
	zap.L().Info("resolve: cross-field check failed",
		zap.String("document", record.DocumentID),
		zap.String("check", check),
		zap.Strings("fields", fields),
	)
	for _, key := range fields {
		f, ok := record.Fields[key]
		if !ok || f.Unresolved {
			continue
		}
		f.Confidence *= crossCheckPenalty
		for i := range f.Attempts {
			if f.Attempts[i].Winner {
				f.Attempts[i].Discounted = true
			}
		}
		record.Fields[key] = f
	}
}

func moneyField(record *model.ResolvedRecord, key string) (model.Money, bool) {
	f, ok := record.Fields[key]
	if !ok || f.Unresolved || f.Value == "" {
		return 0, false
	}
	m, err := candidate.ParseMoney(f.Value)
	if err != nil {
		return 0, false
	}
	return m, true
}

// within compares amounts under a relative tolerance with a one-cent floor.
func within(a, b model.Money, tolerance float64) bool {
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

func linePart(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}

// persist registers the record as an artifact chained to all of its evidence.
func (r *Resolver) persist(ctx context.Context, record *model.ResolvedRecord) {
	body, err := json.Marshal(record)
	if err != nil {
		zap.L().Warn("resolve: marshal record", zap.Error(err))
		return
	}
	parents := record.EvidenceRefs()
	ref, err := r.store.Put(ctx, model.KindResolved, parents,
		map[string]any{"document": record.DocumentID}, body)
	if err != nil {
		zap.L().Warn("resolve: persist record", zap.Error(err))
		return
	}
	record.Ref = ref
}
