package candidate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/model"
)

func tok(text string, x, y int) model.Token {
	return model.Token{
		Text:       text,
		Bounds:     model.Rect{X: x, Y: y, Width: 8 * len(text), Height: 12},
		Confidence: 0.9,
	}
}

func newGenerator(t *testing.T, lexicons LexiconStore) (*Generator, *artifact.Store) {
	t.Helper()
	store := artifact.New(artifact.NewMemory(), artifact.Options{})
	return New(store, model.NewFieldRegistry(model.DefaultFields()), lexicons), store
}

func sourceRef(t *testing.T, store *artifact.Store) model.Ref {
	t.Helper()
	ref, err := store.Put(context.Background(), model.KindOcrResult, nil, nil, []byte("pass"))
	require.NoError(t, err)
	return ref
}

func byField(cands []model.Candidate, field string) []model.Candidate {
	var out []model.Candidate
	for _, c := range cands {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out
}

func hasValue(cands []model.Candidate, value string, strategy model.Strategy) bool {
	for _, c := range cands {
		if c.Value == value && c.Strategy == strategy {
			return true
		}
	}
	return false
}

func TestGenerate_PatternFindsInvoiceNumber(t *testing.T) {
	gen, store := newGenerator(t, nil)
	src := Source{
		Type: model.SourceOCRHigh, Ref: sourceRef(t, store), ZoneType: model.ZoneHeaderFields,
		Tokens: []model.Token{tok("Invoice", 10, 20), tok("No:", 80, 20), tok("INV-1042", 120, 20)},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)

	got := byField(cands, "invoice_number")
	require.NotEmpty(t, got)
	assert.True(t, hasValue(got, "INV-1042", model.StrategyPattern))
}

func TestGenerate_LexiconReadsValueAfterLabel(t *testing.T) {
	gen, store := newGenerator(t, nil)
	src := Source{
		Type: model.SourceTextLayer, Ref: sourceRef(t, store), ZoneType: model.ZoneUnclassified,
		Tokens: []model.Token{tok("Total", 10, 300), tok("Due", 60, 300), tok("145.00", 120, 300)},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)

	got := byField(cands, "total_amount")
	assert.True(t, hasValue(got, "145.00", model.StrategyLexicon))
}

func TestGenerate_LexiconFallsThroughToNextLine(t *testing.T) {
	gen, store := newGenerator(t, nil)
	src := Source{
		Type: model.SourceOCRHigh, Ref: sourceRef(t, store), ZoneType: model.ZoneHeaderFields,
		Tokens: []model.Token{
			tok("Vendor", 10, 20),
			tok("Acme", 10, 40), tok("Supply", 55, 40), tok("Co", 115, 40),
		},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)

	got := byField(cands, "vendor_name")
	assert.True(t, hasValue(got, "Acme Supply Co", model.StrategyLexicon))
}

func TestGenerate_PositionalRespectsZoneHints(t *testing.T) {
	gen, store := newGenerator(t, nil)
	totals := Source{
		Type: model.SourceOCRHigh, Ref: sourceRef(t, store), ZoneType: model.ZoneTotalsBox,
		Tokens: []model.Token{tok("145.00", 300, 400)},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{totals})
	require.NoError(t, err)
	assert.True(t, hasValue(byField(cands, "total_amount"), "145.00", model.StrategyPositional))

	// The same token in a footer zone gets no positional candidate for a
	// totals-hinted field.
	footer := totals
	footer.ZoneType = model.ZoneFooter
	cands, err = gen.Generate(context.Background(), "", []Source{footer})
	require.NoError(t, err)
	assert.False(t, hasValue(byField(cands, "total_amount"), "145.00", model.StrategyPositional))
}

func TestGenerate_NoMatchesIsNotAnError(t *testing.T) {
	gen, store := newGenerator(t, nil)
	src := Source{
		Type: model.SourceOCRLow, Ref: sourceRef(t, store), ZoneType: model.ZoneUnclassified,
		Tokens: []model.Token{tok("hello", 10, 20), tok("world", 60, 20)},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestGenerate_LineItems(t *testing.T) {
	gen, store := newGenerator(t, nil)
	src := Source{
		Type: model.SourceOCRHigh, Ref: sourceRef(t, store), ZoneType: model.ZoneLineItemsTable,
		Tokens: []model.Token{
			tok("Widget", 10, 100), tok("2", 150, 100), tok("10.00", 200, 100), tok("20.00", 280, 100),
			tok("Gadget", 10, 130), tok("5", 150, 130), tok("24.50", 200, 130), tok("122.50", 280, 130),
		},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)

	assert.True(t, hasValue(byField(cands, "line.1.amount"), "20.00", model.StrategyPattern))
	assert.True(t, hasValue(byField(cands, "line.1.unit_price"), "10.00", model.StrategyPattern))
	assert.True(t, hasValue(byField(cands, "line.1.quantity"), "2", model.StrategyPattern))
	assert.True(t, hasValue(byField(cands, "line.1.description"), "Widget", model.StrategyPattern))
	assert.True(t, hasValue(byField(cands, "line.2.amount"), "122.50", model.StrategyPattern))

	one := byField(cands, "line.1.amount")
	require.NotEmpty(t, one)
	assert.Equal(t, 1, one[0].Line)
}

func TestGenerate_VendorAliasesExtendLabels(t *testing.T) {
	lex, err := NewFileLexiconStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, lex.Learn("acme", "invoice_number", "Rechnungsnummer"))

	gen, store := newGenerator(t, lex)
	src := Source{
		Type: model.SourceOCRHigh, Ref: sourceRef(t, store), ZoneType: model.ZoneHeaderFields,
		Tokens: []model.Token{tok("Rechnungsnummer:", 10, 20), tok("2026-88", 150, 20)},
	}

	cands, err := gen.Generate(context.Background(), "acme", []Source{src})
	require.NoError(t, err)
	assert.True(t, hasValue(byField(cands, "invoice_number"), "2026-88", model.StrategyLexicon))
}

func TestGenerate_CandidatesPersistedWithLineage(t *testing.T) {
	gen, store := newGenerator(t, nil)
	ref := sourceRef(t, store)
	src := Source{
		Type: model.SourceOCRHigh, Ref: ref, ZoneType: model.ZoneHeaderFields,
		Tokens: []model.Token{tok("Invoice", 10, 20), tok("No:", 80, 20), tok("INV-1042", 120, 20)},
	}

	cands, err := gen.Generate(context.Background(), "", []Source{src})
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	meta, ok := store.Meta(cands[0].Ref)
	require.True(t, ok)
	assert.Equal(t, model.KindCandidate, meta.Kind)
	assert.Equal(t, []model.Ref{ref}, meta.Parents)
}

func TestBuildLines_OrdersReadingOrder(t *testing.T) {
	lines := buildLines([]model.Token{
		tok("second", 10, 50),
		tok("first", 10, 20),
		tok("line", 60, 20),
	})
	require.Len(t, lines, 2)
	assert.Equal(t, "first line", lines[0].text)
	assert.Equal(t, "second", lines[1].text)
}

func TestFileLexiconStore_LearnDeduplicates(t *testing.T) {
	lex, err := NewFileLexiconStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, lex.Learn("acme", "total_amount", "Gesamtbetrag"))
	require.NoError(t, lex.Learn("acme", "total_amount", "gesamtbetrag"))

	got, err := lex.Lexicon("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"Gesamtbetrag"}, got.Aliases["total_amount"])
}
