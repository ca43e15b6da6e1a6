package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/approval"
	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/ingest"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/ocr"
	"github.com/ledgerline/invoicescan/internal/resolve"
	"github.com/ledgerline/invoicescan/internal/review"
	"github.com/ledgerline/invoicescan/internal/validate"
	"github.com/ledgerline/invoicescan/internal/variant"
	"github.com/ledgerline/invoicescan/internal/zone"
)

// scriptedEngine returns the same token set for every zone crop, so the
// downstream stages see deterministic recognition output.
type scriptedEngine struct {
	tokens []model.Token

	mu    sync.Mutex
	calls int
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Recognize(_ context.Context, _ ocr.Input) ([]model.Token, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.tokens, nil
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// tokenLine lays out words left to right on one baseline.
func tokenLine(y int, conf float64, words ...string) []model.Token {
	var out []model.Token
	x := 10
	for _, w := range words {
		width := 12 * len(w)
		out = append(out, model.Token{
			Text:       w,
			Bounds:     model.Rect{X: x, Y: y, Width: width, Height: 20},
			Confidence: conf,
		})
		x += width + 8
	}
	return out
}

func invoiceTokens(conf float64, withTotal bool) []model.Token {
	var ts []model.Token
	ts = append(ts, tokenLine(10, conf, "Invoice", "Number:", "INV-1001")...)
	ts = append(ts, tokenLine(60, conf, "Invoice", "Date:", "2025-07-01")...)
	ts = append(ts, tokenLine(110, conf, "Vendor:", "Acme", "Supply", "Co")...)
	if withTotal {
		ts = append(ts, tokenLine(160, conf, "Amount", "Due:", "$142.50")...)
	}
	return ts
}

// invoicePNG renders a page with one inked band in the top third, which the
// zone detector segments into a single header zone.
func invoicePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 800, 1000))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 100; y < 200; y++ {
		for x := 100; x < 700; x++ {
			img.Pix[y*img.Stride+x] = 0
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	pipeline *Pipeline
	store    *review.SQLiteStore
	service  *review.Service
	rules    *validate.Engine
}

func newEnv(t *testing.T, eng ocr.Engine, ocrCfg config.OCRConfig) *testEnv {
	t.Helper()

	artifacts := artifact.New(artifact.NewMemory(), artifact.Options{})
	st, err := review.NewSQLite(filepath.Join(t.TempDir(), "cases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	rules := validate.NewEngine(validate.DefaultRules(), validate.ModeBalanced)
	svc := review.NewService(st, rules)
	fields := model.NewFieldRegistry(model.DefaultFields())

	deps := Deps{
		Ingestor:     ingest.New(artifacts, nil, config.IngestConfig{DPI: 300, MaxPages: 10}),
		Variants:     variant.New(artifacts, config.VariantConfig{MaxVariants: 6}),
		Zones:        zone.NewDetector(artifacts, config.ZoneConfig{MinGapPx: 12, NoiseCutoff: 0.05}),
		Orchestrator: ocr.NewOrchestrator(artifacts, ocr.NewRegistry(eng), nil, 4, 0),
		Candidates:   candidate.New(artifacts, fields, nil),
		Resolver:     resolve.New(artifacts, fields, resolve.DefaultCurves(), config.ResolveConfig{TotalsTolerance: 0.01}),
		Validator:    rules,
		Cases:        svc,
	}
	return &testEnv{
		pipeline: New(deps, ocrCfg, 300),
		store:    st,
		service:  svc,
		rules:    rules,
	}
}

func ocrConfig(maxPasses int, earlyStop float64) config.OCRConfig {
	return config.OCRConfig{
		Engines:            []string{"scripted"},
		MaxPasses:          maxPasses,
		WallBudgetSecs:     60,
		PassTimeoutSecs:    5,
		EarlyStopThreshold: earlyStop,
		CriticalFields:     []string{"invoice_number", "invoice_date", "vendor_name", "total_amount"},
		DocConcurrency:     2,
	}
}

func TestProcess_CleanInvoiceStopsEarly(t *testing.T) {
	eng := &scriptedEngine{tokens: invoiceTokens(0.98, true)}
	env := newEnv(t, eng, ocrConfig(3, 0.5))

	out, err := env.pipeline.Process(context.Background(), invoicePNG(t), "image/png", "acme")
	require.NoError(t, err)

	assert.Equal(t, model.RunEarlyStopped, out.RunState)
	assert.Empty(t, out.Validation.HardFailures())

	assert.Equal(t, "INV-1001", out.Record.Field("invoice_number").Value)
	assert.Equal(t, "2025-07-01", out.Record.Field("invoice_date").Value)
	assert.Equal(t, "Acme Supply Co", out.Record.Field("vendor_name").Value)
	assert.Equal(t, "142.50", out.Record.Field("total_amount").Value)

	require.NotNil(t, out.Case)
	assert.Equal(t, model.CasePending, out.Case.State)
	assert.Equal(t, model.RunEarlyStopped, out.Case.RunState)

	// Early stop after the first round: one call per zone x variant pair.
	assert.Equal(t, 6, eng.callCount())

	trail, err := env.service.Audit(context.Background(), out.Case.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, model.AuditPipelineNote, trail[0].Action)
}

func TestProcess_LowConfidenceExhaustsBudget(t *testing.T) {
	eng := &scriptedEngine{tokens: invoiceTokens(0.4, true)}
	env := newEnv(t, eng, ocrConfig(2, 0.9))

	out, err := env.pipeline.Process(context.Background(), invoicePNG(t), "image/png", "acme")
	require.NoError(t, err)

	assert.Equal(t, model.RunBudgetExhausted, out.RunState)
	assert.Contains(t, out.Validation.HardFailures(), "confidence.total_amount")
	assert.Greater(t, out.Validation.WarningCount(), 0)
	assert.Equal(t, model.CasePending, out.Case.State)

	// Both rounds ran without an early stop.
	assert.Equal(t, 12, eng.callCount())
}

func TestProcess_MissingTotalBlocksUntilEdited(t *testing.T) {
	eng := &scriptedEngine{tokens: invoiceTokens(0.98, false)}
	env := newEnv(t, eng, ocrConfig(3, 0.5))
	ctx := context.Background()

	out, err := env.pipeline.Process(ctx, invoicePNG(t), "image/png", "acme")
	require.NoError(t, err)

	assert.True(t, out.Record.Field("total_amount").Unresolved)
	assert.Contains(t, out.Validation.HardFailures(), "required.total_amount")

	sess, err := env.service.StartSession(ctx, "casey")
	require.NoError(t, err)
	_, err = env.service.Claim(ctx, sess.ID, out.Case.ID)
	require.NoError(t, err)

	handoff := &countingHandoff{}
	gate := approval.NewGate(env.store, env.rules, handoff)

	// Approval is blocked while the required total is missing.
	_, err = gate.Approve(ctx, out.Case.ID, "casey")
	require.Error(t, err)
	assert.Equal(t, 0, handoff.count())

	_, err = env.service.EditField(ctx, out.Case.ID, "total_amount", "142.50", "casey")
	require.NoError(t, err)

	approved, err := gate.Approve(ctx, out.Case.ID, "casey")
	require.NoError(t, err)
	assert.Equal(t, model.CaseApproved, approved.State)
	assert.Equal(t, 1, handoff.count())
}

func TestProcess_UnsupportedFormat(t *testing.T) {
	env := newEnv(t, &scriptedEngine{}, ocrConfig(1, 0))

	_, err := env.pipeline.Process(context.Background(), []byte("plain text"), "text/plain", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrUnsupportedFormat)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	eng := &scriptedEngine{tokens: invoiceTokens(0.98, true)}
	env := newEnv(t, eng, ocrConfig(3, 0.5))

	results := env.pipeline.ProcessBatch(context.Background(), []Input{
		{Data: invoicePNG(t), MIME: "image/png", VendorID: "acme"},
		{Data: []byte("nope"), MIME: "text/plain"},
	}, 2)

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	assert.Equal(t, model.RunEarlyStopped, results[0].Outcome.RunState)
	require.Error(t, results[1].Err)
	assert.Nil(t, results[1].Outcome)
}

func TestProcess_VendorMaskSuppressesZone(t *testing.T) {
	eng := &scriptedEngine{tokens: invoiceTokens(0.98, true)}
	env := newEnv(t, eng, ocrConfig(2, 0.5))

	masks, err := zone.NewFileMaskStore(filepath.Join(t.TempDir(), "masks"))
	require.NoError(t, err)
	require.NoError(t, masks.Add("acme", zone.Mask{
		Bounds: model.Rect{X: 0, Y: 0, Width: 800, Height: 1000},
		Reason: "letterhead logo",
	}))
	env.pipeline.deps.Masks = masks

	out, err := env.pipeline.Process(context.Background(), invoicePNG(t), "image/png", "acme")
	require.NoError(t, err)

	// Every zone is masked, so no pass ever runs and nothing resolves.
	assert.Equal(t, 0, eng.callCount())
	assert.True(t, out.Record.Field("total_amount").Unresolved)
	assert.Contains(t, out.Validation.HardFailures(), "required.total_amount")
}

type countingHandoff struct {
	mu sync.Mutex
	n  int
}

func (h *countingHandoff) Submit(_ context.Context, _ *model.ReviewCase) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	return nil
}

func (h *countingHandoff) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
