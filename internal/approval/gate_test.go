package approval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
	"github.com/ledgerline/invoicescan/internal/validate"
)

type fakeHandoff struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeHandoff) Submit(_ context.Context, c *model.ReviewCase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, c.ID)
	return f.err
}

func newGate(t *testing.T, handoff Handoff) (*Gate, *review.Service, review.Store) {
	t.Helper()
	st, err := review.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	engine := validate.NewEngine(validate.DefaultRules(), validate.ModeBalanced)
	return NewGate(st, engine, handoff), review.NewService(st, engine), st
}

func inReviewCase(t *testing.T, svc *review.Service) *model.ReviewCase {
	t.Helper()
	c := &model.ReviewCase{
		DocumentID: "doc-1",
		Record: model.ResolvedRecord{
			DocumentID: "doc-1",
			Fields: map[string]model.ResolvedField{
				"invoice_number": {Field: "invoice_number", Value: "INV-1042", Confidence: 0.95},
				"invoice_date":   {Field: "invoice_date", Value: "2026-03-15", Confidence: 0.95},
				"vendor_name":    {Field: "vendor_name", Value: "Acme Supply Co", Confidence: 0.9},
				"total_amount":   {Field: "total_amount", Value: "145.00", Confidence: 0.96},
			},
		},
	}
	require.NoError(t, svc.Open(context.Background(), c))
	c, err := svc.Transition(context.Background(), c.ID, model.CaseInReview, "alex")
	require.NoError(t, err)
	return c
}

func TestApprove_SubmitsExactlyOnce(t *testing.T) {
	handoff := &fakeHandoff{}
	gate, svc, _ := newGate(t, handoff)
	c := inReviewCase(t, svc)

	approved, err := gate.Approve(context.Background(), c.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, model.CaseApproved, approved.State)
	assert.Equal(t, []string{c.ID}, handoff.submitted)

	trail, err := svc.Audit(context.Background(), c.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, model.AuditTransition, last.Action)
	assert.Equal(t, string(model.CaseApproved), last.After)
}

func TestApprove_RequiresInReview(t *testing.T) {
	handoff := &fakeHandoff{}
	gate, svc, _ := newGate(t, handoff)

	c := &model.ReviewCase{DocumentID: "doc-2", Record: model.ResolvedRecord{DocumentID: "doc-2"}}
	require.NoError(t, svc.Open(context.Background(), c))

	_, err := gate.Approve(context.Background(), c.ID, "alex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires in_review")
	assert.Empty(t, handoff.submitted)
}

func TestApprove_HardFailureBlocks(t *testing.T) {
	handoff := &fakeHandoff{}
	gate, svc, _ := newGate(t, handoff)
	c := inReviewCase(t, svc)

	// A totals mismatch introduced after review claims must still block.
	_, err := svc.EditField(context.Background(), c.ID, "total_amount", "", "alex")
	require.NoError(t, err)

	_, err = gate.Approve(context.Background(), c.ID, "alex")
	require.Error(t, err)

	var hardErr *HardValidationFailureError
	require.True(t, errors.As(err, &hardErr))
	assert.Contains(t, hardErr.RuleIDs, "required.total_amount")
	assert.Empty(t, handoff.submitted, "handoff never runs on a blocked approval")

	got, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseInReview, got.State)
}

func TestApprove_HandoffFailureLeavesCaseInReview(t *testing.T) {
	handoff := &fakeHandoff{err: eris.New("accounting system down")}
	gate, svc, _ := newGate(t, handoff)
	c := inReviewCase(t, svc)

	_, err := gate.Approve(context.Background(), c.ID, "alex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accounting system down")
	assert.Len(t, handoff.submitted, 1, "submission attempted exactly once")

	got, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseInReview, got.State)

	trail, err := svc.Audit(context.Background(), c.ID)
	require.NoError(t, err)
	var sawHandoffFailed bool
	for _, e := range trail {
		if e.Action == model.AuditHandoffFailed {
			sawHandoffFailed = true
		}
		if e.Action == model.AuditTransition {
			assert.NotEqual(t, string(model.CaseApproved), e.After,
				"case is never marked approved before the handoff succeeds")
		}
	}
	assert.True(t, sawHandoffFailed)
}

func TestApprove_ConcurrentApproversSubmitOnce(t *testing.T) {
	handoff := &fakeHandoff{}
	gate, svc, _ := newGate(t, handoff)
	c := inReviewCase(t, svc)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Approve(context.Background(), c.ID, "alex")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, failed int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			failed++
			assert.Contains(t, err.Error(), "requires in_review")
		}
	}
	assert.Equal(t, 1, ok, "exactly one approver wins")
	assert.Equal(t, 1, failed)
	assert.Len(t, handoff.submitted, 1, "the case reaches the handoff once")

	got, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseApproved, got.State)
}

func TestApprove_ReopenAndReapprove(t *testing.T) {
	handoff := &fakeHandoff{}
	gate, svc, _ := newGate(t, handoff)
	c := inReviewCase(t, svc)

	_, err := gate.Approve(context.Background(), c.ID, "alex")
	require.NoError(t, err)

	// Reopen for a correction, then approve again.
	_, err = svc.Transition(context.Background(), c.ID, model.CaseInReview, "alex")
	require.NoError(t, err)
	_, err = svc.EditField(context.Background(), c.ID, "total_amount", "142.50", "alex")
	require.NoError(t, err)

	approved, err := gate.Approve(context.Background(), c.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, model.CaseApproved, approved.State)
	assert.Len(t, handoff.submitted, 2, "each approval submits once")
}

func TestHTTPHandoff_Submit(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTPHandoff(config.HandoffConfig{URL: srv.URL, TimeoutSecs: 5})
	err := h.Submit(context.Background(), &model.ReviewCase{ID: "case-1", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", got)
}

func TestHTTPHandoff_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTPHandoff(config.HandoffConfig{URL: srv.URL, TimeoutSecs: 5})
	err := h.Submit(context.Background(), &model.ReviewCase{ID: "case-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
