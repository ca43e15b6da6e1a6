// Package approval is the only path from in_review to approved. It re-checks
// validation at the moment of approval and hands the approved record to the
// downstream accounting system.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
)

// Handoff delivers an approved case downstream. Submit is called exactly once
// per approval; a failed submission rolls the approval back instead of
// retrying.
type Handoff interface {
	Submit(ctx context.Context, c *model.ReviewCase) error
}

// HTTPHandoff posts the approved record as JSON to the accounting endpoint.
type HTTPHandoff struct {
	url    string
	client *http.Client
}

// NewHTTPHandoff creates an HTTPHandoff from config.
func NewHTTPHandoff(cfg config.HandoffConfig) *HTTPHandoff {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPHandoff{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// handoffEnvelope is the wire format the accounting system receives.
type handoffEnvelope struct {
	CaseID     string                 `json:"case_id"`
	DocumentID string                 `json:"document_id"`
	VendorID   string                 `json:"vendor_id,omitempty"`
	Record     model.ResolvedRecord   `json:"record"`
	Validation model.ValidationResult `json:"validation"`
	ApprovedAt time.Time              `json:"approved_at"`
}

func (h *HTTPHandoff) Submit(ctx context.Context, c *model.ReviewCase) error {
	body, err := json.Marshal(handoffEnvelope{
		CaseID:     c.ID,
		DocumentID: c.DocumentID,
		VendorID:   c.VendorID,
		Record:     c.Record,
		Validation: c.Validation,
		ApprovedAt: time.Now().UTC(),
	})
	if err != nil {
		return eris.Wrap(err, "handoff: marshal envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "handoff: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "handoff: post case %s", c.ID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("handoff: case %s rejected with status %d", c.ID, resp.StatusCode)
	}
	zap.L().Info("handoff: case submitted",
		zap.String("case", c.ID),
		zap.String("document", c.DocumentID),
	)
	return nil
}
