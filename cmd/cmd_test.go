package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/candidate"
	"github.com/ledgerline/invoicescan/internal/config"
	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
	"github.com/ledgerline/invoicescan/internal/zone"
)

func TestDetectMime(t *testing.T) {
	cases := map[string]string{
		"invoice.pdf":     "application/pdf",
		"scan.PNG":        "image/png",
		"photo.jpeg":      "image/jpeg",
		"photo.jpg":       "image/jpeg",
		"fax.tif":         "image/tiff",
		"archive/doc.pdf": "application/pdf",
	}
	for path, want := range cases {
		got, err := detectMime(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := detectMime("notes.txt")
	require.Error(t, err)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("12345678-abcd-efgh"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatQueue(t *testing.T) {
	var buf bytes.Buffer
	formatQueue(&buf, []model.ReviewCase{
		{
			ID:       "aaaaaaaa-1111",
			VendorID: "acme",
			State:    model.CasePending,
			RunState: model.RunEarlyStopped,
			Record: model.ResolvedRecord{
				Fields: map[string]model.ResolvedField{
					"total_amount": {Field: "total_amount", Value: "142.50", Confidence: 0.97},
				},
			},
			CreatedAt: time.Now().Add(-time.Hour),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "0.97")
}

func TestFormatAudit(t *testing.T) {
	var buf bytes.Buffer
	formatAudit(&buf, []model.AuditEntry{
		{
			Actor:  "casey",
			Action: model.AuditFieldEdit,
			Field:  "total_amount",
			Before: "145.00",
			After:  "142.50",
			At:     time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "field_edit")
	assert.Contains(t, out, "145.00")
	assert.Contains(t, out, "142.50")
}

func TestFormatMasks(t *testing.T) {
	var buf bytes.Buffer
	formatMasks(&buf, []zone.Mask{
		{
			Bounds:  model.Rect{X: 10, Y: 20, Width: 300, Height: 80},
			Reason:  "letterhead logo",
			AddedBy: "casey",
			AddedAt: time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
		},
	})

	out := buf.String()
	assert.Contains(t, out, "300x80+10+20")
	assert.Contains(t, out, "letterhead logo")
	assert.Contains(t, out, "2026-07-15")
}

func TestInitArtifacts_PinsLiveEvidence(t *testing.T) {
	cfg = &config.Config{}
	cfg.Artifact.Backend = "memory"
	cfg.Artifact.MaxEntries = 1
	t.Cleanup(func() { cfg = nil })

	ctx := context.Background()
	st, err := review.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	artifacts, err := initArtifacts(ctx, st)
	require.NoError(t, err)

	evidence, err := artifacts.Put(ctx, model.KindCandidate, nil, map[string]string{"field": "total_amount"}, []byte("evidence"))
	require.NoError(t, err)
	require.NoError(t, st.CreateCase(ctx, &model.ReviewCase{
		DocumentID: "doc-1",
		Record: model.ResolvedRecord{
			DocumentID: "doc-1",
			Fields: map[string]model.ResolvedField{
				"total_amount": {Field: "total_amount", Value: "145.00", Confidence: 0.95, Evidence: []model.Ref{evidence}},
			},
		},
	}))

	loose, err := artifacts.Put(ctx, model.KindInput, nil, map[string]string{"seed": "loose"}, []byte("loose"))
	require.NoError(t, err)

	assert.Equal(t, 1, artifacts.Evict(ctx))
	_, ok := artifacts.Meta(evidence)
	assert.True(t, ok, "case evidence survives the sweep")
	_, ok = artifacts.Meta(loose)
	assert.False(t, ok)
}

func TestFormatLexicon(t *testing.T) {
	var buf bytes.Buffer
	formatLexicon(&buf, candidate.Lexicon{Aliases: map[string][]string{
		"total_amount":   {"amount due", "balance due"},
		"invoice_number": {"ref no"},
	}})

	out := buf.String()
	assert.Contains(t, out, "amount due, balance due")
	assert.Less(t, strings.Index(out, "invoice_number"), strings.Index(out, "total_amount"))
}
