package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/model"
)

func putChain(t *testing.T, store *artifact.Store, seed string) (model.Ref, model.Ref) {
	t.Helper()
	ctx := context.Background()
	input, err := store.Put(ctx, model.KindInput, nil, map[string]string{"seed": seed}, []byte(seed))
	require.NoError(t, err)
	cand, err := store.Put(ctx, model.KindCandidate, []model.Ref{input}, map[string]string{"field": "total_amount"}, []byte(seed+"-cand"))
	require.NoError(t, err)
	return input, cand
}

func caseWithEvidence(doc string, state model.CaseState, evidence model.Ref) *model.ReviewCase {
	return &model.ReviewCase{
		DocumentID: doc,
		State:      state,
		Record: model.ResolvedRecord{
			DocumentID: doc,
			Fields: map[string]model.ResolvedField{
				"total_amount": {
					Field:      "total_amount",
					Value:      "145.00",
					Confidence: 0.95,
					Evidence:   []model.Ref{evidence},
				},
			},
		},
	}
}

func TestEvidencePinner_LiveChainSurvivesSweep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	artifacts := artifact.New(artifact.NewMemory(), artifact.Options{MaxEntries: 1})
	input, cand := putChain(t, artifacts, "live")

	require.NoError(t, st.CreateCase(ctx, caseWithEvidence("doc-1", model.CasePending, cand)))
	artifacts.SetPinner(NewEvidencePinner(st, artifacts, time.Minute))

	// A third artifact pushes the store over the cap; only it is evictable.
	loose, err := artifacts.Put(ctx, model.KindInput, nil, map[string]string{"seed": "loose"}, []byte("loose"))
	require.NoError(t, err)

	evicted := artifacts.Evict(ctx)
	assert.Equal(t, 1, evicted)

	_, ok := artifacts.Meta(input)
	assert.True(t, ok, "pinned ancestor survives")
	_, ok = artifacts.Meta(cand)
	assert.True(t, ok, "pinned evidence survives")
	_, ok = artifacts.Meta(loose)
	assert.False(t, ok, "unpinned artifact is evicted")
}

func TestEvidencePinner_ArchivedCasePinsNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	artifacts := artifact.New(artifact.NewMemory(), artifact.Options{MaxEntries: 1})
	_, cand := putChain(t, artifacts, "archived")

	require.NoError(t, st.CreateCase(ctx, caseWithEvidence("doc-2", model.CaseArchived, cand)))
	artifacts.SetPinner(NewEvidencePinner(st, artifacts, time.Minute))

	keeper, err := artifacts.Put(ctx, model.KindInput, nil, map[string]string{"seed": "keeper"}, []byte("keeper"))
	require.NoError(t, err)

	evicted := artifacts.Evict(ctx)
	assert.Equal(t, 2, evicted, "archived evidence is not pinned")

	_, ok := artifacts.Meta(keeper)
	assert.True(t, ok, "most recently used artifact stays under the cap")
}

func TestEvidencePinner_StoreFailureKeepsPreviousSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	artifacts := artifact.New(artifact.NewMemory(), artifact.Options{})
	_, cand := putChain(t, artifacts, "sticky")
	require.NoError(t, st.CreateCase(ctx, caseWithEvidence("doc-3", model.CaseInReview, cand)))

	p := NewEvidencePinner(st, artifacts, time.Minute)
	assert.True(t, p.Pinned(cand))

	// Closing the store makes the next refresh fail; the stale set still pins.
	require.NoError(t, st.Close())
	p.refreshedAt = time.Time{}
	assert.True(t, p.Pinned(cand))
}
