package review

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/artifact"
	"github.com/ledgerline/invoicescan/internal/model"
)

const pinnerPageSize = 200

// EvidencePinner guards live evidence chains against artifact eviction. It
// snapshots every ref cited by a non-archived case, expanded to its full
// ancestry, and refreshes the snapshot lazily once it goes stale. Archived
// cases pin nothing: their artifacts are free to age out.
type EvidencePinner struct {
	store     Store
	artifacts *artifact.Store
	maxAge    time.Duration

	mu          sync.Mutex
	pinned      map[model.Ref]struct{}
	refreshedAt time.Time
}

// NewEvidencePinner creates a pinner over the case store. maxAge bounds how
// stale the pin snapshot may get between eviction sweeps.
func NewEvidencePinner(store Store, artifacts *artifact.Store, maxAge time.Duration) *EvidencePinner {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &EvidencePinner{store: store, artifacts: artifacts, maxAge: maxAge}
}

// Pinned reports whether ref sits on a non-archived case's evidence chain.
func (p *EvidencePinner) Pinned(ref model.Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned == nil || time.Since(p.refreshedAt) > p.maxAge {
		p.reload()
	}
	_, ok := p.pinned[ref]
	return ok
}

// reload rebuilds the pin set. A store failure keeps the previous set: stale
// pins only delay eviction, while a dropped pin would break traceability.
func (p *EvidencePinner) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	live := []model.CaseState{model.CasePending, model.CaseInReview, model.CaseApproved, model.CaseRejected}
	pinned := make(map[model.Ref]struct{})
	for offset := 0; ; offset += pinnerPageSize {
		cases, err := p.store.ListCases(ctx, QueueFilter{
			States: live,
			Limit:  pinnerPageSize,
			Offset: offset,
		})
		if err != nil {
			zap.L().Warn("review: pin refresh failed, keeping previous pin set", zap.Error(err))
			return
		}
		for i := range cases {
			for _, ref := range cases[i].Record.EvidenceRefs() {
				pinned[ref] = struct{}{}
				for _, m := range p.artifacts.Chain(ref) {
					pinned[m.Ref] = struct{}{}
				}
			}
		}
		if len(cases) < pinnerPageSize {
			break
		}
	}
	p.pinned = pinned
	p.refreshedAt = time.Now()
}
