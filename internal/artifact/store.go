// Package artifact implements the content-addressed artifact store shared by
// every pipeline stage. Artifacts are immutable; identical inputs always hash
// to the same reference, so concurrent writes of the same key are harmless
// and a full re-run reproduces the same refs.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/model"
)

// ErrNotFound is returned by Get for refs that are absent or evicted.
var ErrNotFound = eris.New("artifact: not found")

// Pinner reports whether a ref is pinned by a non-archived review case's
// evidence chain. Pinned refs are skipped by eviction.
type Pinner interface {
	Pinned(ref model.Ref) bool
}

// Options tunes store behavior.
type Options struct {
	// TTL is how long an untouched artifact survives. Zero disables TTL.
	TTL time.Duration
	// MaxEntries caps the number of stored artifacts; LRU entries beyond the
	// cap are evicted. Zero disables the cap.
	MaxEntries int
	// PutTimeout bounds each backend persistence call. Zero means no bound.
	PutTimeout time.Duration
}

// Store is the content-addressed artifact store. Safe for concurrent use.
type Store struct {
	backend Backend
	opts    Options

	mu     sync.RWMutex
	meta   map[model.Ref]*model.ArtifactMeta
	pinner Pinner

	nowFunc func() time.Time
}

// New creates a Store over the given backend.
func New(backend Backend, opts Options) *Store {
	return &Store{
		backend: backend,
		opts:    opts,
		meta:    make(map[model.Ref]*model.ArtifactMeta),
		nowFunc: time.Now,
	}
}

// SetPinner installs the evidence-chain pin check used during eviction.
func (s *Store) SetPinner(p Pinner) {
	s.mu.Lock()
	s.pinner = p
	s.mu.Unlock()
}

// ComputeRef derives the deterministic reference for the given inputs without
// storing anything. Parents keep caller order: ordering is part of identity.
func ComputeRef(kind model.ArtifactKind, parents []model.Ref, params any, body []byte) (model.Ref, error) {
	if !kind.Valid() {
		return "", eris.Errorf("artifact: unknown kind %q", kind)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", eris.Wrap(err, "artifact: marshal params")
	}
	bodyHash := sha256.Sum256(body)

	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(kind))
	for _, p := range parents {
		writeField([]byte(p))
	}
	writeField(paramsJSON)
	writeField(bodyHash[:])

	return model.Ref(hex.EncodeToString(h.Sum(nil))), nil
}

// Put stores body under the deterministic hash of (kind, parents, params,
// body). Identical calls return the same ref without duplicate storage.
func (s *Store) Put(ctx context.Context, kind model.ArtifactKind, parents []model.Ref, params any, body []byte) (model.Ref, error) {
	ref, err := ComputeRef(kind, parents, params, body)
	if err != nil {
		return "", err
	}

	now := s.nowFunc().UTC()

	s.mu.Lock()
	if m, ok := s.meta[ref]; ok {
		m.AccessedAt = now
		s.mu.Unlock()
		return ref, nil
	}
	s.mu.Unlock()

	// Persistence is a suspension point; bound it like any engine call.
	writeCtx := ctx
	if s.opts.PutTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.opts.PutTimeout)
		defer cancel()
	}
	if err := s.backend.Write(writeCtx, string(ref), body); err != nil {
		return "", eris.Wrapf(err, "artifact: persist %s", ref)
	}

	paramsJSON, _ := json.Marshal(params)
	s.mu.Lock()
	// A concurrent Put of the same content raced us to the backend; both
	// wrote identical bytes, so last meta write wins harmlessly.
	s.meta[ref] = &model.ArtifactMeta{
		Ref:        ref,
		Kind:       kind,
		Parents:    append([]model.Ref(nil), parents...),
		Params:     string(paramsJSON),
		Size:       int64(len(body)),
		CreatedAt:  now,
		AccessedAt: now,
	}
	s.mu.Unlock()

	return ref, nil
}

// Get returns the bytes for ref, or ErrNotFound.
func (s *Store) Get(ctx context.Context, ref model.Ref) ([]byte, error) {
	s.mu.Lock()
	m, ok := s.meta[ref]
	if ok {
		m.AccessedAt = s.nowFunc().UTC()
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	body, err := s.backend.Read(ctx, string(ref))
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", ref)
	}
	return body, nil
}

// Meta returns the metadata for ref if present.
func (s *Store) Meta(ref model.Ref) (model.ArtifactMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[ref]
	if !ok {
		return model.ArtifactMeta{}, false
	}
	return *m, true
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta)
}

// Chain walks the parent links from ref upward and returns the full ancestry
// including ref itself, breadth-first. Missing ancestors are skipped: an
// evicted ancestor breaks traceability, which is exactly what ReachesKind
// detects.
func (s *Store) Chain(ref model.Ref) []model.ArtifactMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ArtifactMeta
	seen := make(map[model.Ref]struct{})
	queue := []model.Ref{ref}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		m, ok := s.meta[cur]
		if !ok {
			continue
		}
		out = append(out, *m)
		queue = append(queue, m.Parents...)
	}
	return out
}

// ReachesKind reports whether walking ref's ancestry reaches an artifact of
// the given kind.
func (s *Store) ReachesKind(ref model.Ref, kind model.ArtifactKind) bool {
	for _, m := range s.Chain(ref) {
		if m.Kind == kind {
			return true
		}
	}
	return false
}

func (s *Store) pinned(ref model.Ref) bool {
	if s.pinner == nil {
		return false
	}
	return s.pinner.Pinned(ref)
}

/// Evict runs one eviction sweep: TTL-expired entries first, then LRU entries
// beyond MaxEntries. Entries pinned by a live evidence chain are skipped with
// a warning rather than breaking traceability. Returns the number evicted.
func (s *Store) Evict(ctx context.Context) int {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	pinner := s.pinner
	type entry struct {
		ref      model.Ref
		accessed time.Time
	}
	entries := make([]entry, 0, len(s.meta))
	for ref, m := range s.meta {
		entries = append(entries, entry{ref: ref, accessed: m.AccessedAt})
	}
	s.mu.Unlock()

	var evicted int
	remove := func(ref model.Ref, reason string) bool {
		if pinner != nil && pinner.Pinned(ref) {
			zap.L().Warn("artifact: eviction skipped pinned artifact",
				zap.String("ref", string(ref)),
				zap.String("reason", reason),
			)
			return false
		}
		if err := s.backend.Delete(ctx, string(ref)); err != nil {
			zap.L().Warn("artifact: backend delete failed",
				zap.String("ref", string(ref)),
				zap.Error(err),
			)
		}
		s.mu.Lock()
		delete(s.meta, ref)
		s.mu.Unlock()
		evicted++
		return true
	}

	// TTL pass.
	live := entries[:0]
	if s.opts.TTL > 0 {
		for _, e := range entries {
			if now.Sub(e.accessed) > s.opts.TTL {
				if remove(e.ref, "ttl") {
					continue
				}
			}
			live = append(live, e)
		}
	} else {
		live = entries
	}

	// LRU pass.
	if s.opts.MaxEntries > 0 && len(live) > s.opts.MaxEntries {
		over := len(live) - s.opts.MaxEntries
		// Oldest access first.
		sort.Slice(live, func(i, j int) bool {
			return live[i].accessed.Before(live[j].accessed)
		})
		for _, e := range live {
			if over <= 0 {
				break
			}
			if remove(e.ref, "lru") {
				over--
			}
		}
	}

	return evicted
}

// RunEviction loops Evict on the given interval until ctx is cancelled.
func (s *Store) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(ctx); n > 0 {
				zap.L().Debug("artifact: eviction sweep", zap.Int("evicted", n))
			}
		}
	}
}
