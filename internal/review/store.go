// Package review persists review cases, their audit trail and reviewer
// sessions, and runs the case state machine on top of that store.
package review

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/model"
)

// ErrConcurrentModification is returned when an update raced another writer:
// the stored version no longer matches the version the caller read.
var ErrConcurrentModification = eris.New("review: concurrent modification")

// ErrCaseNotFound is returned when a case id does not exist.
var ErrCaseNotFound = eris.New("review: case not found")

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = eris.New("review: session not found")

// QueueSort selects the queue ordering.
type QueueSort string

const (
	// SortAge orders oldest case first.
	SortAge QueueSort = "age"
	// SortConfidence orders lowest minimum field confidence first.
	SortConfidence QueueSort = "confidence"
)

// QueueFilter narrows and orders the review queue.
type QueueFilter struct {
	States   []model.CaseState
	VendorID string
	// MinConfidence and MaxConfidence bound the case's lowest field
	// confidence. MaxConfidence <= 0 means unbounded.
	MinConfidence float64
	MaxConfidence float64
	Sort          QueueSort
	Limit         int
	Offset        int
}

// Store is the persistence boundary for cases, audit entries and sessions.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateCase(ctx context.Context, c *model.ReviewCase) error
	GetCase(ctx context.Context, id string) (*model.ReviewCase, error)
	// UpdateCase writes the case only while the stored version still equals
	// expected, then bumps c.Version. A version mismatch returns
	// ErrConcurrentModification and leaves the stored row untouched.
	UpdateCase(ctx context.Context, c *model.ReviewCase, expected int) error
	ListCases(ctx context.Context, filter QueueFilter) ([]model.ReviewCase, error)

	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	AppendAuditBatch(ctx context.Context, entries []model.AuditEntry) error
	// ListAudit returns a case's audit trail oldest first.
	ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error)

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
}

// casePayload is the JSON document column backing the non-queryable parts of
// a case. Queryable scalars live in their own columns.
type casePayload struct {
	Record     model.ResolvedRecord   `json:"record"`
	Validation model.ValidationResult `json:"validation"`
	RunState   model.RunState         `json:"run_state,omitempty"`
}

func payloadOf(c *model.ReviewCase) casePayload {
	return casePayload{Record: c.Record, Validation: c.Validation, RunState: c.RunState}
}

func (p casePayload) apply(c *model.ReviewCase) {
	c.Record = p.Record
	c.Validation = p.Validation
	c.RunState = p.RunState
}
