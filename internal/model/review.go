package model

import "time"

// CaseState is the review-case lifecycle state.
type CaseState string

const (
	CasePending  CaseState = "pending"
	CaseInReview CaseState = "in_review"
	CaseApproved CaseState = "approved"
	CaseRejected CaseState = "rejected"
	// CaseArchived is terminal; archived cases are never deleted.
	CaseArchived CaseState = "archived"
)

// CanTransition reports whether from -> to is a legal state transition.
// Reopening is permitted from both Approved and Rejected while not Archived.
func CanTransition(from, to CaseState) bool {
	switch from {
	case CasePending:
		return to == CaseInReview
	case CaseInReview:
		return to == CaseApproved || to == CaseRejected
	case CaseApproved:
		return to == CaseInReview || to == CaseArchived
	case CaseRejected:
		return to == CaseInReview || to == CaseArchived
	default:
		return false
	}
}

// AuditAction classifies audit log entries.
type AuditAction string

const (
	AuditTransition    AuditAction = "transition"
	AuditFieldEdit     AuditAction = "field_edit"
	AuditRevalidation  AuditAction = "revalidation"
	AuditHandoffFailed AuditAction = "handoff_failed"
	AuditPipelineNote  AuditAction = "pipeline_note"
	AuditUndo          AuditAction = "undo"
)

// AuditEntry is one immutable audit-log row: who did what, when, and the
// before/after values.
type AuditEntry struct {
	ID     string      `json:"id"`
	CaseID string      `json:"case_id"`
	Actor  string      `json:"actor"`
	Action AuditAction `json:"action"`
	Field  string      `json:"field,omitempty"`
	Before string      `json:"before,omitempty"`
	After  string      `json:"after,omitempty"`
	Detail string      `json:"detail,omitempty"`
	At     time.Time   `json:"at"`
}

// ReviewCase is the long-lived reviewer-facing entity produced when the
// pipeline finishes.
type ReviewCase struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"document_id"`
	VendorID   string           `json:"vendor_id,omitempty"`
	State      CaseState        `json:"state"`
	Record     ResolvedRecord   `json:"record"`
	Validation ValidationResult `json:"validation"`
	// RunState records how the OCR run ended (early stop, budget, completed).
	RunState RunState `json:"run_state,omitempty"`
	// SessionID is set while a reviewer session has the case claimed.
	SessionID string `json:"session_id,omitempty"`
	// Version supports optimistic concurrency; transitions racing on the
	// same version lose with ConcurrentModification.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MinConfidence returns the lowest calibrated confidence across resolved
// fields; used for lowest-confidence-first queue ordering.
func (c *ReviewCase) MinConfidence() float64 {
	min := 1.0
	for _, f := range c.Record.Fields {
		if f.Confidence < min {
			min = f.Confidence
		}
	}
	if len(c.Record.Fields) == 0 {
		return 0
	}
	return min
}

// Session groups a reviewer's claimed cases for batch undo.
type Session struct {
	ID        string     `json:"id"`
	Reviewer  string     `json:"reviewer"`
	CaseIDs   []string   `json:"case_ids,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
