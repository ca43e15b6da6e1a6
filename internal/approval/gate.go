package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/model"
	"github.com/ledgerline/invoicescan/internal/review"
)

// HardValidationFailureError reports the rules that blocked an approval.
type HardValidationFailureError struct {
	CaseID  string
	RuleIDs []string
}

func (e *HardValidationFailureError) Error() string {
	return fmt.Sprintf("approval: case %s blocked by hard validation failures: %s",
		e.CaseID, strings.Join(e.RuleIDs, ", "))
}

// Gate approves cases. Validation runs again at the moment of approval so a
// rule change between review and approval still blocks a bad record, and the
// optimistic case version means a concurrent edit loses the race cleanly.
type Gate struct {
	store     review.Store
	validator review.Validator
	handoff   Handoff

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate creates a Gate.
func NewGate(store review.Store, validator review.Validator, handoff Handoff) *Gate {
	return &Gate{
		store:     store,
		validator: validator,
		handoff:   handoff,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockCase serializes approvals of one case within this process. The case
// version still guards against writers in other processes.
func (g *Gate) lockCase(caseID string) func() {
	g.mu.Lock()
	l, ok := g.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[caseID] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Approve submits an in-review case downstream and only then marks it
// approved. The re-validation write doubles as the approval claim: it bumps
// the case version, so of two concurrent approvers exactly one reaches the
// handoff. A handoff failure leaves the case in_review with a handoff_failed
// audit entry. A crash after a successful submit also leaves it in_review,
// so a later approval may submit the same case again; the case ID lets the
// handoff endpoint deduplicate, and a falsely-approved case can never occur.
func (g *Gate) Approve(ctx context.Context, caseID, actor string) (*model.ReviewCase, error) {
	defer g.lockCase(caseID)()

	c, err := g.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.State != model.CaseInReview {
		return nil, eris.Errorf("approval: case %s is %s, approval requires in_review", caseID, c.State)
	}

	// Re-validate and claim the version before touching the handoff.
	c.Validation = g.validator.Evaluate(&c.Record)
	if err := g.store.UpdateCase(ctx, c, c.Version); err != nil {
		return nil, err
	}
	if hard := c.Validation.HardFailures(); len(hard) > 0 {
		if err := g.store.AppendAudit(ctx, &model.AuditEntry{
			CaseID: c.ID,
			Actor:  actor,
			Action: model.AuditRevalidation,
			Detail: fmt.Sprintf("approval blocked: %s", strings.Join(hard, ", ")),
		}); err != nil {
			return nil, err
		}
		return nil, &HardValidationFailureError{CaseID: caseID, RuleIDs: hard}
	}

	if err := g.handoff.Submit(ctx, c); err != nil {
		zap.L().Error("approval: handoff failed, case stays in review",
			zap.String("case", c.ID),
			zap.Error(err),
		)
		if auditErr := g.store.AppendAudit(ctx, &model.AuditEntry{
			CaseID: c.ID,
			Actor:  actor,
			Action: model.AuditHandoffFailed,
			Detail: err.Error(),
		}); auditErr != nil {
			return nil, eris.Wrapf(auditErr, "approval: audit handoff failure for case %s (%v)", c.ID, err)
		}
		return nil, eris.Wrapf(err, "approval: handoff for case %s", c.ID)
	}

	from := c.State
	c.State = model.CaseApproved
	c.SessionID = ""
	if err := g.store.UpdateCase(ctx, c, c.Version); err != nil {
		return nil, eris.Wrapf(err, "approval: mark case %s approved after handoff", c.ID)
	}
	if err := g.store.AppendAudit(ctx, &model.AuditEntry{
		CaseID: c.ID,
		Actor:  actor,
		Action: model.AuditTransition,
		Before: string(from),
		After:  string(c.State),
	}); err != nil {
		return nil, err
	}

	zap.L().Info("approval: case approved",
		zap.String("case", c.ID),
		zap.String("document", c.DocumentID),
		zap.String("actor", actor),
	)
	return c, nil
}
