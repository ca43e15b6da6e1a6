package review

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Validator re-checks a record against the current rule set. The validation
// engine satisfies this; the indirection keeps the store layer import-free.
type Validator interface {
	Evaluate(record *model.ResolvedRecord) model.ValidationResult
}

// Service runs the case state machine over a Store. Every state change and
// field edit lands in the audit log.
type Service struct {
	store     Store
	validator Validator
}

// NewService creates a Service.
func NewService(store Store, validator Validator) *Service {
	return &Service{store: store, validator: validator}
}

// Open creates a pending case for a finished pipeline run and records how
// the run ended.
func (s *Service) Open(ctx context.Context, c *model.ReviewCase) error {
	c.State = model.CasePending
	if err := s.store.CreateCase(ctx, c); err != nil {
		return err
	}
	detail := fmt.Sprintf("case opened, run %s, min confidence %.2f", c.RunState, c.MinConfidence())
	if err := s.store.AppendAudit(ctx, &model.AuditEntry{
		CaseID: c.ID,
		Actor:  "pipeline",
		Action: model.AuditPipelineNote,
		Detail: detail,
	}); err != nil {
		return err
	}
	zap.L().Info("review: case opened",
		zap.String("case", c.ID),
		zap.String("document", c.DocumentID),
		zap.String("run_state", string(c.RunState)),
	)
	return nil
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ReviewCase, error) {
	return s.store.GetCase(ctx, id)
}

// Queue lists cases matching the filter in queue order.
func (s *Service) Queue(ctx context.Context, filter QueueFilter) ([]model.ReviewCase, error) {
	return s.store.ListCases(ctx, filter)
}

// Audit returns a case's audit trail oldest first.
func (s *Service) Audit(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	return s.store.ListAudit(ctx, caseID)
}

// Transition moves a case to a new state. Approval is refused here: the
// approval gate is the only path into the approved state. Reopening an
// approved or rejected case re-runs validation against the current rules.
func (s *Service) Transition(ctx context.Context, caseID string, to model.CaseState, actor string) (*model.ReviewCase, error) {
	if to == model.CaseApproved {
		return nil, eris.New("review: approval goes through the approval gate")
	}
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	from := c.State
	if !model.CanTransition(from, to) {
		return nil, eris.Errorf("review: illegal transition %s -> %s", from, to)
	}

	reopened := to == model.CaseInReview && (from == model.CaseApproved || from == model.CaseRejected)

	c.State = to
	if to != model.CaseInReview {
		c.SessionID = ""
	}
	if reopened && s.validator != nil {
		c.Validation = s.validator.Evaluate(&c.Record)
	}
	if err := s.store.UpdateCase(ctx, c, c.Version); err != nil {
		return nil, err
	}

	entries := []model.AuditEntry{{
		CaseID: c.ID,
		Actor:  actor,
		Action: model.AuditTransition,
		Before: string(from),
		After:  string(to),
	}}
	if reopened {
		entries = append(entries, model.AuditEntry{
			CaseID: c.ID,
			Actor:  actor,
			Action: model.AuditRevalidation,
			Detail: revalidationDetail(c.Validation),
		})
	}
	if err := s.store.AppendAuditBatch(ctx, entries); err != nil {
		return nil, err
	}

	zap.L().Info("review: case transition",
		zap.String("case", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return c, nil
}

// EditField overrides a resolved field value on a case under review. The
// edited field becomes fully confident and the record is re-validated.
func (s *Service) EditField(ctx context.Context, caseID, field, value, actor string) (*model.ReviewCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.State != model.CaseInReview {
		return nil, eris.Errorf("review: case %s is %s, edits require in_review", caseID, c.State)
	}

	f := c.Record.Fields[field]
	before := f.Value
	f.Field = field
	f.Value = value
	f.Confidence = 1
	f.Unresolved = false
	c.Record.Fields[field] = f

	if s.validator != nil {
		c.Validation = s.validator.Evaluate(&c.Record)
	}
	if err := s.store.UpdateCase(ctx, c, c.Version); err != nil {
		return nil, err
	}

	entries := []model.AuditEntry{
		{
			CaseID: c.ID,
			Actor:  actor,
			Action: model.AuditFieldEdit,
			Field:  field,
			Before: before,
			After:  value,
		},
		{
			CaseID: c.ID,
			Actor:  actor,
			Action: model.AuditRevalidation,
			Detail: revalidationDetail(c.Validation),
		},
	}
	if err := s.store.AppendAuditBatch(ctx, entries); err != nil {
		return nil, err
	}
	return c, nil
}

// StartSession opens a reviewer session.
func (s *Service) StartSession(ctx context.Context, reviewer string) (*model.Session, error) {
	sess := &model.Session{Reviewer: reviewer}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Claim moves a pending case into review under a session.
func (s *Service) Claim(ctx context.Context, sessionID, caseID string) (*model.ReviewCase, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ClosedAt != nil {
		return nil, eris.Errorf("review: session %s is closed", sessionID)
	}
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.State != model.CasePending {
		return nil, eris.Errorf("review: case %s is %s, only pending cases can be claimed", caseID, c.State)
	}

	from := c.State
	c.State = model.CaseInReview
	c.SessionID = sessionID
	if err := s.store.UpdateCase(ctx, c, c.Version); err != nil {
		return nil, err
	}
	if err := s.store.AppendAudit(ctx, &model.AuditEntry{
		CaseID: c.ID,
		Actor:  sess.Reviewer,
		Action: model.AuditTransition,
		Before: string(from),
		After:  string(c.State),
		Detail: "claimed by session " + sessionID,
	}); err != nil {
		return nil, err
	}

	sess.CaseIDs = append(sess.CaseIDs, c.ID)
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return c, nil
}

// CloseSession marks a session finished. Its cases keep their states.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ClosedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	sess.ClosedAt = &now
	return s.store.UpdateSession(ctx, sess)
}

// Undo reverts the last transition of every case the session touched, most
// recently claimed first. Each case is undone at most once: a case whose
// newest state-changing entry is already an undo is skipped, as is a case
// whose state moved on since that entry. Returns the ids actually reverted.
func (s *Service) Undo(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var undone []string
	var entries []model.AuditEntry
	for i := len(sess.CaseIDs) - 1; i >= 0; i-- {
		id := sess.CaseIDs[i]
		c, err := s.store.GetCase(ctx, id)
		if err != nil {
			zap.L().Warn("review: undo skipped, case fetch failed",
				zap.String("case", id), zap.Error(err))
			continue
		}
		last := lastStateChange(ctx, s.store, id)
		if last == nil || last.Action == model.AuditUndo {
			continue
		}
		if last.After != string(c.State) || c.State == model.CaseArchived {
			continue
		}

		c.State = model.CaseState(last.Before)
		if c.State != model.CaseInReview {
			c.SessionID = ""
		}
		if err := s.store.UpdateCase(ctx, c, c.Version); err != nil {
			zap.L().Warn("review: undo skipped, case changed underneath",
				zap.String("case", id), zap.Error(err))
			continue
		}
		entries = append(entries, model.AuditEntry{
			CaseID: id,
			Actor:  sess.Reviewer,
			Action: model.AuditUndo,
			Before: last.After,
			After:  last.Before,
			Detail: "session " + sessionID + " batch undo",
		})
		undone = append(undone, id)
	}

	if err := s.store.AppendAuditBatch(ctx, entries); err != nil {
		return undone, err
	}
	return undone, nil
}

// lastStateChange finds the newest transition or undo entry for a case.
func lastStateChange(ctx context.Context, store Store, caseID string) *model.AuditEntry {
	trail, err := store.ListAudit(ctx, caseID)
	if err != nil {
		zap.L().Warn("review: audit trail fetch failed", zap.String("case", caseID), zap.Error(err))
		return nil
	}
	for i := len(trail) - 1; i >= 0; i-- {
		if trail[i].Action == model.AuditTransition || trail[i].Action == model.AuditUndo {
			return &trail[i]
		}
	}
	return nil
}

func revalidationDetail(v model.ValidationResult) string {
	hard := len(v.HardFailures())
	if hard == 0 {
		return fmt.Sprintf("re-validated in %s mode, %d warnings", v.Mode, v.WarningCount())
	}
	return fmt.Sprintf("re-validated in %s mode, %d hard failures", v.Mode, hard)
}
