package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/invoicescan/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	vendor_id      TEXT,
	state          TEXT NOT NULL DEFAULT 'pending',
	payload        TEXT NOT NULL,
	session_id     TEXT,
	version        INTEGER NOT NULL DEFAULT 1,
	min_confidence REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_log (
	id      TEXT PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id),
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	field   TEXT,
	before  TEXT,
	after   TEXT,
	detail  TEXT,
	at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	reviewer   TEXT NOT NULL,
	case_ids   TEXT,
	started_at DATETIME NOT NULL,
	closed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(state);
CREATE INDEX IF NOT EXISTS idx_cases_vendor_id ON cases(vendor_id);
CREATE INDEX IF NOT EXISTS idx_cases_min_confidence ON cases(min_confidence);
CREATE INDEX IF NOT EXISTS idx_cases_created_at ON cases(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_case_id ON audit_log(case_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c *model.ReviewCase) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.State == "" {
		c.State = model.CasePending
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	payloadJSON, err := json.Marshal(payloadOf(c))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal case payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases (id, document_id, vendor_id, state, payload, session_id, version, min_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.VendorID, string(c.State), string(payloadJSON),
		nullString(c.SessionID), c.Version, c.MinConfidence(), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert case %s", c.ID)
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.ReviewCase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, vendor_id, state, payload, session_id, version, created_at, updated_at
		 FROM cases WHERE id = ?`,
		id,
	)
	return scanCase(row, id)
}

func (s *SQLiteStore) UpdateCase(ctx context.Context, c *model.ReviewCase, expected int) error {
	payloadJSON, err := json.Marshal(payloadOf(c))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal case payload")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET state = ?, payload = ?, session_id = ?, version = ?, min_confidence = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(c.State), string(payloadJSON), nullString(c.SessionID),
		expected+1, c.MinConfidence(), now, c.ID, expected,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id = ?`, c.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrCaseNotFound, "sqlite: update case %s", c.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: update case %s", c.ID)
		}
		return eris.Wrapf(ErrConcurrentModification, "sqlite: update case %s at version %d", c.ID, expected)
	}
	c.Version = expected + 1
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter QueueFilter) ([]model.ReviewCase, error) {
	query := `SELECT id, document_id, vendor_id, state, payload, session_id, version, created_at, updated_at
	 FROM cases WHERE 1=1`
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.VendorID != "" {
		query += ` AND vendor_id = ?`
		args = append(args, filter.VendorID)
	}
	if filter.MinConfidence > 0 {
		query += ` AND min_confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	if filter.MaxConfidence > 0 {
		query += ` AND min_confidence <= ?`
		args = append(args, filter.MaxConfidence)
	}

	switch filter.Sort {
	case SortConfidence:
		query += ` ORDER BY min_confidence ASC, created_at ASC`
	default:
		query += ` ORDER BY created_at ASC`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close()

	var cases []model.ReviewCase
	for rows.Next() {
		c, err := scanCase(rows, "")
		if err != nil {
			return nil, err
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, case_id, actor, action, field, before, after, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, e.Actor, string(e.Action), e.Field, e.Before, e.After, e.Detail, e.At,
	)
	return eris.Wrapf(err, "sqlite: insert audit entry for case %s", e.CaseID)
}

func (s *SQLiteStore) AppendAuditBatch(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audit batch")
	}
	defer tx.Rollback()

	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (id, case_id, actor, action, field, before, after, detail, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CaseID, e.Actor, string(e.Action), e.Field, e.Before, e.After, e.Detail, e.At,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert audit entry for case %s", e.CaseID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit batch")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, actor, action, field, before, after, detail, at
		 FROM audit_log WHERE case_id = ? ORDER BY at ASC`,
		caseID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit for case %s", caseID)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var field, before, after, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Actor, &e.Action, &field, &before, &after, &detail, &e.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		e.Field = field.String
		e.Before = before.String
		e.After = after.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	caseIDs, err := json.Marshal(sess.CaseIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session case ids")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, reviewer, case_ids, started_at, closed_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Reviewer, string(caseIDs), sess.StartedAt, sess.ClosedAt,
	)
	return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, reviewer, case_ids, started_at, closed_at FROM sessions WHERE id = ?`,
		id,
	)

	var sess model.Session
	var caseIDs sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Reviewer, &caseIDs, &sess.StartedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrSessionNotFound, "sqlite: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	if caseIDs.Valid && caseIDs.String != "" {
		if err := json.Unmarshal([]byte(caseIDs.String), &sess.CaseIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal session case ids")
		}
	}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	caseIDs, err := json.Marshal(sess.CaseIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session case ids")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET case_ids = ?, closed_at = ? WHERE id = ?`,
		string(caseIDs), sess.ClosedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	return checkRowsAffected(res, "session", sess.ID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCase(row scannable, id string) (*model.ReviewCase, error) {
	var c model.ReviewCase
	var vendorID, sessionID sql.NullString
	var payloadJSON string

	err := row.Scan(&c.ID, &c.DocumentID, &vendorID, &c.State, &payloadJSON,
		&sessionID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrCaseNotFound, "sqlite: get case %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan case")
	}
	c.VendorID = vendorID.String
	c.SessionID = sessionID.String

	var p casePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal case payload")
	}
	p.apply(&c)
	return &c, nil
}
