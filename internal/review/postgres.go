package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/db"
	"github.com/ledgerline/invoicescan/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_case":  `INSERT INTO cases (id, document_id, vendor_id, state, payload, session_id, version, min_confidence, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"get_case":     `SELECT id, document_id, vendor_id, state, payload, session_id, version, created_at, updated_at FROM cases WHERE id = $1`,
	"update_case":  `UPDATE cases SET state = $1, payload = $2, session_id = $3, version = $4, min_confidence = $5, updated_at = $6 WHERE id = $7 AND version = $8`,
	"insert_audit": `INSERT INTO audit_log (id, case_id, actor, action, field, before, after, detail, at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"list_audit":   `SELECT id, case_id, actor, action, field, before, after, detail, at FROM audit_log WHERE case_id = $1 ORDER BY at ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	vendor_id      TEXT,
	state          TEXT NOT NULL DEFAULT 'pending',
	payload        JSONB NOT NULL,
	session_id     TEXT,
	version        INTEGER NOT NULL DEFAULT 1,
	min_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
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
	at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	reviewer   TEXT NOT NULL,
	case_ids   JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(state);
CREATE INDEX IF NOT EXISTS idx_cases_vendor_id ON cases(vendor_id);
CREATE INDEX IF NOT EXISTS idx_cases_min_confidence ON cases(min_confidence);
CREATE INDEX IF NOT EXISTS idx_cases_created_at ON cases(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_case_id ON audit_log(case_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) CreateCase(ctx context.Context, c *model.ReviewCase) error {
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
		return eris.Wrap(err, "postgres: marshal case payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cases (id, document_id, vendor_id, state, payload, session_id, version, min_confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.DocumentID, textOrNil(c.VendorID), string(c.State), payloadJSON,
		textOrNil(c.SessionID), c.Version, c.MinConfidence(), now, now,
	)
	return eris.Wrapf(err, "postgres: insert case %s", c.ID)
}

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.ReviewCase, error) {
	var c model.ReviewCase
	var vendorID, sessionID *string
	var payloadJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, document_id, vendor_id, state, payload, session_id, version, created_at, updated_at
		 FROM cases WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.DocumentID, &vendorID, &c.State, &payloadJSON,
		&sessionID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrCaseNotFound, "postgres: get case %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", id)
	}
	if vendorID != nil {
		c.VendorID = *vendorID
	}
	if sessionID != nil {
		c.SessionID = *sessionID
	}

	var p casePayload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal case payload")
	}
	p.apply(&c)
	return &c, nil
}

func (s *PostgresStore) UpdateCase(ctx context.Context, c *model.ReviewCase, expected int) error {
	payloadJSON, err := json.Marshal(payloadOf(c))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal case payload")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET state = $1, payload = $2, session_id = $3, version = $4, min_confidence = $5, updated_at = $6
		 WHERE id = $7 AND version = $8`,
		string(c.State), payloadJSON, textOrNil(c.SessionID),
		expected+1, c.MinConfidence(), now, c.ID, expected,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM cases WHERE id = $1`, c.ID).Scan(&one)
		if err == pgx.ErrNoRows {
			return eris.Wrapf(ErrCaseNotFound, "postgres: update case %s", c.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: update case %s", c.ID)
		}
		return eris.Wrapf(ErrConcurrentModification, "postgres: update case %s at version %d", c.ID, expected)
	}
	c.Version = expected + 1
	c.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListCases(ctx context.Context, filter QueueFilter) ([]model.ReviewCase, error) {
	query := `SELECT id, document_id, vendor_id, state, payload, session_id, version, created_at, updated_at
	 FROM cases WHERE true`
	args := []any{}
	argIdx := 1

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, string(st))
			argIdx++
		}
		query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.VendorID != "" {
		query += fmt.Sprintf(` AND vendor_id = $%d`, argIdx)
		args = append(args, filter.VendorID)
		argIdx++
	}
	if filter.MinConfidence > 0 {
		query += fmt.Sprintf(` AND min_confidence >= $%d`, argIdx)
		args = append(args, filter.MinConfidence)
		argIdx++
	}
	if filter.MaxConfidence > 0 {
		query += fmt.Sprintf(` AND min_confidence <= $%d`, argIdx)
		args = append(args, filter.MaxConfidence)
		argIdx++
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
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var cases []model.ReviewCase
	for rows.Next() {
		var c model.ReviewCase
		var vendorID, sessionID *string
		var payloadJSON []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &vendorID, &c.State, &payloadJSON,
			&sessionID, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan case")
		}
		if vendorID != nil {
			c.VendorID = *vendorID
		}
		if sessionID != nil {
			c.SessionID = *sessionID
		}
		var p casePayload
		if err := json.Unmarshal(payloadJSON, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal case payload")
		}
		p.apply(&c)
		cases = append(cases, c)
	}
	return cases, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, case_id, actor, action, field, before, after, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.CaseID, e.Actor, string(e.Action), e.Field, e.Before, e.After, e.Detail, e.At,
	)
	return eris.Wrapf(err, "postgres: insert audit entry for case %s", e.CaseID)
}

// AppendAuditBatch bulk-inserts audit entries via the COPY protocol.
func (s *PostgresStore) AppendAuditBatch(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		rows = append(rows, []any{e.ID, e.CaseID, e.Actor, string(e.Action), e.Field, e.Before, e.After, e.Detail, e.At})
	}
	_, err := db.CopyFrom(ctx, s.pool, "audit_log",
		[]string{"id", "case_id", "actor", "action", "field", "before", "after", "detail", "at"}, rows)
	return eris.Wrap(err, "postgres: audit batch")
}

func (s *PostgresStore) ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, case_id, actor, action, field, before, after, detail, at
		 FROM audit_log WHERE case_id = $1 ORDER BY at ASC`,
		caseID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit for case %s", caseID)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var field, before, after, detail *string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Actor, &e.Action, &field, &before, &after, &detail, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		e.Field = deref(field)
		e.Before = deref(before)
		e.After = deref(after)
		e.Detail = deref(detail)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	caseIDs, err := json.Marshal(sess.CaseIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session case ids")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, reviewer, case_ids, started_at, closed_at) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.Reviewer, caseIDs, sess.StartedAt, sess.ClosedAt,
	)
	return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var caseIDs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, reviewer, case_ids, started_at, closed_at FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.Reviewer, &caseIDs, &sess.StartedAt, &sess.ClosedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrSessionNotFound, "postgres: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	if len(caseIDs) > 0 {
		if err := json.Unmarshal(caseIDs, &sess.CaseIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal session case ids")
		}
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	caseIDs, err := json.Marshal(sess.CaseIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session case ids")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET case_ids = $1, closed_at = $2 WHERE id = $3`,
		caseIDs, sess.ClosedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrSessionNotFound, "postgres: update session %s", sess.ID)
	}
	return nil
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
