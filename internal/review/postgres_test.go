package review

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicescan/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCase_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, document_id, vendor_id, state, payload`).
		WithArgs("missing-case").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCase(context.Background(), "missing-case")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCaseNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCase(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cases`).
		WithArgs(pgxmock.AnyArg(), "doc-1", pgxmock.AnyArg(), "pending", pgxmock.AnyArg(),
			pgxmock.AnyArg(), 1, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	c := testCase("doc-1", "acme", 0.9)
	err := s.CreateCase(context.Background(), c)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCase_VersionConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cases SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "case-1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM cases WHERE id = \$1`).
		WithArgs("case-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	c := testCase("doc-1", "", 0.9)
	c.ID = "case-1"
	err := s.UpdateCase(context.Background(), c, 3)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrConcurrentModification))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCase_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cases SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "case-gone", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM cases WHERE id = \$1`).
		WithArgs("case-gone").
		WillReturnError(pgx.ErrNoRows)

	c := testCase("doc-1", "", 0.9)
	c.ID = "case-gone"
	err := s.UpdateCase(context.Background(), c, 1)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCaseNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAuditBatch_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"audit_log"},
		[]string{"id", "case_id", "actor", "action", "field", "before", "after", "detail", "at"}).
		WillReturnResult(2)

	err := s.AppendAuditBatch(context.Background(), []model.AuditEntry{
		{CaseID: "case-1", Actor: "alex", Action: model.AuditTransition, Before: "pending", After: "in_review"},
		{CaseID: "case-1", Actor: "alex", Action: model.AuditUndo, Before: "in_review", After: "pending"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAudit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	field := "total_amount"
	before := "145.00"
	after := "142.50"
	rows := pgxmock.NewRows([]string{"id", "case_id", "actor", "action", "field", "before", "after", "detail", "at"}).
		AddRow("a-1", "case-1", "alex", "field_edit", &field, &before, &after, (*string)(nil), at)

	mock.ExpectQuery(`SELECT id, case_id, actor, action`).
		WithArgs("case-1").
		WillReturnRows(rows)

	trail, err := s.ListAudit(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, model.AuditFieldEdit, trail[0].Action)
	assert.Equal(t, "145.00", trail[0].Before)
	assert.Equal(t, "142.50", trail[0].After)
	assert.Empty(t, trail[0].Detail)
	assert.NoError(t, mock.ExpectationsWereMet())
}
