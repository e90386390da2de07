package proposal

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_CreateIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	p := sample("pr:7", base)
	p.ID = "p-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WithArgs("p-1", "pr:7", "merge", "checks are green", "merge it", 0.87, "2025-03-14T09:26:53.589793000Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals (proposal_id, status) VALUES ($1, $2)")).
		WithArgs("p-1", "pending").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	p := sample("pr:7", base)
	p.ID = "p-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approvals")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.Create(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DecideIsSingleStatement(t *testing.T) {
	s, mock := newMockStore(t)
	expires := base.Add(15 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET status = $2, decider_id = $3")).
		WithArgs("p-1", "approved", "alice", "2025-03-14T09:26:53.589793000Z", nil, "tok", "2025-03-14T09:41:53.589793000Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Decide(context.Background(), "p-1", Decision{
		Status: StatusApproved, DeciderID: "alice", DecidedAt: base, Token: strPtr("tok"), TokenExpiresAt: &expires,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DecideUnknown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET status")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM proposals WHERE id = $1")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	err := s.Decide(context.Background(), "nope", Decision{Status: StatusRejected, DeciderID: "ops", DecidedAt: base})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimToken(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET token = NULL, token_expires_at = NULL\n\t\tWHERE proposal_id = $1 AND token = $2")).
		WithArgs("p-1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimToken(context.Background(), "p-1", "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("AND token = $2")).
		WithArgs("p-1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM proposals")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	ok, err = s.ClaimToken(context.Background(), "p-1", "tok")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListPending(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "subject_ref", "action_kind", "rationale", "draft_text", "confidence", "created_at"}).
		AddRow("p-2", "pr:2", "merge", "r", "", 0.5, "2025-03-14T09:26:55.000000000Z").
		AddRow("p-1", "inbox/42", "reply", "r", "hi", 0.9, "2025-03-14T09:26:54.000000000Z")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.status = 'pending' ORDER BY p.created_at DESC")).WillReturnRows(rows)

	got, err := s.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-2", got[0].ID)
	assert.Equal(t, ActionReply, got[1].ActionKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetBadTimestamp(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "subject_ref", "action_kind", "rationale", "draft_text", "confidence", "created_at",
		"status", "decider_id", "decided_at", "draft_override", "token", "token_expires_at", "executed_at", "execution_error",
	}).AddRow("p-1", "pr:1", "merge", "r", "", 0.5, "yesterday", "pending", "", nil, nil, nil, nil, nil, "")
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals p JOIN approvals a")).WithArgs("p-1").WillReturnRows(rows)

	_, err := s.Get(context.Background(), "p-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stored timestamp")
}
