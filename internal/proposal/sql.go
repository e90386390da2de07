package proposal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Both drivers accept $N placeholders, so one statement set serves SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id          TEXT PRIMARY KEY,
		subject_ref TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		rationale   TEXT NOT NULL,
		draft_text  TEXT NOT NULL DEFAULT '',
		confidence  DOUBLE PRECISION NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		proposal_id      TEXT PRIMARY KEY REFERENCES proposals(id),
		status           TEXT NOT NULL,
		decider_id       TEXT NOT NULL DEFAULT '',
		decided_at       TEXT,
		draft_override   TEXT,
		token            TEXT,
		token_expires_at TEXT,
		executed_at      TEXT,
		execution_error  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS approvals_status_idx ON approvals (status)`,
}

const (
	insertProposalSQL = `INSERT INTO proposals (id, subject_ref, action_kind, rationale, draft_text, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertApprovalSQL = `INSERT INTO approvals (proposal_id, status) VALUES ($1, $2)`

	selectRecordSQL = `SELECT p.id, p.subject_ref, p.action_kind, p.rationale, p.draft_text, p.confidence, p.created_at,
		a.status, a.decider_id, a.decided_at, a.draft_override, a.token, a.token_expires_at, a.executed_at, a.execution_error
		FROM proposals p JOIN approvals a ON a.proposal_id = p.id WHERE p.id = $1`

	decideSQL = `UPDATE approvals SET status = $2, decider_id = $3, decided_at = $4, draft_override = $5,
		token = $6, token_expires_at = $7 WHERE proposal_id = $1 AND executed_at IS NULL`

	setTokenSQL = `UPDATE approvals SET token = $2, token_expires_at = $3
		WHERE proposal_id = $1 AND status = 'approved' AND executed_at IS NULL`

	clearTokenSQL = `UPDATE approvals SET token = NULL, token_expires_at = NULL WHERE proposal_id = $1`

	claimTokenSQL = `UPDATE approvals SET token = NULL, token_expires_at = NULL
		WHERE proposal_id = $1 AND token = $2 AND status = 'approved' AND executed_at IS NULL`

	recordExecutionSQL = `UPDATE approvals SET executed_at = $2, execution_error = $3 WHERE proposal_id = $1`

	existsSQL = `SELECT 1 FROM proposals WHERE id = $1`

	listPendingSQL = `SELECT p.id, p.subject_ref, p.action_kind, p.rationale, p.draft_text, p.confidence, p.created_at
		FROM proposals p JOIN approvals a ON a.proposal_id = p.id
		WHERE a.status = 'pending' ORDER BY p.created_at DESC, p.id DESC`
)

// SQLStore is a Store backed by database/sql. It runs on SQLite (modernc)
// and Postgres (lib/pq).
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database. Call Migrate before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open connects to driver ("sqlite" or "postgres") and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection serializes access.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertProposalSQL,
		p.ID, p.SubjectRef, string(p.ActionKind), p.Rationale, p.DraftText, p.Confidence, formatTime(p.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertApprovalSQL, p.ID, string(StatusPending)); err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit proposal: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		p                                     Proposal
		a                                     Approval
		kind, status, createdAt, execErr      string
		decidedAt, override, token, expiresAt sql.NullString
		executedAt                            sql.NullString
	)
	err := s.db.QueryRowContext(ctx, selectRecordSQL, id).Scan(
		&p.ID, &p.SubjectRef, &kind, &p.Rationale, &p.DraftText, &p.Confidence, &createdAt,
		&status, &a.DeciderID, &decidedAt, &override, &token, &expiresAt, &executedAt, &execErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("get_proposal", "proposal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}

	p.ActionKind = ActionKind(kind)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	a.ProposalID = p.ID
	a.Status = Status(status)
	a.ExecutionError = execErr
	a.DraftOverride = nullString(override)
	a.Token = nullString(token)
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{decidedAt, &a.DecidedAt}, {expiresAt, &a.TokenExpiresAt}, {executedAt, &a.ExecutedAt}} {
		if *f.dst, err = nullTime(f.src); err != nil {
			return nil, err
		}
	}

	return &Record{Proposal: &p, Approval: &a}, nil
}

func (s *SQLStore) Decide(ctx context.Context, id string, d Decision) error {
	var expires any
	if d.TokenExpiresAt != nil {
		expires = formatTime(*d.TokenExpiresAt)
	}
	n, err := s.exec(ctx, decideSQL,
		id, string(d.Status), d.DeciderID, formatTime(d.DecidedAt), nullable(d.DraftOverride), nullable(d.Token), expires,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	if n == 0 {
		return s.missOrState(ctx, "decide", id, apperr.Validation("decide", "proposal %s already executed", id))
	}
	return nil
}

func (s *SQLStore) SetToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	n, err := s.exec(ctx, setTokenSQL, id, token, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to set token: %w", err)
	}
	if n == 0 {
		return s.missOrState(ctx, "set_token", id,
			apperr.New(apperr.KindNotApproved, "set_token", "proposal %s is not approved", id))
	}
	return nil
}

func (s *SQLStore) ClearToken(ctx context.Context, id string) error {
	n, err := s.exec(ctx, clearTokenSQL, id)
	if err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("clear_token", "proposal %s not found", id)
	}
	return nil
}

func (s *SQLStore) ClaimToken(ctx context.Context, id, token string) (bool, error) {
	n, err := s.exec(ctx, claimTokenSQL, id, token)
	if err != nil {
		return false, fmt.Errorf("failed to claim token: %w", err)
	}
	if n == 0 {
		if err := s.missOrState(ctx, "claim_token", id, nil); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) RecordExecution(ctx context.Context, id string, at time.Time, execErr string) error {
	n, err := s.exec(ctx, recordExecutionSQL, id, formatTime(at), execErr)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("record_execution", "proposal %s not found", id)
	}
	return nil
}

func (s *SQLStore) ListPending(ctx context.Context) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, listPendingSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var (
			p               Proposal
			kind, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.SubjectRef, &kind, &p.Rationale, &p.DraftText, &p.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		p.ActionKind = ActionKind(kind)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// missOrState returns not_found when id is unknown, else stateErr.
func (s *SQLStore) missOrState(ctx context.Context, op, id string, stateErr error) error {
	var one int
	err := s.db.QueryRowContext(ctx, existsSQL, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, "proposal %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up proposal: %w", err)
	}
	return stateErr
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
