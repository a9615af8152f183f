package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("session not found")

// Session statuses. Transitions are one-way: active → closed.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Session is the authoritative record of one remote-browser lease.
type Session struct {
	SessionID    uuid.UUID
	TenantID     uuid.UUID
	WorkerID     string
	CreatedAt    time.Time
	LastActiveAt time.Time
	EndedAt      *time.Time
	Status       string
}

// Store is the relational session store. The interface exists so the
// session manager and reaper can be tested without a Postgres server.
type Store interface {
	// CreateSession inserts an active row for a freshly assigned session.
	CreateSession(ctx context.Context, sessionID, tenantID uuid.UUID, workerID string) error
	// CloseSession marks a row closed and stamps ended_at. Closing an
	// already-closed session is a no-op.
	CloseSession(ctx context.Context, sessionID uuid.UUID) error
	// GetSession returns a single row, or ErrNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (Session, error)
	// ListSessions returns a tenant's rows, newest first.
	ListSessions(ctx context.Context, tenantID uuid.UUID) ([]Session, error)
	// ExpiredSessions returns ids of active rows older than maxAge.
	ExpiredSessions(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error)
}

// PGStore implements Store on a Postgres pool.
type PGStore struct {
	db *sql.DB
}

// NewStore creates a PGStore on an open pool.
func NewStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateSession(ctx context.Context, sessionID, tenantID uuid.UUID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (session_id, tenant_id, worker_id, status)
		 VALUES ($1, $2, $3, $4)`,
		sessionID, tenantID, workerID, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PGStore) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions
		 SET status = $1, ended_at = now()
		 WHERE session_id = $2 AND status = $3`,
		StatusClosed, sessionID, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, tenant_id, worker_id, created_at, last_active_at, ended_at, status
		 FROM browser_sessions WHERE session_id = $1`,
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) ListSessions(ctx context.Context, tenantID uuid.UUID) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, tenant_id, worker_id, created_at, last_active_at, ended_at, status
		 FROM browser_sessions WHERE tenant_id = $1
		 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *PGStore) ExpiredSessions(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM browser_sessions
		 WHERE status = $1 AND (now() - created_at) > ($2 * INTERVAL '1 second')`,
		StatusActive, int64(maxAge.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess    Session
		endedAt sql.NullTime
	)
	err := row.Scan(
		&sess.SessionID, &sess.TenantID, &sess.WorkerID,
		&sess.CreatedAt, &sess.LastActiveAt, &endedAt, &sess.Status,
	)
	if err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}
