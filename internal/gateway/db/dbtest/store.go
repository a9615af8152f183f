// Package dbtest provides an in-memory db.Store for tests that must
// not depend on a Postgres server.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/gateway/db"
)

// MemStore implements db.Store on a map.
type MemStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*db.Session

	// FailCreate, when set, is returned by CreateSession.
	FailCreate error
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[uuid.UUID]*db.Session)}
}

func (s *MemStore) CreateSession(_ context.Context, sessionID, tenantID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	now := time.Now()
	s.rows[sessionID] = &db.Session{
		SessionID:    sessionID,
		TenantID:     tenantID,
		WorkerID:     workerID,
		CreatedAt:    now,
		LastActiveAt: now,
		Status:       db.StatusActive,
	}
	return nil
}

func (s *MemStore) CloseSession(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok || row.Status == db.StatusClosed {
		return nil
	}
	now := time.Now()
	row.Status = db.StatusClosed
	row.EndedAt = &now
	return nil
}

func (s *MemStore) GetSession(_ context.Context, sessionID uuid.UUID) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sessionID]
	if !ok {
		return db.Session{}, db.ErrNotFound
	}
	return *row, nil
}

func (s *MemStore) ListSessions(_ context.Context, tenantID uuid.UUID) ([]db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Session
	for _, row := range s.rows {
		if row.TenantID == tenantID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ExpiredSessions(_ context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for sessionID, row := range s.rows {
		if row.Status == db.StatusActive && time.Since(row.CreatedAt) > maxAge {
			ids = append(ids, sessionID)
		}
	}
	return ids, nil
}

// Backdate rewinds a row's created_at so absolute-timeout paths trigger.
func (s *MemStore) Backdate(sessionID uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		row.CreatedAt = row.CreatedAt.Add(-age)
	}
}

// Status returns a row's status, or "" for unknown sessions.
func (s *MemStore) Status(sessionID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		return row.Status
	}
	return ""
}

// Len returns the number of rows.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
