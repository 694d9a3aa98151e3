package report

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) openLocked(sessionID string, at time.Time) Record {
	rec, ok := s.records[sessionID]
	if !ok {
		rec = Record{SessionID: sessionID, ReportTimestamp: at}
		s.records[sessionID] = rec
	}
	return rec
}

func (s *MemoryStore) Open(_ context.Context, sessionID string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(sessionID, at), nil
}

func (s *MemoryStore) Submit(_ context.Context, sessionID string, f Fields, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.openLocked(sessionID, at)
	if rec.SubmittedAt != nil {
		return Record{}, ErrAlreadySubmitted
	}
	f = f.Trimmed()
	merge := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	merge(&rec.FullName, f.FullName)
	merge(&rec.Age, f.Age)
	merge(&rec.Phone, f.Phone)
	merge(&rec.Address, f.Address)
	merge(&rec.ContactEmail, f.ContactEmail)
	rec.SubmittedAt = &at
	s.records[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) Skip(_ context.Context, sessionID string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.openLocked(sessionID, at)
	if rec.SkippedAt == nil {
		rec.SkippedAt = &at
	}
	s.records[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
