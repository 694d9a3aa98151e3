package cooldown

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process cooldown store for single-instance
// deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewMemoryStore creates an empty store. A non-positive window falls back to
// DefaultWindow.
func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{window: window, last: make(map[string]time.Time)}
}

// Window returns the configured cooldown window.
func (s *MemoryStore) Window() time.Duration {
	return s.window
}

// LastAlert returns the subject's lastAlertAt, or zero if never alerted.
func (s *MemoryStore) LastAlert(_ context.Context, subjectID string) (time.Time, error) {
	if subjectID == "" {
		return time.Time{}, ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[subjectID], nil
}

// ShouldAlert reports whether the window has elapsed for the subject.
func (s *MemoryStore) ShouldAlert(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	last, err := s.LastAlert(ctx, subjectID)
	if err != nil {
		return true, err
	}
	return !inWindow(last, now, s.window), nil
}

// RecordAlert overwrites the subject's lastAlertAt.
func (s *MemoryStore) RecordAlert(_ context.Context, subjectID string, now time.Time) error {
	if subjectID == "" {
		return ErrEmptySubject
	}
	s.mu.Lock()
	s.last[subjectID] = now
	s.mu.Unlock()
	return nil
}

// Claim atomically checks and records an alert for the subject.
func (s *MemoryStore) Claim(_ context.Context, subjectID string, now time.Time) (Claim, bool, error) {
	if subjectID == "" {
		return Claim{}, false, ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last[subjectID]
	if inWindow(prev, now, s.window) {
		return Claim{}, false, nil
	}
	s.last[subjectID] = now
	return Claim{SubjectID: subjectID, At: now, Previous: prev}, true, nil
}

// Release restores the previous value if the claim is still current.
func (s *MemoryStore) Release(_ context.Context, c Claim) error {
	if c.SubjectID == "" {
		return ErrEmptySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.last[c.SubjectID]; !ok || !cur.Equal(c.At) {
		return nil
	}
	if c.Previous.IsZero() {
		delete(s.last, c.SubjectID)
	} else {
		s.last[c.SubjectID] = c.Previous
	}
	return nil
}
