package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; ok {
		return fmt.Errorf("queue: insert: duplicate id %s", it.ID)
	}
	if it.Status == "" {
		it.Status = StatusActive
	}
	now := s.now()
	it.CreatedAt, it.UpdatedAt = now, now
	s.items[it.ID] = *it
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mutate applies fn to the stored item under the lock.
func (s *MemoryStore) mutate(id string, fn func(*Item) error) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if err := fn(&it); err != nil {
		return Item{}, err
	}
	s.items[id] = it
	return it, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, m Mutation) (Item, error) {
	return s.mutate(id, func(it *Item) error {
		if m.Body != nil {
			it.Body = *m.Body
			it.NeedsModeration = false
			it.ModerationReason = ""
			if m.CrisisDetected != nil {
				it.CrisisDetected = *m.CrisisDetected
			}
			if m.SpamDetected != nil {
				it.SpamDetected = *m.SpamDetected
			}
		}
		if m.Category != nil {
			it.Category = *m.Category
		}
		if m.IsAnonymous != nil {
			it.IsAnonymous = *m.IsAnonymous
		}
		it.UpdatedAt = s.now()
		return nil
	})
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, st Status) (Item, error) {
	if !st.Valid() {
		return Item{}, fmt.Errorf("queue: invalid status %q", st)
	}
	return s.mutate(id, func(it *Item) error {
		it.Status = st
		it.UpdatedAt = s.now()
		return nil
	})
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) IncrementFlag(_ context.Context, id string) (int, error) {
	it, err := s.mutate(id, func(it *Item) error {
		it.FlagCount++
		return nil
	})
	return it.FlagCount, err
}

func (s *MemoryStore) IncrementHeart(_ context.Context, id string) (int, error) {
	it, err := s.mutate(id, func(it *Item) error {
		it.HeartCount++
		return nil
	})
	return it.HeartCount, err
}

func (s *MemoryStore) MarkNeedsModeration(_ context.Context, id, reason string) error {
	_, err := s.mutate(id, func(it *Item) error {
		it.NeedsModeration = true
		it.ModerationReason = reason
		it.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *MemoryStore) MarkAnswered(_ context.Context, id, ownerID string) (Item, error) {
	return s.mutate(id, func(it *Item) error {
		if it.OwnerID != ownerID {
			return ErrNotOwner
		}
		it.Answered = true
		it.UpdatedAt = s.now()
		return nil
	})
}
