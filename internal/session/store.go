package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for conversation state hashes.
	Prefix = "conversation:"

	// TTL is the time-to-live of conversation state.
	TTL = 1 * time.Hour

	// Capture states.
	StatusCapturing = "capturing"
	StatusSubmitted = "submitted"
	StatusSkipped   = "skipped"
)

// ErrNotFound is returned when no state exists for a conversation.
var ErrNotFound = errors.New("session: conversation not found")

// Conversation is the capture state of one guided conversation.
type Conversation struct {
	ID        string `redis:"id"`
	Status    string `redis:"status"`     // capturing | submitted | skipped
	StartedAt int64  `redis:"started_at"` // unix timestamp
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// Active reports whether capture is still waiting for the subject.
func (c *Conversation) Active() bool {
	return c.Status == StatusCapturing
}

// Store manages conversation state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a store on an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Begin marks capture as in progress. An existing conversation keeps its
// start time; its status is reset to capturing and the TTL refreshed.
func (s *Store) Begin(ctx context.Context, sessionID string, now time.Time) (*Conversation, error) {
	key := Prefix + sessionID
	ts := now.Unix()

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "started_at", ts)
	pipe.HSet(ctx, key, "id", sessionID, "status", StatusCapturing, "updated_at", ts)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: begin: %w", err)
	}
	return s.Get(ctx, sessionID)
}

// Get retrieves a conversation. Returns ErrNotFound if none exists.
func (s *Store) Get(ctx context.Context, sessionID string) (*Conversation, error) {
	var c Conversation
	if err := s.client.HGetAll(ctx, Prefix+sessionID).Scan(&c); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if c.ID == "" {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Finish records how capture ended (submitted or skipped) and refreshes the
// TTL so the UI can still read the outcome.
func (s *Store) Finish(ctx context.Context, sessionID, status string, now time.Time) error {
	if status != StatusSubmitted && status != StatusSkipped {
		return fmt.Errorf("session: invalid final status %q", status)
	}
	key := Prefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "started_at", now.Unix())
	pipe.HSet(ctx, key, "id", sessionID, "status", status, "updated_at", now.Unix())
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: finish: %w", err)
	}
	return nil
}
