// Package queue stores user-submitted content under moderation (community
// prayer requests) and exposes it to the admin review queue. User counters
// are incremented atomically in the store; moderator edits are
// last-writer-wins on the fields they touch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the visibility of an item.
type Status string

const (
	StatusActive Status = "active"
	StatusHidden Status = "hidden"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusHidden
}

// Filter selects items for a listing.
type Filter string

const (
	FilterAll     Filter = "all"     // everything, moderators only
	FilterFlagged Filter = "flagged" // flag_count > 0
	FilterCrisis  Filter = "crisis"  // crisis_detected
	FilterHidden  Filter = "hidden"  // status = hidden
	FilterPending Filter = "pending" // needs_moderation
	FilterPublic  Filter = "public"  // status = active, for public listings
)

// ParseFilter parses a query-string filter. Empty means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterFlagged, FilterCrisis, FilterHidden, FilterPending, FilterPublic:
		return f, nil
	default:
		return "", fmt.Errorf("queue: unknown filter %q", s)
	}
}

// Match reports whether it belongs in a listing with filter f.
func (f Filter) Match(it Item) bool {
	switch f {
	case FilterFlagged:
		return it.FlagCount > 0
	case FilterCrisis:
		return it.CrisisDetected
	case FilterHidden:
		return it.Status == StatusHidden
	case FilterPending:
		return it.NeedsModeration
	case FilterPublic:
		return it.Status == StatusActive
	default:
		return true
	}
}

var (
	// ErrNotFound is returned when no item has the given id.
	ErrNotFound = errors.New("queue: item not found")

	// ErrNotOwner is returned when someone other than the owner marks an
	// item answered.
	ErrNotOwner = errors.New("queue: not the item owner")
)

// Item is one moderated content item.
type Item struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Body             string    `json:"body"`
	Category         string    `json:"category"`
	IsAnonymous      bool      `json:"is_anonymous"`
	HeartCount       int       `json:"heart_count"`
	FlagCount        int       `json:"flag_count"`
	Status           Status    `json:"status"`
	CrisisDetected   bool      `json:"crisis_detected"`
	SpamDetected     bool      `json:"spam_detected"`
	NeedsModeration  bool      `json:"needs_moderation"`
	ModerationReason string    `json:"moderation_reason,omitempty"`
	Answered         bool      `json:"answered"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Mutation is a moderator edit. Nil fields are left unchanged. Setting Body
// clears NeedsModeration; the caller supplies the re-computed markers.
type Mutation struct {
	Body           *string `json:"body,omitempty"`
	Category       *string `json:"category,omitempty"`
	IsAnonymous    *bool   `json:"is_anonymous,omitempty"`
	CrisisDetected *bool   `json:"-"`
	SpamDetected   *bool   `json:"-"`
}

// Empty reports whether m changes nothing.
func (m Mutation) Empty() bool {
	return m.Body == nil && m.Category == nil && m.IsAnonymous == nil
}

// Store persists moderated items.
type Store interface {
	Create(ctx context.Context, it *Item) error
	Get(ctx context.Context, id string) (Item, error)
	List(ctx context.Context, f Filter, limit int) ([]Item, error)
	Update(ctx context.Context, id string, m Mutation) (Item, error)
	SetStatus(ctx context.Context, id string, s Status) (Item, error)
	Delete(ctx context.Context, id string) error
	// IncrementFlag and IncrementHeart add one and return the new count.
	IncrementFlag(ctx context.Context, id string) (int, error)
	IncrementHeart(ctx context.Context, id string) (int, error)
	MarkNeedsModeration(ctx context.Context, id, reason string) error
	MarkAnswered(ctx context.Context, id, ownerID string) (Item, error)
}
