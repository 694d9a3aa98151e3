package queue

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/graceline/safety/internal/moderation"
)

// Change ops published to live moderator views.
const (
	OpCreated  = "created"
	OpUpdated  = "updated"
	OpStatus   = "status"
	OpDeleted  = "deleted"
	OpFlagged  = "flagged"
	OpHearted  = "hearted"
	OpQueued   = "queued"
	OpAnswered = "answered"
)

// Change is one queue mutation as seen by live moderator views. Item is
// nil for deletions.
type Change struct {
	Op     string    `json:"op"`
	ItemID string    `json:"item_id"`
	Item   *Item     `json:"item,omitempty"`
	At     time.Time `json:"at"`
}

// ChangePublisher broadcasts changes. Implemented by messaging.Bus.
type ChangePublisher interface {
	PublishQueueChange(data []byte) error
}

// Service wraps a Store with the moderation rules and publishes every
// change so concurrent moderators see it.
type Service struct {
	store      Store
	pub        ChangePublisher
	classifier *moderation.Classifier
	now        func() time.Time
}

// NewService creates a Service. pub may be nil.
func NewService(store Store, pub ChangePublisher, classifier *moderation.Classifier) *Service {
	if classifier == nil {
		classifier = moderation.NewClassifier(moderation.DefaultKeywords)
	}
	return &Service{store: store, pub: pub, classifier: classifier, now: time.Now}
}

// Submission is a new content item from a user.
type Submission struct {
	OwnerID     string
	Body        string
	Category    string
	IsAnonymous bool
}

// Create stores a new item with its crisis and spam markers set from the
// body. matches may be passed in when the caller already classified the
// body; nil means classify here.
func (s *Service) Create(ctx context.Context, sub Submission, matches moderation.CategorySet) (Item, error) {
	if matches == nil {
		matches = s.classifier.Classify(sub.Body)
	}
	reason := moderation.CheckSpam(sub.Body)
	spam := reason != ""

	it := Item{
		ID:             uuid.NewString(),
		OwnerID:        sub.OwnerID,
		Body:           sub.Body,
		Category:       strings.TrimSpace(sub.Category),
		IsAnonymous:    sub.IsAnonymous,
		Status:         StatusActive,
		CrisisDetected: !matches.Empty(),
		SpamDetected:   spam,
	}
	if it.CrisisDetected {
		it.NeedsModeration = true
		it.ModerationReason = "crisis"
	}
	if spam {
		it.NeedsModeration = true
		it.ModerationReason = reason.QueueReason()
	}

	if err := s.store.Create(ctx, &it); err != nil {
		return Item{}, err
	}
	s.publish(OpCreated, it.ID, &it)
	return it, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (Item, error) {
	if !validID(id) {
		return Item{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List returns items matching f.
func (s *Service) List(ctx context.Context, f Filter, limit int) ([]Item, error) {
	return s.store.List(ctx, f, limit)
}

// Update applies a moderator edit. A body edit re-evaluates the crisis and
// spam markers and clears needs_moderation as the moderator's
// acknowledgment.
func (s *Service) Update(ctx context.Context, id string, m Mutation) (Item, error) {
	if !validID(id) {
		return Item{}, ErrNotFound
	}
	if m.Body != nil {
		crisis := !s.classifier.Classify(*m.Body).Empty()
		spam := moderation.CheckSpam(*m.Body) != ""
		m.CrisisDetected, m.SpamDetected = &crisis, &spam
	}
	it, err := s.store.Update(ctx, id, m)
	if err != nil {
		return Item{}, err
	}
	s.publish(OpUpdated, id, &it)
	return it, nil
}

// SetStatus hides or unhides an item.
func (s *Service) SetStatus(ctx context.Context, id string, st Status) (Item, error) {
	if !validID(id) {
		return Item{}, ErrNotFound
	}
	it, err := s.store.SetStatus(ctx, id, st)
	if err != nil {
		return Item{}, err
	}
	s.publish(OpStatus, id, &it)
	return it, nil
}

// Delete removes an item.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(OpDeleted, id, nil)
	return nil
}

// Flag records one user flag and returns the new count.
func (s *Service) Flag(ctx context.Context, id string) (int, error) {
	if !validID(id) {
		return 0, ErrNotFound
	}
	n, err := s.store.IncrementFlag(ctx, id)
	if err != nil {
		return 0, err
	}
	s.publish(OpFlagged, id, nil)
	return n, nil
}

// Heart records one heart and returns the new count.
func (s *Service) Heart(ctx context.Context, id string) (int, error) {
	if !validID(id) {
		return 0, ErrNotFound
	}
	n, err := s.store.IncrementHeart(ctx, id)
	if err != nil {
		return 0, err
	}
	s.publish(OpHearted, id, nil)
	return n, nil
}

// MarkNeedsModeration puts an item in the pending queue. Satisfies
// notify.QueueMarker.
func (s *Service) MarkNeedsModeration(ctx context.Context, id, reason string) error {
	if !validID(id) {
		return ErrNotFound
	}
	if err := s.store.MarkNeedsModeration(ctx, id, reason); err != nil {
		return err
	}
	log.Printf("[queue] item=%s queued for moderation: %s", id, reason)
	s.publish(OpQueued, id, nil)
	return nil
}

// MarkAnswered lets the owner mark a prayer request answered.
func (s *Service) MarkAnswered(ctx context.Context, id, ownerID string) (Item, error) {
	if !validID(id) {
		return Item{}, ErrNotFound
	}
	it, err := s.store.MarkAnswered(ctx, id, ownerID)
	if err != nil {
		return Item{}, err
	}
	s.publish(OpAnswered, id, &it)
	return it, nil
}

func (s *Service) publish(op, id string, it *Item) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(Change{Op: op, ItemID: id, Item: it, At: s.now()})
	if err != nil {
		log.Printf("[queue] marshal change: %v", err)
		return
	}
	if err := s.pub.PublishQueueChange(data); err != nil {
		log.Printf("[queue] publish change item=%s op=%s: %v", id, op, err)
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
