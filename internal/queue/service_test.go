package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) PublishQueueChange(data []byte) error {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	return nil
}

func (r *changeRecorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Op
	}
	return out
}

func TestService_CreateSetsMarkers(t *testing.T) {
	pub := &changeRecorder{}
	svc := NewService(NewMemoryStore(), pub, nil)
	ctx := context.Background()

	it, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "I feel hopeless lately"}, nil)
	require.NoError(t, err)
	assert.True(t, it.CrisisDetected)
	assert.True(t, it.NeedsModeration)
	assert.False(t, it.SpamDetected)

	spam, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "visit https://cheap.example.com now"}, nil)
	require.NoError(t, err)
	assert.True(t, spam.SpamDetected)
	assert.True(t, spam.NeedsModeration)
	assert.Equal(t, "spam: link", spam.ModerationReason)

	plain, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "Thankful for my church family"}, nil)
	require.NoError(t, err)
	assert.False(t, plain.NeedsModeration)

	assert.Equal(t, []string{OpCreated, OpCreated, OpCreated}, pub.ops())
}

func TestService_EditReclassifiesAndAcknowledges(t *testing.T) {
	pub := &changeRecorder{}
	svc := NewService(NewMemoryStore(), pub, nil)
	ctx := context.Background()

	it, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "I want to die"}, nil)
	require.NoError(t, err)
	require.True(t, it.CrisisDetected)

	body := "Please pray for peace"
	got, err := svc.Update(ctx, it.ID, Mutation{Body: &body})
	require.NoError(t, err)
	assert.False(t, got.CrisisDetected)
	assert.False(t, got.NeedsModeration)
	assert.Equal(t, []string{OpCreated, OpUpdated}, pub.ops())
}

func TestService_FlagAndQueue(t *testing.T) {
	pub := &changeRecorder{}
	svc := NewService(NewMemoryStore(), pub, nil)
	ctx := context.Background()

	it, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "Pray for my job interview"}, nil)
	require.NoError(t, err)

	n, err := svc.Flag(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, svc.MarkNeedsModeration(ctx, it.ID, "flag_threshold"))
	got, err := svc.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsModeration)
	assert.Equal(t, "flag_threshold", got.ModerationReason)

	items, err := svc.List(ctx, FilterFlagged, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.Equal(t, []string{OpCreated, OpFlagged, OpQueued}, pub.ops())
}

func TestService_InvalidIDIsNotFound(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	_, err := svc.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Flag(ctx, "'; DROP TABLE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, uuid.NewString()), ErrNotFound)
}

func TestService_DeletePublishes(t *testing.T) {
	pub := &changeRecorder{}
	svc := NewService(NewMemoryStore(), pub, nil)
	ctx := context.Background()

	it, err := svc.Create(ctx, Submission{OwnerID: "u1", Body: "Pray for rain"}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, it.ID))

	ops := pub.ops()
	assert.Equal(t, OpDeleted, ops[len(ops)-1])
}
