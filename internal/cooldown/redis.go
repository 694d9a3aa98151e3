package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cooldown records in Redis.
type RedisStore struct {
	client        *redis.Client
	window        time.Duration
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewRedisStore creates a store with the given window. A non-positive window
// falls back to DefaultWindow.
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisStore{
		client:        client,
		window:        window,
		claimScript:   redis.NewScript(claimLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Window returns the configured cooldown window.
func (s *RedisStore) Window() time.Duration {
	return s.window
}

// LastAlert returns the lastAlertAt of a subject, or the zero time if the
// subject has never been alerted on.
func (s *RedisStore) LastAlert(ctx context.Context, subjectID string) (time.Time, error) {
	if subjectID == "" {
		return time.Time{}, ErrEmptySubject
	}
	ms, err := s.client.Get(ctx, Prefix+subjectID).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cooldown: get: %w", err)
	}
	return fromMillis(ms), nil
}

// ShouldAlert reports whether no alert was recorded for the subject within
// the window ending at now.
func (s *RedisStore) ShouldAlert(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	last, err := s.LastAlert(ctx, subjectID)
	if err != nil {
		return true, err
	}
	return !inWindow(last, now, s.window), nil
}

// RecordAlert overwrites the subject's lastAlertAt with now.
func (s *RedisStore) RecordAlert(ctx context.Context, subjectID string, now time.Time) error {
	if subjectID == "" {
		return ErrEmptySubject
	}
	if err := s.client.Set(ctx, Prefix+subjectID, toMillis(now), 0).Err(); err != nil {
		return fmt.Errorf("cooldown: set: %w", err)
	}
	return nil
}

// Claim atomically checks the window and, if it has elapsed, records now as
// the subject's lastAlertAt. ok is false when the subject is still cooling
// down.
func (s *RedisStore) Claim(ctx context.Context, subjectID string, now time.Time) (Claim, bool, error) {
	if subjectID == "" {
		return Claim{}, false, ErrEmptySubject
	}
	res, err := s.claimScript.Run(ctx, s.client,
		[]string{Prefix + subjectID},
		toMillis(now), s.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Claim{}, false, fmt.Errorf("cooldown: claim: %w", err)
	}
	if len(res) != 2 {
		return Claim{}, false, fmt.Errorf("cooldown: claim: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return Claim{}, false, nil
	}
	return Claim{SubjectID: subjectID, At: now, Previous: fromMillis(res[1])}, true, nil
}

// Release undoes a claim, restoring the previous lastAlertAt. It is a no-op
// when another claim has overwritten the record since.
func (s *RedisStore) Release(ctx context.Context, c Claim) error {
	if c.SubjectID == "" {
		return ErrEmptySubject
	}
	err := s.releaseScript.Run(ctx, s.client,
		[]string{Prefix + c.SubjectID},
		strconv.FormatInt(toMillis(c.At), 10), toMillis(c.Previous),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cooldown: release: %w", err)
	}
	return nil
}

// claimLua returns {1, previous} after recording ARGV[1], or {0, last} when
// the previous alert is still inside the window ARGV[2] (both millis).
const claimLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local last = tonumber(redis.call('GET', key) or '0')
if last > 0 and now - last < window then
    return {0, last}
end

redis.call('SET', key, ARGV[1])
return {1, last}
`

// releaseLua restores ARGV[2] (or deletes the key when it is 0) only if the
// key still holds the claimed value ARGV[1].
const releaseLua = `
local key = KEYS[1]
local current = redis.call('GET', key)
if current ~= ARGV[1] then
    return 0
end

if tonumber(ARGV[2]) == 0 then
    redis.call('DEL', key)
else
    redis.call('SET', key, ARGV[2])
end
return 1
`
