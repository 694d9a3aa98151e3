// Package cooldown suppresses repeat safety alerts for the same subject
// within a fixed window. One record is kept per subject:
//
//	Key:   cooldown:<subject_id>
//	Value: lastAlertAt as unix milliseconds
//	TTL:   none (removed only by external retention policy)
//
// The pipeline uses Claim/Release rather than ShouldAlert followed by
// RecordAlert so that two submissions from the same subject racing each
// other cannot both pass the check.
package cooldown

import (
	"errors"
	"time"
)

const (
	// Prefix is the Redis key prefix for cooldown records.
	Prefix = "cooldown:"

	// DefaultWindow is the minimum spacing between two alerts for one subject.
	DefaultWindow = 24 * time.Hour
)

// ErrEmptySubject is returned when a subject ID is blank.
var ErrEmptySubject = errors.New("cooldown: empty subject id")

// Claim is a successful atomic check-and-record. Previous is zero when the
// subject had no earlier alert.
type Claim struct {
	SubjectID string
	At        time.Time
	Previous  time.Time
}

func inWindow(last, now time.Time, window time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < window
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
