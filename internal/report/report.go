// Package report stores mandatory-report records and runs the capture flow
// that fills them. A record exists as soon as mandatory-reporting logic
// fires for a conversation, whether or not the subject later shares any
// details.
package report

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a session.
	ErrNotFound = errors.New("report: record not found")

	// ErrAlreadySubmitted is returned when the subject submits a second time.
	ErrAlreadySubmitted = errors.New("report: already submitted")

	// ErrEmptySession is returned when the session id is blank.
	ErrEmptySession = errors.New("report: empty session id")
)

// Fields are the optional details a subject may share. Blank values are
// treated as not provided.
type Fields struct {
	FullName     string `json:"full_name"`
	Age          string `json:"age"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	ContactEmail string `json:"contact_email"`
}

// Trimmed returns f with surrounding whitespace removed from every field.
func (f Fields) Trimmed() Fields {
	return Fields{
		FullName:     strings.TrimSpace(f.FullName),
		Age:          strings.TrimSpace(f.Age),
		Phone:        strings.TrimSpace(f.Phone),
		Address:      strings.TrimSpace(f.Address),
		ContactEmail: strings.TrimSpace(f.ContactEmail),
	}
}

// Empty reports whether no field carries a value.
func (f Fields) Empty() bool {
	return f.Trimmed() == Fields{}
}

// Record is the persisted mandatory-report record for one conversation.
// ReportTimestamp is written with the record and never changes.
type Record struct {
	SessionID       string     `json:"session_id"`
	Fields
	ReportTimestamp time.Time  `json:"report_timestamp"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	SkippedAt       *time.Time `json:"skipped_at,omitempty"`
}

// Store persists records keyed by session id. Every write creates the
// record if it does not yet exist.
type Store interface {
	// Open creates the minimal record. An existing record is returned as-is.
	Open(ctx context.Context, sessionID string, at time.Time) (Record, error)
	// Submit merges f into the record. Only non-blank fields are written,
	// and only once per record; a second call returns ErrAlreadySubmitted.
	Submit(ctx context.Context, sessionID string, f Fields, at time.Time) (Record, error)
	// Skip marks that the subject declined to share details.
	Skip(ctx context.Context, sessionID string, at time.Time) (Record, error)
	Get(ctx context.Context, sessionID string) (Record, error)
}
