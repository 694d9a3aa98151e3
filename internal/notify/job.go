// Package notify delivers escalation jobs over independent channels: pastor
// email and push, the alert audit log, the admin moderation queue, and the
// mandatory-report record. A failure on one channel never blocks, delays or
// rolls back another.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/graceline/safety/internal/moderation"
)

// Channel names an outbound dispatch path.
type Channel string

const (
	ChannelPastorEmail     Channel = "pastor_email"
	ChannelPastorPush      Channel = "pastor_push"
	ChannelAuditLog        Channel = "audit_log"
	ChannelModerationQueue Channel = "moderation_queue"
	ChannelMandatoryReport Channel = "mandatory_report"
	ChannelReportEmail     Channel = "report_email"
)

// Contact is optional identifying information about the subject.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Age     string `json:"age,omitempty"`
	Address string `json:"address,omitempty"`
}

// Empty reports whether no contact field is populated.
func (c Contact) Empty() bool {
	return c == Contact{}
}

// Job is one unit of work for one channel. Excerpt is always truncated
// before a Job is built; raw submission text never travels in a Job.
type Job struct {
	ID              string
	Channel         Channel
	SubjectID       string
	SessionID       string
	ContentID       string
	Categories      moderation.CategorySet
	Excerpt         string
	Contact         Contact
	AlertSuppressed bool
	QueueReason     string
	CreatedAt       time.Time
}

// RecordID returns the identifier a human uses to look the event up: the
// conversation session if any, otherwise the content item.
func (j Job) RecordID() string {
	if j.SessionID != "" {
		return j.SessionID
	}
	return j.ContentID
}

// Ack confirms delivery on a channel. Ref is the provider message ID, log
// row ID or similar.
type Ack struct {
	Channel Channel
	Ref     string
}

// DispatchError is the final failure of a job after all attempts.
type DispatchError struct {
	Channel  Channel
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("notify: %s failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ErrNoDispatcher is returned for jobs whose channel has no dispatcher.
var ErrNoDispatcher = errors.New("notify: no dispatcher for channel")

// Result is the outcome of one job.
type Result struct {
	Job      Job
	Ack      Ack
	Err      error
	Attempts int
	Duration time.Duration
}

// OK reports whether the job was delivered.
func (r Result) OK() bool {
	return r.Err == nil
}
