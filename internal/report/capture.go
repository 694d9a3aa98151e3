package report

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/graceline/safety/internal/metrics"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/session"
)

// Guards tracks conversation capture state for the UI. Implemented by
// session.Store.
type Guards interface {
	Begin(ctx context.Context, sessionID string, now time.Time) (*session.Conversation, error)
	Get(ctx context.Context, sessionID string) (*session.Conversation, error)
	Finish(ctx context.Context, sessionID, status string, now time.Time) error
}

// OpsAlerter raises alerts that need manual operator follow-up. Implemented
// by messaging.Bus.
type OpsAlerter interface {
	PublishOpsAlert(data []byte) error
}

// Guard is returned by Begin. The conversation UI keeps the subject in the
// capture form while Status is capturing.
type Guard struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ReportTimestamp time.Time `json:"report_timestamp"`
}

// OpsAlert is the payload published when a record could not be written.
type OpsAlert struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Capture runs the mandatory-report capture flow.
type Capture struct {
	store  Store
	guards Guards
	runner *notify.Runner
	ops    OpsAlerter
	now    func() time.Time
}

// NewCapture creates the flow. guards and ops may be nil.
func NewCapture(store Store, guards Guards, runner *notify.Runner, ops OpsAlerter) *Capture {
	return &Capture{
		store:  store,
		guards: guards,
		runner: runner,
		ops:    ops,
		now:    time.Now,
	}
}

// Begin durably records that mandatory-reporting logic fired for the
// conversation and opens the capture guard. The record is written before
// the subject sees the form.
func (c *Capture) Begin(ctx context.Context, sessionID string) (Guard, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Guard{}, ErrEmptySession
	}
	now := c.now()

	rec, err := c.store.Open(ctx, sessionID, now)
	if err != nil {
		c.failed(sessionID, "begin", err)
		return Guard{}, err
	}
	metrics.MandatoryReports.WithLabelValues("begin").Inc()

	g := Guard{SessionID: sessionID, Status: recordStatus(rec), ReportTimestamp: rec.ReportTimestamp}
	if g.Status == session.StatusCapturing && c.guards != nil {
		if _, err := c.guards.Begin(ctx, sessionID, now); err != nil {
			log.Printf("[report] session=%s: open guard: %v", sessionID, err)
		}
	}
	log.Printf("[report] session=%s capture begun status=%s", sessionID, g.Status)
	return g, nil
}

// State tells the conversation UI whether to keep the subject in the
// capture form. The Redis guard answers first; the durable record fills in
// the timestamp and wins once it shows a final outcome, so a guard that
// missed its Finish cannot hold the subject in the form. Without either,
// ErrNotFound.
func (c *Capture) State(ctx context.Context, sessionID string) (Guard, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Guard{}, ErrEmptySession
	}
	g := Guard{SessionID: sessionID}

	if c.guards != nil {
		conv, err := c.guards.Get(ctx, sessionID)
		switch {
		case err == nil:
			g.Status = conv.Status
		case !errors.Is(err, session.ErrNotFound):
			log.Printf("[report] session=%s: read guard: %v", sessionID, err)
		}
	}

	rec, err := c.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		g.ReportTimestamp = rec.ReportTimestamp
		if st := recordStatus(rec); g.Status == "" || st != session.StatusCapturing {
			g.Status = st
		}
	case g.Status == "":
		return Guard{}, err
	default:
		log.Printf("[report] session=%s: read record: %v", sessionID, err)
	}
	return g, nil
}

func recordStatus(rec Record) string {
	switch {
	case rec.SubmittedAt != nil:
		return session.StatusSubmitted
	case rec.SkippedAt != nil:
		return session.StatusSkipped
	}
	return session.StatusCapturing
}

// Open satisfies notify.ReportOpener.
func (c *Capture) Open(ctx context.Context, sessionID string) error {
	_, err := c.Begin(ctx, sessionID)
	return err
}

// Submit merges the subject's details into the record and sends the
// high-priority report email. The two are independent: a failed email does
// not undo the write, and a failed write does not stop the email. A failed
// write is returned to the caller.
func (c *Capture) Submit(ctx context.Context, sessionID string, f Fields) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, ErrEmptySession
	}
	f = f.Trimmed()
	now := c.now()

	rec, err := c.store.Submit(ctx, sessionID, f, now)
	if errors.Is(err, ErrAlreadySubmitted) {
		return Record{}, err
	}

	c.sendEmail(sessionID, f, now)

	if err != nil {
		c.failed(sessionID, "submit", err)
		return Record{}, err
	}
	metrics.MandatoryReports.WithLabelValues("submit").Inc()
	c.finish(ctx, sessionID, session.StatusSubmitted, now)
	log.Printf("[report] session=%s submitted fields_provided=%t", sessionID, !f.Empty())
	return rec, nil
}

// Skip records that the subject declined to share details. The record
// still carries the session and report timestamp.
func (c *Capture) Skip(ctx context.Context, sessionID string) (Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Record{}, ErrEmptySession
	}
	now := c.now()

	rec, err := c.store.Skip(ctx, sessionID, now)
	if err != nil {
		c.failed(sessionID, "skip", err)
		return Record{}, err
	}
	metrics.MandatoryReports.WithLabelValues("skip").Inc()
	c.finish(ctx, sessionID, session.StatusSkipped, now)
	log.Printf("[report] session=%s skipped", sessionID)
	return rec, nil
}

// Get returns the stored record.
func (c *Capture) Get(ctx context.Context, sessionID string) (Record, error) {
	return c.store.Get(ctx, sessionID)
}

func (c *Capture) sendEmail(sessionID string, f Fields, now time.Time) {
	if c.runner == nil {
		return
	}
	c.runner.Run([]notify.Job{{
		ID:        uuid.NewString(),
		Channel:   notify.ChannelReportEmail,
		SessionID: sessionID,
		Contact: notify.Contact{
			Name:    f.FullName,
			Email:   f.ContactEmail,
			Phone:   f.Phone,
			Age:     f.Age,
			Address: f.Address,
		},
		CreatedAt: now,
	}}, nil)
}

func (c *Capture) finish(ctx context.Context, sessionID, status string, now time.Time) {
	if c.guards == nil {
		return
	}
	if err := c.guards.Finish(ctx, sessionID, status, now); err != nil {
		log.Printf("[report] session=%s: close guard: %v", sessionID, err)
	}
}

// failed logs a write failure and raises an ops alert so the obligation is
// followed up by hand.
func (c *Capture) failed(sessionID, action string, err error) {
	metrics.MandatoryReports.WithLabelValues("failed").Inc()
	log.Printf("[report] session=%s action=%s RECORD NOT SAVED: %v", sessionID, action, err)
	if c.ops == nil {
		return
	}
	data, mErr := json.Marshal(OpsAlert{
		Kind:      "mandatory_report_write_failed",
		SessionID: sessionID,
		Action:    action,
		Error:     err.Error(),
		At:        c.now(),
	})
	if mErr != nil {
		log.Printf("[report] marshal ops alert: %v", mErr)
		return
	}
	if pErr := c.ops.PublishOpsAlert(data); pErr != nil {
		log.Printf("[report] session=%s: publish ops alert: %v", sessionID, pErr)
	}
}
