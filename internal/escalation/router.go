package escalation

import (
	"github.com/google/uuid"

	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
)

// Queue reasons recorded on moderation_queue jobs.
const (
	ReasonFlagThreshold = "flag_threshold"
	ReasonSpam          = "spam"
)

// DefaultFlagThreshold is the user flag count at which an item enters the
// moderation queue.
const DefaultFlagThreshold = 3

// Router decides which channels fire for an event. Decisions depend only on
// the event and the cooldown outcome, never on how other channels fare.
type Router struct {
	flagThreshold int
	excerptRunes  int
	newID         func() string
}

// NewRouter creates a router. Non-positive arguments fall back to defaults.
func NewRouter(flagThreshold, excerptRunes int) *Router {
	if flagThreshold < 1 {
		flagThreshold = DefaultFlagThreshold
	}
	if excerptRunes <= 0 {
		excerptRunes = 280
	}
	return &Router{
		flagThreshold: flagThreshold,
		excerptRunes:  excerptRunes,
		newID:         uuid.NewString,
	}
}

// Route returns the jobs for ev. alertAllowed is the cooldown outcome for
// the subject; it gates only the pastor channels.
func (r *Router) Route(ev Event, alertAllowed bool) []notify.Job {
	base := notify.Job{
		SubjectID:  ev.SubjectID,
		SessionID:  ev.SessionID,
		ContentID:  ev.ContentID,
		Categories: ev.Matches,
		Excerpt:    Excerpt(ev.RawText, r.excerptRunes),
		Contact:    ev.Contact,
		CreatedAt:  ev.Timestamp,
	}
	job := func(ch notify.Channel) notify.Job {
		j := base
		j.ID = r.newID()
		j.Channel = ch
		return j
	}

	var jobs []notify.Job

	if !ev.Matches.Empty() {
		if alertAllowed {
			jobs = append(jobs, job(notify.ChannelPastorEmail), job(notify.ChannelPastorPush))
		}
		audit := job(notify.ChannelAuditLog)
		audit.AlertSuppressed = !alertAllowed
		jobs = append(jobs, audit)
	}

	if ev.Matches.Has(moderation.CategoryAbuse) && ev.IsMinor() && ev.SessionID != "" {
		jobs = append(jobs, job(notify.ChannelMandatoryReport))
	}

	if ev.ContentID != "" {
		switch {
		case ev.FlagCount >= r.flagThreshold:
			q := job(notify.ChannelModerationQueue)
			q.QueueReason = ReasonFlagThreshold
			jobs = append(jobs, q)
		case ev.SpamDetected:
			q := job(notify.ChannelModerationQueue)
			q.QueueReason = ReasonSpam
			if ev.SpamReason != "" {
				q.QueueReason = ev.SpamReason.QueueReason()
			}
			jobs = append(jobs, q)
		}
	}

	return jobs
}

// IsAlertChannel reports whether ch counts toward the subject cooldown.
func IsAlertChannel(ch notify.Channel) bool {
	return ch == notify.ChannelPastorEmail || ch == notify.ChannelPastorPush
}
