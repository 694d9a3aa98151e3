package notify

import (
	"context"
	"errors"
)

// QueueMarker flags a content item for moderator attention. Implemented by
// queue.Service.
type QueueMarker interface {
	MarkNeedsModeration(ctx context.Context, id, reason string) error
}

// Queue places flagged or spam content in the admin moderation queue.
type Queue struct {
	marker QueueMarker
}

// NewQueue creates the moderation-queue dispatcher.
func NewQueue(m QueueMarker) *Queue {
	return &Queue{marker: m}
}

func (q *Queue) Channel() Channel { return ChannelModerationQueue }

// Dispatch marks the job's content item.
func (q *Queue) Dispatch(ctx context.Context, job Job) (Ack, error) {
	if job.ContentID == "" {
		return Ack{}, errors.New("notify: moderation queue job without content id")
	}
	if err := q.marker.MarkNeedsModeration(ctx, job.ContentID, job.QueueReason); err != nil {
		return Ack{}, err
	}
	return Ack{Channel: ChannelModerationQueue, Ref: job.ContentID}, nil
}

// ReportOpener durably records that mandatory-reporting logic fired for a
// conversation. Implemented by report.Capture.
type ReportOpener interface {
	Open(ctx context.Context, sessionID string) error
}

// Report creates the mandatory-report record for minor abuse disclosures.
type Report struct {
	opener ReportOpener
}

// NewReport creates the mandatory-report dispatcher.
func NewReport(o ReportOpener) *Report {
	return &Report{opener: o}
}

func (r *Report) Channel() Channel { return ChannelMandatoryReport }

// Dispatch opens the report record for the job's session.
func (r *Report) Dispatch(ctx context.Context, job Job) (Ack, error) {
	if job.SessionID == "" {
		return Ack{}, errors.New("notify: mandatory report job without session id")
	}
	if err := r.opener.Open(ctx, job.SessionID); err != nil {
		return Ack{}, err
	}
	return Ack{Channel: ChannelMandatoryReport, Ref: job.SessionID}, nil
}
