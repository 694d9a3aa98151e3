package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PushPublisher hands a push request for recipient to the gateway and
// returns once it is accepted. *messaging.Bus satisfies it.
type PushPublisher interface {
	PublishPush(recipient string, data []byte) error
}

// PushNotification is the request sent to the push gateway. It carries no
// submission text: lock screens are not a safe place for it.
type PushNotification struct {
	Recipient string   `json:"recipient"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Link      string   `json:"link"`
	Priority  string   `json:"priority"`
	Tags      []string `json:"tags,omitempty"`
	JobID     string   `json:"job_id"`
}

// Push publishes pastor push notifications for the push gateway.
type Push struct {
	pub          PushPublisher
	recipient    string
	adminBaseURL string
}

// NewPush creates the push dispatcher for one recipient.
func NewPush(pub PushPublisher, recipient, adminBaseURL string) *Push {
	return &Push{
		pub:          pub,
		recipient:    recipient,
		adminBaseURL: strings.TrimRight(adminBaseURL, "/"),
	}
}

func (p *Push) Channel() Channel { return ChannelPastorPush }

// Dispatch publishes one push request.
func (p *Push) Dispatch(ctx context.Context, job Job) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	cats := job.Categories.Categories()
	tags := make([]string, len(cats))
	for i, c := range cats {
		tags[i] = string(c)
	}

	n := PushNotification{
		Recipient: p.recipient,
		Title:     "Safety alert",
		Body:      fmt.Sprintf("New %s signal needs follow-up", strings.Join(tags, "/")),
		Link:      AdminLink(p.adminBaseURL, job),
		Priority:  "high",
		Tags:      tags,
		JobID:     job.ID,
	}
	data, err := json.Marshal(n)
	if err != nil {
		return Ack{}, fmt.Errorf("notify: marshal push: %w", err)
	}
	if err := p.pub.PublishPush(p.recipient, data); err != nil {
		return Ack{}, fmt.Errorf("notify: publish push: %w", err)
	}
	return Ack{Channel: ChannelPastorPush, Ref: job.ID}, nil
}
