// Package messaging is the NATS bus shared by the safety service and its
// operator tooling: pastor push requests, moderation queue changes for live
// moderator views, and manual-ops alerts.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectPush is suffixed with the recipient: notify.push.<recipient>.
	SubjectPush         = "notify.push"
	SubjectQueueChanged = "moderation.changed"
	SubjectOpsAlert     = "ops.alert"
)

// ErrNotConnected is returned by Check while the bus is reconnecting.
var ErrNotConnected = errors.New("messaging: not connected")

// Options configures Connect.
type Options struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	// FlushTimeout bounds the server round trip of confirmed publishes.
	FlushTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		URL:           nats.DefaultURL,
		Name:          "safetyd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  2 * time.Second,
	}
}

// Bus publishes and subscribes on one NATS connection.
type Bus struct {
	conn         *nats.Conn
	flushTimeout time.Duration
}

// Subscription is returned by the Subscribe helpers; Unsubscribe stops
// delivery.
type Subscription struct {
	sub *nats.Subscription
}

func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}

// Connect dials NATS. Connection state changes are logged; the client keeps
// reconnecting in the background per opts.
func Connect(opts Options) (*Bus, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] subject=%s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] %v", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", opts.URL, err)
	}
	log.Printf("[nats] connected to %s as %s", nc.ConnectedUrl(), opts.Name)

	flush := opts.FlushTimeout
	if flush <= 0 {
		flush = DefaultOptions().FlushTimeout
	}
	return &Bus{conn: nc, flushTimeout: flush}, nil
}

// Check reports whether the connection is currently usable.
func (b *Bus) Check() error {
	if !b.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains subscriptions and pending publishes, then closes.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
}

// publishConfirmed returns only once the server has the message, so a push
// or ops alert that never left the process counts as failed.
func (b *Bus) publishConfirmed(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	if err := b.conn.FlushTimeout(b.flushTimeout); err != nil {
		return fmt.Errorf("messaging: flush %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) subscribe(subject string, handler func(*nats.Msg)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}

// PushSubject is the subject the push gateway reads recipient's requests on.
func PushSubject(recipient string) string {
	return SubjectPush + "." + recipient
}

// PublishPush hands a push request to the gateway.
func (b *Bus) PublishPush(recipient string, data []byte) error {
	return b.publishConfirmed(PushSubject(recipient), data)
}

// PublishQueueChange broadcasts a queue mutation. Live views tolerate a lost
// change, so this does not wait for the server.
func (b *Bus) PublishQueueChange(data []byte) error {
	if err := b.conn.Publish(SubjectQueueChanged, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", SubjectQueueChanged, err)
	}
	return nil
}

func (b *Bus) PublishOpsAlert(data []byte) error {
	return b.publishConfirmed(SubjectOpsAlert, data)
}

func (b *Bus) SubscribeQueueChanges(handler func(data []byte)) (*Subscription, error) {
	return b.subscribe(SubjectQueueChanged, func(m *nats.Msg) { handler(m.Data) })
}

func (b *Bus) SubscribeOpsAlerts(handler func(data []byte)) (*Subscription, error) {
	return b.subscribe(SubjectOpsAlert, func(m *nats.Msg) { handler(m.Data) })
}

// SubscribePush receives push requests for every recipient.
func (b *Bus) SubscribePush(handler func(subject string, data []byte)) (*Subscription, error) {
	return b.subscribe(SubjectPush+".>", func(m *nats.Msg) { handler(m.Subject, m.Data) })
}
