// Package protocol defines the JSON payloads of the public HTTP API and the
// message types of the live moderation WebSocket feed. Feed messages follow
// an envelope format with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/queue"
)

// ---------------------------------------------------------------------------
// HTTP payloads
// ---------------------------------------------------------------------------

// Submission kinds.
const (
	KindPrayer       = "prayer"
	KindConversation = "conversation"
)

// ContactInfo is optional subject contact detail sent with a submission.
type ContactInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SubmitRequest is the inbound content submission.
type SubmitRequest struct {
	SubjectID   string       `json:"subject_id"`
	Text        string       `json:"text"`
	Kind        string       `json:"kind"`
	SessionID   string       `json:"session_id,omitempty"`
	Category    string       `json:"category,omitempty"`
	IsAnonymous bool         `json:"is_anonymous,omitempty"`
	SubjectAge  *int         `json:"subject_age,omitempty"`
	Contact     *ContactInfo `json:"contact,omitempty"`
}

// Validate checks the request shape. maxText bounds the text length in
// bytes.
func (r *SubmitRequest) Validate(maxText int) error {
	if r.Kind == "" {
		r.Kind = KindPrayer
	}
	switch {
	case r.Text == "":
		return fmt.Errorf("text is required")
	case len(r.Text) > maxText:
		return fmt.Errorf("text exceeds %d bytes", maxText)
	case r.Kind != KindPrayer && r.Kind != KindConversation:
		return fmt.Errorf("kind must be %q or %q", KindPrayer, KindConversation)
	case r.Kind == KindConversation && r.SessionID == "":
		return fmt.Errorf("session_id is required for conversation messages")
	case r.Kind == KindPrayer && r.SubjectID == "":
		return fmt.Errorf("subject_id is required")
	case r.SubjectAge != nil && (*r.SubjectAge < 0 || *r.SubjectAge > 150):
		return fmt.Errorf("subject_age out of range")
	}
	return nil
}

// SubmitResponse acknowledges a stored submission. Safety processing is not
// part of the response.
type SubmitResponse struct {
	ID string `json:"id"`
}

// CountResponse returns a counter after an increment.
type CountResponse struct {
	Count int `json:"count"`
}

// OwnerRequest identifies the caller for owner-only actions.
type OwnerRequest struct {
	OwnerID string `json:"owner_id"`
}

// ReportRequest is the mandatory-report form. Every detail is optional.
type ReportRequest struct {
	SessionID    string `json:"session_id"`
	FullName     string `json:"full_name,omitempty"`
	Age          string `json:"age,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// ReportResponse is the mandatory-report endpoint result.
type ReportResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ItemPatch is a moderator edit of a queue item.
type ItemPatch struct {
	Body        *string `json:"body,omitempty"`
	Category    *string `json:"category,omitempty"`
	IsAnonymous *bool   `json:"is_anonymous,omitempty"`
}

// StatusRequest hides or unhides an item.
type StatusRequest struct {
	Status string `json:"status"`
}

// QueueListResponse is an admin queue listing.
type QueueListResponse struct {
	Filter string       `json:"filter"`
	Items  []queue.Item `json:"items"`
}

// CooldownResponse reports a subject's alert cooldown.
type CooldownResponse struct {
	SubjectID    string                 `json:"subject_id"`
	LastAlertAt  string                 `json:"last_alert_at,omitempty"`
	Active       bool                   `json:"active"`
	RecentAlerts []notify.AlertLogEntry `json:"recent_alerts,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code and message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Live feed message types
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSnapshot     = "snapshot"
	TypeQueueChanged = "queue_changed"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// SubscribeMsg selects which queue changes a moderator receives. An empty
// filter means all.
type SubscribeMsg struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// SnapshotMsg is the current listing sent after a subscribe.
type SnapshotMsg struct {
	Type   string       `json:"type"`
	Filter string       `json:"filter"`
	Items  []queue.Item `json:"items"`
}

// QueueChangedMsg relays one queue mutation.
type QueueChangedMsg struct {
	Type   string       `json:"type"`
	Change queue.Change `json:"change"`
}

// RateLimitedMsg is sent before closing a throttled connection.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a bad client message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
