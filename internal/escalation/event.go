// Package escalation turns classified submissions into dispatch jobs:
// classification, the per-subject cooldown check and routing run strictly in
// that order, then the jobs are handed to the notify runner and forgotten.
package escalation

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
)

// MinorAge is the age below which an abuse disclosure triggers a mandatory
// report.
const MinorAge = 18

// Event is one submission under evaluation. It lives only for the duration
// of Process and is never stored as-is.
type Event struct {
	SubjectID string
	RawText   string
	// Matches is filled by Process when nil.
	Matches   moderation.CategorySet
	Timestamp time.Time

	// SessionID identifies a guided conversation, if the text came from one.
	SessionID string
	// ContentID is the moderated item the text was stored as, if any.
	ContentID string
	// SubjectAge is self-reported in the guided flow; nil when unknown.
	SubjectAge   *int
	FlagCount    int
	SpamDetected bool
	// SpamReason names the heuristic behind SpamDetected, when known.
	SpamReason moderation.SpamReason
	Contact      notify.Contact
}

// IsMinor reports whether the subject self-identified as under MinorAge.
func (e Event) IsMinor() bool {
	return e.SubjectAge != nil && *e.SubjectAge >= 0 && *e.SubjectAge < MinorAge
}

// Excerpt returns at most max runes of text with whitespace collapsed. An
// ellipsis marks truncation.
func Excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:max]), " ") + "…"
}
