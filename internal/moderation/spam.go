package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// SpamReason names the heuristic that marked a prayer request as spam.
// The empty reason means the text looks clean.
type SpamReason string

const (
	SpamLink        SpamReason = "link"
	SpamPhone       SpamReason = "phone"
	SpamSolicit     SpamReason = "solicitation"
	SpamRepeatChars SpamReason = "repeated_characters"
	SpamRepeatWords SpamReason = "repeated_words"
	SpamShouting    SpamReason = "shouting"
)

// QueueReason is the moderation reason recorded for an item held for r.
func (r SpamReason) QueueReason() string {
	return "spam: " + string(r)
}

var (
	// Bare domains only count with a path so that "v2.0", "3.14" or
	// "John 3.16" stay clean.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|top|click)/\S*)`)

	// Seven or more digits in a phone-like grouping, bounded by whitespace.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$|[,.!?])`)

	solicitPattern = regexp.MustCompile(`(?i)\b(whats\s?app|telegram|dm me|message me on|bitcoin|crypto|forex|investment opportunity|loan offer|click here|promo code)\b`)
)

const (
	repeatCharLimit = 8
	repeatWordLimit = 4
	// Shouting is judged only on requests with at least this many letters.
	shoutMinLetters = 24
)

type spamRule struct {
	reason SpamReason
	match  func(string) bool
}

// spamRules run in order; the first hit names the reason.
var spamRules = []spamRule{
	{SpamLink, linkPattern.MatchString},
	{SpamPhone, phonePattern.MatchString},
	{SpamSolicit, solicitPattern.MatchString},
	{SpamRepeatChars, repeatedChars},
	{SpamRepeatWords, repeatedWords},
	{SpamShouting, shouting},
}

// CheckSpam screens a prayer-wall body. Contact details and links are spam
// here because the wall is public; pastors receive contact details through
// the report flow instead.
func CheckSpam(text string) SpamReason {
	for _, r := range spamRules {
		if r.match(text) {
			return r.reason
		}
	}
	return ""
}

// repeatedChars scans for a run of the same rune. RE2 has no backreferences.
func repeatedChars(text string) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 0, r
		}
		run++
		if run >= repeatCharLimit {
			return true
		}
	}
	return false
}

// repeatedWords looks for the same word back to back, ignoring case and
// trailing punctuation, so "holy holy holy" passes and a fourth does not.
func repeatedWords(text string) bool {
	run, prev := 0, ""
	for _, w := range strings.Fields(text) {
		w = strings.ToLower(strings.TrimRightFunc(w, unicode.IsPunct))
		if w == "" || w != prev {
			run, prev = 0, w
		}
		run++
		if w != "" && run >= repeatWordLimit {
			return true
		}
	}
	return false
}

// shouting reports a long body written almost entirely in capitals.
func shouting(text string) bool {
	var letters, upper int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= shoutMinLetters && upper*10 >= letters*9
}
