// Package moderation screens free-text submissions for crisis, abuse,
// addiction-relapse and distress signals, and for spam. Both checks are pure
// lexical functions with no I/O, safe for concurrent use.
package moderation
