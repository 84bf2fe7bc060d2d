// Package temporal recognizes questions about earlier conversation, such as
// "what did I ask yesterday?", and maps them to a look-back window.
package temporal

import "strings"

// Window is a recognized look-back request.
type Window struct {
	// Phrase is the table entry that matched.
	Phrase string

	// Hours is the look-back window in whole hours.
	Hours int
}

type phrase struct {
	text  string
	hours int
}

// phrases is checked in order; the first phrase contained in the message wins.
var phrases = []phrase{
	{"yesterday", 24},
	{"last hour", 1},
	{"past hour", 1},
	{"last 2 hours", 2},
	{"last few hours", 3},
	{"today", 24},
	{"last 24 hours", 24},
	{"this morning", 12},
}

// Interpret reports whether msg asks about past conversation and, if so,
// the window it refers to. Matching is case-insensitive substring matching.
func Interpret(msg string) (Window, bool) {
	lower := strings.ToLower(msg)
	for _, p := range phrases {
		if strings.Contains(lower, p.text) {
			return Window{Phrase: p.text, Hours: p.hours}, true
		}
	}
	return Window{}, false
}

// Phrases returns the recognized phrases in priority order.
func Phrases() []string {
	out := make([]string, len(phrases))
	for i, p := range phrases {
		out[i] = p.text
	}
	return out
}
