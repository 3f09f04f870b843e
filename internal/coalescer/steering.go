package coalescer

import (
	"regexp"
	"strings"
)

// A steering message overrides whatever the user queued before it. Plain
// text that only mentions one of these words is not steering: "actually"
// needs a redirect verb or "instead", and bare commands must be the whole
// message.
var steeringPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(stop|cancel|abort|halt|never\s*mind)\s*[.!]*\s*$`),
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(that|this|it|what\s+i\s+(said|asked)|my\s+(last|previous)\s+(message|request))\b`),
	regexp.MustCompile(`(?i)\bscratch\s+that\b`),
	regexp.MustCompile(`(?i)\b(don['’]?t|do\s+not)\s+do\s+(that|this|it)\b`),
	regexp.MustCompile(`(?i)\bactually\b.*\binstead\b`),
	regexp.MustCompile(`(?i)^\s*actually\s*[,:;-]?\s*(please\s+)?(do|use|make|let['’]?s|go|try|switch|change|don['’]?t|just|stop|can\s+you|could\s+you)\b`),
}

// IsSteeringMessage reports whether text supersedes previously queued
// follow-ups.
func IsSteeringMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, pattern := range steeringPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
