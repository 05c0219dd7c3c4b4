package provider

import "strings"

// importantKeywords flag messages worth surfacing first. Matching is plain
// normalized substring search; this is a display hint, not a classifier.
var importantKeywords = []string{
	"urgent",
	"asap",
	"action required",
	"deadline",
	"overdue",
	"final notice",
	"invoice",
	"payment due",
	"security alert",
	"account suspended",
}

// IsImportant reports whether a message looks important based on its
// subject and snippet. Pure function over a normalized text view.
func IsImportant(subject, snippet string) bool {
	text := strings.ToLower(subject + " " + snippet)
	for _, keyword := range importantKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
