package schedule

import (
	"regexp"
	"strings"
)

const placeholderTitle = "New meeting"

var (
	topicPattern = regexp.MustCompile(`(?i)\b(?:about|regarding|re:|for)\s+(?:the\s+)?([a-z0-9][a-z0-9 '\-]{2,60})`)
	clockPattern = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s*(?:am|pm)?\b`)
)

var schedulingWords = map[string]bool{
	"schedule": true, "meeting": true, "meet": true, "call": true,
	"set": true, "up": true, "a": true, "an": true, "the": true,
	"at": true, "on": true, "for": true, "with": true, "to": true,
	"today": true, "tomorrow": true, "next": true, "this": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"am": true, "pm": true, "oclock": true, "o'clock": true,
	"please": true, "lets": true, "let's": true,
}

// InferTitle derives a meeting title from the scheduling text and recent
// conversation turns. Turns arrive oldest-first, transcript order; the scan
// walks them newest-first so the latest stated topic wins. It always
// succeeds: absence of a usable title falls back to a fixed placeholder.
func InferTitle(freeText string, recentTurns []string) string {
	for i := len(recentTurns) - 1; i >= 0; i-- {
		if match := topicPattern.FindStringSubmatch(recentTurns[i]); match != nil {
			if topic := tidyTitle(match[1]); topic != "" {
				return topic
			}
		}
	}

	stripped := clockPattern.ReplaceAllString(freeText, " ")
	kept := make([]string, 0, 8)
	for _, word := range strings.Fields(stripped) {
		normalized := strings.ToLower(strings.Trim(word, ".,!?"))
		if normalized == "" || schedulingWords[normalized] {
			continue
		}
		kept = append(kept, strings.Trim(word, ".,!?"))
	}
	if title := tidyTitle(strings.Join(kept, " ")); title != "" {
		return title
	}

	return placeholderTitle
}

func tidyTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if title == "" {
		return ""
	}
	return strings.ToUpper(title[:1]) + title[1:]
}
