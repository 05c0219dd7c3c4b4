package schedule

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultMeetingDuration = 30 * time.Minute

// ErrAmbiguousDateTime is returned when no concrete day and time can be
// determined from the input. Vague phrases ("sometime", "soon") must fail
// rather than guess.
var ErrAmbiguousDateTime = errors.New("missing_datetime")

// ResolvedBy records which strategy produced a resolution.
type ResolvedBy string

const (
	ResolvedByCapability ResolvedBy = "capability"
	ResolvedByFallback   ResolvedBy = "fallback"
)

// Resolution is a fully determined meeting window. It is never partially
// populated: Start < End always holds.
type Resolution struct {
	Start      time.Time
	End        time.Time
	ResolvedBy ResolvedBy
}

// RawResolution is the capability's unvalidated answer: RFC 3339 instants
// as strings, End optional.
type RawResolution struct {
	Start string
	End   string
}

// Capability is the primary resolution strategy. Implementations must
// return ErrAmbiguousDateTime when the input carries no explicit day and
// time; any other error or malformed output routes to the fallback parser.
type Capability interface {
	ResolveDateTime(ctx context.Context, freeText string) (RawResolution, error)
}

// Resolver turns free-text scheduling input into a concrete start/end pair.
type Resolver struct {
	capability Capability
	now        func() time.Time
}

func NewResolver(capability Capability) *Resolver {
	return &Resolver{
		capability: capability,
		now:        time.Now,
	}
}

// NewResolverAt builds a resolver with a fixed clock, for deterministic
// resolution in tests.
func NewResolverAt(capability Capability, now func() time.Time) *Resolver {
	return &Resolver{capability: capability, now: now}
}

// Resolve runs the primary strategy and falls back to the deterministic
// parser only when the primary output is structurally invalid, not when it
// is an explicit failure token.
func (r *Resolver) Resolve(ctx context.Context, freeText string) (Resolution, error) {
	raw, err := r.capability.ResolveDateTime(ctx, freeText)
	if errors.Is(err, ErrAmbiguousDateTime) {
		return Resolution{}, ErrAmbiguousDateTime
	}
	if err == nil {
		if resolution, ok := resolutionFromRaw(raw); ok {
			return resolution, nil
		}
	}

	// Formatting slip or unavailable capability: one deterministic attempt
	// before giving up on the whole turn.
	resolution, ok := parseRelative(freeText, r.now())
	if !ok {
		return Resolution{}, ErrAmbiguousDateTime
	}
	return resolution, nil
}

func resolutionFromRaw(raw RawResolution) (Resolution, bool) {
	start, err := parseInstant(raw.Start)
	if err != nil {
		return Resolution{}, false
	}

	end := start.Add(defaultMeetingDuration)
	if strings.TrimSpace(raw.End) != "" {
		parsed, err := parseInstant(raw.End)
		if err != nil || !parsed.After(start) {
			return Resolution{}, false
		}
		end = parsed
	}

	return Resolution{Start: start, End: end, ResolvedBy: ResolvedByCapability}, true
}

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty instant")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", raw, time.Local)
}

var (
	dayPattern  = regexp.MustCompile(`(?i)\b(today|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	timePattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// parseRelative recognizes {today|tomorrow|weekday} combined with a clock
// time ("9am", "9:00am", "09:00", "9 am") and synthesizes a 30 minute
// window. Both parts must be present.
func parseRelative(input string, now time.Time) (Resolution, bool) {
	dayMatch := dayPattern.FindString(input)
	if dayMatch == "" {
		return Resolution{}, false
	}

	hour, minute, ok := findClockTime(input)
	if !ok {
		return Resolution{}, false
	}

	day := now
	switch keyword := strings.ToLower(dayMatch); keyword {
	case "today":
		// keep now's date
	case "tomorrow":
		day = now.AddDate(0, 0, 1)
	default:
		target := weekdays[keyword]
		ahead := (int(target) - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		day = now.AddDate(0, 0, ahead)
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	return Resolution{
		Start:      start,
		End:        start.Add(defaultMeetingDuration),
		ResolvedBy: ResolvedByFallback,
	}, true
}

func findClockTime(input string) (hour, minute int, ok bool) {
	for _, match := range timePattern.FindAllStringSubmatch(input, -1) {
		h, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		m := 0
		if match[2] != "" {
			m, err = strconv.Atoi(match[2])
			if err != nil || m > 59 {
				continue
			}
		}

		meridiem := strings.ToLower(match[3])
		// Bare digits without a colon or am/pm are not a clock time.
		if meridiem == "" && match[2] == "" {
			continue
		}

		switch meridiem {
		case "pm":
			if h < 1 || h > 12 {
				continue
			}
			if h != 12 {
				h += 12
			}
		case "am":
			if h < 1 || h > 12 {
				continue
			}
			if h == 12 {
				h = 0
			}
		default:
			if h > 23 {
				continue
			}
		}

		return h, m, true
	}
	return 0, 0, false
}
