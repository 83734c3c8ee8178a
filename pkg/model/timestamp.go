package model

import (
	"fmt"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	time.DateOnly,
}

// NormalizeTimestamp appends a UTC designator to ISO-8601 date-times that carry
// none, so they are never read as local time. Date-only values are left as they
// are and parse as UTC midnight.
func NormalizeTimestamp(s string) string {
	s = strings.TrimSpace(s)
	t := strings.IndexAny(s, "Tt ")
	if t < 0 || hasZone(s, t) {
		return s
	}
	return s + "Z"
}

func hasZone(s string, t int) bool {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return true
	}
	// Offsets look like +hh, +hh:mm or -hhmm after the time part.
	return strings.ContainsAny(s[t+1:], "+-")
}

// ParseTimestamp parses an ISO-8601 timestamp after normalising its zone.
func ParseTimestamp(s string) (time.Time, error) {
	n := NormalizeTimestamp(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, n); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
