// Package isotime provides the ISO-8601 UTC timestamp representation shared
// by persisted job documents and management-plane messages.
package isotime

import (
	"fmt"
	"strings"
	"time"
)

// Layout is ISO-8601 with microsecond precision in UTC.
const Layout = "2006-01-02T15:04:05.000000Z07:00"

// accepted on input, most specific first. Older peers emit naive UTC
// timestamps with no zone designator.
var parseLayouts = []string{
	Layout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// Time wraps time.Time with ISO-8601 JSON encoding at microsecond precision.
type Time struct {
	time.Time
}

// Now returns the current time in UTC truncated to microseconds.
func Now() Time {
	return From(time.Now())
}

// From converts a time.Time, normalizing to UTC microseconds.
func From(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// Parse parses any of the accepted ISO-8601 layouts.
func Parse(s string) (Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return From(t), nil
		}
	}
	return Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}

func (t Time) String() string {
	return t.UTC().Format(Layout)
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*t = Time{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Equal compares at microsecond granularity.
func (t Time) Equal(other Time) bool {
	return t.Time.Equal(other.Time)
}
