package protocol

import (
	"time"
)

// timestampLayout is RFC3339 in UTC with milliseconds, so activity entries
// written in the same second still sort.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is an RFC3339 time as it appears on the wire and in the store.
type Timestamp string

// Time parses the timestamp. Empty or invalid values give the zero time.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

func (t Timestamp) String() string {
	return string(t)
}

func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.UTC().Format(timestampLayout))
}

func TimestampNow() Timestamp {
	return NewTimestamp(time.Now())
}
