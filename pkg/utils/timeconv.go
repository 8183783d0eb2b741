package utils

import (
	"fmt"
	"time"
)

// EpochZero is the cursor of a checkpoint that has never completed a run.
var EpochZero = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatTimestamp renders t the way checkpoints persist it.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 and the space-separated ISO-8601 forms
// older state files were written with. Values without a zone are UTC.
func ParseTimestamp(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", v)
	case []byte:
		return ParseTimestamp(string(v))
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", val)
	}
}
