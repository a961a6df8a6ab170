package database

import (
	"fmt"
	"time"
)

// TimeLayout is the SQLite text encoding of timestamps. It is fixed width
// and always UTC so that lexical comparison in SQL matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var parseLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// TimeValue encodes t as a bind argument for the driver.
func (d Driver) TimeValue(t time.Time) any {
	if d == DriverSQLite {
		return t.UTC().Format(TimeLayout)
	}
	return t.UTC()
}

// Timestamp scans a timestamp stored either natively (Postgres) or as text
// (SQLite). Scanned values are always UTC.
type Timestamp struct {
	Time time.Time
}

// Scan implements sql.Scanner.
func (ts *Timestamp) Scan(src any) error {
	t, err := parseTimestamp(src)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// NullTimestamp is a Timestamp that may be NULL.
type NullTimestamp struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (nt *NullTimestamp) Scan(src any) error {
	if src == nil {
		nt.Time, nt.Valid = time.Time{}, false
		return nil
	}
	t, err := parseTimestamp(src)
	if err != nil {
		return err
	}
	nt.Time, nt.Valid = t, true
	return nil
}

// Ptr returns nil when the timestamp is NULL.
func (nt NullTimestamp) Ptr() *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func parseTimestamp(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimeText(v)
	case []byte:
		return parseTimeText(string(v))
	case nil:
		return time.Time{}, fmt.Errorf("scan timestamp: NULL value")
	default:
		return time.Time{}, fmt.Errorf("scan timestamp: unsupported type %T", src)
	}
}

func parseTimeText(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("scan timestamp: unrecognized format %q", s)
}
