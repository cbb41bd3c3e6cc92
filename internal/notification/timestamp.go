package notification

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a creation time as sent by the backend. Decoding never
// fails: values that match no known layout keep their text in Raw and
// leave Time zero.
//
// Accepted forms:
//   - RFC 3339 strings ("2024-01-15T10:30:00Z")
//   - ISO local date-times without offset ("2024-01-15T10:30:00"), read in
//     the local time zone
//   - epoch numbers, as milliseconds (or seconds when small enough)
//   - date-time arrays ([2024,1,15,10,30,0])
type Timestamp struct {
	time.Time
	Raw string
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp reads s in any of the accepted string forms.
func ParseTimestamp(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp{Time: t}
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	return Timestamp{Raw: s}
}

// fromEpoch treats values below 1e11 as seconds.
func fromEpoch(n int64) Timestamp {
	if n > -1e11 && n < 1e11 {
		return Timestamp{Time: time.Unix(n, 0)}
	}
	return Timestamp{Time: time.UnixMilli(n)}
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	*ts = Timestamp{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			ts.Raw = string(b)
			return nil
		}
		*ts = ParseTimestamp(s)
	case '[':
		var parts []int
		if err := json.Unmarshal(b, &parts); err != nil || len(parts) < 3 {
			ts.Raw = string(b)
			return nil
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		ts.Time = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.Local)
	default:
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			*ts = fromEpoch(n)
			return nil
		}
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			*ts = fromEpoch(int64(f))
			return nil
		}
		ts.Raw = string(b)
	}
	return nil
}

// MarshalJSON writes RFC 3339, the raw text when the time was not
// understood, or null when empty.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.Time.IsZero() && ts.Raw == "" {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

// String is the RFC 3339 form, or Raw when the time was not understood.
func (ts Timestamp) String() string {
	if ts.Time.IsZero() {
		return ts.Raw
	}
	return ts.Time.Format(time.RFC3339Nano)
}
