package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// epochSecondsLimit separates epoch seconds from the epoch milliseconds a
// browser's Date.now() produces.
const epochSecondsLimit = 100_000_000_000

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON decodes a question leniently: a timestamp that is empty,
// unparseable or of the wrong JSON type decodes as absent, and the receiver
// stamps receipt time instead of rejecting the question.
func (q *PatientQuestion) UnmarshalJSON(data []byte) error {
	type plain PatientQuestion
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*q = PatientQuestion(aux.plain)
	q.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

// parseTimestamp accepts RFC3339 and common zoneless layouts (read as UTC),
// plus epoch milliseconds or seconds as a JSON number. Anything else is nil.
func parseTimestamp(raw json.RawMessage) *time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return &t
			}
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil
		}
		v, err := n.Int64()
		if err != nil || v <= 0 {
			return nil
		}
		var t time.Time
		if v < epochSecondsLimit {
			t = time.Unix(v, 0).UTC()
		} else {
			t = time.UnixMilli(v).UTC()
		}
		return &t
	}
}
