package schema

import "time"

// Record is one historical data point supplied by a provider. Records are
// opaque key/value documents; the replay controller only inspects the
// fields needed for classification and time extraction.
type Record map[string]any

// ClassifyRecord derives the event kind for a record: the presence of a
// last trade price or a best bid marks a tick, everything else is a bar.
func ClassifyRecord(rec Record) EventKind {
	if rec == nil {
		return KindBar
	}
	if _, ok := rec["last_price"]; ok {
		return KindTick
	}
	if _, ok := rec["bid_price_1"]; ok {
		return KindTick
	}
	return KindBar
}

// Timestamp extracts the record's simulation timestamp, accepting either a
// time.Time value or an ISO-8601 string. The second return is false when
// the record carries no usable timestamp.
func (r Record) Timestamp() (time.Time, bool) {
	raw, ok := r["timestamp"]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if len(r) == 0 {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
