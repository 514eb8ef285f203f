// Package models defines the data the record store persists: records,
// presets, credentials, sessions and backup snapshots.
package models

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// DateLayout is the layout of Record.Date, the natural key of a record.
const DateLayout = "2006-01-02"

// Record is one class/session entry. Its JSON form is a flat object: the
// fixed fields sit next to whatever attributes the UI stored, so objects
// written by older schema revisions decode without a migration.
type Record struct {
	ID        string
	Date      string
	OwnerID   string
	CreatedAt int64
	UpdatedAt int64

	// Attrs holds scores, category selections, sub-items, notes and
	// attachment metadata.
	Attrs map[string]any
}

func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Attrs)+5)
	for k, v := range r.Attrs {
		m[k] = v
	}
	if r.ID != "" {
		m["id"] = r.ID
	}
	if r.Date != "" {
		m["date"] = r.Date
	}
	if r.OwnerID != "" {
		m["ownerId"] = r.OwnerID
	}
	if r.CreatedAt != 0 {
		m["createdAt"] = r.CreatedAt
	}
	if r.UpdatedAt != 0 {
		m["updatedAt"] = r.UpdatedAt
	}
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}

	*r = Record{}
	for k, raw := range m {
		var err error
		switch k {
		case "id":
			err = unmarshalLoose(raw, &r.ID)
		case "ownerId":
			err = unmarshalLoose(raw, &r.OwnerID)
		case "date":
			err = json.Unmarshal(raw, &r.Date)
		case "createdAt":
			r.CreatedAt, err = unmarshalMillis(raw)
		case "updatedAt":
			r.UpdatedAt, err = unmarshalMillis(raw)
		default:
			err = errNotAField
		}
		if err == nil {
			continue
		}

		// Anything that does not fit a fixed field stays in the bag.
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if r.Attrs == nil {
			r.Attrs = make(map[string]any)
		}
		r.Attrs[k] = v
	}
	return nil
}

var errNotAField = errors.New("not a record field")

// unmarshalMillis accepts unix milliseconds or an RFC 3339 timestamp.
func unmarshalMillis(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// unmarshalLoose accepts ids stored either as strings or as numbers.
func unmarshalLoose(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*dst = n.String()
	return nil
}

// Clone returns a copy of r that shares no attribute storage with it.
func (r Record) Clone() Record {
	if r.Attrs != nil {
		r.Attrs = cloneValue(r.Attrs).(map[string]any)
	}
	return r
}

// CloneRecords deep-copies recs; nil stays nil.
func CloneRecords(recs []Record) []Record {
	if recs == nil {
		return nil
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, x := range t {
			l[i] = cloneValue(x)
		}
		return l
	default:
		return v
	}
}

// Attr returns the named attribute or nil.
func (r Record) Attr(name string) any {
	return r.Attrs[name]
}

// SameKey reports whether two records address the same stored entry: ids
// win when both carry one, otherwise the date is the natural key.
func (r Record) SameKey(other Record) bool {
	if r.ID != "" && other.ID != "" {
		return r.ID == other.ID
	}
	return r.Date != "" && r.Date == other.Date
}

// Time parses Date; unparseable dates sort as the zero time.
func (r Record) Time() time.Time {
	t, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MostRecent returns the keep most recently dated records, preserving their
// original relative order.
func MostRecent(records []Record, keep int) []Record {
	if keep < 0 {
		keep = 0
	}
	if len(records) <= keep {
		return records
	}

	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := records[idx[a]].Time(), records[idx[b]].Time()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return records[idx[a]].Date > records[idx[b]].Date
	})

	selected := make(map[int]bool, keep)
	for _, i := range idx[:keep] {
		selected[i] = true
	}

	out := make([]Record, 0, keep)
	for i, rec := range records {
		if selected[i] {
			out = append(out, rec)
		}
	}
	return out
}
