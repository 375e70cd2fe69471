// Package record defines the immutable record snapshot shared by every
// resource manager table.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Value is the dynamic type a field may hold: an integer or a short
// string, per the data model's field typing rule.
type Value any

// IsValidValue reports whether v is one of the two field kinds the
// storage engine understands.
func IsValidValue(v Value) bool {
	switch v.(type) {
	case int64, string:
		return true
	default:
		return false
	}
}

// Fields is a record's field map. Keys are field names, values are
// int64 or string.
type Fields map[string]Value

// Clone returns a deep-enough copy of f (values are immutable scalars,
// so a shallow map copy suffices).
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Merge returns a new Fields map with patch applied on top of f. f is
// not mutated.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// UnmarshalJSON decodes field values as int64 or string, never the
// encoding/json default of float64 for numbers -- record.Value only
// ever holds one of the two, and every caller across an HTTP hop
// relies on that to still be true after a round trip.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}

	out := make(Fields, len(raw))
	for k, v := range raw {
		d := json.NewDecoder(bytes.NewReader(v))
		d.UseNumber()
		var n json.Number
		if err := d.Decode(&n); err == nil {
			i, err := n.Int64()
			if err != nil {
				return fmt.Errorf("record: field %q: non-integer number %s", k, n)
			}
			out[k] = i
			continue
		}

		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("record: field %q: unsupported value %s", k, v)
		}
		out[k] = s
	}
	*f = out
	return nil
}

// Record is the immutable snapshot described by the data model: a
// primary key, its fields, a monotonically increasing version and a
// tombstone flag.
//
// A Record is never mutated in place; every write produces a new
// Record value. This makes it safe to hand a Record to a caller
// without copying defensively.
type Record struct {
	Key     string
	Fields  Fields
	Version uint64
	Deleted bool
}

// Fresh returns the zero-value record for a key that has never been
// committed: version 0, deleted.
func Fresh(key string) Record {
	return Record{Key: key, Version: 0, Deleted: true}
}

// Exists reports whether r represents a live (non-tombstone) record.
func (r Record) Exists() bool {
	return !r.Deleted
}

// WithFields returns a copy of r with fields replaced wholesale.
func (r Record) WithFields(f Fields) Record {
	r.Fields = f
	r.Deleted = false
	return r
}

// Tombstone returns a copy of r marked deleted at the given version,
// with no surviving fields.
func (r Record) Tombstone(version uint64) Record {
	return Record{Key: r.Key, Version: version, Deleted: true}
}
