// Package domain – typed serialized collections.
//
// Several columns hold small collections (phone numbers, group JIDs, dialog
// context) persisted as JSON text. The types below keep the encoding behind
// driver.Valuer/sql.Scanner so no caller ever touches the raw string form.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSet is an ordered, duplicate-free string collection stored as a JSON
// array in a TEXT column. The zero value is an empty, usable set.
type StringSet []string

// Contains reports whether v is a member of the set.
func (s StringSet) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// Add returns the set with v appended unless already present.
func (s StringSet) Add(v string) StringSet {
	if s.Contains(v) {
		return s
	}
	return append(s, v)
}

// Remove returns the set without v. Order of the remaining elements is kept.
func (s StringSet) Remove(v string) StringSet {
	out := s[:0:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// Value implements driver.Valuer. An empty set serializes as "[]" so the
// column is never NULL and round-trips to an empty set.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		s = StringSet{}
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for TEXT/BLOB columns.
func (s *StringSet) Scan(src any) error {
	return scanJSON(src, (*[]string)(s))
}

// ContextMap is the opaque key/value bag attached to a conversation state,
// stored as a JSON object in a TEXT column.
type ContextMap map[string]string

// Value implements driver.Valuer.
func (m ContextMap) Value() (driver.Value, error) {
	if m == nil {
		m = ContextMap{}
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *ContextMap) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(m))
}

// scanJSON decodes a TEXT/BLOB column into dst, treating NULL and the empty
// string as the zero value.
func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("domain: cannot scan %T into JSON column", src)
	}
}
