package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Time marshals as the tagged form {"__type__":"datetime","value":…} so the
// stored payload distinguishes datetimes from plain strings.
type Time struct {
	time.Time
}

// Now returns the current instant as a tagged Time.
func Now() Time { return Time{time.Now().UTC()} }

type taggedValue struct {
	Type  string          `json:"__type__"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements the tagged encoding.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	value, err := json.Marshal(t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Type: "datetime", Value: value})
}

// UnmarshalJSON accepts the tagged form, a bare RFC 3339 string, or null.
func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var tagged taggedValue
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Type == "datetime" {
		data = tagged.Value
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("session time: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("session time: %w", err)
	}
	t.Time = parsed
	return nil
}

// StringSet marshals as {"__type__":"set","value":[…]} with sorted members.
type StringSet map[string]struct{}

// NewStringSet builds a set from its members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member.
func (s StringSet) Add(member string) { s[member] = struct{}{} }

// Has reports membership.
func (s StringSet) Has(member string) bool {
	_, ok := s[member]
	return ok
}

// Members returns the sorted member list.
func (s StringSet) Members() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements the tagged encoding.
func (s StringSet) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(s.Members())
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Type: "set", Value: value})
}

// UnmarshalJSON accepts the tagged form or a bare array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var tagged taggedValue
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Type == "set" {
		data = tagged.Value
	}
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	*s = NewStringSet(members...)
	return nil
}
