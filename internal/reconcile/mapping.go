// Package reconcile rewrites the datasource references embedded in a workbook
// so that they point at datasources republished under new content URLs.
package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one old to new reference key pair.
type Entry struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Mapping is an insertion-ordered table of old reference keys to new ones.
// The zero value is an empty mapping ready to use.
type Mapping struct {
	keys   []string
	values map[string]string
}

// NewMapping builds a mapping from pairs in order.
func NewMapping(entries ...Entry) (*Mapping, error) {
	m := &Mapping{}
	for _, e := range entries {
		if err := m.Add(e.Old, e.New); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add records old -> new. Re-adding an existing key replaces its value and
// keeps its position.
func (m *Mapping) Add(old, new string) error {
	if old == "" {
		return fmt.Errorf("mapping key is empty")
	}
	if new == "" {
		return fmt.Errorf("mapping value for %q is empty", old)
	}
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[old]; !ok {
		m.keys = append(m.keys, old)
	}
	m.values[old] = new
	return nil
}

// Get returns the new key for old.
func (m *Mapping) Get(old string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[old]
	return v, ok
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Entries returns the pairs in insertion order.
func (m *Mapping) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Entry{Old: k, New: m.values[k]})
	}
	return out
}

// MarshalJSON encodes the mapping as a JSON object in insertion order.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Old)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.New)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order. On error the
// mapping is left as it was.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("mapping must be a JSON object")
	}
	var out Mapping
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected mapping key %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("mapping value for %q: %w", key, err)
		}
		if err := out.Add(key, value); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
