package types

import (
	"fmt"
	"strconv"
)

// TxtRecord is an ordered set of key=value pairs, as carried in a DNS-SD
// TXT record. Using a slice rather than a map keeps two builds of the same
// logical record byte-identical, which R3 (at most one DNS-SD update for
// unchanged TXT payloads) depends on.
type TxtRecord struct {
	pairs []TxtKV
}

// TxtKV is one ordered TXT key=value pair.
type TxtKV struct {
	Key   string
	Value string
}

// NewTxtRecord builds an empty record.
func NewTxtRecord() *TxtRecord {
	return &TxtRecord{}
}

// Set appends or replaces a key, preserving first-insertion order for the
// key's position (replacing in place if the key already exists).
func (t *TxtRecord) Set(key, value string) *TxtRecord {
	for i := range t.pairs {
		if t.pairs[i].Key == key {
			t.pairs[i].Value = value
			return t
		}
	}
	t.pairs = append(t.pairs, TxtKV{Key: key, Value: value})
	return t
}

// SetInt is Set for an integer value.
func (t *TxtRecord) SetInt(key string, value int) *TxtRecord {
	return t.Set(key, strconv.Itoa(value))
}

// Get returns the value for key, and whether it was present.
func (t *TxtRecord) Get(key string) (string, bool) {
	for _, kv := range t.pairs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetInt parses the value for key as a decimal integer.
func (t *TxtRecord) GetInt(key string) (int, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Pairs returns the ordered key=value pairs.
func (t *TxtRecord) Pairs() []TxtKV {
	return t.pairs
}

// Strings renders each pair as "key=value", in insertion order, the form
// DNS-SD TXT records and zeroconf.Register both expect.
func (t *TxtRecord) Strings() []string {
	out := make([]string, len(t.pairs))
	for i, kv := range t.pairs {
		out[i] = fmt.Sprintf("%s=%s", kv.Key, kv.Value)
	}
	return out
}

// Equal reports whether two records encode to the same bytes.
func (t *TxtRecord) Equal(o *TxtRecord) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.pairs) != len(o.pairs) {
		return false
	}
	for i := range t.pairs {
		if t.pairs[i] != o.pairs[i] {
			return false
		}
	}
	return true
}

// ParseTxtStrings parses a "key=value" string slice (as zeroconf.ServiceEntry
// delivers it) back into an ordered TxtRecord.
func ParseTxtStrings(strs []string) *TxtRecord {
	t := NewTxtRecord()
	for _, s := range strs {
		for i := 0; i < len(s); i++ {
			if s[i] == '=' {
				t.Set(s[:i], s[i+1:])
				break
			}
		}
	}
	return t
}
