package workflow

import (
	"encoding/json"
	"fmt"
)

// Attrs is the execution context persisted with a record. Values are held
// as raw JSON so they survive storage without type registration.
type Attrs map[string]json.RawMessage

// Get decodes the value stored under key into v. It reports false when the
// key is absent.
func (a Attrs) Get(key string, v any) (bool, error) {
	raw, ok := a[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("acidic/workflow: decode attr %q: %w", key, err)
	}
	return true, nil
}

// Set encodes v and stores it under key.
func (a Attrs) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("acidic/workflow: encode attr %q: %w", key, err)
	}
	a[key] = raw
	return nil
}

// Has reports whether key is present.
func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Delete removes key.
func (a Attrs) Delete(key string) { delete(a, key) }

// Clone returns a deep copy.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
