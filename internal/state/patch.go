package state

import (
	"encoding/json"
	"fmt"
)

// Patch is a partial tree returned by a handler: slice key to encoded value.
// A nil value deletes the slice when applied.
type Patch map[string]json.RawMessage

// Set encodes value under key.
func (p Patch) Set(key string, value any) error {
	if key == VersionKey {
		return fmt.Errorf("patch cannot set reserved key %q", VersionKey)
	}
	raw, err := Encode(value)
	if err != nil {
		return fmt.Errorf("encode slice %q: %w", key, err)
	}
	p[key] = raw
	return nil
}

// Delete marks key for removal.
func (p Patch) Delete(key string) {
	p[key] = nil
}

// Keys returns the keys touched by the patch.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// PatchOf builds a single-slice patch.
func PatchOf(key string, value any) (Patch, error) {
	p := Patch{}
	if err := p.Set(key, value); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode marshals a slice value to canonical JSON.
func Encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return canonical(raw)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return canonical(data)
}

// Decode reads slice key from the tree into a T. A missing slice yields the
// zero value and ok=false.
func Decode[T any](t Tree, key string) (value T, ok bool, err error) {
	raw, found := t.Slice(key)
	if !found {
		return value, false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, true, fmt.Errorf("decode slice %q: %w", key, err)
	}
	return value, true, nil
}

// canonical re-encodes JSON through a generic value so object keys are sorted
// and whitespace is removed.
func canonical(data []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
