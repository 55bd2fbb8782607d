// Package state defines the versioned state tree shared by every part of the
// kernel. A Tree is an immutable value: every change produces a new Tree and
// the previous revision stays valid for whoever holds it.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// VersionKey is the top-level key holding the schema version in the flat
// persisted form.
const VersionKey = "version"

// Tree is one revision of the state. Slices are stored as canonical JSON so a
// Tree can be shared between goroutines without copying and compared byte for
// byte.
type Tree struct {
	version int
	slices  map[string]json.RawMessage
}

// New returns an empty tree at the given schema version.
func New(version int) Tree {
	return Tree{version: version}
}

// Version returns the schema version of the tree.
func (t Tree) Version() int {
	return t.version
}

// WithVersion returns a copy of the tree stamped with version.
func (t Tree) WithVersion(version int) Tree {
	t.version = version
	return t
}

// Slice returns the encoded slice stored under key.
func (t Tree) Slice(key string) (json.RawMessage, bool) {
	raw, ok := t.slices[key]
	return raw, ok
}

// Has reports whether the slice exists.
func (t Tree) Has(key string) bool {
	_, ok := t.slices[key]
	return ok
}

// Keys returns the slice keys in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t.slices))
	for k := range t.slices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of slices.
func (t Tree) Len() int {
	return len(t.slices)
}

// Apply merges the patch into a copy of the tree by shallow key overwrite.
// A nil value removes the slice. The "version" key is never treated as a
// slice and is ignored.
func (t Tree) Apply(p Patch) Tree {
	if len(p) == 0 {
		return t
	}
	next := make(map[string]json.RawMessage, len(t.slices)+len(p))
	for k, v := range t.slices {
		next[k] = v
	}
	for k, v := range p {
		if k == VersionKey {
			continue
		}
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	return Tree{version: t.version, slices: next}
}

// Set returns a copy of the tree with value encoded under key.
func (t Tree) Set(key string, value any) (Tree, error) {
	p := Patch{}
	if err := p.Set(key, value); err != nil {
		return t, err
	}
	return t.Apply(p), nil
}

// Equal reports whether both trees hold the same version and slices.
func (t Tree) Equal(o Tree) bool {
	if t.version != o.version || len(t.slices) != len(o.slices) {
		return false
	}
	for k, v := range t.slices {
		ov, ok := o.slices[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Changed returns the sorted keys whose content differs between a and b,
// including keys present in only one of them.
func Changed(a, b Tree) []string {
	seen := make(map[string]struct{})
	for k, v := range a.slices {
		if ov, ok := b.slices[k]; !ok || !bytes.Equal(v, ov) {
			seen[k] = struct{}{}
		}
	}
	for k := range b.slices {
		if _, ok := a.slices[k]; !ok {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON writes the flat persisted shape {"version": n, "<slice>": ...}.
func (t Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"version":`)
	fmt.Fprintf(&buf, "%d", t.version)
	for _, k := range t.Keys() {
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(t.slices[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flat persisted shape. A missing version is 1.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	tree, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*t = tree
	return nil
}

// String renders the tree as indented JSON.
func (t Tree) String() string {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Sprintf("<tree v%d: %v>", t.version, err)
	}
	return string(data)
}
