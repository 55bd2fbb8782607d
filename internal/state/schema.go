package state

import (
	"fmt"
	"sort"
)

// Schema describes the current shape of the tree: its version and the
// default value of every built-in slice.
type Schema struct {
	version  int
	defaults map[string]func() any
}

// NewSchema returns an empty schema at version.
func NewSchema(version int) *Schema {
	return &Schema{version: version, defaults: make(map[string]func() any)}
}

// Version returns the schema version.
func (s *Schema) Version() int {
	return s.version
}

// Slice registers the default constructor for a slice and returns s for
// chaining. Registering a key twice panics.
func (s *Schema) Slice(key string, def func() any) *Schema {
	if key == VersionKey {
		panic(fmt.Sprintf("slice key %q is reserved", key))
	}
	if _, dup := s.defaults[key]; dup {
		panic(fmt.Sprintf("slice %q registered twice", key))
	}
	s.defaults[key] = def
	return s
}

// Keys returns the registered slice keys in sorted order.
func (s *Schema) Keys() []string {
	keys := make([]string, 0, len(s.defaults))
	for k := range s.defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultSlice returns the default value of one slice.
func (s *Schema) DefaultSlice(key string) (any, bool) {
	def, ok := s.defaults[key]
	if !ok {
		return nil, false
	}
	return def(), true
}

// Default builds a fresh tree holding every slice's default value. Defaults
// must be JSON-encodable; an encoding failure is a programming error and
// panics.
func (s *Schema) Default() Tree {
	p := Patch{}
	for _, k := range s.Keys() {
		if err := p.Set(k, s.defaults[k]()); err != nil {
			panic(err)
		}
	}
	return New(s.version).Apply(p)
}

// Fill returns the tree with any missing built-in slice set to its default.
func (s *Schema) Fill(t Tree) (Tree, error) {
	p := Patch{}
	for _, k := range s.Keys() {
		if t.Has(k) {
			continue
		}
		if err := p.Set(k, s.defaults[k]()); err != nil {
			return t, err
		}
	}
	return t.Apply(p), nil
}
