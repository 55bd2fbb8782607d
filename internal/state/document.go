package state

import (
	"encoding/json"
	"fmt"
	"math"
)

// Document is the generic decoded form of a persisted tree. Migration steps
// operate on Documents because an old snapshot may not fit current types.
type Document map[string]any

// ParseDocument decodes a flat persisted tree.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse state document: not an object")
	}
	return doc, nil
}

// Version returns the document's schema version. An absent version is 1.
func (d Document) Version() (int, error) {
	v, ok := d[VersionKey]
	if !ok || v == nil {
		return 1, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < 0 {
			return 0, fmt.Errorf("invalid version %v", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("invalid version %v", n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("invalid version type %T", v)
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Map returns the nested object under key, or nil.
func (d Document) Map(key string) map[string]any {
	m, _ := d[key].(map[string]any)
	return m
}

// ToDocument converts a tree to its generic form.
func (t Tree) ToDocument() Document {
	doc := Document{VersionKey: t.version}
	for k, raw := range t.slices {
		var v any
		// Slices are canonical JSON, decoding cannot fail.
		_ = json.Unmarshal(raw, &v)
		doc[k] = v
	}
	return doc
}

// FromDocument converts a generic document into a tree.
func FromDocument(doc Document) (Tree, error) {
	version, err := doc.Version()
	if err != nil {
		return Tree{}, err
	}
	t := Tree{version: version, slices: make(map[string]json.RawMessage, len(doc))}
	for k, v := range doc {
		if k == VersionKey {
			continue
		}
		raw, err := Encode(v)
		if err != nil {
			return Tree{}, fmt.Errorf("encode slice %q: %w", k, err)
		}
		t.slices[k] = raw
	}
	return t, nil
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
