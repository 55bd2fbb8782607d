package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aura/internal/logging"
	"aura/internal/state"
)

// DefaultSnapshotKey is the key the settled tree is stored under.
const DefaultSnapshotKey = "aura/state"

// Snapshots persists whole state trees in a KV store.
type Snapshots struct {
	kv  KV
	key string
}

// NewSnapshots returns a persister writing under key.
func NewSnapshots(kv KV, key string) *Snapshots {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &Snapshots{kv: kv, key: key}
}

// Key returns the storage key.
func (s *Snapshots) Key() string {
	return s.key
}

// Save writes the flat JSON form of tree.
func (s *Snapshots) Save(ctx context.Context, tree state.Tree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	logging.StoreDebug("saved snapshot v%d (%d bytes)", tree.Version(), len(data))
	return nil
}

// Load reads the stored snapshot as a raw document so it can be migrated.
// ok is false when nothing has been saved yet.
func (s *Snapshots) Load(ctx context.Context) (doc state.Document, ok bool, err error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	doc, err = state.ParseDocument(data)
	if err != nil {
		return nil, true, err
	}
	return doc, true, nil
}

// Clear removes the stored snapshot.
func (s *Snapshots) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
