// Package store provides the durable key-value storage behind state
// snapshots. Three backends share the KV interface: SQLite (default),
// BadgerDB and an in-memory map for tests and ephemeral sessions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aura/internal/logging"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// KV is a keyed byte-blob store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend    string // sqlite, badger, memory
	Path       string // file for sqlite, directory for badger
	SyncWrites bool

	// GCInterval runs badger value log GC periodically. Zero disables it.
	GCInterval time.Duration
}

// Open opens the backend named by cfg.Backend.
func Open(cfg Config) (KV, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	switch cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "badger":
		return NewBadgerStore(BadgerConfig{
			Path:           cfg.Path,
			SyncWrites:     cfg.SyncWrites,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
		})
	case "memory":
		logging.Store("using in-memory store; state will not survive restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
