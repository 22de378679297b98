// Package store persists bench runs and stats snapshots.
package store

import (
	"strings"
	"time"

	"src.userspace.com.au/slabcache"
)

// Run is one bench invocation.
type Run struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Version    string    `json:"version"`
	Shift      uint8     `json:"shift"`
	NumClasses int       `json:"num_classes"`
	Workers    int       `json:"workers"`
}

// Snapshot is one periodic counter sample within a run.
type Snapshot struct {
	RunID         string          `json:"run_id"`
	Taken         time.Time       `json:"taken"`
	Stats         slabcache.Stats `json:"stats"`
	VirtualBytes  uint64          `json:"virtual_bytes"`
	ResidentBytes uint64          `json:"resident_bytes"`
}

type migratable interface {
	MigrateSchema() error
}

// RunStore saves runs.
type RunStore interface {
	SaveRun(*Run) error
}

// SnapshotStore saves and queries snapshots.
type SnapshotStore interface {
	SaveSnapshot(*Snapshot) error
	SnapshotsByRun(runID string, offset, limit int) ([]*Snapshot, error)
}

// Store is the full persistence surface.
type Store interface {
	RunStore
	SnapshotStore
	Close() error
}

// New connects a store for the DSN: postgres URLs get the pgx backend,
// anything else is treated as a sqlite path.
func New(dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPgsqlStore(dsn)
	}
	return NewSqliteStore(dsn)
}
