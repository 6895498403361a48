// Package store persists the pipeline-owned state: duplicate groups, member
// contexts, the merge change log, and detection run logs. Host-database rows
// are never owned here; only the dedup_-prefixed tables are.
package store

import (
	"github.com/rotisserie/eris"

	"github.com/imobcrm/geodedup/internal/db"
	"github.com/imobcrm/geodedup/internal/model"
)

// ErrNotFound is returned when a requested group does not exist.
var ErrNotFound = eris.New("store: not found")

// GroupFilter specifies criteria for listing groups.
type GroupFilter struct {
	Kind     model.EntityKind
	Status   model.GroupStatus
	ParentID string
	// Search is matched against normalized_name, which is accent-folded;
	// callers fold the term before filtering.
	Search   string
	Page     int    // 1-based
	PageSize int
}

// Store provides access to the dedup_ tables on a shared pool.
type Store struct {
	pool db.Pool
}

// New creates a Store.
func New(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for subsystems that run their own
// transactions (merge, revert).
func (s *Store) Pool() db.Pool {
	return s.pool
}
