package store

import (
	"context"
	"errors"

	"github.com/verity-health/verity/internal/core/model"
)

// ErrNotFound is returned by Get when no row exists for (kind, key).
var ErrNotFound = errors.New("row not found")

// ErrUnavailable wraps storage backend failures. The engine performs no
// silent retry — retry policy belongs to the adapter's caller.
var ErrUnavailable = errors.New("storage unavailable")

// Store is the record store adapter: typed rows keyed by primary key,
// one logical table per entity kind. Aggregate state elsewhere in the
// engine is rebuildable from these rows at any time — the store is the
// source of truth, engine state is a cache.
type Store interface {
	// Get returns the live row for (kind, key), or ErrNotFound.
	Get(ctx context.Context, kind model.Kind, key string) (model.Row, error)

	// Put writes row and returns the previous live row for its key,
	// or nil if this is the first write.
	Put(ctx context.Context, row model.Row) (model.Row, error)

	// Delete removes the row for (kind, key) and returns it, or nil if
	// no row existed.
	Delete(ctx context.Context, kind model.Kind, key string) (model.Row, error)

	// Scan calls fn for every live row of kind. The iteration order is
	// unspecified but the scan is finite and restartable. A non-nil
	// error from fn stops the scan and is returned unchanged.
	Scan(ctx context.Context, kind model.Kind, fn func(model.Row) error) error
}
