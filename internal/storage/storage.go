// Package storage defines the memory anchor store contract used by the
// anchor adapter and pipeline, plus the shared errors, schema migration
// runner and circuit breaker wrapper its backends use.
//
// Backends live in subpackages: sqlite (default, CGO-free) and postgres.
package storage

import (
	"context"

	"github.com/scrypster/anchorflow/pkg/types"
)

// AnchorStore durably persists memory anchors.
// Implementations must be safe for concurrent use.
type AnchorStore interface {
	// CreateMemoryAnchor writes the anchor with upsert semantics keyed by ID,
	// so retried writes of the same anchor are idempotent. It returns the
	// anchor as stored.
	CreateMemoryAnchor(ctx context.Context, anchor *types.MemoryAnchor) (*types.MemoryAnchor, error)

	// GetMemoryAnchor retrieves an anchor by ID.
	// Returns ErrNotFound if the anchor doesn't exist.
	GetMemoryAnchor(ctx context.Context, id string) (*types.MemoryAnchor, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// AnchorLister is implemented by stores that can enumerate recent anchors.
type AnchorLister interface {
	ListMemoryAnchors(ctx context.Context, limit int) ([]*types.MemoryAnchor, error)
}
