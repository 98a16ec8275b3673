// Package store defines the Sink's storage contract (spec §4.1) and the
// idempotent upsert pipeline shared by every backend: a pebble-backed
// embedded engine for local/dev/test use (internal/store/pebblestore) and
// an HTTP client for the remote analytical store (internal/store/storehttp).
package store

import (
	"context"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
)

// MaxBatchSize is the largest batch UpsertBlocks accepts in one call (spec §4.1).
const MaxBatchSize = 50_000

// GapRange is an inclusive range of missing block numbers.
type GapRange struct {
	First uint64
	Last  uint64
}

// Backend is the narrow interface a concrete storage engine implements.
// Sink wraps a Backend with validation, intra-batch dedup, and retry.
type Backend interface {
	// WriteBatch durably records rows, applying replacing-merge semantics
	// per block number (spec §4.1). Rows are already deduped and validated
	// by the time Sink calls this.
	WriteBatch(ctx context.Context, rows []block.Block) error

	// Tip returns the highest stored block number and its timestamp, or
	// ok=false if the store is empty.
	Tip(ctx context.Context) (number uint64, ts time.Time, ok bool, err error)

	// ScanGaps returns the missing-number ranges within [lo, hi], both
	// bounds inclusive, using the store's final-merge view (spec §4.1).
	ScanGaps(ctx context.Context, lo, hi uint64) ([]GapRange, error)
}
