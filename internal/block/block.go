// Package block defines the canonical Ethereum block record stored by the
// ingestion pipeline and the field-level invariants every producer must
// satisfy before handing a batch to the sink.
package block

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Height markers for Ethereum mainnet hard forks that change which Block
// fields are meaningful. These are protocol constants, not configuration.
const (
	// LondonBlock is the first block where BaseFeePerGas is meaningful (EIP-1559).
	LondonBlock uint64 = 12_965_000
	// MergeBlock is the first block where Difficulty is frozen at zero.
	MergeBlock uint64 = 15_537_394
	// DencunBlock is the first block where blob-gas fields are populated (EIP-4844).
	DencunBlock uint64 = 19_426_587
)

// Block is the canonical unit of storage (spec §3.1). number is the sole
// identity key; every other field is descriptive.
type Block struct {
	Number          uint64
	Timestamp       time.Time
	GasLimit        uint64
	GasUsed         uint64
	BaseFeePerGas   uint64
	TxCount         uint64
	Difficulty      *uint256.Int
	TotalDifficulty *uint256.Int
	Size            uint64
	BlobGasUsed     *uint64
	ExcessBlobGas   *uint64
}

// PostMerge reports whether b falls at or after the Merge, where difficulty
// is frozen at zero.
func (b Block) PostMerge() bool { return b.Number >= MergeBlock }

// PostDencun reports whether b falls at or after Dencun, where the blob-gas
// fields become mandatory.
func (b Block) PostDencun() bool { return b.Number >= DencunBlock }

// PostLondon reports whether b falls at or after London, where base fee
// becomes meaningful.
func (b Block) PostLondon() bool { return b.Number >= LondonBlock }

// Validate checks b against every per-row predicate in spec §3.1. It
// returns the first violation found, naming the offending field so callers
// can surface a ValidationError without reinspecting the row.
func (b Block) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("block %d: timestamp is required", b.Number)
	}
	if b.GasUsed > b.GasLimit {
		return fmt.Errorf("block %d: gas_used (%d) exceeds gas_limit (%d)", b.Number, b.GasUsed, b.GasLimit)
	}
	if b.Difficulty == nil || b.TotalDifficulty == nil {
		return fmt.Errorf("block %d: difficulty and total_difficulty are required", b.Number)
	}
	if b.PostMerge() && !b.Difficulty.IsZero() {
		return fmt.Errorf("block %d: difficulty must be 0 post-Merge, got %s", b.Number, b.Difficulty)
	}
	if b.PostDencun() {
		if b.BlobGasUsed == nil || b.ExcessBlobGas == nil {
			return fmt.Errorf("block %d: blob_gas_used and excess_blob_gas are required post-Dencun", b.Number)
		}
	} else if b.BlobGasUsed != nil || b.ExcessBlobGas != nil {
		return fmt.Errorf("block %d: blob_gas_used and excess_blob_gas must be null pre-Dencun", b.Number)
	}
	return nil
}

// MonotonicWith reports whether next's timestamp is consistent with b
// immediately preceding it, allowing epsilon of sequencer clock drift
// (spec §3.1).
func (b Block) MonotonicWith(next Block, epsilon time.Duration) bool {
	return !next.Timestamp.Before(b.Timestamp.Add(-epsilon))
}
