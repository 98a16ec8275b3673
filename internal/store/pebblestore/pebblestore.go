// Package pebblestore implements internal/store.Backend on top of an
// embedded cockroachdb/pebble database. It is the local/dev/test storage
// engine: a single process, single file tree, no network hop. Pebble's
// native Set-overwrites-by-key already gives the replacing-merge semantics
// spec §4.1 asks for, so no custom merge operator is needed.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/blockpipe/ingestor/internal/store"
	"github.com/cockroachdb/pebble"
	"github.com/holiman/uint256"
)

// Store is a pebble-backed store.Backend. The zero value is not usable;
// construct with Open.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, ingesterr.Transport(err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Backend = (*Store)(nil)

// record is the JSON wire form of block.Block persisted per key. time.Time
// round-trips through encoding/json; the 256-bit difficulty fields are
// stored as decimal strings.
type record struct {
	Number          uint64    `json:"number"`
	Timestamp       time.Time `json:"timestamp"`
	GasLimit        uint64    `json:"gas_limit"`
	GasUsed         uint64    `json:"gas_used"`
	BaseFeePerGas   uint64    `json:"base_fee_per_gas"`
	TxCount         uint64    `json:"tx_count"`
	Difficulty      string    `json:"difficulty"`
	TotalDifficulty string    `json:"total_difficulty"`
	Size            uint64    `json:"size"`
	BlobGasUsed     *uint64   `json:"blob_gas_used,omitempty"`
	ExcessBlobGas   *uint64   `json:"excess_blob_gas,omitempty"`
}

func toRecord(b block.Block) record {
	r := record{
		Number:        b.Number,
		Timestamp:     b.Timestamp,
		GasLimit:      b.GasLimit,
		GasUsed:       b.GasUsed,
		BaseFeePerGas: b.BaseFeePerGas,
		TxCount:       b.TxCount,
		Size:          b.Size,
		BlobGasUsed:   b.BlobGasUsed,
		ExcessBlobGas: b.ExcessBlobGas,
	}
	if b.Difficulty != nil {
		r.Difficulty = b.Difficulty.Dec()
	}
	if b.TotalDifficulty != nil {
		r.TotalDifficulty = b.TotalDifficulty.Dec()
	}
	return r
}

func fromRecord(r record) (block.Block, error) {
	b := block.Block{
		Number:        r.Number,
		Timestamp:     r.Timestamp,
		GasLimit:      r.GasLimit,
		GasUsed:       r.GasUsed,
		BaseFeePerGas: r.BaseFeePerGas,
		TxCount:       r.TxCount,
		Size:          r.Size,
		BlobGasUsed:   r.BlobGasUsed,
		ExcessBlobGas: r.ExcessBlobGas,
	}
	diff, err := parseUint256(r.Difficulty)
	if err != nil {
		return block.Block{}, err
	}
	total, err := parseUint256(r.TotalDifficulty)
	if err != nil {
		return block.Block{}, err
	}
	b.Difficulty = diff
	b.TotalDifficulty = total
	return b, nil
}

func key(number uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, number)
	return k
}

func numberFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// WriteBatch writes rows in a single pebble batch, committing with an fsync
// so a crash never loses an acknowledged write.
func (s *Store) WriteBatch(ctx context.Context, rows []block.Block) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, row := range rows {
		data, err := json.Marshal(toRecord(row))
		if err != nil {
			return ingesterr.Validation("encode block %d: %v", row.Number, err)
		}
		if err := b.Set(key(row.Number), data, nil); err != nil {
			return ingesterr.Transport(err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return ingesterr.Transport(err)
	}
	return nil
}

// Tip returns the highest stored block number by seeking to the last key.
func (s *Store) Tip(ctx context.Context) (uint64, time.Time, bool, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, time.Time{}, false, ingesterr.Transport(err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, time.Time{}, false, nil
	}
	var r record
	if err := json.Unmarshal(iter.Value(), &r); err != nil {
		return 0, time.Time{}, false, ingesterr.Transport(err)
	}
	return r.Number, r.Timestamp, true, nil
}

// ScanGaps walks keys in [lo, hi] and reports every contiguous run of
// missing numbers.
func (s *Store) ScanGaps(ctx context.Context, lo, hi uint64) ([]store.GapRange, error) {
	if lo > hi {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: key(lo),
		UpperBound: key(hi + 1),
	})
	if err != nil {
		return nil, ingesterr.Transport(err)
	}
	defer iter.Close()

	var gaps []store.GapRange
	expect := lo
	for valid := iter.First(); valid; valid = iter.Next() {
		n := numberFromKey(iter.Key())
		if n > expect {
			gaps = append(gaps, store.GapRange{First: expect, Last: n - 1})
		}
		expect = n + 1
	}
	if expect <= hi {
		gaps = append(gaps, store.GapRange{First: expect, Last: hi})
	}
	return gaps, nil
}

// RowStream iterates rows from a local pebble store, satisfying the same
// interface as the HTTP-backed warehouse/store clients so BatchProducer can
// repair against a local pebble instance in tests and dev setups without a
// warehouse endpoint.
type RowStream struct {
	iter    *pebble.Iterator
	started bool
}

// QueryRange streams rows in [lo, hi) ordered by number, mirroring the
// half-open range convention of internal/warehouse.QueryRange.
func (s *Store) QueryRange(ctx context.Context, lo, hi uint64) (*RowStream, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: key(lo),
		UpperBound: key(hi),
	})
	if err != nil {
		return nil, ingesterr.Transport(err)
	}
	return &RowStream{iter: iter}, nil
}

// Next returns the next row, or ok=false when the stream is exhausted.
func (r *RowStream) Next() (block.Block, bool, error) {
	var valid bool
	if !r.started {
		valid = r.iter.First()
		r.started = true
	} else {
		valid = r.iter.Next()
	}
	if !valid {
		return block.Block{}, false, ingesterr.Transport(r.iter.Error())
	}
	var rec record
	if err := json.Unmarshal(r.iter.Value(), &rec); err != nil {
		return block.Block{}, false, ingesterr.Transport(err)
	}
	b, err := fromRecord(rec)
	if err != nil {
		return block.Block{}, false, err
	}
	return b, true, nil
}

// Close releases the underlying iterator.
func (r *RowStream) Close() error {
	return r.iter.Close()
}

func parseUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v := new(uint256.Int)
	if err := v.SetFromDecimal(s); err != nil {
		return nil, ingesterr.Validation("parse uint256 %q: %v", s, err)
	}
	return v, nil
}
