package store

import (
	"context"
	"testing"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	rows      map[uint64]block.Block
	writeErr  error
	writeCnt  int
	failUntil int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[uint64]block.Block)}
}

func (f *fakeBackend) WriteBatch(ctx context.Context, rows []block.Block) error {
	f.writeCnt++
	if f.writeCnt <= f.failUntil {
		return ingesterr.Transport(context.DeadlineExceeded)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, r := range rows {
		f.rows[r.Number] = r
	}
	return nil
}

func (f *fakeBackend) Tip(ctx context.Context) (uint64, time.Time, bool, error) {
	var max uint64
	var ts time.Time
	found := false
	for n, b := range f.rows {
		if !found || n > max {
			max, ts, found = n, b.Timestamp, true
		}
	}
	return max, ts, found, nil
}

func (f *fakeBackend) ScanGaps(ctx context.Context, lo, hi uint64) ([]GapRange, error) {
	var gaps []GapRange
	inGap := false
	var start uint64
	for n := lo; n <= hi; n++ {
		_, ok := f.rows[n]
		if !ok && !inGap {
			inGap, start = true, n
		}
		if ok && inGap {
			gaps = append(gaps, GapRange{First: start, Last: n - 1})
			inGap = false
		}
	}
	if inGap {
		gaps = append(gaps, GapRange{First: start, Last: hi})
	}
	return gaps, nil
}

func validBlock(number uint64) block.Block {
	return block.Block{
		Number:          number,
		Timestamp:       time.Unix(1_700_000_000+int64(number), 0),
		GasLimit:        30_000_000,
		GasUsed:         12_000_000,
		BaseFeePerGas:   1_000_000_000,
		TxCount:         150,
		Difficulty:      uint256.NewInt(0),
		TotalDifficulty: uint256.NewInt(58_750_000_000_000_000),
		Size:            90_000,
	}
}

func TestUpsertBlocksRejectsEmptyBatch(t *testing.T) {
	sink := NewSink(newFakeBackend())
	err := sink.UpsertBlocks(context.Background(), nil)
	require.ErrorIs(t, err, ingesterr.ErrValidation)
}

func TestUpsertBlocksRejectsOversizedBatch(t *testing.T) {
	sink := NewSink(newFakeBackend())
	batch := make([]block.Block, MaxBatchSize+1)
	for i := range batch {
		batch[i] = validBlock(uint64(i))
	}
	err := sink.UpsertBlocks(context.Background(), batch)
	require.ErrorIs(t, err, ingesterr.ErrValidation)
}

func TestUpsertBlocksDedupesKeepingLastOccurrence(t *testing.T) {
	backend := newFakeBackend()
	sink := NewSink(backend)

	first := validBlock(100)
	first.TxCount = 1
	second := validBlock(100)
	second.TxCount = 999

	err := sink.UpsertBlocks(context.Background(), []block.Block{first, second})
	require.NoError(t, err)
	require.Len(t, backend.rows, 1)
	require.Equal(t, uint64(999), backend.rows[100].TxCount)
}

func TestUpsertBlocksIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	sink := NewSink(backend)
	batch := []block.Block{validBlock(1), validBlock(2), validBlock(3)}

	require.NoError(t, sink.UpsertBlocks(context.Background(), batch))
	require.NoError(t, sink.UpsertBlocks(context.Background(), batch))
	require.Len(t, backend.rows, 3)
}

func TestUpsertBlocksRetriesTransientTransportFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.failUntil = 2
	sink := NewSink(backend)
	sink.policy.BaseDelay = time.Millisecond
	sink.policy.CapDelay = 2 * time.Millisecond

	err := sink.UpsertBlocks(context.Background(), []block.Block{validBlock(1)})
	require.NoError(t, err)
	require.Equal(t, 3, backend.writeCnt)
}

func TestUpsertBlocksAcceptsBlockZeroAndGasUsedEqualGasLimit(t *testing.T) {
	backend := newFakeBackend()
	sink := NewSink(backend)
	b := validBlock(0)
	b.GasUsed = b.GasLimit

	require.NoError(t, sink.UpsertBlocks(context.Background(), []block.Block{b}))
	require.Contains(t, backend.rows, uint64(0))
}

func TestScanGapsPassesThroughToBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.rows[1] = validBlock(1)
	backend.rows[3] = validBlock(3)
	sink := NewSink(backend)

	gaps, err := sink.ScanGaps(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Equal(t, []GapRange{{First: 2, Last: 2}}, gaps)
}

func TestTipPassesThroughToBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.rows[5] = validBlock(5)
	sink := NewSink(backend)

	number, _, ok, err := sink.Tip(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), number)
}
