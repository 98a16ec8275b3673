// Package batchproducer periodically queries the historical warehouse for
// recent blocks and performs targeted backfill on demand (spec §4.3).
package batchproducer

import (
	"context"
	"errors"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/blockpipe/ingestor/internal/metrics"
	"github.com/blockpipe/ingestor/internal/retry"
	"github.com/ethereum/go-ethereum/log"
)

// scheduledWindow is the "last 2 hours" lookback the hourly pass covers
// (≈600 blocks at 12s cadence).
const scheduledWindow = 600

// yearChunk bounds on-demand repairs that span more than about a year of
// blocks, to cap per-invocation memory (spec §4.3).
const yearChunk = 2_600_000

// sinkBatchSize is the row count streamed to Sink per submission.
const sinkBatchSize = 10_000

// Sink is the narrow interface BatchProducer writes through.
type Sink interface {
	UpsertBlocks(ctx context.Context, batch []block.Block) error
}

// RowStream is satisfied by both internal/warehouse.RowStream and
// internal/store/storehttp.RowStream.
type RowStream interface {
	Next() (block.Block, bool, error)
	Close() error
}

// Warehouse is the narrow interface BatchProducer reads recent/historical
// blocks through.
type Warehouse interface {
	QueryRange(ctx context.Context, lo, hi uint64) (RowStream, error)
}

// ChainTip reports the current upstream chain tip for the scheduled
// window's upper bound.
type ChainTip interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// RunReport is what each scheduled or on-demand pass reports to
// Supervisor's health channel (spec §4.3 Observability).
type RunReport struct {
	BlocksWritten uint64
	Duration      time.Duration
	MinNumber     uint64
	MaxNumber     uint64
	Err           error
}

// Producer runs scheduled and on-demand warehouse backfills.
type Producer struct {
	warehouse warehouseQuerier
	tipSource ChainTip
	sink      Sink
	log       log.Logger
}

// warehouseQuerier adapts a concrete warehouse client whose QueryRange
// returns a concrete *RowStream type to the RowStream interface above.
type warehouseQuerier func(ctx context.Context, lo, hi uint64) (RowStream, error)

// New constructs a Producer. queryRange wraps the concrete warehouse
// client's QueryRange method so callers don't need an adapter type.
func New(queryRange func(ctx context.Context, lo, hi uint64) (RowStream, error), tipSource ChainTip, sink Sink) *Producer {
	return &Producer{
		warehouse: queryRange,
		tipSource: tipSource,
		sink:      sink,
		log:       log.New("component", "batchproducer"),
	}
}

// RunScheduled covers [current_tip-600, current_tip] (spec §4.3).
func (p *Producer) RunScheduled(ctx context.Context) RunReport {
	tip, err := p.tipSource.LatestBlockNumber(ctx)
	if err != nil {
		return RunReport{Err: err}
	}
	lo := uint64(0)
	if tip > scheduledWindow {
		lo = tip - scheduledWindow
	}
	return p.run(ctx, lo, tip+1)
}

// Repair performs an on-demand backfill over [lo, hi), splitting into
// year-sized chunks processed sequentially if the range is large (spec §4.3).
func (p *Producer) Repair(ctx context.Context, lo, hi uint64) RunReport {
	if hi <= lo {
		return RunReport{}
	}
	if hi-lo <= yearChunk {
		return p.run(ctx, lo, hi)
	}

	agg := RunReport{MinNumber: lo, MaxNumber: hi - 1}
	start := time.Now()
	for chunkLo := lo; chunkLo < hi; chunkLo += yearChunk {
		chunkHi := chunkLo + yearChunk
		if chunkHi > hi {
			chunkHi = hi
		}
		report := p.run(ctx, chunkLo, chunkHi)
		agg.BlocksWritten += report.BlocksWritten
		if report.Err != nil {
			agg.Err = report.Err
			break
		}
	}
	agg.Duration = time.Since(start)
	return agg
}

func (p *Producer) run(ctx context.Context, lo, hi uint64) RunReport {
	start := time.Now()
	defer metrics.TimeBatchRun(start)

	report := RunReport{MinNumber: lo}
	if hi <= lo {
		return report
	}
	report.MaxNumber = hi - 1

	policy := retry.WarehouseChunk()
	policy.Retryable = func(err error) bool { return !errors.Is(err, ingesterr.ErrQuota) }
	err := retry.Do(ctx, policy, "batchproducer.query_range", func() error {
		return p.streamInto(ctx, lo, hi, &report)
	})
	report.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, ingesterr.ErrQuota) {
			p.log.Warn("warehouse quota exceeded, aborting run", "lo", lo, "hi", hi)
		} else {
			metrics.BatchFailureMeter.Mark(1)
			p.log.Error("batch run failed", "lo", lo, "hi", hi, "err", err)
		}
		report.Err = err
	}
	return report
}

func (p *Producer) streamInto(ctx context.Context, lo, hi uint64, report *RunReport) error {
	stream, err := p.warehouse(ctx, lo, hi)
	if err != nil {
		return err
	}
	defer stream.Close()

	var batch []block.Block
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.UpsertBlocks(ctx, batch); err != nil {
			return err
		}
		report.BlocksWritten += uint64(len(batch))
		metrics.BatchRowsMeter.Mark(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for {
		b, ok, err := stream.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		batch = append(batch, b)
		if len(batch) >= sinkBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
