package store

import (
	"context"
	"errors"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/blockpipe/ingestor/internal/retry"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"
)

// defaultWriteRate is the steady-state ceiling on WriteBatch calls; it
// drops to quotaBackoffRate for a period after a QuotaError and recovers
// on the next successful write.
const defaultWriteRate = 20

var quotaBackoffRate = rate.Every(5 * time.Minute)

// Sink is the single write path into the store (spec §4.1): it validates,
// dedupes, and retries on top of whatever Backend is configured.
type Sink struct {
	backend Backend
	policy  retry.Policy
	limiter *rate.Limiter
	log     log.Logger
}

// NewSink wraps backend with the standard validation and retry pipeline.
func NewSink(backend Backend) *Sink {
	policy := retry.Sink()
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ingesterr.ErrValidation) && !errors.Is(err, ingesterr.ErrQuota)
	}
	return &Sink{
		backend: backend,
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(defaultWriteRate), 1),
		log:     log.New("component", "sink"),
	}
}

// UpsertBlocks validates and submits batch, retrying transport failures
// with backoff and pausing on quota rejection. See spec §4.1 for the
// validation pipeline and failure semantics.
func (s *Sink) UpsertBlocks(ctx context.Context, batch []block.Block) error {
	if len(batch) == 0 {
		return ingesterr.Validation("batch must contain at least one row")
	}
	if len(batch) > MaxBatchSize {
		return ingesterr.Validation("batch of %d rows exceeds max %d", len(batch), MaxBatchSize)
	}

	rows, err := validateAndDedupe(batch)
	if err != nil {
		return err
	}

	writeErr := retry.Do(ctx, s.policy, "sink.write_batch", func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		err := s.backend.WriteBatch(ctx, rows)
		if err == nil {
			s.limiter.SetLimit(rate.Limit(defaultWriteRate))
			return nil
		}
		if errors.Is(err, ingesterr.ErrQuota) {
			s.log.Warn("sink paused on quota rejection", "rows", len(rows))
			s.limiter.SetLimit(quotaBackoffRate)
			select {
			case <-time.After(5 * time.Minute):
			case <-ctx.Done():
			}
			return err
		}
		return err
	})
	if writeErr != nil {
		return writeErr
	}
	s.log.Debug("wrote batch", "rows", len(rows))
	return nil
}

// Tip returns the current chain tip as stored, per spec §3.2.
func (s *Sink) Tip(ctx context.Context) (number uint64, ts time.Time, ok bool, err error) {
	return s.backend.Tip(ctx)
}

// ScanGaps returns the missing-number ranges within [lo, hi] (spec §4.1).
func (s *Sink) ScanGaps(ctx context.Context, lo, hi uint64) ([]GapRange, error) {
	return s.backend.ScanGaps(ctx, lo, hi)
}

// validateAndDedupe applies the validation pipeline of spec §4.1: schema
// and per-row predicates first (any violation aborts the whole batch), then
// intra-batch dedup on number keeping the last occurrence.
func validateAndDedupe(batch []block.Block) ([]block.Block, error) {
	for _, b := range batch {
		if err := b.Validate(); err != nil {
			return nil, ingesterr.Validation("%v", err)
		}
	}

	last := make(map[uint64]int, len(batch))
	for i, b := range batch {
		last[b.Number] = i
	}
	out := make([]block.Block, 0, len(last))
	seen := make(map[uint64]bool, len(last))
	for i, b := range batch {
		if last[b.Number] != i {
			continue
		}
		if seen[b.Number] {
			continue
		}
		seen[b.Number] = true
		out = append(out, b)
	}
	return out, nil
}
