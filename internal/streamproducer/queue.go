package streamproducer

import (
	"context"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/metrics"
)

// blockQueue is the bounded in-memory queue between the notification
// reader and the micro-batch writer (spec §4.2, capacity 1,024). It is a
// buffered channel rather than preconf's mutex-protected slice because the
// reader side needs a blocking-with-timeout push to implement the 30s
// backpressure rule, which maps directly onto a channel send under select.
type blockQueue struct {
	ch chan block.Block
}

func newBlockQueue(capacity int) *blockQueue {
	return &blockQueue{ch: make(chan block.Block, capacity)}
}

// Push blocks until the queue has room, ctx is canceled, or timeout
// elapses. It returns false on timeout or cancellation, signaling the
// caller should drop the connection per the backpressure rule.
func (q *blockQueue) Push(ctx context.Context, b block.Block, timeout <-chan struct{}) bool {
	select {
	case q.ch <- b:
		metrics.StreamQueueDepthGauge.Update(int64(len(q.ch)))
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}

// DrainUpTo removes and returns up to n items without blocking.
func (q *blockQueue) DrainUpTo(n int) []block.Block {
	out := make([]block.Block, 0, n)
	for len(out) < n {
		select {
		case b := <-q.ch:
			out = append(out, b)
		default:
			metrics.StreamQueueDepthGauge.Update(int64(len(q.ch)))
			return out
		}
	}
	metrics.StreamQueueDepthGauge.Update(int64(len(q.ch)))
	return out
}

// Len reports the current queue depth.
func (q *blockQueue) Len() int { return len(q.ch) }
