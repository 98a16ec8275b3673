// Package metrics registers the process-wide gauges, meters, and timers
// used by every component, following the flat registered-metric style of
// preconf/metrics.go.
package metrics

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

var (
	// StreamProducer state
	StreamQueueDepthGauge = metrics.NewRegisteredGauge("ingestor/stream/queue_depth", nil)
	StreamStateGauge      = metrics.NewRegisteredGauge("ingestor/stream/state", nil) // 0:Disconnected 1:Connecting 2:Subscribed 3:Streaming 4:Draining
	StreamReconnectMeter  = metrics.NewRegisteredMeter("ingestor/stream/reconnects", nil)
	StreamWriteTimer      = metrics.NewRegisteredTimer("ingestor/stream/write", nil)
	StreamTickMeter       = metrics.NewRegisteredMeter("ingestor/stream/ticks", nil)

	// BatchProducer
	BatchRunTimer     = metrics.NewRegisteredTimer("ingestor/batch/run", nil)
	BatchRowsMeter    = metrics.NewRegisteredMeter("ingestor/batch/rows", nil)
	BatchFailureMeter = metrics.NewRegisteredMeter("ingestor/batch/failures", nil)
	RepairRunTimer    = metrics.NewRegisteredTimer("ingestor/batch/repair", nil)

	// Sink
	SinkWriteTimer   = metrics.NewRegisteredTimer("ingestor/sink/write", nil)
	SinkRetryMeter   = metrics.NewRegisteredMeter("ingestor/sink/retries", nil)
	SinkFailureMeter = metrics.NewRegisteredMeter("ingestor/sink/failures", nil)

	// Auditor
	AuditTipAgeGauge   = metrics.NewRegisteredGauge("ingestor/audit/tip_age_seconds", nil)
	AuditGapCountGauge = metrics.NewRegisteredGauge("ingestor/audit/gap_count", nil)
	AuditStatusGauge   = metrics.NewRegisteredGauge("ingestor/audit/status", nil) // 0:healthy 1:degraded 2:critical
	AuditRunTimer      = metrics.NewRegisteredTimer("ingestor/audit/run", nil)

	// Outbound alerting
	HeartbeatSentMeter   = metrics.NewRegisteredMeter("ingestor/heartbeat/sent", nil)
	AlertSentMeter       = metrics.NewRegisteredMeter("ingestor/alert/sent", nil)
	AlertSuppressedMeter = metrics.NewRegisteredMeter("ingestor/alert/suppressed", nil)
)

// StreamState mirrors internal/streamproducer's state machine values so the
// gauge can be updated without that package importing metrics internals.
type StreamState int64

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateDraining
)

// SetStreamState updates the stream state gauge.
func SetStreamState(s StreamState) {
	StreamStateGauge.Update(int64(s))
}

// TimeSinkWrite records the duration of a completed Sink.UpsertBlocks call.
func TimeSinkWrite(start time.Time) {
	SinkWriteTimer.Update(time.Since(start))
}

// TimeBatchRun records the duration of one BatchProducer pass.
func TimeBatchRun(start time.Time) {
	BatchRunTimer.Update(time.Since(start))
}

// TimeAuditRun records the duration of one GapAuditor pass.
func TimeAuditRun(start time.Time) {
	AuditRunTimer.Update(time.Since(start))
}
