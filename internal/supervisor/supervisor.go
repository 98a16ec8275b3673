// Package supervisor owns process lifecycle: config load, component
// wiring, scheduling, graceful shutdown, and health reporting (spec §4.5).
package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blockpipe/ingestor/internal/alert"
	"github.com/blockpipe/ingestor/internal/auditor"
	"github.com/blockpipe/ingestor/internal/batchproducer"
	"github.com/blockpipe/ingestor/internal/config"
	"github.com/blockpipe/ingestor/internal/store"
	"github.com/blockpipe/ingestor/internal/store/storehttp"
	"github.com/blockpipe/ingestor/internal/streamproducer"
	"github.com/blockpipe/ingestor/internal/upstream"
	"github.com/blockpipe/ingestor/internal/warehouse"
	"github.com/ethereum/go-ethereum/log"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const gracefulDrainDeadline = 30 * time.Second

// Supervisor wires and runs every component for one process lifetime.
type Supervisor struct {
	cfg    config.Config
	sink   *store.Sink
	stream *streamproducer.Producer
	batch  *batchproducer.Producer
	audit  *auditor.Auditor
	alert  *alert.Client
	log    log.Logger

	cron *cron.Cron

	heartbeatTicks atomic.Int64
	lastWrite      atomic.Int64 // unix nanos

	healthSrv *http.Server
}

// New wires every component from cfg. It does not connect to anything or
// start background work; call Run for that.
func New(cfg config.Config) (*Supervisor, error) {
	backend := storehttp.New(cfg.StoreHost, cfg.StoreUser, cfg.StorePassword)
	sink := store.NewSink(backend)

	wh := warehouse.New(cfg.WarehouseURL, cfg.WarehouseCredentials)
	tipSource := &upstreamTipSource{url: cfg.UpstreamStreamURL}

	batchProd := batchproducer.New(
		func(ctx context.Context, lo, hi uint64) (batchproducer.RowStream, error) {
			return wh.QueryRange(ctx, lo, hi)
		},
		tipSource,
		sink,
	)

	auditorComp := auditor.New(sink, batchProd, cfg.StalenessThreshold(), cfg.GapGrace())
	alertClient := alert.New(cfg.HeartbeatURL, cfg.AlertURL, cfg.AlertToken)
	streamProd := streamproducer.New(cfg.UpstreamStreamURL, sink)

	s := &Supervisor{
		cfg:    cfg,
		sink:   sink,
		stream: streamProd,
		batch:  batchProd,
		audit:  auditorComp,
		alert:  alertClient,
		log:    log.New("component", "supervisor"),
		cron:   cron.New(),
	}
	streamProd.OnTick(func(tip uint64, tipAge time.Duration) {
		s.BumpHeartbeat()
		s.alert.Heartbeat(context.Background(), tip, tipAge)
	})
	return s, nil
}

// upstreamTipSource adapts a fresh upstream connection to
// batchproducer.ChainTip; BatchProducer only needs the tip occasionally,
// so a dedicated connection per call is simpler than sharing the
// StreamProducer's connection across components (spec §3.4: producers own
// no shared state).
type upstreamTipSource struct {
	url string
}

func (t *upstreamTipSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	conn, err := upstream.Dial(ctx, t.url)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LatestBlockNumber(ctx)
}

// Run starts every component and blocks until a shutdown signal arrives or
// ctx is canceled, then drains for up to 30s (spec §4.5).
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if _, err := s.cron.AddFunc(s.cfg.ScheduleBatchCron, func() { s.runBatchTick(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ScheduleAuditCron, func() { s.runAuditTick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	defer s.cron.Stop()

	s.startHealthServer()
	defer s.stopHealthServer()

	var g errgroup.Group
	g.Go(func() error {
		s.stream.Run(ctx)
		return nil
	})

	select {
	case <-sigCh:
		s.log.Info("shutdown signal received, draining")
		cancel()
	case <-ctx.Done():
	}

	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.log.Info("drain complete")
	case <-time.After(gracefulDrainDeadline):
		s.log.Warn("drain deadline exceeded, forcing exit")
	}
	return nil
}

func (s *Supervisor) runBatchTick(ctx context.Context) {
	report := s.batch.RunScheduled(ctx)
	if report.Err != nil {
		s.log.Error("scheduled batch run failed", "err", report.Err)
		return
	}
	s.log.Info("scheduled batch run complete",
		"blocks_written", report.BlocksWritten,
		"duration", report.Duration,
		"min_number", report.MinNumber,
		"max_number", report.MaxNumber,
	)
}

func (s *Supervisor) runAuditTick(ctx context.Context) {
	report, err := s.audit.Run(ctx)
	if err != nil {
		s.log.Error("audit run failed", "err", err)
		return
	}

	switch report.Status {
	case auditor.Healthy:
		s.alert.ClearDegraded()
		s.alert.Heartbeat(ctx, report.Tip, report.TipAge)
	case auditor.Degraded:
		s.alert.Warning(ctx, "tip stale or transient gap present")
	case auditor.Critical:
		for _, g := range report.UnresolvedGaps {
			s.alert.Critical(ctx, g.First, g.Last, "gap persisted after repair attempt")
		}
	}

	s.log.Info("audit pass complete",
		"status", report.Status.String(),
		"tip", report.Tip,
		"tip_age", report.TipAge,
		"transient_gaps", len(report.TransientGaps),
		"persistent_gaps", len(report.PersistentGaps),
		"unresolved_gaps", len(report.UnresolvedGaps),
	)
}

// BumpHeartbeat is called via StreamProducer.OnTick on each successful
// write tick, feeding the /healthz counter (spec §4.5).
func (s *Supervisor) BumpHeartbeat() {
	s.heartbeatTicks.Add(1)
	s.lastWrite.Store(time.Now().UnixNano())
}

type healthPayload struct {
	Ticks         int64  `json:"ticks"`
	LastWriteUnix int64  `json:"last_write_unix"`
	Status        string `json:"status"`
}

func (s *Supervisor) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthPayload{
			Ticks:         s.heartbeatTicks.Load(),
			LastWriteUnix: s.lastWrite.Load(),
			Status:        "ok",
		})
	})
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		gethmetrics.WriteOnce(gethmetrics.DefaultRegistry, w)
	})

	s.healthSrv = &http.Server{Addr: s.cfg.HealthAddr, Handler: mux}
	go func() {
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server exited", "err", err)
		}
	}()
}

func (s *Supervisor) stopHealthServer() {
	if s.healthSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.healthSrv.Shutdown(ctx)
}
