package auditor

import (
	"context"
	"testing"
	"time"

	"github.com/blockpipe/ingestor/internal/batchproducer"
	"github.com/blockpipe/ingestor/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	tip       uint64
	tipTS     time.Time
	ok        bool
	gaps      []store.GapRange
	gapsAfter []store.GapRange // returned by ScanGaps after repairer runs
	repaired  bool
}

func (s *fakeSink) Tip(ctx context.Context) (uint64, time.Time, bool, error) {
	return s.tip, s.tipTS, s.ok, nil
}

func (s *fakeSink) ScanGaps(ctx context.Context, lo, hi uint64) ([]store.GapRange, error) {
	if s.repaired {
		return s.gapsAfter, nil
	}
	return s.gaps, nil
}

type fakeRepairer struct {
	called []store.GapRange
	sink   *fakeSink
}

func (r *fakeRepairer) Repair(ctx context.Context, lo, hi uint64) batchproducer.RunReport {
	r.called = append(r.called, store.GapRange{First: lo, Last: hi - 1})
	r.sink.repaired = true
	return batchproducer.RunReport{BlocksWritten: hi - lo}
}

func TestRunReportsHealthyWithNoGapsAndFreshTip(t *testing.T) {
	sink := &fakeSink{tip: 1000, tipTS: time.Now(), ok: true}
	a := New(sink, &fakeRepairer{sink: sink}, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Healthy, report.Status)
}

func TestRunReportsDegradedOnStaleTip(t *testing.T) {
	sink := &fakeSink{tip: 1000, tipTS: time.Now().Add(-20 * time.Minute), ok: true}
	a := New(sink, &fakeRepairer{sink: sink}, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Status)
}

func TestRunReportsDegradedOnTransientGap(t *testing.T) {
	sink := &fakeSink{
		tip: 1000, tipTS: time.Now(), ok: true,
		gaps: []store.GapRange{{First: 998, Last: 999}},
	}
	a := New(sink, &fakeRepairer{sink: sink}, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Status)
	require.Len(t, report.TransientGaps, 1)
}

func TestRunInvokesRepairOnPersistentGapAndConfirmsResolution(t *testing.T) {
	sink := &fakeSink{
		tip: 1000, tipTS: time.Now(), ok: true,
		gaps:      []store.GapRange{{First: 100, Last: 100}},
		gapsAfter: nil,
	}
	repairer := &fakeRepairer{sink: sink}
	a := New(sink, repairer, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Critical, report.Status)
	require.Len(t, repairer.called, 1)
	require.Equal(t, uint64(100), repairer.called[0].First)
	require.Empty(t, report.UnresolvedGaps)
}

func TestRunReportsUnresolvedGapWhenRepairDoesNotClose(t *testing.T) {
	sink := &fakeSink{
		tip: 1000, tipTS: time.Now(), ok: true,
		gaps:      []store.GapRange{{First: 100, Last: 100}},
		gapsAfter: []store.GapRange{{First: 100, Last: 100}},
	}
	a := New(sink, &fakeRepairer{sink: sink}, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Critical, report.Status)
	require.NotEmpty(t, report.UnresolvedGaps)
}

func TestRunOnEmptyStoreIsDegraded(t *testing.T) {
	sink := &fakeSink{ok: false}
	a := New(sink, &fakeRepairer{sink: sink}, 960*time.Second, 1800*time.Second)

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Degraded, report.Status)
}
