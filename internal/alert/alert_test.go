package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatSendsGetWithTipParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	c.Heartbeat(context.Background(), 100, 5*time.Second)

	require.Equal(t, "tip=100&tip_age_seconds=5", gotQuery)
}

func TestHeartbeatNoOpWithoutURL(t *testing.T) {
	c := New("", "", "")
	c.Heartbeat(context.Background(), 100, time.Second)
}

func TestCriticalRateLimitsPerUniqueRange(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	c := New("", srv.URL, "tok")
	c.Critical(context.Background(), 100, 200, "gap")
	c.Critical(context.Background(), 100, 200, "gap again")
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	c.Critical(context.Background(), 300, 400, "different range")
	require.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestWarningFiresOncePerTransition(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
	}))
	defer srv.Close()

	c := New("", srv.URL, "tok")
	c.Warning(context.Background(), "stale tip")
	c.Warning(context.Background(), "still stale")
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	c.ClearDegraded()
	c.Warning(context.Background(), "degraded again")
	require.EqualValues(t, 2, atomic.LoadInt32(&count))
}
