package storehttp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/blockpipe/ingestor/internal/store"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	c := New("ignored.invalid", "user", "pass")
	c.baseURL = srv.URL
	c.http = srv.Client()
	c.http.Transport.(*http.Transport).TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return c, srv.Close
}

func TestWriteBatchSendsAuthenticatedRequest(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	c, closeSrv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		require.Equal(t, "/v1/blocks:insert", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer closeSrv()

	row := block.Block{
		Number:          1,
		Difficulty:      uint256.NewInt(0),
		TotalDifficulty: uint256.NewInt(100),
	}
	err := c.WriteBatch(context.Background(), []block.Block{row})
	require.NoError(t, err)
	require.True(t, gotOK)
	require.Equal(t, "user", gotUser)
	require.Equal(t, "pass", gotPass)
}

func TestWriteBatchClassifiesQuotaStatus(t *testing.T) {
	c, closeSrv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer closeSrv()

	err := c.WriteBatch(context.Background(), []block.Block{{Number: 1, Difficulty: uint256.NewInt(0), TotalDifficulty: uint256.NewInt(0)}})
	require.ErrorIs(t, err, ingesterr.ErrQuota)
}

func TestTipDecodesFoundResult(t *testing.T) {
	c, closeSrv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/blocks:tip", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "number": 42, "timestamp": 1700000000})
	}))
	defer closeSrv()

	number, _, ok, err := c.Tip(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), number)
}

func TestScanGapsDecodesRanges(t *testing.T) {
	c, closeSrv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "lo=1&hi=10", r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode([]store.GapRange{{First: 3, Last: 5}})
	}))
	defer closeSrv()

	gaps, err := c.ScanGaps(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Equal(t, []store.GapRange{{First: 3, Last: 5}}, gaps)
}

func TestQueryRangeStreamsRows(t *testing.T) {
	c, closeSrv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"number":1,"difficulty":"0","total_difficulty":"100"},{"number":2,"difficulty":"0","total_difficulty":"200"}]`))
	}))
	defer closeSrv()

	stream, err := c.QueryRange(context.Background(), 1, 3)
	require.NoError(t, err)
	defer stream.Close()

	var numbers []uint64
	for {
		b, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		numbers = append(numbers, b.Number)
	}
	require.Equal(t, []uint64{1, 2}, numbers)
}
