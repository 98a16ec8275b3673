package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the protocol for the client tests below:
// it echoes a canned response per method and can push one notification.
func fakeServer(t *testing.T, handle func(conn *websocket.Conn, req map[string]any)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			handle(conn, req)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSubscribeReturnsSubscriptionID(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn, req map[string]any) {
		require.Equal(t, subscribeNewHeaders, req["method"])
		_ = conn.WriteJSON(map[string]any{"id": req["id"], "result": "sub-1"})
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	id, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sub-1", id)
}

func TestLatestBlockNumberParsesHex(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn, req map[string]any) {
		_ = conn.WriteJSON(map[string]any{"id": req["id"], "result": "0x2a"})
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	n, err := c.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestGetBlockByNumberParsesHexFields(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn, req map[string]any) {
		_ = conn.WriteJSON(map[string]any{"id": req["id"], "result": map[string]any{
			"number":           "0x64",
			"timestamp":        "0x624f4b40",
			"gas_limit":        "0x1c9c380",
			"gas_used":         "0xb71b00",
			"base_fee_per_gas": "0x3b9aca00",
			"tx_count":         "0x96",
			"difficulty":       "0x0",
			"total_difficulty": "0x1",
			"size":             "0x5c20",
		}})
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	b, err := c.GetBlockByNumber(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), b.Number)
	require.Equal(t, uint64(150), b.TxCount)
}

func TestHeadersChannelStaysEmptyWithoutNotifications(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn, req map[string]any) {})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-c.Headers():
		t.Fatal("unexpected notification before any was sent")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCallReturnsUpstreamError(t *testing.T) {
	srv := fakeServer(t, func(conn *websocket.Conn, req map[string]any) {
		_ = conn.WriteJSON(map[string]any{"id": req["id"], "error": map[string]any{"code": 1, "message": "boom"}})
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe(context.Background())
	require.Error(t, err)
}
