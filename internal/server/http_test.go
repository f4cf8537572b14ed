package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-dashboard/internal/book"
	"orderbook-dashboard/internal/config"
	"orderbook-dashboard/internal/feed"
	"orderbook-dashboard/internal/metrics"
	"orderbook-dashboard/internal/state"
)

type fakeFeed struct {
	mu          sync.Mutex
	status      feed.Status
	connectErr  error
	connects    int
	disconnects int
	reconnects  int
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = feed.StatusConnected
	return nil
}

func (f *fakeFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status = feed.StatusDisconnected
}

func (f *fakeFeed) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	f.status = feed.StatusReconnecting
}

func (f *fakeFeed) Status() feed.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type fixture struct {
	srv  *HTTPServer
	ts   *httptest.Server
	st   *state.State
	feed *fakeFeed
	reg  *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	web := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(web, "index.html"), []byte("<html>book</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(web, "app.js"), []byte("console.log(1)"), 0o600))

	cfg, _ := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg.WebDir = web

	st := state.NewState(cfg.Feed.Symbol, time.Hour)
	ff := &fakeFeed{status: feed.StatusDisconnected}
	reg := prometheus.NewRegistry()
	m := metrics.NewFeed(reg)
	m.Frame("delta")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewHTTPServer(cfg, st, ff, reg, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		st.Close()
	})
	return &fixture{srv: srv, ts: ts, st: st, feed: ff, reg: reg}
}

func (f *fixture) publish(seq uint64) {
	f.st.Publish(book.Update{
		Seq:  seq,
		Kind: book.KindDelta,
		View: book.View{
			Asks: []book.OrderBookEntry{{
				Price:  decimal.NewFromInt(101),
				Amount: decimal.NewFromInt(3),
				Total:  decimal.NewFromInt(303),
				Sum:    decimal.NewFromInt(3),
			}},
			Bids:     []book.OrderBookEntry{},
			Spread:   decimal.Zero,
			Exchange: "bitfinex",
		},
		MaxVolume:  decimal.NewFromInt(3),
		AskChanges: book.ChangeSet{"101": true},
		BidChanges: book.ChangeSet{},
		Time:       time.Now(),
	})
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStaticFiles(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "book")

	resp, err = http.Get(f.ts.URL + "/app.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "text/javascript; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, err = http.Get(f.ts.URL + "/styles.css")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndConfig(t *testing.T) {
	f := newFixture(t)

	var health struct {
		OK        bool   `json:"ok"`
		Connected bool   `json:"connected"`
		Status    string `json:"status"`
	}
	getJSON(t, f.ts.URL+"/api/health", &health)
	assert.True(t, health.OK)
	assert.False(t, health.Connected)
	assert.Equal(t, "disconnected", health.Status)

	var cfg map[string]any
	getJSON(t, f.ts.URL+"/api/config", &cfg)
	assert.Equal(t, "tBTCUSD", cfg["symbol"])
	assert.Equal(t, "P0", cfg["precision"])
	assert.EqualValues(t, 25, cfg["maxEntries"])
}

func TestBookEndpoint(t *testing.T) {
	f := newFixture(t)

	var snap state.Snapshot
	getJSON(t, f.ts.URL+"/api/book", &snap)
	assert.True(t, snap.Loading)
	assert.Nil(t, snap.View)

	f.st.SetStatus(feed.StatusEvent{Status: feed.StatusConnected})
	f.publish(7)

	snap = state.Snapshot{}
	getJSON(t, f.ts.URL+"/api/book", &snap)
	assert.False(t, snap.Loading)
	assert.Equal(t, uint64(7), snap.Seq)
	require.NotNil(t, snap.View)
	require.Len(t, snap.View.Asks, 1)
	assert.True(t, snap.View.Asks[0].Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, book.ChangeSet{"101": true}, snap.AskChanges)
}

func TestConnectionControls(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/connect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, http.StatusOK, post(t, f.ts.URL+"/api/connect", "").StatusCode)
	assert.Equal(t, feed.StatusConnected, f.feed.Status())

	assert.Equal(t, http.StatusOK, post(t, f.ts.URL+"/api/reconnect", "").StatusCode)
	assert.Equal(t, feed.StatusReconnecting, f.feed.Status())

	assert.Equal(t, http.StatusOK, post(t, f.ts.URL+"/api/disconnect", "").StatusCode)
	assert.Equal(t, feed.StatusDisconnected, f.feed.Status())

	f.feed.mu.Lock()
	f.feed.connectErr = errors.New("dial refused")
	f.feed.mu.Unlock()
	assert.Equal(t, http.StatusBadGateway, post(t, f.ts.URL+"/api/connect", "").StatusCode)

	f.feed.mu.Lock()
	f.feed.connectErr = feed.ErrSuperseded
	f.feed.mu.Unlock()
	assert.Equal(t, http.StatusConflict, post(t, f.ts.URL+"/api/connect", "").StatusCode)

	f.feed.mu.Lock()
	defer f.feed.mu.Unlock()
	assert.Equal(t, 3, f.feed.connects)
	assert.Equal(t, 1, f.feed.reconnects)
	assert.Equal(t, 1, f.feed.disconnects)
}

func TestAckClearsHighlights(t *testing.T) {
	f := newFixture(t)
	f.publish(3)

	assert.Equal(t, http.StatusBadRequest, post(t, f.ts.URL+"/api/changes/ack", "{").StatusCode)

	var out struct {
		Cleared bool `json:"cleared"`
	}
	resp := post(t, f.ts.URL+"/api/changes/ack", `{"seq":2}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Cleared)

	resp = post(t, f.ts.URL+"/api/changes/ack", `{"seq":3}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Cleared)
	assert.Empty(t, f.st.Snapshot().AskChanges)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "orderbook_feed_frames_total")
}

func readWS(t *testing.T, c *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env wsEnvelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestWebSocketHelloAndBroadcasts(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "status", readWS(t, c).Type)
	assert.Equal(t, "book", readWS(t, c).Type)

	f.st.SetStatus(feed.StatusEvent{Status: feed.StatusConnected, SessionID: "3f2c"})
	f.srv.BroadcastStatus()
	env := readWS(t, c)
	require.Equal(t, "status", env.Type)
	var status struct {
		Status    string `json:"status"`
		Loading   bool   `json:"loading"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "connected", status.Status)
	assert.True(t, status.Loading)
	assert.Equal(t, "3f2c", status.SessionID)

	f.publish(1)
	f.srv.BroadcastBook()
	env = readWS(t, c)
	require.Equal(t, "book", env.Type)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, uint64(1), snap.Seq)
	assert.False(t, snap.Loading)
	assert.Equal(t, book.ChangeSet{"101": true}, snap.AskChanges)

	// clearing highlights pushes a fresh book
	require.True(t, f.st.Ack(1))
	env = readWS(t, c)
	require.Equal(t, "book", env.Type)
	snap = state.Snapshot{}
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Empty(t, snap.AskChanges)

	f.srv.BroadcastError("feed error event 10300: subscribe failed")
	env = readWS(t, c)
	require.Equal(t, "error", env.Type)
	assert.Contains(t, string(env.Data), "10300")
}
