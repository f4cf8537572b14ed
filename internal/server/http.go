package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderbook-dashboard/internal/config"
	"orderbook-dashboard/internal/feed"
	"orderbook-dashboard/internal/state"
)

// FeedController is the part of the feed manager the dashboard drives.
type FeedController interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect()
	Status() feed.Status
}

type HTTPServer struct {
	cfg      config.Config
	st       *state.State
	feed     FeedController
	hub      *hub
	log      *slog.Logger
	mux      *http.ServeMux
	gatherer prometheus.Gatherer
}

func NewHTTPServer(cfg config.Config, st *state.State, fc FeedController, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:      cfg,
		st:       st,
		feed:     fc,
		hub:      newHub(logger),
		log:      logger,
		mux:      http.NewServeMux(),
		gatherer: gatherer,
	}
	s.routes()
	go s.hub.run()
	// browsers drop their highlights when the store clears them
	st.OnCleared(func(uint64) { s.BroadcastBook() })
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// Close stops the hub and disconnects every browser.
func (s *HTTPServer) Close() { s.hub.stop() }

// --------- WS broadcasts ----------

func (s *HTTPServer) BroadcastStatus() {
	s.hub.publish(marshalWS("status", statusPayload(s.st.Snapshot())))
}

func (s *HTTPServer) BroadcastBook() {
	s.hub.publish(marshalWS("book", s.st.Snapshot()))
}

func (s *HTTPServer) BroadcastError(msg string) {
	s.hub.publish(marshalWS("error", map[string]string{"message": msg}))
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	// SPA
	s.mux.HandleFunc("/", s.serveIndex)
	s.mux.HandleFunc("/index.html", s.serveIndex)
	s.mux.HandleFunc("/app.js", s.serveStatic("app.js", "text/javascript; charset=utf-8"))
	s.mux.HandleFunc("/styles.css", s.serveStatic("styles.css", "text/css; charset=utf-8"))

	// WS
	s.mux.HandleFunc("/ws", s.serveWS)

	// API
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/book", s.apiBook)
	s.mux.HandleFunc("/api/connect", s.apiConnect)
	s.mux.HandleFunc("/api/disconnect", s.apiDisconnect)
	s.mux.HandleFunc("/api/reconnect", s.apiReconnect)
	s.mux.HandleFunc("/api/changes/ack", s.apiAck)

	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *HTTPServer) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	b, err := os.ReadFile(filepath.Join(s.cfg.WebDir, "index.html"))
	if err != nil {
		http.Error(w, "index missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *HTTPServer) serveStatic(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile(filepath.Join(s.cfg.WebDir, name))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	}
}

// serveWS registers the browser and immediately sends it the current status and book.
func (s *HTTPServer) serveWS(w http.ResponseWriter, r *http.Request) {
	snap := s.st.Snapshot()
	hello := [][]byte{
		marshalWS("status", statusPayload(snap)),
		marshalWS("book", snap),
	}
	s.hub.serveWS(w, r, hello...)
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.st.Connected(),
		"status":    s.feed.Status(),
	})
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"exchange":          s.cfg.Feed.Exchange,
		"symbol":            s.cfg.Feed.Symbol,
		"precision":         s.cfg.Feed.Precision,
		"frequency":         s.cfg.Feed.Frequency,
		"maxEntries":        s.cfg.Feed.MaxEntries,
		"autoReconnect":     s.cfg.Feed.AutoReconnect,
		"reconnectInterval": s.cfg.Feed.ReconnectIntervalMS,
		"highlightMs":       s.cfg.HighlightMS,
	})
}

func (s *HTTPServer) apiBook(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.st.Snapshot())
}

func (s *HTTPServer) apiConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	if err := s.feed.Connect(ctx); err != nil {
		s.log.Warn("connect failed", slog.String("err", err.Error()))
		code := http.StatusBadGateway
		if errors.Is(err, feed.ErrSuperseded) {
			// a disconnect or close ran during the dial
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "status": s.feed.Status()})
}

func (s *HTTPServer) apiDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.feed.Disconnect()
	writeJSON(w, map[string]any{"ok": true, "status": s.feed.Status()})
}

func (s *HTTPServer) apiReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.feed.Reconnect()
	writeJSON(w, map[string]any{"ok": true, "status": s.feed.Status()})
}

// POST /api/changes/ack { "seq": 42 }
func (s *HTTPServer) apiAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "cleared": s.st.Ack(req.Seq)})
}

func statusPayload(snap state.Snapshot) map[string]any {
	return map[string]any{
		"status":    snap.Status,
		"symbol":    snap.Symbol,
		"loading":   snap.Loading,
		"error":     snap.Error,
		"sessionId": snap.SessionID,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
