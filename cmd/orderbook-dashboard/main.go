package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"orderbook-dashboard/internal/book"
	"orderbook-dashboard/internal/config"
	"orderbook-dashboard/internal/feed"
	"orderbook-dashboard/internal/metrics"
	"orderbook-dashboard/internal/server"
	"orderbook-dashboard/internal/state"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	cfgPath := flag.String("config", "config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	missing := errors.Is(err, os.ErrNotExist)
	if err != nil && !missing {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)
	if missing {
		logger.Warn("config file not found, using defaults", slog.String("path", *cfgPath))
	}

	logger.Info("orderbook-dashboard starting",
		slog.Int("port", cfg.Port),
		slog.String("symbol", cfg.Feed.Symbol),
		slog.String("precision", cfg.Feed.Precision),
		slog.String("feed_url", cfg.Feed.URL),
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	feedMetrics := metrics.NewFeed(reg)

	// Book + presentation state
	agg := book.NewAggregator(cfg.Feed.Exchange, cfg.Feed.MaxEntries)
	st := state.NewState(cfg.Feed.Symbol, cfg.Highlight())

	// srv is assigned before the first Connect; callbacks only run after that.
	var srv *server.HTTPServer

	mgr := feed.NewManager(cfg.FeedConfig(), agg, logger,
		feed.WithMetrics(feedMetrics),
		feed.OnUpdate(func(u book.Update) {
			st.Publish(u)
			srv.BroadcastBook()
		}),
		feed.OnStatus(func(ev feed.StatusEvent) {
			st.SetStatus(ev)
			attrs := []any{slog.String("status", string(ev.Status)), slog.Int("attempt", ev.Attempt)}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("err", ev.Err.Error()))
			}
			logger.Debug("feed status", attrs...)
			srv.BroadcastStatus()
		}),
		feed.OnError(func(err error) {
			logger.Error("depth feed error", slog.String("err", err.Error()))
			srv.BroadcastError(err.Error())
		}),
	)

	// HTTP server + WS hub
	srv = server.NewHTTPServer(cfg, st, mgr, reg, logger)

	// Context & signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(ctx, cfg.FeedConfig().HandshakeTimeout)
	if err := mgr.Connect(connCtx); err != nil {
		// auto-reconnect keeps trying; the dashboard shows the status
		logger.Warn("initial connect failed", slog.String("err", err.Error()))
	}
	connCancel()

	// HTTP serving
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	mgr.Close()
	_ = httpSrv.Shutdown(shCtx)
	srv.Close()
	st.Close()
	<-done
	logger.Info("bye")
}
