package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Feed groups the collectors for one book subscription. A nil *Feed is valid and
// records nothing, which keeps callers free of nil checks in tests.
type Feed struct {
	Frames            *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	RejectedEntries   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	Connected         prometheus.Gauge
	Spread            prometheus.Gauge
	Levels            *prometheus.GaugeVec
	ApplySeconds      prometheus.Histogram
}

func NewFeed(reg prometheus.Registerer) *Feed {
	f := &Feed{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderbook_feed_frames_total",
			Help: "Inbound feed frames by classification.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_feed_decode_errors_total",
			Help: "Frames that could not be decoded.",
		}),
		RejectedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_rejected_updates_total",
			Help: "Snapshots or deltas rejected by the aggregator.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderbook_feed_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderbook_feed_connected",
			Help: "1 while the feed connection is open.",
		}),
		Spread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderbook_spread",
			Help: "Best ask minus best bid of the latest view.",
		}),
		Levels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orderbook_visible_levels",
			Help: "Levels in the latest view by side.",
		}, []string{"side"}),
		ApplySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderbook_apply_seconds",
			Help:    "Time to apply one frame and derive the view.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	reg.MustRegister(
		f.Frames,
		f.DecodeErrors,
		f.RejectedEntries,
		f.ReconnectAttempts,
		f.Connected,
		f.Spread,
		f.Levels,
		f.ApplySeconds,
	)
	return f
}

func (f *Feed) Frame(kind string) {
	if f == nil {
		return
	}
	f.Frames.WithLabelValues(kind).Inc()
}

func (f *Feed) DecodeError() {
	if f == nil {
		return
	}
	f.DecodeErrors.Inc()
}

func (f *Feed) Rejected() {
	if f == nil {
		return
	}
	f.RejectedEntries.Inc()
}

func (f *Feed) Reconnect() {
	if f == nil {
		return
	}
	f.ReconnectAttempts.Inc()
}

func (f *Feed) SetConnected(v bool) {
	if f == nil {
		return
	}
	if v {
		f.Connected.Set(1)
		return
	}
	f.Connected.Set(0)
}

func (f *Feed) ObserveApply(seconds float64) {
	if f == nil {
		return
	}
	f.ApplySeconds.Observe(seconds)
}

// ObserveBook records the shape of a freshly published view.
func (f *Feed) ObserveBook(spread decimal.Decimal, asks, bids int) {
	if f == nil {
		return
	}
	f.Spread.Set(spread.InexactFloat64())
	f.Levels.WithLabelValues("ask").Set(float64(asks))
	f.Levels.WithLabelValues("bid").Set(float64(bids))
}
