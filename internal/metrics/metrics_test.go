package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFeedCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewFeed(reg)

	f.Frame("delta")
	f.Frame("delta")
	f.Frame("snapshot")
	f.DecodeError()
	f.Reconnect()
	f.SetConnected(true)
	f.ObserveBook(decimal.RequireFromString("1.5"), 3, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.Frames.WithLabelValues("delta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Frames.WithLabelValues("snapshot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.DecodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.ReconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Connected))
	assert.Equal(t, 1.5, testutil.ToFloat64(f.Spread))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.Levels.WithLabelValues("bid")))

	f.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.Connected))
}

func TestNilFeedIsNoop(t *testing.T) {
	var f *Feed
	f.Frame("delta")
	f.DecodeError()
	f.Rejected()
	f.Reconnect()
	f.SetConnected(true)
	f.ObserveApply(0.1)
	f.ObserveBook(decimal.Zero, 0, 0)
}
