package state

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-dashboard/internal/book"
	"orderbook-dashboard/internal/feed"
)

func update(seq uint64, askChanges book.ChangeSet) book.Update {
	return book.Update{
		Seq:  seq,
		Kind: book.KindDelta,
		View: book.View{
			Asks:     []book.OrderBookEntry{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(2)}},
			Bids:     []book.OrderBookEntry{},
			Exchange: "bitfinex",
		},
		MaxVolume:  decimal.NewFromInt(2),
		AskChanges: askChanges,
		BidChanges: book.ChangeSet{},
		Time:       time.Now(),
	}
}

func TestLoadingUntilConnectedWithBook(t *testing.T) {
	s := NewState(" tBTCUSD ", time.Second)
	assert.Equal(t, "tBTCUSD", s.Symbol())
	assert.True(t, s.Loading())

	s.SetStatus(feed.StatusEvent{Status: feed.StatusConnected})
	assert.True(t, s.Loading(), "no snapshot yet")

	s.Publish(update(1, book.ChangeSet{}))
	assert.False(t, s.Loading())
	snap := s.Snapshot()
	require.NotNil(t, snap.View)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.True(t, snap.MaxVolume.Equal(decimal.NewFromInt(2)))
	assert.NotNil(t, snap.LastUpdated)

	s.SetStatus(feed.StatusEvent{Status: feed.StatusReconnecting, Err: errors.New("boom")})
	assert.True(t, s.Loading())
	assert.Equal(t, "boom", s.Snapshot().Error)
	assert.False(t, s.Connected())

	// a new connection starts from an empty book
	s.SetStatus(feed.StatusEvent{Status: feed.StatusConnected})
	snap = s.Snapshot()
	assert.Nil(t, snap.View)
	assert.Empty(t, snap.Error)
	assert.True(t, snap.Loading)
}

func TestHighlightsClearAfterWindow(t *testing.T) {
	s := NewState("tBTCUSD", 30*time.Millisecond)
	defer s.Close()
	s.SetStatus(feed.StatusEvent{Status: feed.StatusConnected})

	s.Publish(update(1, book.ChangeSet{"100": true}))
	assert.Equal(t, book.ChangeSet{"100": true}, s.Snapshot().AskChanges)

	assert.Eventually(t, func() bool {
		return len(s.Snapshot().AskChanges) == 0
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, s.Snapshot().View, "clearing highlights keeps the view")
}

func TestHighlightsValidForOnePublish(t *testing.T) {
	s := NewState("tBTCUSD", time.Hour)
	defer s.Close()

	s.Publish(update(1, book.ChangeSet{"100": true}))
	s.Publish(update(2, book.ChangeSet{}))
	assert.Empty(t, s.Snapshot().AskChanges)
}

func TestAck(t *testing.T) {
	s := NewState("tBTCUSD", time.Hour)
	defer s.Close()

	s.Publish(update(1, book.ChangeSet{"100": true}))
	s.Publish(update(2, book.ChangeSet{"101": true}))

	assert.False(t, s.Ack(1), "stale ack")
	assert.Equal(t, book.ChangeSet{"101": true}, s.Snapshot().AskChanges)

	assert.True(t, s.Ack(2))
	assert.Empty(t, s.Snapshot().AskChanges)
}

func TestClearedHookRunsOnTimerAndAck(t *testing.T) {
	s := NewState("tBTCUSD", 20*time.Millisecond)
	defer s.Close()
	cleared := make(chan uint64, 4)
	s.OnCleared(func(seq uint64) {
		// the hook runs unlocked, so it may read the state
		assert.Empty(t, s.Snapshot().AskChanges)
		cleared <- seq
	})

	s.Publish(update(1, book.ChangeSet{"100": true}))
	select {
	case seq := <-cleared:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(time.Second):
		t.Fatal("timer clear not reported")
	}

	acked := NewState("tBTCUSD", time.Hour)
	defer acked.Close()
	acked.OnCleared(func(seq uint64) { cleared <- seq })
	acked.Publish(update(2, book.ChangeSet{"101": true}))
	require.True(t, acked.Ack(2))
	assert.Equal(t, uint64(2), <-cleared)

	assert.False(t, acked.Ack(1))
	select {
	case seq := <-cleared:
		t.Fatalf("stale ack reported clear of %d", seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionIDFollowsConnection(t *testing.T) {
	s := NewState("tBTCUSD", time.Second)
	assert.Empty(t, s.Snapshot().SessionID)

	s.SetStatus(feed.StatusEvent{Status: feed.StatusConnected, SessionID: "a1"})
	assert.Equal(t, "a1", s.Snapshot().SessionID)

	// transitions without a session keep the last one
	s.SetStatus(feed.StatusEvent{Status: feed.StatusDisconnected})
	assert.Equal(t, "a1", s.Snapshot().SessionID)

	s.SetStatus(feed.StatusEvent{Status: feed.StatusConnected, SessionID: "b2"})
	assert.Equal(t, "b2", s.Snapshot().SessionID)
}
