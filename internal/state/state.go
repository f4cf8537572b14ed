package state

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderbook-dashboard/internal/book"
	"orderbook-dashboard/internal/feed"
)

// Snapshot is what the dashboard renders: the latest view plus the rows to highlight.
type Snapshot struct {
	Seq         uint64          `json:"seq"`
	Symbol      string          `json:"symbol"`
	View        *book.View      `json:"view"` // nil until the first snapshot arrives
	MaxVolume   decimal.Decimal `json:"maxVolume"`
	AskChanges  book.ChangeSet  `json:"askChanges"`
	BidChanges  book.ChangeSet  `json:"bidChanges"`
	Status      feed.Status     `json:"status"`
	Loading     bool            `json:"loading"`
	Error       string          `json:"error,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	LastUpdated *time.Time      `json:"lastUpdated,omitempty"`
}

// State holds the published book for the presentation layer. Change highlights
// live for one highlight window, or until acknowledged, whichever comes first.
type State struct {
	mu        sync.RWMutex
	symbol    string
	latest    *book.Update
	askChg    book.ChangeSet
	bidChg    book.ChangeSet
	status    feed.Status
	lastErr   string
	sessionID string
	highlight time.Duration
	clear     *time.Timer
	onCleared func(seq uint64)
}

func NewState(symbol string, highlight time.Duration) *State {
	return &State{
		symbol:    strings.TrimSpace(symbol),
		status:    feed.StatusDisconnected,
		highlight: highlight,
		askChg:    book.ChangeSet{},
		bidChg:    book.ChangeSet{},
	}
}

func (s *State) Symbol() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol
}

// OnCleared registers fn to run, outside the lock, whenever the highlights of an
// update are cleared by the timer or by Ack.
func (s *State) OnCleared(fn func(seq uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCleared = fn
}

// Publish stores u and restarts the highlight window for its change sets.
func (s *State) Publish(u book.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &u
	s.askChg = u.AskChanges
	s.bidChg = u.BidChanges
	if s.clear != nil {
		s.clear.Stop()
		s.clear = nil
	}
	if s.highlight > 0 && (len(u.AskChanges) > 0 || len(u.BidChanges) > 0) {
		seq := u.Seq
		s.clear = time.AfterFunc(s.highlight, func() { s.Ack(seq) })
	}
}

// Ack clears the highlights of update seq once they have been rendered. Acks for
// older updates are ignored.
func (s *State) Ack(seq uint64) bool {
	s.mu.Lock()
	if s.latest == nil || s.latest.Seq != seq {
		s.mu.Unlock()
		return false
	}
	s.askChg = book.ChangeSet{}
	s.bidChg = book.ChangeSet{}
	if s.clear != nil {
		s.clear.Stop()
		s.clear = nil
	}
	fn := s.onCleared
	s.mu.Unlock()

	if fn != nil {
		fn(seq)
	}
	return true
}

// SetStatus records a connection transition. A fresh connection drops the old book.
func (s *State) SetStatus(ev feed.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ev.Status
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	switch {
	case ev.Err != nil:
		s.lastErr = ev.Err.Error()
	case ev.Status == feed.StatusConnected:
		s.lastErr = ""
	}
	if ev.Status == feed.StatusConnected {
		s.latest = nil
		s.askChg = book.ChangeSet{}
		s.bidChg = book.ChangeSet{}
	}
}

func (s *State) Status() feed.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) Connected() bool { return s.Status() == feed.StatusConnected }

// Loading is true while disconnected or while still waiting for the first snapshot.
func (s *State) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadingLocked()
}

func (s *State) loadingLocked() bool {
	return s.status != feed.StatusConnected || s.latest == nil
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Symbol:     s.symbol,
		MaxVolume:  decimal.Zero,
		AskChanges: s.askChg,
		BidChanges: s.bidChg,
		Status:     s.status,
		Loading:    s.loadingLocked(),
		Error:      s.lastErr,
		SessionID:  s.sessionID,
	}
	if s.latest != nil {
		v := s.latest.View
		ts := s.latest.Time
		snap.Seq = s.latest.Seq
		snap.View = &v
		snap.MaxVolume = s.latest.MaxVolume
		snap.LastUpdated = &ts
	}
	return snap
}

// Close stops the highlight timer.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clear != nil {
		s.clear.Stop()
		s.clear = nil
	}
}
