package book

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

const DefaultMaxEntries = 25

var ErrInvalidEntry = errors.New("invalid book entry")

// Aggregator owns the ask and bid price maps for one subscription. Every applied
// snapshot or delta rebuilds the whole view from the maps; nothing is patched in place.
type Aggregator struct {
	mu         sync.Mutex
	asks       *btree.BTreeG[PriceLevel]
	bids       *btree.BTreeG[PriceLevel]
	maxEntries int
	exchange   string

	prev   View
	seq    uint64
	latest atomic.Pointer[Update]

	now func() time.Time
}

func NewAggregator(exchange string, maxEntries int) *Aggregator {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	a := &Aggregator{
		maxEntries: maxEntries,
		exchange:   exchange,
		now:        time.Now,
	}
	a.asks, a.bids = newSideMap(), newSideMap()
	a.prev = a.emptyView()
	return a
}

// Both sides are stored in ascending price order; bids are walked in reverse.
func newSideMap() *btree.BTreeG[PriceLevel] {
	return btree.NewBTreeG(func(x, y PriceLevel) bool {
		return x.Price.LessThan(y.Price)
	})
}

// ApplySnapshot replaces both sides with entries. The whole snapshot is rejected,
// leaving the maps untouched, if any entry is invalid.
func (a *Aggregator) ApplySnapshot(entries []Entry) (Update, error) {
	for i, e := range entries {
		if err := validate(e); err != nil {
			return Update{}, fmt.Errorf("snapshot entry %d: %w", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.asks, a.bids = newSideMap(), newSideMap()
	for _, e := range entries {
		if e.Count == 0 {
			// an empty level never enters the ladder
			continue
		}
		switch e.Amount.Sign() {
		case -1:
			a.asks.Set(PriceLevel{Price: e.Price, Count: e.Count, Amount: e.Amount.Abs()})
		case 1:
			a.bids.Set(PriceLevel{Price: e.Price, Count: e.Count, Amount: e.Amount})
		}
	}

	view := a.derive()
	// A snapshot is a full replace, not a diff: nothing is highlighted.
	return a.publish(KindSnapshot, view, ChangeSet{}, ChangeSet{}), nil
}

// ApplyDelta upserts or removes a single price level.
func (a *Aggregator) ApplyDelta(e Entry) (Update, error) {
	if err := validate(e); err != nil {
		return Update{}, fmt.Errorf("delta: %w", err)
	}
	if e.Count > 0 && e.Amount.IsZero() {
		return Update{}, fmt.Errorf("delta: %w: zero amount with count %d", ErrInvalidEntry, e.Count)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := PriceLevel{Price: e.Price}
	switch {
	case e.Count == 0:
		// count 0 carries no reliable side, so remove from whichever side has it
		a.asks.Delete(key)
		a.bids.Delete(key)
	case e.Amount.Sign() < 0:
		a.bids.Delete(key)
		a.asks.Set(PriceLevel{Price: e.Price, Count: e.Count, Amount: e.Amount.Abs()})
	default:
		a.asks.Delete(key)
		a.bids.Set(PriceLevel{Price: e.Price, Count: e.Count, Amount: e.Amount})
	}

	view := a.derive()
	askChanges := diff(a.prev.Asks, view.Asks)
	bidChanges := diff(a.prev.Bids, view.Bids)
	return a.publish(KindDelta, view, askChanges, bidChanges), nil
}

// Reset empties both maps. It is called whenever the feed connection is re-established.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asks, a.bids = newSideMap(), newSideMap()
	a.prev = a.emptyView()
	a.latest.Store(nil)
}

// Latest returns the most recently published update.
func (a *Aggregator) Latest() (Update, bool) {
	u := a.latest.Load()
	if u == nil {
		return Update{}, false
	}
	return *u, true
}

// Depth reports how many levels a side map holds, including those beyond the view cap.
func (a *Aggregator) Depth(side Side) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if side == Bid {
		return a.bids.Len()
	}
	return a.asks.Len()
}

func (a *Aggregator) MaxEntries() int { return a.maxEntries }

func (a *Aggregator) publish(kind UpdateKind, view View, askChanges, bidChanges ChangeSet) Update {
	a.seq++
	a.prev = view
	u := Update{
		Seq:        a.seq,
		Kind:       kind,
		View:       view,
		MaxVolume:  MaxVolume(view),
		AskChanges: askChanges,
		BidChanges: bidChanges,
		Time:       a.now(),
	}
	a.latest.Store(&u)
	return u
}

func (a *Aggregator) emptyView() View {
	return View{
		Asks:     []OrderBookEntry{},
		Bids:     []OrderBookEntry{},
		Spread:   decimal.Zero,
		Exchange: a.exchange,
	}
}

func (a *Aggregator) derive() View {
	v := View{
		Asks:     project(a.asks.Scan, a.maxEntries),
		Bids:     project(a.bids.Reverse, a.maxEntries),
		Spread:   decimal.Zero,
		Exchange: a.exchange,
	}
	if len(v.Asks) > 0 && len(v.Bids) > 0 {
		v.Spread = v.Asks[0].Price.Sub(v.Bids[0].Price)
		v.Crossed = v.Spread.IsNegative()
	}
	return v
}

// project walks a side best-first and accumulates the running sum. Sums are prefix
// totals, so stopping at the cap yields the same values as summing the whole side.
func project(walk func(func(PriceLevel) bool), limit int) []OrderBookEntry {
	out := make([]OrderBookEntry, 0, limit)
	sum := decimal.Zero
	walk(func(l PriceLevel) bool {
		if len(out) >= limit {
			return false
		}
		sum = sum.Add(l.Amount)
		out = append(out, OrderBookEntry{
			Price:  l.Price,
			Amount: l.Amount,
			Total:  l.Price.Mul(l.Amount),
			Sum:    sum,
		})
		return true
	})
	return out
}

// diff marks every visible level that is new or whose amount differs from before.
func diff(before, after []OrderBookEntry) ChangeSet {
	prev := make(map[string]decimal.Decimal, len(before))
	for _, e := range before {
		prev[PriceKey(e.Price)] = e.Amount
	}
	changed := ChangeSet{}
	for _, e := range after {
		k := PriceKey(e.Price)
		if old, ok := prev[k]; !ok || !old.Equal(e.Amount) {
			changed[k] = true
		}
	}
	return changed
}

// MaxVolume is the largest single-level amount across both visible sides.
func MaxVolume(v View) decimal.Decimal {
	top := decimal.Zero
	for _, side := range [][]OrderBookEntry{v.Asks, v.Bids} {
		for _, e := range side {
			if e.Amount.GreaterThan(top) {
				top = e.Amount
			}
		}
	}
	return top
}

func validate(e Entry) error {
	if !e.Price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidEntry, e.Price)
	}
	if e.Count < 0 {
		return fmt.Errorf("%w: count %d", ErrInvalidEntry, e.Count)
	}
	return nil
}
