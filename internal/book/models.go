package book

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Ask Side = "ask"
	Bid Side = "bid"
)

// Entry is one raw feed row: [price, count, signed amount].
// A negative amount is an ask, a positive one a bid.
type Entry struct {
	Price  decimal.Decimal
	Count  int64
	Amount decimal.Decimal
}

// PriceLevel is one authoritative row of a side map. Amount is never negative.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type OrderBookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"` // price * amount
	Sum    decimal.Decimal `json:"sum"`   // cumulative amount from the best price outward
}

// View is the derived, capped projection of both side maps. A new View is built
// for every applied message and never modified afterwards.
type View struct {
	Asks     []OrderBookEntry `json:"asks"` // ascending price, best ask first
	Bids     []OrderBookEntry `json:"bids"` // descending price, best bid first
	Spread   decimal.Decimal  `json:"spread"`
	Crossed  bool             `json:"crossed"` // best ask below best bid; spread is negative
	Exchange string           `json:"exchange"`
}

// ChangeSet marks the canonical prices whose amount changed (or that appeared)
// in the most recent update.
type ChangeSet map[string]bool

type UpdateKind string

const (
	KindSnapshot UpdateKind = "snapshot"
	KindDelta    UpdateKind = "delta"
)

// Update is what the aggregator publishes after each snapshot or delta.
type Update struct {
	Seq        uint64          `json:"seq"`
	Kind       UpdateKind      `json:"kind"`
	View       View            `json:"view"`
	MaxVolume  decimal.Decimal `json:"maxVolume"`
	AskChanges ChangeSet       `json:"askChanges"`
	BidChanges ChangeSet       `json:"bidChanges"`
	Time       time.Time       `json:"time"`
}

// PriceKey normalizes a price so numerically equal values share one key
// ("100.00" and "100" both become "100").
func PriceKey(p decimal.Decimal) string {
	return p.String()
}
