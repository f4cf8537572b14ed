package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"orderbook-dashboard/internal/book"
)

var ErrMalformedFrame = errors.New("malformed frame")

type FrameKind int

const (
	FrameIgnored FrameKind = iota
	FrameSubscribed
	FrameHeartbeat
	FrameSnapshot
	FrameDelta
	FrameInfo
	FrameEventError
)

func (k FrameKind) String() string {
	switch k {
	case FrameSubscribed:
		return "subscribed"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameSnapshot:
		return "snapshot"
	case FrameDelta:
		return "delta"
	case FrameInfo:
		return "info"
	case FrameEventError:
		return "event_error"
	}
	return "ignored"
}

// SubscribeRequest is sent right after the socket opens.
type SubscribeRequest struct {
	Event     string `json:"event"`
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Precision string `json:"prec"`
	Frequency string `json:"freq"`
	Length    string `json:"len"`
}

func NewSubscribeRequest(symbol, precision, frequency string, length int) SubscribeRequest {
	return SubscribeRequest{
		Event:     "subscribe",
		Channel:   "book",
		Symbol:    symbol,
		Precision: precision,
		Frequency: frequency,
		Length:    strconv.Itoa(length),
	}
}

type eventFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Len     string `json:"len"`
	Msg     string `json:"msg"`
	Code    int    `json:"code"`
}

// Frame is one classified inbound message.
type Frame struct {
	Kind    FrameKind
	ChanID  int64
	Entries []book.Entry // snapshot rows
	Entry   book.Entry   // delta row
	Message string       // info/error events
	Code    int

	// subscription ack echo; the exchange names the precision field "prec"
	Symbol    string
	Precision string
	Length    string
}

// Classify decodes raw and sorts it into one of the frame kinds. chanID is the
// channel recorded from the subscription ack; data frames on any other channel,
// or before an ack, are ignored. The checks run in order and the first match wins.
func Classify(raw []byte, chanID int64, subscribed bool) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	switch raw[0] {
	case '{':
		var ev eventFrame
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: event: %v", ErrMalformedFrame, err)
		}
		switch ev.Event {
		case "subscribed":
			if ev.Channel == "book" {
				return Frame{
					Kind:      FrameSubscribed,
					ChanID:    ev.ChanID,
					Symbol:    ev.Symbol,
					Precision: ev.Prec,
					Length:    ev.Len,
				}, nil
			}
		case "error":
			return Frame{Kind: FrameEventError, Message: ev.Msg, Code: ev.Code}, nil
		case "info":
			return Frame{Kind: FrameInfo, Message: ev.Msg, Code: ev.Code}, nil
		}
		return Frame{}, nil

	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(arr) < 2 {
			return Frame{}, nil
		}
		payload := bytes.TrimSpace(arr[1])
		if bytes.Equal(payload, []byte(`"hb"`)) {
			return Frame{Kind: FrameHeartbeat}, nil
		}
		var id int64
		if err := json.Unmarshal(arr[0], &id); err != nil {
			return Frame{}, fmt.Errorf("%w: channel id: %v", ErrMalformedFrame, err)
		}
		if !subscribed || id != chanID {
			return Frame{}, nil
		}
		if len(payload) == 0 || payload[0] != '[' {
			// checksums and other channel messages
			return Frame{}, nil
		}

		var rows []json.RawMessage
		if err := json.Unmarshal(payload, &rows); err != nil {
			return Frame{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		if len(rows) == 0 || bytes.HasPrefix(bytes.TrimSpace(rows[0]), []byte("[")) {
			entries := make([]book.Entry, 0, len(rows))
			for i, r := range rows {
				e, err := decodeEntry(r)
				if err != nil {
					return Frame{}, fmt.Errorf("snapshot row %d: %w", i, err)
				}
				entries = append(entries, e)
			}
			return Frame{Kind: FrameSnapshot, ChanID: id, Entries: entries}, nil
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("delta: %w", err)
		}
		return Frame{Kind: FrameDelta, ChanID: id, Entry: e}, nil
	}

	return Frame{}, fmt.Errorf("%w: unexpected leading byte %q", ErrMalformedFrame, raw[0])
}

// decodeEntry parses [price, count, amount]. Anything that is not exactly three
// finite numbers with an integral count is rejected.
func decodeEntry(raw json.RawMessage) (book.Entry, error) {
	var nums []json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&nums); err != nil {
		return book.Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(nums) != 3 {
		return book.Entry{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedFrame, len(nums))
	}

	price, err := decimal.NewFromString(nums[0].String())
	if err != nil {
		return book.Entry{}, fmt.Errorf("%w: price %q", ErrMalformedFrame, nums[0])
	}
	count, err := decimal.NewFromString(nums[1].String())
	if err != nil || !count.Equal(count.Truncate(0)) {
		return book.Entry{}, fmt.Errorf("%w: count %q", ErrMalformedFrame, nums[1])
	}
	amount, err := decimal.NewFromString(nums[2].String())
	if err != nil {
		return book.Entry{}, fmt.Errorf("%w: amount %q", ErrMalformedFrame, nums[2])
	}
	return book.Entry{Price: price, Count: count.IntPart(), Amount: amount}, nil
}
