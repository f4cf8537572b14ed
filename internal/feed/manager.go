package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orderbook-dashboard/internal/book"
	"orderbook-dashboard/internal/metrics"
)

const (
	DefaultURL                  = "wss://api-pub.bitfinex.com/ws/2"
	DefaultMaxReconnectAttempts = 5

	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
)

var (
	ErrClosed           = errors.New("feed closed")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrTransport        = errors.New("transport failure")

	// ErrSuperseded is returned by Connect when Disconnect, Close or a newer
	// connect ran while the dial was in flight.
	ErrSuperseded = errors.New("connect superseded")

	// ErrSubscriptionMismatch reports an ack whose echoed symbol, prec or len
	// differs from the request.
	ErrSubscriptionMismatch = errors.New("subscription ack mismatch")
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	Status    Status
	Err       error // set for error and terminal disconnected transitions
	Attempt   int
	SessionID string
}

// Handler receives classified book frames. *book.Aggregator satisfies it.
type Handler interface {
	ApplySnapshot(entries []book.Entry) (book.Update, error)
	ApplyDelta(e book.Entry) (book.Update, error)
	Reset()
}

// Dialer opens the transport. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL                  string
	Symbol               string
	Precision            string
	Frequency            string
	MaxEntries           int
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	SettleDelay          time.Duration // delay used by Reconnect
	HandshakeTimeout     time.Duration
	ReadTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Symbol == "" {
		c.Symbol = "tBTCUSD"
	}
	if c.Precision == "" {
		c.Precision = "P0"
	}
	if c.Frequency == "" {
		c.Frequency = "F0"
	}
	if c.MaxEntries < 1 {
		c.MaxEntries = book.DefaultMaxEntries
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithMetrics(f *metrics.Feed) Option { return func(m *Manager) { m.metrics = f } }

// OnUpdate is called with every view the handler publishes, on the read goroutine.
func OnUpdate(fn func(book.Update)) Option { return func(m *Manager) { m.onUpdate = fn } }

func OnStatus(fn func(StatusEvent)) Option { return func(m *Manager) { m.onStatus = fn } }

// OnError receives non-fatal errors: decode failures, rejected entries, feed error events.
func OnError(fn func(error)) Option { return func(m *Manager) { m.onError = fn } }

// Manager supervises one book subscription. It owns the socket, the recorded
// channel id and the reconnect timer; frames are handed to the Handler one at a
// time, in arrival order, on the read goroutine of the current connection.
//
// Callbacks must not call Disconnect, Reconnect or Close synchronously.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	log     *slog.Logger
	metrics *metrics.Feed

	onUpdate func(book.Update)
	onStatus func(StatusEvent)
	onError  func(error)

	mu         sync.Mutex
	status     Status
	conn       *websocket.Conn
	gen        uint64 // bumped by every connect/disconnect; stale loops and timers compare against it
	chanID     int64
	subscribed bool
	attempts   int
	timer      *time.Timer
	lastErr    error
	sessionID  string
	closed     bool

	dispatchMu sync.Mutex
}

func NewManager(cfg Config, h Handler, logger *slog.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		handler: h,
		log:     logger,
		status:  StatusDisconnected,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ChannelID returns the channel recorded from the subscription ack.
func (m *Manager) ChannelID() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chanID, m.subscribed
}

func (m *Manager) Config() Config { return m.cfg }

// Connect opens the socket and subscribes. It is a no-op while connecting or
// connected. An explicit call resets the retry budget.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, explicit bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if explicit {
		m.attempts = 0
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	ev := m.setStatusLocked(StatusConnecting, nil)
	m.mu.Unlock()
	m.emit(ev)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, _, err := m.dialer.DialContext(dialCtx, m.cfg.URL, nil)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or a newer connect won the race
		closed := m.closed
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if closed {
			return fmt.Errorf("%w: %w", ErrSuperseded, ErrClosed)
		}
		return ErrSuperseded
	}
	if err != nil {
		events := m.failLocked(gen, fmt.Errorf("%w: dial: %v", ErrTransport, err))
		m.mu.Unlock()
		m.emit(events...)
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.conn = conn
	m.attempts = 0
	m.chanID, m.subscribed = 0, false
	m.lastErr = nil
	m.sessionID = uuid.NewString()
	m.handler.Reset()

	req := NewSubscribeRequest(m.cfg.Symbol, m.cfg.Precision, m.cfg.Frequency, m.cfg.MaxEntries)
	if err := m.writeJSONLocked(req); err != nil {
		_ = conn.Close()
		m.conn = nil
		events := m.failLocked(gen, fmt.Errorf("%w: subscribe: %v", ErrTransport, err))
		m.mu.Unlock()
		m.emit(events...)
		return fmt.Errorf("subscribe: %w", err)
	}

	ev = m.setStatusLocked(StatusConnected, nil)
	m.mu.Unlock()

	m.log.Info("feed connected",
		slog.String("url", m.cfg.URL),
		slog.String("symbol", m.cfg.Symbol),
		slog.String("session", ev.SessionID),
	)
	m.metrics.SetConnected(true)
	m.emit(ev)

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)
	return nil
}

// Disconnect cancels any pending reconnect, closes the socket and waits for an
// in-flight frame to finish. No handler call happens after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.chanID, m.subscribed = 0, false
	var events []StatusEvent
	if m.status != StatusDisconnected {
		events = append(events, m.setStatusLocked(StatusDisconnected, nil))
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	// wait out a frame that is already being applied
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock() //nolint:staticcheck

	m.metrics.SetConnected(false)
	m.emit(events...)
}

// Reconnect tears the connection down and connects again after the settle delay.
func (m *Manager) Reconnect() {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	ev := m.setStatusLocked(StatusReconnecting, nil)
	m.scheduleLocked(m.cfg.SettleDelay, true)
	m.mu.Unlock()
	m.emit(ev)
}

// Close disposes the manager. Later Connect calls return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.transportFailed(conn, gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		if !m.dispatch(gen, data) {
			return
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !m.current(gen) {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// dispatch handles one frame. It reports false once the connection is stale.
func (m *Manager) dispatch(gen uint64, data []byte) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	chanID, subscribed := m.chanID, m.subscribed
	m.mu.Unlock()

	frame, err := Classify(data, chanID, subscribed)
	if err != nil {
		m.metrics.DecodeError()
		m.log.Warn("feed decode", slog.String("err", err.Error()))
		m.reportErr(err)
		return true
	}
	m.metrics.Frame(frame.Kind.String())

	switch frame.Kind {
	case FrameSubscribed:
		m.mu.Lock()
		m.chanID, m.subscribed = frame.ChanID, true
		m.mu.Unlock()
		m.log.Info("feed subscribed",
			slog.Int64("chan_id", frame.ChanID),
			slog.String("symbol", m.cfg.Symbol),
			slog.String("prec", frame.Precision),
		)
		if err := m.checkAck(frame); err != nil {
			m.log.Warn("feed subscription mismatch", slog.String("err", err.Error()))
			m.reportErr(err)
		}

	case FrameSnapshot:
		start := time.Now()
		up, err := m.handler.ApplySnapshot(frame.Entries)
		m.afterApply(start, up, err)

	case FrameDelta:
		start := time.Now()
		up, err := m.handler.ApplyDelta(frame.Entry)
		m.afterApply(start, up, err)

	case FrameEventError:
		err := fmt.Errorf("feed error event %d: %s", frame.Code, frame.Message)
		m.log.Warn("feed event", slog.String("err", err.Error()))
		m.reportErr(err)

	case FrameInfo:
		m.log.Debug("feed info", slog.String("msg", frame.Message), slog.Int("code", frame.Code))
	}
	return true
}

// checkAck compares the echoed subscription with the request. Fields the
// exchange leaves out are not compared.
func (m *Manager) checkAck(f Frame) error {
	want := NewSubscribeRequest(m.cfg.Symbol, m.cfg.Precision, m.cfg.Frequency, m.cfg.MaxEntries)
	switch {
	case f.Symbol != "" && f.Symbol != want.Symbol:
		return fmt.Errorf("%w: symbol %q, requested %q", ErrSubscriptionMismatch, f.Symbol, want.Symbol)
	case f.Precision != "" && f.Precision != want.Precision:
		return fmt.Errorf("%w: prec %q, requested %q", ErrSubscriptionMismatch, f.Precision, want.Precision)
	case f.Length != "" && f.Length != want.Length:
		return fmt.Errorf("%w: len %q, requested %q", ErrSubscriptionMismatch, f.Length, want.Length)
	}
	return nil
}

func (m *Manager) afterApply(start time.Time, up book.Update, err error) {
	m.metrics.ObserveApply(time.Since(start).Seconds())
	if err != nil {
		m.metrics.Rejected()
		m.log.Warn("book update rejected", slog.String("err", err.Error()))
		m.reportErr(err)
		return
	}
	m.metrics.ObserveBook(up.View.Spread, len(up.View.Asks), len(up.View.Bids))
	if m.onUpdate != nil {
		m.onUpdate(up)
	}
}

func (m *Manager) transportFailed(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.chanID, m.subscribed = 0, false
	events := m.failLocked(gen, fmt.Errorf("%w: %v", ErrTransport, cause))
	m.mu.Unlock()

	m.log.Warn("feed connection lost", slog.String("err", cause.Error()))
	m.metrics.SetConnected(false)
	m.emit(events...)
}

// failLocked moves to error and then either schedules a retry or settles in
// disconnected with ErrRetriesExhausted.
func (m *Manager) failLocked(gen uint64, err error) []StatusEvent {
	events := []StatusEvent{m.setStatusLocked(StatusError, err)}
	if m.cfg.AutoReconnect && m.attempts < m.cfg.MaxReconnectAttempts && !m.closed {
		m.attempts++
		m.metrics.Reconnect()
		events = append(events, m.setStatusLocked(StatusReconnecting, err))
		m.scheduleLocked(m.cfg.ReconnectInterval, false)
		return events
	}
	terminal := err
	if m.cfg.AutoReconnect {
		terminal = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.attempts, err)
	}
	return append(events, m.setStatusLocked(StatusDisconnected, terminal))
}

// scheduleLocked replaces any pending timer; only one can exist at a time.
func (m *Manager) scheduleLocked(delay time.Duration, explicit bool) {
	m.stopTimerLocked()
	gen := m.gen
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer != t || m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		defer cancel()
		if err := m.connect(ctx, explicit); err != nil {
			m.log.Warn("feed reconnect failed", slog.String("err", err.Error()))
		}
	})
	m.timer = t
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s Status, err error) StatusEvent {
	m.status = s
	if err != nil {
		m.lastErr = err
	}
	return StatusEvent{Status: s, Err: err, Attempt: m.attempts, SessionID: m.sessionID}
}

func (m *Manager) writeJSONLocked(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.TextMessage, b)
}

func (m *Manager) emit(events ...StatusEvent) {
	if m.onStatus == nil {
		return
	}
	for _, ev := range events {
		m.onStatus(ev)
	}
}

func (m *Manager) reportErr(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
