package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsSendBuffer = 256
)

// wsMessage is the envelope every browser frame uses: book, status or error.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1024),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow browser; it reconnects and gets a fresh book
					h.logger.Debug("ws client dropped", slog.String("remote", c.conn.RemoteAddr().String()))
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// publish queues msg for every browser. Book frames are replaceable, so a full
// queue drops the frame rather than blocking the feed.
func (h *hub) publish(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast queue full, frame dropped")
	}
}

func (h *hub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  10 * time.Second,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(r *http.Request) bool { return true }, // SPA local
	EnableCompression: true,
}

// serveWS upgrades the request and queues hello ahead of any broadcast.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request, hello ...[]byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade", slog.String("err", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	for _, m := range hello {
		if m != nil {
			c.send <- m
		}
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; browsers talk to the REST endpoints.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalWS(t string, v any) []byte {
	b, err := json.Marshal(wsMessage{Type: t, Data: v})
	if err != nil {
		return nil
	}
	return b
}
