// Package ws serves chat connections over gorilla websockets.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chathub/internal/chat"
	"chathub/internal/protocol"
)

const (
	writeTimeout        = 5 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 64 << 10
	closeControlTimeout = time.Second
)

// Options tune the websocket transport.
type Options struct {
	// ReadLimit caps one inbound message in bytes.
	ReadLimit int64
	// PongWait is how long a silent peer is tolerated. Pings go out at 9/10 of it.
	PongWait time.Duration
}

// Handler owns websocket transport for the chat service.
type Handler struct {
	chat     *chat.Service
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler serving connections through svc.
func NewHandler(svc *chat.Service, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &Handler{
		chat: svc,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
// Admission happens after the upgrade so failures reach the client as a
// close frame carrying the status code.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	conn := newConn(ws, h.opts)
	defer conn.stopPing()

	params := chat.Params{
		Channel: c.QueryParam("channel"),
		Token:   c.QueryParam("token"),
	}
	if err := h.chat.Serve(c.Request().Context(), conn, params); err != nil {
		slog.Debug("websocket session ended with error", "remote", c.RealIP(), "err", err)
	}
	return nil
}

// conn adapts a gorilla connection to chat.Conn.
type conn struct {
	ws       *websocket.Conn
	pongWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func newConn(ws *websocket.Conn, opts Options) *conn {
	c := &conn{ws: ws, pongWait: opts.PongWait, stop: make(chan struct{})}
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.pongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *conn) stopPing() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// ReadMessage returns the next text or binary payload. Control frames are
// handled by gorilla.
func (c *conn) ReadMessage(_ context.Context) (string, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket closed unexpectedly", "err", err)
			}
			return "", err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *conn) WriteEvent(ev protocol.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(ev)
}

// Close sends a close frame with code and reason, then drops the socket.
func (c *conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.stopPing()
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeControlTimeout))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			slog.Debug("websocket close frame failed", "code", code, "err", werr)
		}
		err = c.ws.Close()
	})
	return err
}
