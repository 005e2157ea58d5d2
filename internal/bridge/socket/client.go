// Package socket maintains the bridge's websocket connection to the
// user-facing server: a dialing client with automatic reconnect, and a
// manager that enforces a single active connection identity.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Emit while the socket is down. Callers
// treat outbound events as best-effort and drop them.
var ErrNotConnected = errors.New("socket not connected")

// Client dials the server and keeps the connection alive, reconnecting
// with exponential backoff until closed.
type Client struct {
	url        string
	dispatcher *wire.Dispatcher
	logger     *logger.Logger

	onConnect    func()
	onDisconnect func()

	mu        sync.RWMutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given websocket URL. Inbound events
// are routed through the dispatcher.
func NewClient(url string, dispatcher *wire.Dispatcher, log *logger.Logger) *Client {
	return &Client{
		url:        url,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "socket-client")),
		done:       make(chan struct{}),
	}
}

// OnConnect registers a callback invoked after every successful dial.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect registers a callback invoked after the connection drops.
func (c *Client) OnDisconnect(fn func()) { c.onDisconnect = fn }

// Dispatcher returns the client's inbound dispatcher.
func (c *Client) Dispatcher() *wire.Dispatcher { return c.dispatcher }

// Run dials and serves the connection until ctx is cancelled or Close is
// called. It blocks; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("socket dial failed, retrying",
				zap.String("url", c.url),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		c.logger.Info("socket connected", zap.String("url", c.url))
		stop := make(chan struct{})

		c.mu.Lock()
		c.conn = conn
		c.send = make(chan []byte, sendBufferSize)
		c.connected = true
		c.mu.Unlock()

		if c.onConnect != nil {
			c.onConnect()
		}

		go c.writePump(conn, stop)
		c.readPump(ctx, conn)

		close(stop)
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close()

		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		c.logger.Warn("socket disconnected")
	}
}

// readPump reads and dispatches inbound messages until the connection
// breaks.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("socket read error", zap.Error(err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("failed parsing socket message", zap.Error(err))
			continue
		}

		if err := c.dispatcher.Dispatch(ctx, &msg); err != nil {
			c.logger.WithError(err).Error("socket handler failed",
				zap.String("event", msg.Event))
		}
	}
}

// writePump drains the send channel and keeps the connection pinged.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()

	for {
		select {
		case <-stop:
			return

		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("socket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Emit sends an event toward the server. While disconnected it returns
// ErrNotConnected; outbound events are best-effort.
func (c *Client) Emit(event string, payload any) error {
	msg, err := wire.NewEvent(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("socket send buffer full, dropping event",
			zap.String("event", event))
		return errors.New("socket send buffer full")
	}
}

// IsConnected reports whether the transport is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close stops the run loop and drops the connection. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}
