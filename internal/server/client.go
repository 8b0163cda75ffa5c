package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection on either the global or the conversation
// channel. It is the broker.Handle the registry and rooms hold on to.
type Client struct {
	id      string
	channel broker.Channel
	conn    *websocket.Conn
	hub     *Hub
	addr    string
	logger  *slog.Logger

	// mu guards closed and the close of send against concurrent Emit calls.
	mu     sync.RWMutex
	closed bool
	send   chan []byte

	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	session        *gateway.Session
}

var _ broker.Handle = (*Client)(nil)

// NewClient creates a Client for an upgraded connection. The session is
// attached by the caller through Attach before the pumps start.
func NewClient(conn *websocket.Conn, hub *Hub, channel broker.Channel, addr string, cfg Config, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()
	return &Client{
		id:             id,
		channel:        channel,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		logger:         logger.With("conn_id", id, "channel", string(channel), "addr", addr),
		send:           make(chan []byte, cfg.SendBufferSize),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// Attach binds the gateway session that handles this client's events.
func (c *Client) Attach(s *gateway.Session) { c.session = s }

func (c *Client) ID() string { return c.id }

func (c *Client) Channel() broker.Channel { return c.channel }

// Emit queues one event for delivery. It never blocks: a closed client or a
// full send buffer is reported as an error.
func (c *Client) Emit(event string, payload any) error {
	frame, err := gateway.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// markClosed stops further Emit calls and closes the send channel so the
// write pump sends a close frame. It reports whether this call closed it.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause. Every
// read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

// checkRateLimit reports whether the next message fits the client's budget.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage hands one frame to the session. A panicking handler is
// contained to this message.
func (c *Client) processMessage(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic while handling message", "panic", r)
		}
	}()
	c.session.HandleMessage(ctx, raw)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.session.Close()
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(ctx, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection in writePump", "error", err)
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if !c.writeTextMessage(message) {
		return false
	}
	return c.writeQueuedMessages()
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "error", err)
	}
	return false
}

// writeTextMessage writes one envelope as its own frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes what was queued while the last frame was written.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextMessage(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping message", "error", err)
		return false
	}
	return true
}
