// Package server manages individual WebSocket clients, handling read/write
// pumps, the authentication handshake, rate limiting, and lifecycle control
// for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/launchchat/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection. The read pump owns inbound frames and
// the handshake; the write pump owns every write to the socket.
type Client struct {
	id       string
	conn     *websocket.Conn
	out      *hub.Outbound
	srv      *Server
	log      logrus.FieldLogger
	limiter  *rate.Limiter
	stalled  chan struct{}
	stallOne sync.Once
}

func newClient(id string, conn *websocket.Conn, out *hub.Outbound, srv *Server, addr string) *Client {
	conn.SetReadLimit(srv.cfg.MaxMessageSize)
	return &Client{
		id:      id,
		conn:    conn,
		out:     out,
		srv:     srv,
		log:     srv.log.WithFields(logrus.Fields{"conn_id": id, "remote_addr": addr}),
		limiter: newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
		stalled: make(chan struct{}),
	}
}

// stall tells the write pump to drop the connection without draining its
// queue. Safe to call from any goroutine.
func (c *Client) stall() {
	c.stallOne.Do(func() { close(c.stalled) })
}

func (c *Client) authenticated() bool {
	_, ok := c.srv.registry.Identity(c.id)
	return ok
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Debug("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.WithError(err).Debug("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching how expected it
// is. Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("limit", c.srv.cfg.MaxMessageSize).Warn("Frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.WithError(err).Debug("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.WithError(err).Debug("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.WithError(err).Warn("Unexpected WebSocket close")
	default:
		c.log.WithError(err).Debug("WebSocket read error")
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter.Allow() {
		return true
	}
	c.log.WithFields(logrus.Fields{
		"burst":    c.srv.cfg.RateLimit.Burst,
		"interval": c.srv.cfg.RateLimit.RefillInterval,
	}).Warn("Rate limit exceeded; discarding frame")
	return false
}

// processFrame decodes one inbound frame. Only auth frames are acted on;
// anything else, including malformed JSON, is dropped and the connection
// stays open.
func (c *Client) processFrame(ctx context.Context, raw []byte) {
	var frame hub.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.WithError(err).Debug("Dropping malformed frame")
		return
	}

	if frame.Type != hub.TypeAuth {
		c.log.WithField("type", frame.Type).Debug("Ignoring non-auth frame")
		return
	}
	c.authenticate(ctx, frame.Token)
}

func (c *Client) authenticate(ctx context.Context, token string) {
	id, err := c.srv.verifier.Verify(ctx, token)
	if err != nil {
		c.srv.metrics.AuthAttempt("rejected")
		c.log.WithError(err).Info("Authentication rejected")
		c.reply(hub.ErrorEvent(hub.ErrorTokenRejected))
		return
	}

	_, already := c.srv.registry.Identity(c.id)
	err = c.srv.reconciler.Connect(ctx, c.id, id)
	switch {
	case errors.Is(err, hub.ErrDuplicateAuthentication):
		c.srv.metrics.AuthAttempt("duplicate")
		c.log.WithField("user_id", id.ID).Warn("Connection already authenticated as another identity")
		c.reply(hub.ErrorEvent(hub.ErrorAlreadyAuthenticated))
		return
	case err != nil:
		c.srv.metrics.AuthAttempt("error")
		c.log.WithError(err).WithField("user_id", id.ID).Error("Failed to bring user online")
		c.reply(hub.ErrorEvent(hub.ErrorAuthFailed))
		return
	}

	if already {
		c.srv.metrics.AuthAttempt("repeat")
	} else {
		c.srv.metrics.AuthAttempt("ok")
		c.log.WithField("user_id", id.ID).Debug("Connection authenticated")
	}
	c.reply(hub.AuthenticatedEvent(id))
}

func (c *Client) reply(ev hub.Event) {
	if err := c.srv.hub.SendTo(c.id, ev); err != nil {
		c.log.WithError(err).Debug("Failed to reply to client")
	}
}

func (c *Client) readPump() {
	ctx := c.srv.baseContext()
	authTimer := time.AfterFunc(c.srv.cfg.AuthTimeout, func() {
		if !c.authenticated() {
			c.log.WithField("timeout", c.srv.cfg.AuthTimeout).Info("Closing connection that never authenticated")
			c.closeConnection()
		}
	})

	defer func() {
		authTimer.Stop()
		// Presence must be settled even when the server is shutting down.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
		defer cancel()
		dep, err := c.srv.reconciler.Disconnect(dctx, c.id)
		if err != nil {
			c.log.WithError(err).Warn("Disconnect left presence store out of date")
		}
		c.out.Close()
		c.closeConnection()
		c.srv.sessions.remove(c)
		c.srv.metrics.ConnectionClosed(dep.Authenticated)
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

		c.processFrame(ctx, raw)
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
	case <-c.stalled:
		return c.writeCloseMessage(websocket.CloseTryAgainLater, "delivery stalled")
	default:
	}

	select {
	case <-c.stalled:
		return c.writeCloseMessage(websocket.CloseTryAgainLater, "delivery stalled")
	case message, ok := <-c.out.C():
		if !ok {
			select {
			case <-c.stalled:
				return c.writeCloseMessage(websocket.CloseTryAgainLater, "delivery stalled")
			default:
			}
			return c.writeCloseMessage(websocket.CloseNormalClosure, "")
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("Error closing connection")
	}
}

// writeCloseMessage sends a close frame; it always stops the pump.
func (c *Client) writeCloseMessage(code int, text string) bool {
	deadline := time.Now().Add(writeWait)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	if err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("Error writing close message")
	}
	return false
}

// writeTextMessage writes one event frame. Frames are never batched because
// clients parse each WebSocket message as a single JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Debug("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("Error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Debug("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.WithError(err).Debug("Error writing ping message")
		return false
	}
	return true
}
