// Package client is the consumer side of the launchchat WebSocket protocol:
// it dials, authenticates as soon as the channel opens, dispatches events to
// callbacks, and reconnects with exponential backoff. It also wraps the REST
// API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/store"
)

// BackoffConfig controls the delay between reconnect attempts.
type BackoffConfig struct {
	// InitialBackoff is the delay before the first reconnect.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each failed attempt.
	BackoffMultiplier float64
}

// DefaultBackoffConfig returns the reconnect policy used when none is given.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (b BackoffConfig) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.InitialBackoff
	}
	n := time.Duration(float64(cur) * b.BackoffMultiplier)
	if n > b.MaxBackoff {
		n = b.MaxBackoff
	}
	return n
}

// Handlers receive decoded server events. Nil handlers are skipped. They run
// on the connection's read goroutine and must not block for long.
type Handlers struct {
	OnMessage       func(store.Message)
	OnPresence      func(user hub.PresenceData, online bool)
	OnAuthenticated func(auth.Identity)
	OnError         func(msg string)
	// OnDisconnect is called when a live connection drops, before the
	// reconnect delay.
	OnDisconnect func(err error)
}

// Options configure a Client.
type Options struct {
	// BaseURL is the server's HTTP base, e.g. http://localhost:8080.
	BaseURL string
	Token   string
	Backoff BackoffConfig
	Log     logrus.FieldLogger
	// HTTPClient is used for REST calls. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// Header is sent with the WebSocket handshake, e.g. an Origin.
	Header http.Header
}

// Client talks to one launchchat server on behalf of one identity.
type Client struct {
	base     string
	token    string
	backoff  BackoffConfig
	log      logrus.FieldLogger
	http     *http.Client
	dialer   *websocket.Dialer
	header   http.Header
	handlers Handlers
}

// New creates a client. Handlers may be the zero value for REST-only use.
func New(opts Options, h Handlers) *Client {
	if opts.Backoff.InitialBackoff <= 0 {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		backoff:  opts.Backoff,
		log:      opts.Log,
		http:     opts.HTTPClient,
		dialer:   opts.Dialer,
		header:   opts.Header,
		handlers: h,
	}
}

// WebSocketURL returns the ws:// or wss:// address of the event channel.
func (c *Client) WebSocketURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + "/ws"
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + "/ws"
	}
	return c.base + "/ws"
}

// Run keeps an authenticated event channel open until ctx is cancelled,
// reconnecting after every drop. The backoff resets once a connection
// authenticates. It returns ctx.Err(), or an error wrapping
// auth.ErrAuthenticationRejected when the server refuses the token, since
// retrying the same token cannot succeed.
func (c *Client) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		authenticated, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, auth.ErrAuthenticationRejected) {
			c.log.WithError(err).Error("Server rejected the token; not reconnecting")
			return err
		}
		if authenticated {
			delay = 0
		}
		delay = c.backoff.next(delay)

		c.log.WithError(err).WithField("retry_in", delay).Warn("Event channel closed; reconnecting")
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection to completion. It reports whether the
// handshake succeeded before the connection ended.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.WebSocketURL(), c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(hub.InboundFrame{Type: hub.TypeAuth, Token: c.token}); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	authenticated := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return authenticated, err
		}
		acked, err := c.dispatch(raw)
		if err != nil {
			return authenticated, err
		}
		if acked {
			authenticated = true
		}
	}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// dispatch decodes one frame and calls its handler. It reports whether the
// frame was the handshake acknowledgement, and returns an error when the
// server rejected the token.
func (c *Client) dispatch(raw []byte) (bool, error) {
	var ev envelope
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.log.WithError(err).Debug("Dropping unreadable frame")
		return false, nil
	}

	switch ev.Type {
	case hub.TypeMessage:
		var msg store.Message
		if c.decode(ev, &msg) && c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	case hub.TypeUserOnline, hub.TypeUserOffline:
		var p hub.PresenceData
		if c.decode(ev, &p) && c.handlers.OnPresence != nil {
			c.handlers.OnPresence(p, ev.Type == hub.TypeUserOnline)
		}
	case hub.TypeAuthenticated:
		var id auth.Identity
		if !c.decode(ev, &id) {
			return false, nil
		}
		if c.handlers.OnAuthenticated != nil {
			c.handlers.OnAuthenticated(id)
		}
		return true, nil
	case hub.TypeError:
		var e hub.ErrorData
		if !c.decode(ev, &e) {
			return false, nil
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(e.Error)
		}
		if e.Error == hub.ErrorTokenRejected {
			return false, fmt.Errorf("%w: %s", auth.ErrAuthenticationRejected, e.Error)
		}
	default:
		c.log.WithField("type", ev.Type).Debug("Ignoring unknown event")
	}
	return false, nil
}

func (c *Client) decode(ev envelope, v any) bool {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		c.log.WithError(err).WithField("type", ev.Type).Debug("Dropping event with bad payload")
		return false
	}
	return true
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
