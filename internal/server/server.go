// Package server wires the registry, broadcast hub, presence reconciler and
// chat service behind the HTTP and WebSocket endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/chat"
	"github.com/Tyrowin/launchchat/internal/config"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/metrics"
	"github.com/Tyrowin/launchchat/internal/presence"
	"github.com/Tyrowin/launchchat/internal/store"
)

// MessageStore is the chat log the server reads and appends to.
type MessageStore interface {
	chat.MessageStore
	Count(ctx context.Context) (int64, error)
}

// PresenceStore is the durable presence flag store.
type PresenceStore interface {
	presence.Store
	Online(ctx context.Context) ([]store.Presence, error)
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Config   config.Config
	Log      logrus.FieldLogger
	Verifier auth.Verifier
	Messages MessageStore
	Presence PresenceStore
	Metrics  *metrics.Metrics
}

// Server is the launchchat HTTP and WebSocket service.
type Server struct {
	cfg      config.Config
	log      logrus.FieldLogger
	verifier auth.Verifier
	metrics  *metrics.Metrics

	registry   *hub.Registry
	hub        *hub.Hub
	reconciler *presence.Reconciler
	chat       *chat.Service
	messages   MessageStore
	presence   PresenceStore

	sessions    *sessions
	origins     *originPolicy
	upgrader    websocket.Upgrader
	postLimiter *keyedLimiter

	ctx    context.Context
	cancel context.CancelFunc
	http   *http.Server
}

// New builds a Server from d. Verifier, Messages and Presence are required.
func New(d Deps) (*Server, error) {
	if d.Verifier == nil || d.Messages == nil || d.Presence == nil {
		return nil, errors.New("server: verifier, message store and presence store are required")
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	cfg := config.Sanitize(d.Config)

	s := &Server{
		cfg:         cfg,
		log:         d.Log,
		verifier:    d.Verifier,
		metrics:     d.Metrics,
		messages:    d.Messages,
		presence:    d.Presence,
		sessions:    newSessions(d.Log),
		origins:     newOriginPolicy(cfg.AllowedOrigins, d.Log),
		postLimiter: newKeyedLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.registry = hub.NewRegistry()
	s.hub = hub.New(s.registry, d.Log,
		hub.WithRecorder(d.Metrics),
		hub.WithStallHandler(s.sessions.stall),
	)
	s.reconciler = presence.NewReconciler(s.hub, d.Presence, d.Log, d.Metrics)
	s.chat = chat.NewService(d.Messages, s.hub, chat.Config{
		MaxLength:      cfg.MaxChatLength,
		HistoryDefault: cfg.HistoryDefault,
		HistoryMax:     cfg.HistoryMax,
	}, d.Log, d.Metrics)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.http = CreateServer(cfg.Port, s.Handler())
	return s, nil
}

func (s *Server) baseContext() context.Context {
	return s.ctx
}

// Sweep clears stale online flags left by a previous process. Call it before
// Start.
func (s *Server) Sweep(ctx context.Context) error {
	if _, err := s.reconciler.Sweep(ctx); err != nil {
		return fmt.Errorf("startup presence sweep: %w", err)
	}
	return nil
}

// Start listens on the configured port and blocks until the server stops.
// It returns nil after a clean Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.http.Addr).Info("Server listening")
	if err := StartServer(s.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every WebSocket connection and
// waits for their disconnect handling to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := ShutdownServer(ctx, s.http, s.log)
	s.cancel()

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	wsErr := s.sessions.shutdown(timeout)
	return errors.Join(httpErr, wsErr)
}
