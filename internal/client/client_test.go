package client

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/config"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/logging"
	"github.com/Tyrowin/launchchat/internal/server"
	"github.com/Tyrowin/launchchat/internal/store"
	th "github.com/Tyrowin/launchchat/internal/testhelpers"
)

const secret = "client-test-secret"

var alice = auth.Identity{ID: "1", Username: "alice", Role: auth.RoleUser}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := BackoffConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}

	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 6; i++ {
		d = b.next(d)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", New(Options{BaseURL: "http://localhost:8080/"}, Handlers{}).WebSocketURL())
	assert.Equal(t, "wss://chat.example/ws", New(Options{BaseURL: "https://chat.example"}, Handlers{}).WebSocketURL())
}

func startServer(t *testing.T) string {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	verifier, err := auth.NewJWTVerifier(secret)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.RateLimit.Burst = 100
	srv, err := server.New(server.Deps{
		Config:   cfg,
		Log:      logging.Discard(),
		Verifier: verifier,
		Messages: store.NewMessageStore(db),
		Presence: store.NewSQLPresenceStore(db),
	})
	require.NoError(t, err)

	ts := th.CreateTestServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts.URL
}

func issue(t *testing.T, id auth.Identity) string {
	t.Helper()
	issuer, err := auth.NewIssuer(secret, time.Hour)
	require.NoError(t, err)
	tok, err := issuer.Issue(id)
	require.NoError(t, err)
	return tok
}

func TestClientReceivesEventsAndUsesREST(t *testing.T) {
	base := startServer(t)

	authed := make(chan auth.Identity, 1)
	messages := make(chan store.Message, 4)
	online := make(chan hub.PresenceData, 4)

	c := New(Options{BaseURL: base, Token: issue(t, alice), Log: logging.Discard()}, Handlers{
		OnAuthenticated: func(id auth.Identity) { authed <- id },
		OnMessage:       func(m store.Message) { messages <- m },
		OnPresence: func(p hub.PresenceData, isOnline bool) {
			if isOnline {
				online <- p
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case id := <-authed:
		assert.Equal(t, alice, id)
	case <-time.After(th.DefaultTimeout):
		t.Fatal("never authenticated")
	}
	assert.Equal(t, alice.ID, (<-online).ID)

	sent, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	select {
	case got := <-messages:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "hello", got.Body)
	case <-time.After(th.DefaultTimeout):
		t.Fatal("message not delivered")
	}

	users, err := c.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []hub.PresenceData{{ID: alice.ID, Username: alice.Username}}, users)

	history, err := c.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Body)

	_, err = c.Stats(context.Background())
	assert.True(t, IsStatus(err, http.StatusForbidden))

	_, err = c.Send(context.Background(), "  ")
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(th.DefaultTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}

	ts := th.CreateTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)

		var frame hub.InboundFrame
		if err := conn.ReadJSON(&frame); err != nil || frame.Type != hub.TypeAuth {
			return
		}
		_ = conn.WriteJSON(hub.AuthenticatedEvent(alice))
		// Drop the connection right away to force a reconnect.
	}))
	t.Cleanup(ts.Close)

	var authCount, disconnects atomic.Int32
	c := New(Options{
		BaseURL: ts.URL,
		Token:   "tok",
		Log:     logging.Discard(),
		Backoff: BackoffConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2},
	}, Handlers{
		OnAuthenticated: func(auth.Identity) { authCount.Add(1) },
		OnDisconnect:    func(error) { disconnects.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, th.DefaultTimeout, 10*time.Millisecond)
	assert.GreaterOrEqual(t, authCount.Load(), int32(2))
	assert.GreaterOrEqual(t, disconnects.Load(), int32(2))
}

func TestRunStopsWhenTokenIsRejected(t *testing.T) {
	base := startServer(t)

	var errs []string
	c := New(Options{
		BaseURL: base,
		Token:   "not-a-token",
		Log:     logging.Discard(),
		Backoff: BackoffConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2},
	}, Handlers{OnError: func(msg string) { errs = append(errs, msg) }})

	ctx, cancel := context.WithTimeout(context.Background(), th.DefaultTimeout)
	defer cancel()

	err := c.Run(ctx)
	require.ErrorIs(t, err, auth.ErrAuthenticationRejected)
	require.NoError(t, ctx.Err(), "Run should return before the deadline")
	assert.Equal(t, []string{hub.ErrorTokenRejected}, errs)
}

func TestRunRetriesTransientAuthFailure(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}

	ts := th.CreateTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)

		var frame hub.InboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(hub.ErrorEvent(hub.ErrorAuthFailed))
	}))
	t.Cleanup(ts.Close)

	c := New(Options{
		BaseURL: ts.URL,
		Token:   "tok",
		Log:     logging.Discard(),
		Backoff: BackoffConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2},
	}, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, th.DefaultTimeout, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
