package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
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
	"github.com/Tyrowin/launchchat/internal/metrics"
	"github.com/Tyrowin/launchchat/internal/store"
	th "github.com/Tyrowin/launchchat/internal/testhelpers"
)

const testSecret = "test-secret"

var (
	alice = auth.Identity{ID: "1", Username: "alice", Role: auth.RoleUser}
	bob   = auth.Identity{ID: "2", Username: "bob", Role: auth.RoleUser}
	carol = auth.Identity{ID: "3", Username: "carol", Role: auth.RoleUser}
	root  = auth.Identity{ID: "9", Username: "root", Role: auth.RoleAdmin}
)

// flakyMessages fails appends while fail is set.
type flakyMessages struct {
	*store.MessageStore
	fail atomic.Bool
}

func (f *flakyMessages) Append(ctx context.Context, msg *store.Message) error {
	if f.fail.Load() {
		return errors.New("database is locked")
	}
	return f.MessageStore.Append(ctx, msg)
}

type testEnv struct {
	srv      *Server
	baseURL  string
	wsURL    string
	issuer   *auth.Issuer
	messages *flakyMessages
	presence *store.SQLPresenceStore
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	cfg := config.Default()
	cfg.RateLimit.Burst = 100
	for _, m := range mutate {
		m(&cfg)
	}

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		issuer:   issuer,
		messages: &flakyMessages{MessageStore: store.NewMessageStore(db)},
		presence: store.NewSQLPresenceStore(db),
		metrics:  metrics.New(),
	}

	env.srv, err = New(Deps{
		Config:   cfg,
		Log:      logging.Discard(),
		Verifier: verifier,
		Messages: env.messages,
		Presence: env.presence,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)

	ts := th.CreateTestServer(env.srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.srv.Shutdown(ctx)
	})

	env.baseURL = ts.URL
	env.wsURL = th.WebSocketURL(ts.URL)
	return env
}

func (e *testEnv) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := e.issuer.Issue(id)
	require.NoError(t, err)
	return tok
}

// join connects and authenticates as id.
func (e *testEnv) join(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	conn := th.MustConnect(t, e.wsURL)
	ack := th.Authenticate(t, conn, e.token(t, id))
	var got auth.Identity
	ack.Decode(t, &got)
	require.Equal(t, id, got)
	return conn
}

func (e *testEnv) post(t *testing.T, id auth.Identity, body string) *http.Response {
	t.Helper()
	return th.DoJSON(t, http.MethodPost, e.baseURL+"/api/chat/send", e.token(t, id), map[string]string{"message": body})
}

func (e *testEnv) waitSessions(t *testing.T, id auth.Identity, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.srv.registry.Sessions(id.ID) == n
	}, th.DefaultTimeout, 10*time.Millisecond)
}

func presenceOf(t *testing.T, ev th.Event) hub.PresenceData {
	t.Helper()
	var p hub.PresenceData
	ev.Decode(t, &p)
	return p
}

func TestTwoClientsExchangeMessages(t *testing.T) {
	env := newTestEnv(t)

	a := env.join(t, alice)
	b := env.join(t, bob)

	assert.Equal(t, hub.PresenceData{ID: bob.ID, Username: bob.Username},
		presenceOf(t, th.ReadUntil(t, a, hub.TypeUserOnline)))

	resp := env.post(t, alice, "hi")
	th.AssertStatusCode(t, resp, http.StatusCreated)
	var created store.Message
	th.DecodeBody(t, resp, &created)
	assert.Equal(t, "hi", created.Body)
	assert.Equal(t, alice.ID, created.UserID)
	assert.NotZero(t, created.ID)

	for _, conn := range []*websocket.Conn{a, b} {
		var got store.Message
		th.ReadUntil(t, conn, hub.TypeMessage).Decode(t, &got)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, "hi", got.Body)
	}
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	env := newTestEnv(t)

	a := env.join(t, alice)
	b := env.join(t, bob)
	th.ReadUntil(t, a, hub.TypeUserOnline)

	var users []onlineUser
	resp := th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/online-users", env.token(t, alice), nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.DecodeBody(t, resp, &users)
	assert.ElementsMatch(t, []onlineUser{{ID: "1", Username: "alice"}, {ID: "2", Username: "bob"}}, users)

	require.NoError(t, th.CloseWebSocket(b))
	assert.Equal(t, hub.PresenceData{ID: bob.ID, Username: bob.Username},
		presenceOf(t, th.ReadUntil(t, a, hub.TypeUserOffline)))

	// The store is written before the offline event goes out.
	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/online-users", env.token(t, alice), nil)
	users = nil
	th.DecodeBody(t, resp, &users)
	assert.Equal(t, []onlineUser{{ID: "1", Username: "alice"}}, users)
}

func TestMultipleTabsAnnounceOnce(t *testing.T) {
	env := newTestEnv(t)
	watcher := env.join(t, bob)

	tab1 := env.join(t, alice)
	ev := th.ReadEvent(t, watcher)
	assert.Equal(t, hub.TypeUserOnline, ev.Type)
	assert.Equal(t, alice.ID, presenceOf(t, ev).ID)

	tab2 := env.join(t, alice)
	require.NoError(t, th.CloseWebSocket(tab1))
	env.waitSessions(t, alice, 1)

	// Neither the second tab nor closing the first is announced.
	th.AssertStatusCode(t, env.post(t, bob, "marker"), http.StatusCreated)
	assert.Equal(t, hub.TypeMessage, th.ReadEvent(t, watcher).Type)

	require.NoError(t, th.CloseWebSocket(tab2))
	ev = th.ReadEvent(t, watcher)
	assert.Equal(t, hub.TypeUserOffline, ev.Type)
	assert.Equal(t, alice.ID, presenceOf(t, ev).ID)
}

func TestUnauthenticatedConnectionReceivesNothing(t *testing.T) {
	env := newTestEnv(t)

	anon := th.MustConnect(t, env.wsURL)
	a := env.join(t, alice)
	th.AssertStatusCode(t, env.post(t, alice, "secret"), http.StatusCreated)
	th.ReadUntil(t, a, hub.TypeMessage)

	// Non-auth and malformed frames are ignored.
	require.NoError(t, anon.WriteJSON(map[string]string{"type": "message", "message": "let me in"}))
	require.NoError(t, anon.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// Nothing was queued before authentication: the first frame is the
	// connection's own online event.
	require.NoError(t, th.SendAuth(anon, env.token(t, carol)))
	ev := th.ReadEvent(t, anon)
	assert.Equal(t, hub.TypeUserOnline, ev.Type)
	assert.Equal(t, carol.ID, presenceOf(t, ev).ID)
	assert.Equal(t, hub.TypeAuthenticated, th.ReadEvent(t, anon).Type)
}

func TestRejectedTokenKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := th.MustConnect(t, env.wsURL)

	require.NoError(t, th.SendAuth(conn, "garbage"))
	ev := th.ReadEvent(t, conn)
	assert.Equal(t, hub.TypeError, ev.Type)
	var body hub.ErrorData
	ev.Decode(t, &body)
	assert.Equal(t, hub.ErrorTokenRejected, body.Error)
	assert.Equal(t, 0, env.srv.registry.AuthenticatedCount())

	th.Authenticate(t, conn, env.token(t, alice))
	assert.Equal(t, 1, env.srv.registry.AuthenticatedCount())
}

func TestSecondIdentityOnSameConnectionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.join(t, alice)

	require.NoError(t, th.SendAuth(conn, env.token(t, bob)))
	ev := th.ReadUntil(t, conn, hub.TypeError)
	var body hub.ErrorData
	ev.Decode(t, &body)
	assert.Equal(t, hub.ErrorAlreadyAuthenticated, body.Error)

	id, ok := env.srv.registry.Identity(env.onlyConnID(t))
	require.True(t, ok)
	assert.Equal(t, alice, id)
	assert.Equal(t, 0, env.srv.registry.Sessions(bob.ID))
}

func TestFailedAppendPublishesNothing(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, alice)

	env.messages.fail.Store(true)
	resp := env.post(t, alice, "lost")
	th.AssertStatusCode(t, resp, http.StatusInternalServerError)
	var body errorResponse
	th.DecodeBody(t, resp, &body)
	assert.Equal(t, "Failed to send message", body.Error)

	env.messages.fail.Store(false)
	th.AssertStatusCode(t, env.post(t, alice, "kept"), http.StatusCreated)

	var got store.Message
	th.ReadUntil(t, a, hub.TypeMessage).Decode(t, &got)
	assert.Equal(t, "kept", got.Body)
}

func TestMessagesArriveInPostOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, alice)

	for i := 0; i < 20; i++ {
		th.AssertStatusCode(t, env.post(t, alice, strings.Repeat("x", i+1)), http.StatusCreated)
	}

	var last int64
	for i := 0; i < 20; i++ {
		var got store.Message
		th.ReadUntil(t, a, hub.TypeMessage).Decode(t, &got)
		assert.Greater(t, got.ID, last)
		assert.Len(t, got.Body, i+1)
		last = got.ID
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxChatLength = 10 })
	tok := env.token(t, alice)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty", map[string]string{"message": "   "}, http.StatusBadRequest},
		{"too long", map[string]string{"message": strings.Repeat("a", 11)}, http.StatusBadRequest},
		{"wrong shape", []int{1, 2}, http.StatusBadRequest},
		{"ok", map[string]string{"message": "hello"}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := th.DoJSON(t, http.MethodPost, env.baseURL+"/api/chat/send", tok, tt.body)
			th.AssertStatusCode(t, resp, tt.want)
			th.AssertContentType(t, resp, "application/json")
		})
	}
}

func TestSendAcceptsMultiByteMessagesAtLimit(t *testing.T) {
	env := newTestEnv(t)
	limit := config.Default().MaxChatLength

	for _, r := range []string{"字", "😀"} {
		body := strings.Repeat(r, limit)
		resp := env.post(t, alice, body)
		th.AssertStatusCode(t, resp, http.StatusCreated)
		var got store.Message
		th.DecodeBody(t, resp, &got)
		assert.Equal(t, body, got.Body)
	}

	resp := env.post(t, alice, strings.Repeat("字", limit+1))
	th.AssertStatusCode(t, resp, http.StatusBadRequest)
	var errBody errorResponse
	th.DecodeBody(t, resp, &errBody)
	assert.NotEqual(t, "Invalid request body", errBody.Error)
}

func TestSendBodyLimit(t *testing.T) {
	assert.Equal(t, int64(2000*12+1024), sendBodyLimit(2000, 4096))
	assert.Equal(t, int64(1<<20), sendBodyLimit(10, 1<<20))
}

func TestRESTAuthentication(t *testing.T) {
	env := newTestEnv(t)

	resp := th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/messages", "", nil)
	th.AssertStatusCode(t, resp, http.StatusUnauthorized)

	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/messages", "forged", nil)
	th.AssertStatusCode(t, resp, http.StatusForbidden)

	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/api/admin/stats", env.token(t, alice), nil)
	th.AssertStatusCode(t, resp, http.StatusForbidden)
}

func TestHistoryIsOldestFirstAndClamped(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.HistoryMax = 3 })
	tok := env.token(t, alice)
	for _, body := range []string{"one", "two", "three", "four"} {
		th.AssertStatusCode(t, env.post(t, alice, body), http.StatusCreated)
	}

	var msgs []store.Message
	resp := th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/messages?limit=2", tok, nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.DecodeBody(t, resp, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Body)
	assert.Equal(t, "four", msgs[1].Body)

	msgs = nil
	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/messages?limit=100", tok, nil)
	th.DecodeBody(t, resp, &msgs)
	assert.Len(t, msgs, 3)

	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/api/chat/messages?limit=abc", tok, nil)
	th.AssertStatusCode(t, resp, http.StatusBadRequest)
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, alice)
	th.MustConnect(t, env.wsURL)
	th.AssertStatusCode(t, env.post(t, alice, "hello"), http.StatusCreated)

	require.Eventually(t, func() bool { return env.srv.registry.Count() == 2 }, th.DefaultTimeout, 10*time.Millisecond)

	var stats statsResponse
	resp := th.DoJSON(t, http.MethodGet, env.baseURL+"/api/admin/stats", env.token(t, root), nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.DecodeBody(t, resp, &stats)
	assert.Equal(t, statsResponse{
		OnlineUsers:              1,
		TotalMessages:            1,
		Connections:              2,
		AuthenticatedConnections: 1,
	}, stats)
}

func TestSweepClearsStaleOnlineFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.presence.SetPresence(ctx, store.Presence{IdentityID: "7", Username: "ghost", Online: true}))

	require.NoError(t, env.srv.Sweep(ctx))

	online, err := env.presence.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestAuthTimeoutClosesIdleConnection(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AuthTimeout = 100 * time.Millisecond })
	conn := th.MustConnect(t, env.wsURL)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(th.DefaultTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should have closed the connection")
	}
	require.Eventually(t, func() bool { return env.srv.registry.Count() == 0 }, th.DefaultTimeout, 10*time.Millisecond)
}

func TestStalledConnectionIsDroppedAndGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	watcher := env.join(t, bob)
	slow := env.join(t, alice)
	th.ReadUntil(t, watcher, hub.TypeUserOnline)

	env.srv.sessions.stall(env.connIDFor(t, alice))

	require.NoError(t, slow.SetReadDeadline(time.Now().Add(th.DefaultTimeout)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := slow.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)

	ev := th.ReadUntil(t, watcher, hub.TypeUserOffline)
	assert.Equal(t, alice.ID, presenceOf(t, ev).ID)
}

func TestStallThenQueueCloseSendsTryAgainLater(t *testing.T) {
	env := newTestEnv(t)
	slow := env.join(t, alice)

	// Same order the hub uses on overflow: stall handler, then queue close.
	connID := env.connIDFor(t, alice)
	env.srv.sessions.stall(connID)
	c, ok := env.srv.registry.Lookup(connID)
	require.True(t, ok)
	c.Outbound().Close()

	require.NoError(t, slow.SetReadDeadline(time.Now().Add(th.DefaultTimeout)))
	var closeErr *websocket.CloseError
	for {
		if _, _, err := slow.ReadMessage(); err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestShutdownMarksEveryoneOffline(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, alice)
	env.join(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	online, err := env.presence.Online(context.Background())
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Equal(t, 0, env.srv.sessions.count())
}

func TestHealthAndTestPage(t *testing.T) {
	env := newTestEnv(t)

	resp := th.DoJSON(t, http.MethodGet, env.baseURL+"/health", "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.AssertContentType(t, resp, "text/plain")

	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/test", "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
	th.AssertContentType(t, resp, "text/html")

	resp = th.DoJSON(t, http.MethodGet, env.baseURL+"/metrics", "", nil)
	th.AssertStatusCode(t, resp, http.StatusOK)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func (e *testEnv) onlyConnID(t *testing.T) string {
	t.Helper()
	e.srv.sessions.mu.RLock()
	defer e.srv.sessions.mu.RUnlock()
	require.Len(t, e.srv.sessions.clients, 1)
	for id := range e.srv.sessions.clients {
		return id
	}
	return ""
}

func (e *testEnv) connIDFor(t *testing.T, who auth.Identity) string {
	t.Helper()
	e.srv.sessions.mu.RLock()
	defer e.srv.sessions.mu.RUnlock()
	for id := range e.srv.sessions.clients {
		if got, ok := e.srv.registry.Identity(id); ok && got.ID == who.ID {
			return id
		}
	}
	t.Fatalf("no connection for %s", who.Username)
	return ""
}
