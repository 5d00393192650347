// Package testhelpers provides common utilities for testing the launchchat
// server over real HTTP and WebSocket connections.
//
// It covers creating test servers, making authenticated requests, and
// driving the WebSocket handshake so package tests stay short.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 5 * time.Second

// Event is a server-to-client frame with its payload left undecoded.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, v), "decoding %s payload", e.Type)
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// WebSocketURL converts an http:// base URL into the ws:// URL of the
// WebSocket endpoint.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultTimeout,
	}

	// Set a proper origin header for testing
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendAuth sends an auth frame carrying token.
func SendAuth(conn *websocket.Conn, token string) error {
	return conn.WriteJSON(map[string]string{"type": "auth", "token": token})
}

// ReadEvent reads the next frame from conn.
func ReadEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTimeout)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// ReadUntil reads frames until one of type eventType arrives and returns it.
func ReadUntil(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()
	for {
		ev := ReadEvent(t, conn)
		if ev.Type == eventType {
			return ev
		}
	}
}

// Authenticate sends an auth frame and waits for the server's acknowledgement.
func Authenticate(t *testing.T, conn *websocket.Conn, token string) Event {
	t.Helper()
	require.NoError(t, SendAuth(conn, token))
	return ReadUntil(t, conn, "authenticated")
}

// ExpectNoEvent fails if a frame arrives within d. A read timeout leaves a
// gorilla connection unusable, so call this last.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// DoJSON performs an HTTP request with an optional bearer token and JSON body.
func DoJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: DefaultTimeout}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeBody unmarshals the JSON response body into v.
func DecodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected status code %d, got %d: %s", expected, resp.StatusCode, body)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
