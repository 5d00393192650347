// Package hub defines the wire frames exchanged over the persistent channel.
package hub

import (
	"encoding/json"

	"github.com/Tyrowin/launchchat/internal/auth"
)

// Frame types. Only TypeAuth is interpreted on the inbound side.
const (
	TypeAuth          = "auth"
	TypeMessage       = "message"
	TypeUserOnline    = "userOnline"
	TypeUserOffline   = "userOffline"
	TypeAuthenticated = "authenticated"
	TypeError         = "error"
)

// Handshake error texts. A rejected token will never succeed on retry; a
// failed authentication may.
const (
	ErrorTokenRejected        = "Invalid token"
	ErrorAuthFailed           = "Authentication failed"
	ErrorAlreadyAuthenticated = "Connection already authenticated"
)

// InboundFrame is the envelope a client sends. Fields other than Type and
// Token are ignored.
type InboundFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// Event is an outbound frame: a type tag and its payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PresenceData is the payload of userOnline and userOffline frames.
type PresenceData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Error string `json:"error"`
}

// Encode serializes ev for the wire.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// PresenceEvent builds the userOnline or userOffline event for id.
func PresenceEvent(online bool, id auth.Identity) Event {
	kind := TypeUserOffline
	if online {
		kind = TypeUserOnline
	}
	return Event{Type: kind, Data: PresenceData{ID: id.ID, Username: id.Username}}
}

// MessageEvent wraps a stored chat message.
func MessageEvent(msg any) Event {
	return Event{Type: TypeMessage, Data: msg}
}

// AuthenticatedEvent acknowledges a completed handshake to its connection.
func AuthenticatedEvent(id auth.Identity) Event {
	return Event{Type: TypeAuthenticated, Data: id}
}

// ErrorEvent reports a handshake failure to its connection.
func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Data: ErrorData{Error: msg}}
}
