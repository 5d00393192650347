// Package server implements the HTTP and WebSocket surface of launchchat.
//
// Each WebSocket connection runs a read pump, which owns the authentication
// handshake, and a write pump, which drains the connection's bounded outbound
// queue. Presence transitions go through the presence reconciler and chat
// posts through the chat service; both fan out via the broadcast hub.
package server
