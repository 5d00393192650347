// Package server defines request and response payloads for the REST API and
// utility helpers shared by the connection and handler code.
package server

import "strings"

// sendRequest is the body of POST /api/chat/send.
type sendRequest struct {
	Message string `json:"message"`
}

// onlineUser is one entry of GET /api/chat/online-users.
type onlineUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// statsResponse is the body of GET /api/admin/stats.
type statsResponse struct {
	OnlineUsers              int   `json:"onlineUsers"`
	TotalMessages            int64 `json:"totalMessages"`
	Connections              int   `json:"connections"`
	AuthenticatedConnections int   `json:"authenticatedConnections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
