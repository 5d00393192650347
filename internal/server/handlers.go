// Package server exposes HTTP handlers, including WebSocket upgrades, the
// chat REST API, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/chat"
	"github.com/Tyrowin/launchchat/internal/hub"
)

// WebSocketHandler upgrades the request, registers the connection as
// unauthenticated and starts its pumps. The client must send an auth frame
// before it receives any broadcast.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	out := hub.NewOutbound(s.cfg.SendBuffer)
	if _, err := s.registry.Register(connID, out); err != nil {
		s.log.WithError(err).Error("Failed to register connection")
		_ = conn.Close()
		return
	}

	s.metrics.ConnectionOpened()
	client := newClient(connID, conn, out, s, r.RemoteAddr)
	if !s.sessions.start(client) {
		s.registry.Unregister(connID)
		s.metrics.ConnectionClosed(false)
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "launchchat server is running!")
}

// SendMessageHandler stores and broadcasts a chat message from the caller.
func (s *Server) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	if !s.postLimiter.allow(id.ID) {
		s.metrics.MessagePosted("rate_limited")
		writeError(w, http.StatusTooManyRequests, "Too many messages")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, sendBodyLimit(s.cfg.MaxChatLength, s.cfg.MaxMessageSize))).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := s.chat.Post(r.Context(), id, req.Message)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// sendBodyLimit sizes the POST body cap so any message within maxChat runes
// fits: a rune takes at most 12 bytes once JSON-escaped as a surrogate pair.
// The frame cap is the floor.
func sendBodyLimit(maxChat int, frameCap int64) int64 {
	const envelope = 1024
	limit := int64(maxChat)*12 + envelope
	return max(limit, frameCap)
}

// MessagesHandler returns recent history, oldest first.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	msgs, err := s.chat.Recent(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to load messages")
		writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// OnlineUsersHandler lists identities the presence store reports online.
func (s *Server) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.presence.Online(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to load online users")
		writeError(w, http.StatusInternalServerError, "Failed to load online users")
		return
	}

	users := make([]onlineUser, 0, len(rows))
	for _, p := range rows {
		users = append(users, onlineUser{ID: p.IdentityID, Username: p.Username})
	}
	writeJSON(w, http.StatusOK, users)
}

// StatsHandler reports read-only counters for administrators.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	online, err := s.presence.Online(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to load online users")
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	total, err := s.messages.Count(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to count messages")
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		OnlineUsers:              len(online),
		TotalMessages:            total,
		Connections:              s.registry.Count(),
		AuthenticatedConnections: s.registry.AuthenticatedCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// TestPageHandler serves an HTML page for exercising the WebSocket handshake
// and the chat API from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>launchchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 300px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>launchchat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Paste an access token...">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px;">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(text, ready) {
            statusDiv.textContent = text;
            statusDiv.className = 'status ' + (ws ? 'connected' : 'disconnected');
            messageInput.disabled = !ready;
            sendButton.disabled = !ready;
            connectButton.textContent = ws ? 'Disconnect' : 'Connect';
        }

        function handleEvent(ev) {
            switch (ev.type) {
            case 'authenticated':
                updateStatus('Authenticated as ' + ev.data.username, true);
                break;
            case 'message':
                addLine(ev.data.username + ': ' + ev.data.message, 'green');
                break;
            case 'userOnline':
                addLine(ev.data.username + ' is online');
                break;
            case 'userOffline':
                addLine(ev.data.username + ' went offline');
                break;
            case 'error':
                addLine('Error: ' + ev.data.error, 'red');
                break;
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus('Connected, authenticating...', false);
                ws.send(JSON.stringify({ type: 'auth', token: tokenInput.value.trim() }));
            };

            ws.onmessage = function(event) {
                try {
                    handleEvent(JSON.parse(event.data));
                } catch (e) {
                    addLine('Unreadable frame: ' + event.data, 'red');
                }
            };

            ws.onclose = function() {
                ws = null;
                addLine('Connection closed');
                updateStatus('Disconnected', false);
            };
        }

        function toggleConnection() {
            if (ws) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (!message) {
                return;
            }
            fetch('/api/chat/send', {
                method: 'POST',
                headers: {
                    'Content-Type': 'application/json',
                    'Authorization': 'Bearer ' + tokenInput.value.trim()
                },
                body: JSON.stringify({ message: message })
            }).then(function(resp) {
                if (!resp.ok) {
                    return resp.json().then(function(body) { addLine('Send failed: ' + body.error, 'red'); });
                }
                messageInput.value = '';
            });
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
