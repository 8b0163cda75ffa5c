package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/gorilla/websocket"
)

// handleWebSocket upgrades the request and attaches a new client on the given
// channel. The hub starts the client's pumps.
func (s *Server) handleWebSocket(channel broker.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Info("WebSocket upgrade failed", "channel", string(channel), "addr", r.RemoteAddr, "error", err)
			return
		}

		client := NewClient(conn, s.hub, channel, r.RemoteAddr, s.cfg, s.logger)
		client.Attach(s.gateway.Open(client))

		if !s.hub.Register(client) {
			client.logger.Info("hub is shutting down; refusing connection")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
		}
	}
}

// handleHealth provides a simple health check endpoint that returns server status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Convochat server is running!")
}

// handleStats reports what the broker currently tracks.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Identities:  s.broker.Registry().Len(),
		Rooms:       s.broker.Rooms().Len(),
		Connections: s.hub.ConnectionStats(),
	}
	if s.accounts != nil {
		n, err := s.accounts.CountUsers(r.Context())
		if err != nil {
			s.logger.Warn("could not count users", "error", err)
		}
		stats.Users = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}

// handleTestPage serves an HTML page for trying both channels from a browser.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Convochat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        fieldset { margin: 10px 0; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"], input[type="password"] { width: 220px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Convochat Test</h1>

    <fieldset>
        <legend>Account</legend>
        <input type="text" id="email" placeholder="email">
        <input type="password" id="password" placeholder="password">
        <button onclick="register()">Register</button>
        <button onclick="login()">Log in</button>
    </fieldset>

    <div id="status" class="status disconnected">Disconnected</div>
    <button onclick="connect()">Connect</button>

    <fieldset>
        <legend>Conversation</legend>
        <input type="text" id="conversationId" placeholder="conversation id (optional)">
        <input type="text" id="participants" placeholder="participants, comma separated">
        <button onclick="createConversation()">Create</button>
        <br><br>
        <input type="text" id="message" placeholder="message">
        <button onclick="sendMessage()">Send</button>
    </fieldset>

    <div id="log"></div>

    <script>
        let token = null;
        let globalWs = null;
        let conversationWs = null;
        let currentConversation = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const base = window.location.host;
        const wsScheme = window.location.protocol === 'https:' ? 'wss://' : 'ws://';

        function log(line) {
            const el = document.createElement('div');
            el.textContent = line;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        async function api(method, path, body) {
            const headers = { 'Content-Type': 'application/json' };
            if (token) headers['Authorization'] = 'Bearer ' + token;
            const res = await fetch(path, { method, headers, body: body ? JSON.stringify(body) : undefined });
            const text = await res.text();
            log(method + ' ' + path + ' -> ' + res.status + ' ' + text);
            return text ? JSON.parse(text) : null;
        }

        function credentials() {
            return {
                email: document.getElementById('email').value,
                password: document.getElementById('password').value,
            };
        }

        async function register() {
            const c = credentials();
            const name = c.email.split('@')[0] || 'user';
            await api('POST', '/users', {
                email: c.email, password: c.password, confirmedPassword: c.password,
                firstName: name, lastName: name,
            });
        }

        async function login() {
            const res = await api('POST', '/tokens', credentials());
            if (res && res.token) token = res.token;
        }

        function open(path, onOpen) {
            const ws = new WebSocket(wsScheme + base + path);
            ws.onopen = () => {
                ws.send(JSON.stringify({ event: 'initialize', data: { token } }));
                if (onOpen) onOpen();
            };
            ws.onmessage = (e) => {
                log(path + ' <- ' + e.data);
                const msg = JSON.parse(e.data);
                if (msg.event === 'initialized' && path === '/global' && !conversationWs) {
                    conversationWs = open('/conversation');
                }
                if (msg.event === 'added') currentConversation = msg.data.conversationId;
            };
            ws.onclose = () => {
                log(path + ' closed');
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
            };
            return ws;
        }

        function connect() {
            if (!token) { log('log in first'); return; }
            globalWs = open('/global', () => {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
            });
        }

        async function createConversation() {
            const participants = document.getElementById('participants').value
                .split(',').map(s => s.trim()).filter(Boolean);
            const conversationId = document.getElementById('conversationId').value.trim() || undefined;
            const res = await api('POST', '/conversations', { conversationId, participants });
            if (res && res.conversationId) currentConversation = res.conversationId;
        }

        function sendMessage() {
            if (!conversationWs || !currentConversation) { log('no conversation yet'); return; }
            const text = document.getElementById('message').value;
            conversationWs.send(JSON.stringify({
                event: 'sent',
                data: { conversationId: currentConversation, text },
            }));
            document.getElementById('message').value = '';
        }
    </script>
</body>
</html>`
