// Package testhelpers starts a fully wired Convochat stack on a real listener
// and drives it the way a client would: register and log in over HTTP, then
// open and initialize the global and conversation channels.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/convochat/internal/auth"
	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/Tyrowin/convochat/internal/server"
	"github.com/Tyrowin/convochat/internal/users"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPassword is used by Signup when no password is given.
const DefaultPassword = "correct-horse-battery"

// ReadTimeout bounds every read made through the helpers.
const ReadTimeout = 2 * time.Second

// Options tune the stack started by StartServer.
type Options struct {
	Broker broker.Options
	// Server is applied to the default transport config; AllowedOrigins
	// always gets the server's own origin appended.
	Server func(*server.Config)
}

// TestServer is a running stack. Close is registered with t.Cleanup.
type TestServer struct {
	URL    string
	Hub    *server.Hub
	Broker *broker.ConversationBroker
	Tokens *auth.TokenManager

	t          *testing.T
	httpServer *http.Server
	logger     *slog.Logger
	stopped    bool
}

// StartServer wires the store, auth, broker, gateway, hub and HTTP server the
// same way cmd/server does and serves them on a random local port.
func StartServer(t *testing.T, opts Options) *TestServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := users.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)

	tokens := auth.NewTokenManager([]byte("integration-test-secret-0123456789"), time.Hour)
	accounts := users.NewService(store, auth.NewPasswordHasher(bcrypt.MinCost), logger)
	b := broker.NewConversationBroker(
		broker.NewIdentityRegistry(8, logger),
		broker.NewRoomDirectory(8, logger),
		opts.Broker,
		logger,
	)
	hub := server.NewHub(logger)
	go hub.Run()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()

	cfg := server.NewConfig()
	if opts.Server != nil {
		opts.Server(&cfg)
	}
	cfg.AllowedOrigins = append(cfg.AllowedOrigins, url)

	srv := server.New(server.Deps{
		Config:   cfg,
		Hub:      hub,
		Gateway:  gateway.New(auth.NewTokenAuthenticator(tokens), b, logger),
		Broker:   b,
		Accounts: accounts,
		Tokens:   tokens,
		Logger:   logger,
	})
	httpServer := server.CreateServer(ln.Addr().String(), srv.Routes())
	go func() {
		_ = server.Serve(httpServer, ln, logger)
	}()

	ts := &TestServer{
		URL:        url,
		Hub:        hub,
		Broker:     b,
		Tokens:     tokens,
		t:          t,
		httpServer: httpServer,
		logger:     logger,
	}
	t.Cleanup(func() {
		ts.Stop(2 * time.Second)
		_ = store.Close()
	})
	return ts
}

// Stop shuts down the HTTP server and then the hub, like cmd/server does on
// a signal. It returns the hub's shutdown error.
func (s *TestServer) Stop(timeout time.Duration) error {
	if s.stopped {
		return nil
	}
	s.stopped = true
	_ = server.ShutdownServer(s.httpServer, timeout, s.logger)
	return s.Hub.Shutdown(timeout)
}

// WebSocketURL returns the ws:// address of path.
func (s *TestServer) WebSocketURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

// Request performs an HTTP request with an optional JSON body and bearer token.
func (s *TestServer) Request(method, path, token string, body any) *http.Response {
	s.t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Signup registers email over the API and logs in, returning the token.
func (s *TestServer) Signup(email string) string {
	s.t.Helper()
	name, _, _ := strings.Cut(email, "@")
	resp := s.Request(http.MethodPost, "/users", "", map[string]string{
		"email":             email,
		"password":          DefaultPassword,
		"confirmedPassword": DefaultPassword,
		"firstName":         name,
		"lastName":          "Tester",
	})
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	return s.Login(email, DefaultPassword)
}

// Login exchanges credentials for a token.
func (s *TestServer) Login(email, password string) string {
	s.t.Helper()
	resp := s.Request(http.MethodPost, "/tokens", "", map[string]string{"email": email, "password": password})
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var body server.TokenResponse
	DecodeJSON(s.t, resp, &body)
	require.NotEmpty(s.t, body.Token)
	return body.Token
}

// Dial opens a WebSocket with the given Origin header.
func (s *TestServer) Dial(path, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(s.WebSocketURL(path), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		s.t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// Open dials path from the server's own origin and initializes it with token.
func (s *TestServer) Open(path, token string) *websocket.Conn {
	s.t.Helper()
	conn, _, err := s.Dial(path, s.URL)
	require.NoError(s.t, err)
	Send(s.t, conn, broker.EventInitialize, map[string]string{"token": token})
	env := Read(s.t, conn)
	require.Equal(s.t, broker.EventInitialized, env.Event, "payload: %s", env.Data)
	return conn
}

// User is a logged-in identity with both channels open.
type User struct {
	Email        string
	Token        string
	Global       *websocket.Conn
	Conversation *websocket.Conn
}

// Connect signs email up and opens both of its channels.
func (s *TestServer) Connect(email string) *User {
	s.t.Helper()
	token := s.Signup(email)
	return &User{
		Email:        email,
		Token:        token,
		Global:       s.Open("/global", token),
		Conversation: s.Open("/conversation", token),
	}
}

// CreateConversation creates a conversation as u through the API.
func (s *TestServer) CreateConversation(u *User, id string, participants ...string) server.ConversationResponse {
	s.t.Helper()
	resp := s.Request(http.MethodPost, "/conversations", u.Token, server.CreateConversationRequest{
		ConversationID: id,
		Participants:   participants,
	})
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	var body server.ConversationResponse
	DecodeJSON(s.t, resp, &body)
	return body
}

// Send writes one envelope.
func Send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := gateway.EncodeEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// Read waits up to ReadTimeout for the next envelope.
func Read(t *testing.T, conn *websocket.Conn) gateway.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := gateway.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// ExpectEvent reads the next envelope and checks its event name.
func ExpectEvent(t *testing.T, conn *websocket.Conn, event string) gateway.Envelope {
	t.Helper()
	env := Read(t, conn)
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	return env
}

// ExpectSilence asserts nothing arrives for a short while. A timed-out
// connection cannot be read again, so call it last.
func ExpectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", raw)
}

// ExpectClosed asserts the server closes conn.
func ExpectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open after %s", ReadTimeout)
			}
			return
		}
	}
}

// DecodeJSON decodes the response body into dst.
func DecodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

// Email returns a distinct address for index i.
func Email(prefix string, i int) string {
	return fmt.Sprintf("%s%d@example.com", prefix, i)
}
