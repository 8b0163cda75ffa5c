package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/convochat/internal/auth"
	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/Tyrowin/convochat/internal/users"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t        *testing.T
	ts       *httptest.Server
	hub      *Hub
	broker   *broker.ConversationBroker
	tokens   *auth.TokenManager
	accounts *users.Service
}

func newHarness(t *testing.T, opts broker.Options, mutate func(*Config)) *harness {
	t.Helper()
	logger := discardLogger()

	store, err := users.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens := auth.NewTokenManager([]byte("server-test-secret-0123456789"), time.Hour)
	accounts := users.NewService(store, auth.NewPasswordHasher(bcrypt.MinCost), logger)
	b := broker.NewConversationBroker(
		broker.NewIdentityRegistry(4, logger),
		broker.NewRoomDirectory(4, logger),
		opts,
		logger,
	)
	hub := NewHub(logger)
	go hub.Run()

	h := &harness{t: t, hub: hub, broker: b, tokens: tokens, accounts: accounts}

	// the origin must match the test server, which only exists after start
	ts := httptest.NewUnstartedServer(nil)
	cfg := NewConfig()
	cfg.AllowedOrigins = []string{"http://" + ts.Listener.Addr().String()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(Deps{
		Config:   cfg,
		Hub:      hub,
		Gateway:  gateway.New(auth.NewTokenAuthenticator(tokens), b, logger),
		Broker:   b,
		Accounts: accounts,
		Tokens:   tokens,
		Logger:   logger,
	})
	ts.Config.Handler = srv.Routes()
	ts.Start()
	h.ts = ts

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return h
}

func (h *harness) origin() string { return h.ts.URL }

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
}

func (h *harness) token(email string) string {
	h.t.Helper()
	token, err := h.tokens.Generate(email)
	require.NoError(h.t, err)
	return token
}

// dial opens a channel without initializing it.
func (h *harness) dial(path string) *websocket.Conn {
	h.t.Helper()
	header := http.Header{}
	header.Set("Origin", h.origin())
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(path), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect opens and initializes a channel as email.
func (h *harness) connect(path, email string) *websocket.Conn {
	h.t.Helper()
	conn := h.dial(path)
	send(h.t, conn, broker.EventInitialize, map[string]string{"token": h.token(email)})
	env := readEvent(h.t, conn)
	require.Equal(h.t, broker.EventInitialized, env.Event, "payload: %s", env.Data)
	return conn
}

// online connects both channels for email.
func (h *harness) online(email string) (global, conversation *websocket.Conn) {
	h.t.Helper()
	global = h.connect("/global", email)
	conversation = h.connect("/conversation", email)
	return global, conversation
}

func (h *harness) do(method, path, token string, body any) *http.Response {
	h.t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, r)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := gateway.EncodeEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readEvent(t *testing.T, conn *websocket.Conn) gateway.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := gateway.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// expectSilence asserts nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", raw)
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}
