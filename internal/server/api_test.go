package server

import (
	"net/http"
	"testing"

	"github.com/Tyrowin/convochat/internal/apierror"
	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/stretchr/testify/require"
)

func registration(email string) map[string]string {
	return map[string]string{
		"email":             email,
		"password":          "wonderland",
		"confirmedPassword": "wonderland",
		"firstName":         "Alice",
		"lastName":          "Liddell",
	}
}

func TestAPI_RegisterAndLogin(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)

	// When a user registers
	resp := h.do(http.MethodPost, "/users", "", registration("alice@example.com"))

	// Then the account is returned without its password
	req.Equal(http.StatusCreated, resp.StatusCode)
	var created map[string]any
	decodeBody(t, resp, &created)
	req.Equal("alice@example.com", created["email"])
	req.NotContains(created, "password")
	req.NotContains(created, "passwordHash")

	// And can log in for a token naming that email
	resp = h.do(http.MethodPost, "/tokens", "", map[string]string{"email": "alice@example.com", "password": "wonderland"})
	req.Equal(http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	decodeBody(t, resp, &tok)
	email, err := h.tokens.Verify(tok.Token)
	req.NoError(err)
	req.Equal("alice@example.com", email)
}

func TestAPI_RegisterErrors(t *testing.T) {
	h := newHarness(t, broker.Options{}, nil)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/users", "", registration("taken@example.com")).StatusCode)

	mismatch := registration("new@example.com")
	mismatch["confirmedPassword"] = "looking-glass"
	missing := registration("new@example.com")
	delete(missing, "lastName")

	tests := []struct {
		name   string
		body   any
		status int
		typ    string
		source []any
	}{
		{"password mismatch", mismatch, http.StatusBadRequest, "InvalidParameterError", []any{"password", "confirmedPassword"}},
		{"missing field", missing, http.StatusBadRequest, "MissingParameterError", []any{"lastName"}},
		{"duplicate email", registration("Taken@example.com"), http.StatusConflict, "ConflictError", []any{"email"}},
		{"not an object", []int{1, 2}, http.StatusBadRequest, "InvalidParameterError", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			resp := h.do(http.MethodPost, "/users", "", tt.body)
			req.Equal(tt.status, resp.StatusCode)

			var body map[string]any
			decodeBody(t, resp, &body)
			req.Equal(tt.typ, body["type"])
			req.NotEmpty(body["message"])
			if tt.source != nil {
				req.Equal(tt.source, body["source"])
			}
		})
	}
}

func TestAPI_LoginRejectsBadPassword(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)
	req.Equal(http.StatusCreated, h.do(http.MethodPost, "/users", "", registration("alice@example.com")).StatusCode)

	resp := h.do(http.MethodPost, "/tokens", "", map[string]string{"email": "alice@example.com", "password": "wrong-password"})

	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	var body apierror.Error
	decodeBody(t, resp, &body)
	req.Equal("AuthenticationError", body.Type)
	req.Equal(103, body.Code)
}

func TestAPI_ConversationsRequireToken(t *testing.T) {
	h := newHarness(t, broker.Options{}, nil)

	for _, token := range []string{"", "garbage"} {
		resp := h.do(http.MethodPost, "/conversations", token, map[string]any{"participants": []string{}})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestAPI_CreateConversation_RequiresConnectedCreator(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)

	resp := h.do(http.MethodPost, "/conversations", h.token("alice@example.com"), map[string]any{"participants": []string{"bob@example.com"}})

	req.Equal(http.StatusConflict, resp.StatusCode)
}

func TestAPI_CreateConversation_GeneratesID(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)
	h.online("alice@example.com")

	resp := h.do(http.MethodPost, "/conversations", h.token("alice@example.com"), map[string]any{"participants": []string{"ghost@example.com"}})

	req.Equal(http.StatusCreated, resp.StatusCode)
	var body ConversationResponse
	decodeBody(t, resp, &body)
	req.Len(body.ConversationID, 36)
	req.Equal("alice@example.com", body.Creator)
	req.Empty(body.Participants)
	owner, ok := h.broker.Owner(body.ConversationID)
	req.True(ok)
	req.Equal("alice@example.com", owner)
}

func TestAPI_CreateConversation_RejectsForeignID(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)
	h.online("alice@example.com")
	h.online("bob@example.com")
	_, err := h.broker.CreateConversation("c1", "alice@example.com", nil)
	req.NoError(err)

	resp := h.do(http.MethodPost, "/conversations", h.token("bob@example.com"), map[string]any{"conversationId": "c1"})

	req.Equal(http.StatusConflict, resp.StatusCode)
	var apiErr apierror.Error
	decodeBody(t, resp, &apiErr)
	req.Equal("ConflictError", apiErr.Type)
	owner, _ := h.broker.Owner("c1")
	req.Equal("alice@example.com", owner)
}

func TestAPI_JoinLeaveAndClose(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)
	h.online("alice@example.com")
	h.online("bob@example.com")
	alice := h.token("alice@example.com")
	bob := h.token("bob@example.com")
	req.Equal(http.StatusCreated, h.do(http.MethodPost, "/conversations", alice, map[string]any{"conversationId": "c1"}).StatusCode)

	req.Equal(http.StatusNoContent, h.do(http.MethodPost, "/conversations/c1/join", bob, nil).StatusCode)
	req.Len(h.broker.Rooms().Members("c1"), 2)

	req.Equal(http.StatusNoContent, h.do(http.MethodPost, "/conversations/c1/leave", bob, nil).StatusCode)
	req.Len(h.broker.Rooms().Members("c1"), 1)

	// only the creator may close
	req.Equal(http.StatusForbidden, h.do(http.MethodDelete, "/conversations/c1", bob, nil).StatusCode)

	resp := h.do(http.MethodDelete, "/conversations/c1", alice, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var body ConversationResponse
	decodeBody(t, resp, &body)
	req.Equal(1, body.Evicted)
	req.Nil(h.broker.Rooms().Members("c1"))

	req.Equal(http.StatusNotFound, h.do(http.MethodDelete, "/conversations/c1", alice, nil).StatusCode)

	// a closed conversation cannot be joined or created again
	req.Equal(http.StatusConflict, h.do(http.MethodPost, "/conversations/c1/join", bob, nil).StatusCode)
	resp = h.do(http.MethodPost, "/conversations", alice, map[string]any{"conversationId": "c1"})
	req.Equal(http.StatusConflict, resp.StatusCode)
	var apiErr apierror.Error
	decodeBody(t, resp, &apiErr)
	req.Equal([]string{"conversationId"}, apiErr.Source)
	req.Nil(h.broker.Rooms().Members("c1"))
}

func TestAPI_JoinRequiresConversationChannel(t *testing.T) {
	h := newHarness(t, broker.Options{}, nil)
	h.connect("/global", "bob@example.com")

	resp := h.do(http.MethodPost, "/conversations/c1/join", h.token("bob@example.com"), nil)

	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthStatsAndTestPage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, broker.Options{}, nil)
	h.online("alice@example.com")
	req.Equal(http.StatusCreated, h.do(http.MethodPost, "/users", "", registration("alice@example.com")).StatusCode)

	resp := h.do(http.MethodGet, "/", "", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))

	resp = h.do(http.MethodGet, "/stats", "", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var stats Stats
	decodeBody(t, resp, &stats)
	req.Equal(1, stats.Identities)
	req.Equal(1, stats.Users)
	req.Equal(ConnectionStats{Global: 1, Conversation: 1}, stats.Connections)

	resp = h.do(http.MethodGet, "/test", "", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/html", resp.Header.Get("Content-Type"))

	req.Equal(http.StatusNotFound, h.do(http.MethodGet, "/missing", "", nil).StatusCode)
	req.Equal(http.StatusMethodNotAllowed, h.do(http.MethodPost, "/global", "", nil).StatusCode)
}
