package server

import (
	"net/http"

	"github.com/Tyrowin/convochat/internal/broker"
)

// Routes returns the HTTP handler with all application routes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /test", s.handleTestPage)

	mux.HandleFunc("GET /global", s.handleWebSocket(broker.ChannelGlobal))
	mux.HandleFunc("GET /conversation", s.handleWebSocket(broker.ChannelConversation))

	mux.HandleFunc("POST /users", s.handleRegister)
	mux.HandleFunc("POST /tokens", s.handleLogin)

	mux.HandleFunc("POST /conversations", s.requireIdentity(s.handleCreateConversation))
	mux.HandleFunc("POST /conversations/{id}/join", s.requireIdentity(s.handleJoinConversation))
	mux.HandleFunc("POST /conversations/{id}/leave", s.requireIdentity(s.handleLeaveConversation))
	mux.HandleFunc("DELETE /conversations/{id}", s.requireIdentity(s.handleCloseConversation))
	return mux
}
