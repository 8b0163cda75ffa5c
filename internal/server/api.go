package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Tyrowin/convochat/internal/apierror"
	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/users"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const maxRequestBody = 1 << 20

type contextKey int

const identityKey contextKey = iota

// TokenResponse is the body of POST /tokens.
type TokenResponse struct {
	Token string `json:"token"`
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

// ConversationResponse describes a created or closed conversation.
type ConversationResponse struct {
	ConversationID string   `json:"conversationId"`
	Creator        string   `json:"creator,omitempty"`
	Participants   []string `json:"participants"`
	Evicted        int      `json:"evicted,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req users.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	u, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req users.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	u, err := s.accounts.Authenticate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.tokens.Generate(u.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	participants := lo.Compact(lo.Map(req.Participants, func(p string, _ int) string {
		return strings.ToLower(strings.TrimSpace(p))
	}))

	added, err := s.broker.CreateConversation(req.ConversationID, identity, participants)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConversationResponse{
		ConversationID: req.ConversationID,
		Creator:        identity,
		Participants:   added,
	})
}

func (s *Server) handleJoinConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	conversationID := r.PathValue("id")

	rec, ok := s.broker.Registry().Lookup(identity)
	if !ok || rec.Conversation == nil {
		s.writeError(w, r, fmt.Errorf("join %q: %w", conversationID, broker.ErrNotInitialized))
		return
	}
	if err := s.broker.JoinConversation(conversationID, identity); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeaveConversation(w http.ResponseWriter, r *http.Request) {
	s.broker.LeaveConversation(r.PathValue("id"), identityFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	conversationID := r.PathValue("id")

	owner, ok := s.broker.Owner(conversationID)
	if !ok {
		s.writeError(w, r, apierror.NotFound("No open conversation with that id", "conversationId"))
		return
	}
	if owner != identity {
		s.writeError(w, r, apierror.Forbidden("Only the creator can close a conversation"))
		return
	}

	evicted := s.broker.CloseConversation(conversationID)
	writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: conversationID,
		Participants:   []string{},
		Evicted:        evicted,
	})
}

// requireIdentity rejects requests without a valid bearer token and stores the
// token's identity in the request context.
func (s *Server) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			s.writeError(w, r, apierror.Authentication("Missing bearer token"))
			return
		}
		identity, err := s.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, apierror.Authentication("Invalid or expired token"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	}
}

func identityFrom(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey).(string)
	return identity
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierror.MissingParameter("Request body is required")
		}
		return apierror.InvalidParameter("Request body must be a JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apierror.Write(w, apiErr)
}

// toAPIError maps domain errors to the API error object.
func toAPIError(err error) *apierror.Error {
	var (
		apiErr *apierror.Error
		verrs  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &verrs):
		return fromValidation(verrs)
	case errors.Is(err, users.ErrDuplicate):
		return apierror.Conflict("A user with that email already exists", "email")
	case errors.Is(err, users.ErrInvalidCredentials):
		return apierror.Authentication("Invalid email or password")
	case errors.Is(err, broker.ErrUnknownIdentity), errors.Is(err, broker.ErrNotInitialized):
		return apierror.Conflict("Open the global and conversation channels before using conversations")
	case errors.Is(err, broker.ErrConversationOwned):
		return apierror.Conflict("A conversation with that id already exists", "conversationId")
	case errors.Is(err, broker.ErrRoomClosed):
		return apierror.Conflict("The conversation was closed", "conversationId")
	default:
		return apierror.Internal()
	}
}

func fromValidation(verrs validator.ValidationErrors) *apierror.Error {
	missing := lo.FilterMap(verrs, func(fe validator.FieldError, _ int) (string, bool) {
		return fe.Field(), fe.Tag() == "required"
	})
	if len(missing) > 0 {
		return apierror.MissingParameter("", lo.Uniq(missing)...)
	}

	if _, mismatch := lo.Find(verrs, func(fe validator.FieldError) bool {
		return fe.Tag() == "eqfield"
	}); mismatch {
		return apierror.InvalidParameter("password and confirmedPassword must match", "password", "confirmedPassword")
	}

	fields := lo.Uniq(lo.Map(verrs, func(fe validator.FieldError, _ int) string { return fe.Field() }))
	return apierror.InvalidParameter("", fields...)
}
