package server

import (
	"context"
	"log/slog"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/gateway"
	"github.com/Tyrowin/convochat/internal/users"
	"github.com/gorilla/websocket"
)

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	Generate(email string) (string, error)
	Verify(token string) (string, error)
}

// Accounts is the user management the HTTP API exposes.
type Accounts interface {
	Register(ctx context.Context, req users.RegisterRequest) (*users.User, error)
	Authenticate(ctx context.Context, req users.LoginRequest) (*users.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Config   Config
	Hub      *Hub
	Gateway  *gateway.Gateway
	Broker   *broker.ConversationBroker
	Accounts Accounts
	Tokens   Tokens
	Logger   *slog.Logger
}

// Server serves the WebSocket channels and the HTTP API.
type Server struct {
	cfg      Config
	hub      *Hub
	gateway  *gateway.Gateway
	broker   *broker.ConversationBroker
	accounts Accounts
	tokens   Tokens
	origins  *originPolicy
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a Server. The hub must be running before connections arrive.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	cfg := sanitizeConfig(d.Config)

	s := &Server{
		cfg:      cfg,
		hub:      d.Hub,
		gateway:  d.Gateway,
		broker:   d.Broker,
		accounts: d.Accounts,
		tokens:   d.Tokens,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}
