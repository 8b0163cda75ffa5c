package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/tidwall/gjson"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateUnauthenticated State = iota
	StateInitialized
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateInitialized:
		return "initialized"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InitializedPayload acknowledges a successful initialize.
type InitializedPayload struct {
	Identity string `json:"identity"`
}

// Gateway owns the connection event handlers.
type Gateway struct {
	auth   Authenticator
	broker *broker.ConversationBroker
	logger *slog.Logger
}

// New creates a Gateway.
func New(auth Authenticator, b *broker.ConversationBroker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:   auth,
		broker: b,
		logger: logger.With("component", "gateway"),
	}
}

// Open starts a session for a freshly connected handle.
func (g *Gateway) Open(h broker.Handle) *Session {
	return &Session{
		gateway: g,
		handle:  h,
		logger:  g.logger.With("conn_id", h.ID(), "channel", string(h.Channel())),
	}
}

// Session is the per-connection state machine. The transport must deliver a
// connection's events to its Session sequentially.
type Session struct {
	gateway  *Gateway
	handle   broker.Handle
	logger   *slog.Logger
	state    State
	identity string
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Identity returns the authenticated identity, empty until initialized.
func (s *Session) Identity() string { return s.identity }

// Handle processes one inbound event. Failures are reported to the client as
// an "error" event on the same connection.
func (s *Session) Handle(ctx context.Context, event string, data json.RawMessage) {
	if s.state == StateDisconnected {
		return
	}

	var err error
	switch event {
	case broker.EventInitialize:
		err = s.initialize(ctx, data)
	case broker.EventUpdated, broker.EventSent:
		err = s.relay(event, data)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedEvent, event)
	}
	if err == nil {
		return
	}

	s.logger.Info("event rejected", "event", event, "identity", s.identity, "error", err)
	if emitErr := s.handle.Emit(broker.EventError, err.Error()); emitErr != nil {
		s.logger.Debug("could not report error to client", "error", emitErr)
	}
}

// HandleMessage decodes one raw envelope from the wire and processes it.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	if s.state == StateDisconnected {
		return
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		s.logger.Info("undecodable message", "error", err)
		if emitErr := s.handle.Emit(broker.EventError, err.Error()); emitErr != nil {
			s.logger.Debug("could not report error to client", "error", emitErr)
		}
		return
	}
	s.Handle(ctx, env.Event, env.Data)
}

// Close moves the session to Disconnected and tears down whatever it
// registered. Calling Close more than once is a no-op.
func (s *Session) Close() {
	if s.state == StateDisconnected {
		return
	}
	prev := s.state
	s.state = StateDisconnected
	if prev == StateInitialized {
		s.release()
	}
	s.logger.Debug("session closed", "identity", s.identity)
}

func (s *Session) initialize(ctx context.Context, data json.RawMessage) error {
	id, err := s.gateway.auth.Authenticate(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if id.Email == "" {
		return ErrAuthentication
	}

	// Re-initializing as someone else drops the previous registration first.
	if s.state == StateInitialized && s.identity != id.Email {
		s.release()
		s.state = StateUnauthenticated
		s.identity = ""
	}

	registry := s.gateway.broker.Registry()
	switch s.handle.Channel() {
	case broker.ChannelGlobal:
		registry.RegisterGlobal(id.Email, s.handle)
	case broker.ChannelConversation:
		if err := registry.RegisterConversation(id.Email, s.handle); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrUnsupportedEvent, s.handle.Channel())
	}

	s.state = StateInitialized
	s.identity = id.Email
	s.logger.Info("connection initialized", "identity", id.Email)

	if err := s.handle.Emit(broker.EventInitialized, InitializedPayload{Identity: id.Email}); err != nil {
		s.logger.Debug("could not acknowledge initialize", "error", err)
	}
	return nil
}

func (s *Session) relay(event string, data json.RawMessage) error {
	if s.handle.Channel() != broker.ChannelConversation {
		return fmt.Errorf("%w: %q on %s channel", ErrUnsupportedEvent, event, s.handle.Channel())
	}
	if s.state != StateInitialized {
		return ErrNotReady
	}

	payload, conversationID, err := DecodeRelayPayload(data)
	if err != nil {
		return err
	}
	s.gateway.broker.Relay(conversationID, event, payload)
	return nil
}

func (s *Session) release() {
	b := s.gateway.broker
	switch s.handle.Channel() {
	case broker.ChannelGlobal:
		if rec, ok := b.Registry().RemoveGlobal(s.identity, s.handle); ok {
			b.Disconnect(s.identity, rec)
			s.logger.Info("identity went offline", "identity", s.identity)
		}
	case broker.ChannelConversation:
		b.Registry().ClearConversation(s.identity, s.handle)
		b.DetachConversationHandle(s.handle)
	}
}

// DecodeRelayPayload returns the relay payload as a JSON object together with
// its conversationId. A payload that arrives as a JSON string holding JSON is
// unwrapped first.
func DecodeRelayPayload(data json.RawMessage) (json.RawMessage, string, error) {
	if !gjson.ValidBytes(data) {
		return nil, "", fmt.Errorf("%w: invalid JSON", ErrDecode)
	}
	res := gjson.ParseBytes(data)
	if res.Type == gjson.String {
		if !gjson.Valid(res.Str) {
			return nil, "", fmt.Errorf("%w: string payload is not JSON", ErrDecode)
		}
		data = json.RawMessage(res.Str)
		res = gjson.Parse(res.Str)
	}
	if !res.IsObject() {
		return nil, "", fmt.Errorf("%w: payload must be an object", ErrDecode)
	}

	id := res.Get("conversationId")
	switch {
	case id.Type == gjson.String && id.Str != "":
		return data, id.Str, nil
	case id.Type == gjson.Number:
		return data, id.Raw, nil
	default:
		return nil, "", fmt.Errorf("%w: conversationId is required", ErrDecode)
	}
}
