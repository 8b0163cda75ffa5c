package broker_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/google/uuid"
)

type emitted struct {
	Event   string
	Payload any
}

// fakeHandle records everything emitted to it.
type fakeHandle struct {
	id      string
	channel broker.Channel
	fail    bool

	mu     sync.Mutex
	events []emitted
}

func newHandle(channel broker.Channel) *fakeHandle {
	return &fakeHandle{id: uuid.NewString(), channel: channel}
}

func (h *fakeHandle) ID() string              { return h.id }
func (h *fakeHandle) Channel() broker.Channel { return h.channel }

func (h *fakeHandle) Emit(event string, payload any) error {
	if h.fail {
		return errors.New("connection closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{Event: event, Payload: payload})
	return nil
}

func (h *fakeHandle) Events() []emitted {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]emitted(nil), h.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// online registers both channels for identity and returns the handles.
func online(r *broker.IdentityRegistry, identity string) (global, conversation *fakeHandle) {
	global = newHandle(broker.ChannelGlobal)
	conversation = newHandle(broker.ChannelConversation)
	r.RegisterGlobal(identity, global)
	if err := r.RegisterConversation(identity, conversation); err != nil {
		panic(err)
	}
	return global, conversation
}

func memberIDs(handles []broker.Handle) []string {
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ID())
	}
	return ids
}
