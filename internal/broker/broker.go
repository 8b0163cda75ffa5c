package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Options tunes broker policy.
type Options struct {
	// CloseOnCreatorDisconnect closes every conversation a user created when
	// that user's global connection goes away. When false the conversation
	// persists for the remaining members.
	CloseOnCreatorDisconnect bool
}

// ConversationBroker turns conversation actions into registry and directory
// operations and emits the resulting events.
type ConversationBroker struct {
	registry *IdentityRegistry
	rooms    *RoomDirectory
	opts     Options
	logger   *slog.Logger

	// ownership bookkeeping only; membership lives in rooms.
	ownersMu sync.Mutex
	owners   map[string]string
	owned    map[string]map[string]struct{}
}

// NewConversationBroker wires a broker over the given registry and directory.
func NewConversationBroker(registry *IdentityRegistry, rooms *RoomDirectory, opts Options, logger *slog.Logger) *ConversationBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationBroker{
		registry: registry,
		rooms:    rooms,
		opts:     opts,
		logger:   logger.With("component", "conversation_broker"),
		owners:   make(map[string]string),
		owned:    make(map[string]map[string]struct{}),
	}
}

// Registry returns the identity registry the broker resolves handles with.
func (b *ConversationBroker) Registry() *IdentityRegistry { return b.registry }

// Rooms returns the room directory the broker manages.
func (b *ConversationBroker) Rooms() *RoomDirectory { return b.rooms }

// CreateConversation puts the creator and every online participant into the
// conversation room and notifies each added participant on its global channel.
// Offline participants are skipped silently. The returned identities keep the
// input order. Additions are independent; a failed notification does not roll
// back earlier joins. An id owned by another identity fails with
// ErrConversationOwned; an id that was closed fails with ErrRoomClosed.
func (b *ConversationBroker) CreateConversation(conversationID, creator string, participants []string) ([]string, error) {
	rec, ok := b.registry.Lookup(creator)
	if !ok {
		return nil, fmt.Errorf("create conversation %q by %q: %w", conversationID, creator, ErrUnknownIdentity)
	}
	if rec.Conversation == nil {
		return nil, fmt.Errorf("create conversation %q by %q: %w", conversationID, creator, ErrNotInitialized)
	}
	claimed, err := b.claimOwner(conversationID, creator)
	if err != nil {
		return nil, fmt.Errorf("create conversation %q by %q: %w", conversationID, creator, err)
	}
	if err := b.rooms.Join(conversationID, rec.Conversation); err != nil {
		if claimed {
			b.forgetOwner(conversationID)
		}
		return nil, fmt.Errorf("create conversation %q: %w", conversationID, err)
	}

	candidates := lo.Uniq(lo.Without(participants, creator))
	added := make([]string, 0, len(candidates))
	for _, participant := range candidates {
		prec, online := b.registry.Lookup(participant)
		if !online || prec.Conversation == nil {
			b.logger.Debug("skipping offline participant", "conversation", conversationID, "identity", participant)
			continue
		}
		if err := b.rooms.Join(conversationID, prec.Conversation); err != nil {
			b.logger.Warn("could not add participant", "conversation", conversationID, "identity", participant, "error", err)
			continue
		}
		b.emit(prec.Global, EventAdded, AddedPayload{ConversationID: conversationID, Creator: creator})
		added = append(added, participant)
	}

	b.logger.Info("conversation created",
		"conversation", conversationID,
		"creator", creator,
		"requested", len(participants),
		"added", len(added))
	return added, nil
}

// JoinConversation adds the identity's conversation handle to the room.
// Unknown identities are ignored.
func (b *ConversationBroker) JoinConversation(conversationID, identity string) error {
	rec, ok := b.registry.Lookup(identity)
	if !ok || rec.Conversation == nil {
		return nil
	}
	return b.rooms.Join(conversationID, rec.Conversation)
}

// LeaveConversation removes the identity's conversation handle from the room.
// Unknown identities are ignored.
func (b *ConversationBroker) LeaveConversation(conversationID, identity string) {
	rec, ok := b.registry.Lookup(identity)
	if !ok || rec.Conversation == nil {
		return
	}
	if b.rooms.Leave(conversationID, rec.Conversation) {
		b.forgetOwner(conversationID)
	}
}

// CloseConversation evicts every member and destroys the room. It returns the
// number of evicted members.
func (b *ConversationBroker) CloseConversation(conversationID string) int {
	evicted := b.rooms.Close(conversationID)
	b.forgetOwner(conversationID)
	b.logger.Info("conversation closed", "conversation", conversationID, "evicted", len(evicted))
	return len(evicted)
}

// Relay emits payload verbatim to every current member of the conversation and
// returns how many members accepted it.
func (b *ConversationBroker) Relay(conversationID, event string, payload json.RawMessage) int {
	members := b.rooms.Members(conversationID)
	delivered := 0
	for _, h := range members {
		if b.emit(h, event, payload) {
			delivered++
		}
	}
	b.logger.Debug("relayed event",
		"conversation", conversationID,
		"event", event,
		"members", len(members),
		"delivered", delivered)
	return delivered
}

// Disconnect applies the disconnect policy to a record that was just removed
// from the registry: its conversation handle leaves every room and, when
// configured, conversations the identity created are closed.
func (b *ConversationBroker) Disconnect(identity string, rec IdentityRecord) {
	if rec.Conversation != nil {
		b.DetachConversationHandle(rec.Conversation)
	}
	if !b.opts.CloseOnCreatorDisconnect {
		return
	}
	for _, conversationID := range b.ownedBy(identity) {
		b.CloseConversation(conversationID)
	}
}

// DetachConversationHandle removes a conversation handle from all its rooms.
func (b *ConversationBroker) DetachConversationHandle(h Handle) {
	_, pruned := b.rooms.LeaveAll(h)
	for _, conversationID := range pruned {
		b.forgetOwner(conversationID)
	}
}

// Owner returns the identity that created the conversation.
func (b *ConversationBroker) Owner(conversationID string) (string, bool) {
	b.ownersMu.Lock()
	defer b.ownersMu.Unlock()
	owner, ok := b.owners[conversationID]
	return owner, ok
}

func (b *ConversationBroker) emit(h Handle, event string, payload any) bool {
	if h == nil {
		return false
	}
	if err := h.Emit(event, payload); err != nil {
		b.logger.Debug("emit failed", "conn_id", h.ID(), "event", event, "error", err)
		return false
	}
	return true
}

// claimOwner records creator as the conversation's owner. It reports whether
// the claim is new; a conversation owned by someone else is an error.
func (b *ConversationBroker) claimOwner(conversationID, creator string) (bool, error) {
	b.ownersMu.Lock()
	defer b.ownersMu.Unlock()
	if prev, ok := b.owners[conversationID]; ok {
		if prev != creator {
			return false, ErrConversationOwned
		}
		return false, nil
	}
	b.owners[conversationID] = creator
	if b.owned[creator] == nil {
		b.owned[creator] = make(map[string]struct{})
	}
	b.owned[creator][conversationID] = struct{}{}
	return true, nil
}

func (b *ConversationBroker) forgetOwner(conversationID string) {
	b.ownersMu.Lock()
	defer b.ownersMu.Unlock()
	owner, ok := b.owners[conversationID]
	if !ok {
		return
	}
	delete(b.owners, conversationID)
	delete(b.owned[owner], conversationID)
	if len(b.owned[owner]) == 0 {
		delete(b.owned, owner)
	}
}

func (b *ConversationBroker) ownedBy(identity string) []string {
	b.ownersMu.Lock()
	defer b.ownersMu.Unlock()
	return lo.Keys(b.owned[identity])
}
