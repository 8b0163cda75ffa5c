//go:generate go run go.uber.org/mock/mockgen -source=types.go -destination=../mocks/mock_handle.go -package=mocks

package broker

import "github.com/cespare/xxhash/v2"

// Channel identifies the logical stream a connection belongs to.
type Channel string

const (
	// ChannelGlobal carries presence and out-of-conversation notifications.
	ChannelGlobal Channel = "global"
	// ChannelConversation carries in-room conversation traffic.
	ChannelConversation Channel = "conversation"
)

// Event names exchanged with clients.
const (
	EventInitialize  = "initialize"
	EventInitialized = "initialized"
	EventError       = "error"
	EventAdded       = "added"
	EventDisconnect  = "disconnect"
	EventUpdated     = "updated"
	EventSent        = "sent"
)

// Handle is an opaque reference to one live transport connection. The broker
// never manages its lifecycle; it only addresses emits through it.
type Handle interface {
	ID() string
	Channel() Channel
	Emit(event string, payload any) error
}

// IdentityRecord holds the live handles of one identity. Conversation is never
// set unless Global is.
type IdentityRecord struct {
	Global       Handle
	Conversation Handle
}

// AddedPayload is sent on the global channel when a user is added to a
// conversation.
type AddedPayload struct {
	ConversationID string `json:"conversationId"`
	Creator        string `json:"creator"`
}

const defaultShards = 32

func shardIndex(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
