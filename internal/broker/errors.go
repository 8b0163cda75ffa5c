package broker

import "errors"

var (
	// ErrNotInitialized is returned when a conversation handle is registered,
	// or required, before the identity's global handle exists.
	ErrNotInitialized = errors.New("the global channel must be initialized before the conversation channel")
	// ErrUnknownIdentity is returned when an operation references an identity
	// with no live record.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrRoomClosed is returned to a join on a room that was closed, or that
	// was closed while the join was in flight.
	ErrRoomClosed = errors.New("conversation room is closed")
	// ErrConversationOwned is returned when a conversation id is already owned
	// by another identity.
	ErrConversationOwned = errors.New("conversation is owned by another identity")
)
