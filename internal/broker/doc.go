// Package broker tracks which live connection belongs to which user and groups
// conversation connections into rooms.
//
// The package is organized around three types. IdentityRegistry maps an
// identity to its global and conversation handles. RoomDirectory maps a
// conversation id to its member handles. ConversationBroker combines both to
// create, join, leave, close and relay conversations.
//
// Both registries are sharded; every mutation locks only the shard (and room)
// it touches, so unrelated users and conversations never contend.
package broker
