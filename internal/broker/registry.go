package broker

import (
	"fmt"
	"log/slog"
	"sync"
)

type identityShard struct {
	mu      sync.RWMutex
	records map[string]*IdentityRecord
}

// IdentityRegistry maps identities to their live connection handles.
// Replacement is always full-field; there is no merge operation.
type IdentityRegistry struct {
	shards []*identityShard
	logger *slog.Logger
}

// NewIdentityRegistry creates a registry split into the given number of shards.
// A non-positive count falls back to the default.
func NewIdentityRegistry(shards int, logger *slog.Logger) *IdentityRegistry {
	if shards <= 0 {
		shards = defaultShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &IdentityRegistry{
		shards: make([]*identityShard, shards),
		logger: logger.With("component", "identity_registry"),
	}
	for i := range r.shards {
		r.shards[i] = &identityShard{records: make(map[string]*IdentityRecord)}
	}
	return r
}

func (r *IdentityRegistry) shard(identity string) *identityShard {
	return r.shards[shardIndex(identity, len(r.shards))]
}

// RegisterGlobal creates the identity's record, or replaces it, with h as the
// global handle. A previously registered conversation handle belongs to the old
// session and is dropped.
func (r *IdentityRegistry) RegisterGlobal(identity string, h Handle) {
	s := r.shard(identity)
	s.mu.Lock()
	s.records[identity] = &IdentityRecord{Global: h}
	s.mu.Unlock()

	r.logger.Debug("global handle registered", "identity", identity, "conn_id", h.ID())
}

// RegisterConversation sets the conversation handle of an existing record.
func (r *IdentityRegistry) RegisterConversation(identity string, h Handle) error {
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok || rec.Global == nil {
		return fmt.Errorf("register conversation handle for %q: %w", identity, ErrNotInitialized)
	}
	s.records[identity] = &IdentityRecord{Global: rec.Global, Conversation: h}

	r.logger.Debug("conversation handle registered", "identity", identity, "conn_id", h.ID())
	return nil
}

// Lookup returns a copy of the identity's record.
func (r *IdentityRegistry) Lookup(identity string) (IdentityRecord, bool) {
	s := r.shard(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity]
	if !ok {
		return IdentityRecord{}, false
	}
	return *rec, true
}

// Remove deletes the identity's record and returns what was removed.
// Removing an absent identity is a no-op.
func (r *IdentityRegistry) Remove(identity string) (IdentityRecord, bool) {
	s := r.shard(identity)
	s.mu.Lock()
	rec, ok := s.records[identity]
	if ok {
		delete(s.records, identity)
	}
	s.mu.Unlock()

	if !ok {
		return IdentityRecord{}, false
	}
	r.logger.Debug("identity removed", "identity", identity)
	return *rec, true
}

// RemoveGlobal deletes the identity's record only while h is still its global
// handle. A disconnect from a replaced global connection leaves the newer
// record in place.
func (r *IdentityRegistry) RemoveGlobal(identity string, h Handle) (IdentityRecord, bool) {
	s := r.shard(identity)
	s.mu.Lock()
	rec, ok := s.records[identity]
	if !ok || rec.Global == nil || rec.Global.ID() != h.ID() {
		s.mu.Unlock()
		return IdentityRecord{}, false
	}
	delete(s.records, identity)
	s.mu.Unlock()

	r.logger.Debug("identity removed on global disconnect", "identity", identity, "conn_id", h.ID())
	return *rec, true
}

// ClearConversation drops the identity's conversation handle only while h is
// still that handle, keeping the global handle. It reports whether it cleared.
func (r *IdentityRegistry) ClearConversation(identity string, h Handle) bool {
	s := r.shard(identity)
	s.mu.Lock()
	rec, ok := s.records[identity]
	if !ok || rec.Conversation == nil || rec.Conversation.ID() != h.ID() {
		s.mu.Unlock()
		return false
	}
	s.records[identity] = &IdentityRecord{Global: rec.Global}
	s.mu.Unlock()

	r.logger.Debug("conversation handle cleared", "identity", identity, "conn_id", h.ID())
	return true
}

// Len returns the number of identities currently online.
func (r *IdentityRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
