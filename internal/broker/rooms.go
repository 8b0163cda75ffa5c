package broker

import (
	"fmt"
	"log/slog"
	"sync"
)

type roomState int

const (
	roomOpen roomState = iota
	// roomPruned rooms were dropped for being empty; joiners retry on a fresh room.
	roomPruned
	// roomClosed rooms were closed explicitly; in-flight joiners fail.
	roomClosed
)

type room struct {
	mu      sync.RWMutex
	members map[string]Handle
	state   roomState
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]*room
	// closed holds ids of closed rooms. Conversation ids are never reused, so
	// a closed id stays closed for the life of the directory.
	closed map[string]struct{}
}

// RoomDirectory maps conversation ids to the set of member handles.
//
// Lock order is always shard then room. Join never holds both, which is what
// lets a concurrent Close observe or exclude it atomically.
type RoomDirectory struct {
	shards []*roomShard
	logger *slog.Logger
}

// NewRoomDirectory creates a directory split into the given number of shards.
func NewRoomDirectory(shards int, logger *slog.Logger) *RoomDirectory {
	if shards <= 0 {
		shards = defaultShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &RoomDirectory{
		shards: make([]*roomShard, shards),
		logger: logger.With("component", "room_directory"),
	}
	for i := range d.shards {
		d.shards[i] = &roomShard{
			rooms:  make(map[string]*room),
			closed: make(map[string]struct{}),
		}
	}
	return d
}

func (d *RoomDirectory) shard(roomID string) *roomShard {
	return d.shards[shardIndex(roomID, len(d.shards))]
}

// Join adds h to the room, creating the room when absent. Joining twice is a
// no-op. Joining a room that was closed, or that is closed while the join is in
// flight, fails with ErrRoomClosed and leaves no membership behind.
func (d *RoomDirectory) Join(roomID string, h Handle) error {
	s := d.shard(roomID)
	for {
		s.mu.Lock()
		if _, closed := s.closed[roomID]; closed {
			s.mu.Unlock()
			return fmt.Errorf("join %q: %w", roomID, ErrRoomClosed)
		}
		rm, ok := s.rooms[roomID]
		if !ok {
			rm = &room{members: make(map[string]Handle)}
			s.rooms[roomID] = rm
		}
		s.mu.Unlock()

		rm.mu.Lock()
		switch rm.state {
		case roomPruned:
			rm.mu.Unlock()
			continue
		case roomClosed:
			rm.mu.Unlock()
			return fmt.Errorf("join %q: %w", roomID, ErrRoomClosed)
		}
		rm.members[h.ID()] = h
		rm.mu.Unlock()

		d.logger.Debug("joined room", "room", roomID, "conn_id", h.ID())
		return nil
	}
}

// Leave removes h from the room and prunes the room once it is empty.
// It reports whether the room was pruned.
func (d *RoomDirectory) Leave(roomID string, h Handle) bool {
	s := d.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, member := rm.members[h.ID()]; !member {
		return false
	}
	delete(rm.members, h.ID())
	d.logger.Debug("left room", "room", roomID, "conn_id", h.ID())

	if len(rm.members) > 0 {
		return false
	}
	rm.state = roomPruned
	delete(s.rooms, roomID)
	return true
}

// LeaveAll removes h from every room it belongs to. It returns the rooms h
// left and, among those, the rooms that were pruned as a result.
func (d *RoomDirectory) LeaveAll(h Handle) (left, pruned []string) {
	for _, s := range d.shards {
		s.mu.Lock()
		for id, rm := range s.rooms {
			rm.mu.Lock()
			if _, member := rm.members[h.ID()]; member {
				delete(rm.members, h.ID())
				left = append(left, id)
				if len(rm.members) == 0 {
					rm.state = roomPruned
					delete(s.rooms, id)
					pruned = append(pruned, id)
				}
			}
			rm.mu.Unlock()
		}
		s.mu.Unlock()
	}
	if len(left) > 0 {
		d.logger.Debug("left all rooms", "conn_id", h.ID(), "rooms", len(left))
	}
	return left, pruned
}

// Members returns a snapshot of the room's member handles.
func (d *RoomDirectory) Members(roomID string) []Handle {
	s := d.shard(roomID)
	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.state != roomOpen {
		return nil
	}
	members := make([]Handle, 0, len(rm.members))
	for _, h := range rm.members {
		members = append(members, h)
	}
	return members
}

// Contains reports whether h is currently a member of the room.
func (d *RoomDirectory) Contains(roomID string, h Handle) bool {
	s := d.shard(roomID)
	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, member := rm.members[h.ID()]
	return member && rm.state == roomOpen
}

// Close evicts every member, deletes the room and marks its id closed so later
// joins fail. The shard stays locked until the room is marked closed, so no
// join can slip in between.
func (d *RoomDirectory) Close(roomID string) []Handle {
	s := d.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed[roomID] = struct{}{}
	rm, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(s.rooms, roomID)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = roomClosed
	evicted := make([]Handle, 0, len(rm.members))
	for id, h := range rm.members {
		evicted = append(evicted, h)
		delete(rm.members, id)
	}

	d.logger.Debug("room closed", "room", roomID, "evicted", len(evicted))
	return evicted
}

// Len returns the number of open rooms.
func (d *RoomDirectory) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += len(s.rooms)
		s.mu.Unlock()
	}
	return n
}
