// Package membership tracks which locally-connected users are joined to
// which rooms. The tracker is purely node-local state: it exists to make
// join/leave idempotent and to know what to clean up on disconnect. It is
// rebuilt from scratch as clients reconnect after a restart.
package membership

import "sync"

// Tracker is a thread-safe dual index over (user, room) pairs.
// Forward: room → set of userIds (for room fan-out)
// Reverse: user → set of rooms (for O(1) disconnect cleanup)
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool
	users map[string]map[string]bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]bool),
		users: make(map[string]map[string]bool),
	}
}

// Add records that this node holds a live subscription for userID in roomID.
func (t *Tracker) Add(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rooms[roomID] == nil {
		t.rooms[roomID] = make(map[string]bool)
	}
	t.rooms[roomID][userID] = true
	if t.users[userID] == nil {
		t.users[userID] = make(map[string]bool)
	}
	t.users[userID][roomID] = true
}

// Remove drops the (user, room) pair. Missing entries are a no-op.
func (t *Tracker) Remove(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if members, ok := t.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.rooms, roomID)
		}
	}
	if rooms, ok := t.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.users, userID)
		}
	}
}

// IsInRoom reports whether this node already holds (user, room).
func (t *Tracker) IsInRoom(userID, roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID][roomID]
}

// Members returns the locally-connected users joined to roomID.
func (t *Tracker) Members(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for uid := range members {
		result = append(result, uid)
	}
	return result
}

// Rooms returns all rooms userID is joined to on this node.
func (t *Tracker) Rooms(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rooms := t.users[userID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

// RemoveUserFromAll removes userID from every room and returns the affected
// rooms. Used on disconnect.
func (t *Tracker) RemoveUserFromAll(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms, ok := t.users[userID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for room := range rooms {
		affected = append(affected, room)
		if members, ok := t.rooms[room]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(t.rooms, room)
			}
		}
	}
	delete(t.users, userID)
	return affected
}

// RoomCount returns the number of rooms with at least one local member.
func (t *Tracker) RoomCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// TotalMembers returns the total number of (user, room) pairs held locally.
func (t *Tracker) TotalMembers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, members := range t.rooms {
		total += len(members)
	}
	return total
}

// Reset clears all local membership.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(map[string]map[string]bool)
	t.users = make(map[string]map[string]bool)
}
