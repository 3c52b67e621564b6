// Package server manages the lifecycle of two-party rooms created by the
// matcher.
package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// room pairs exactly two connection ids. A room exists only while both
// members are registered; the hub destroys it the moment either is gone.
type room struct {
	id        string
	members   [2]string
	createdAt time.Time
}

// partner returns the member other than id.
func (r *room) partner(id string) (string, bool) {
	switch id {
	case r.members[0]:
		return r.members[1], true
	case r.members[1]:
		return r.members[0], true
	default:
		return "", false
	}
}

// roomManager stores active rooms. All access happens on the hub goroutine.
type roomManager struct {
	rooms map[string]*room
}

func newRoomManager() *roomManager {
	return &roomManager{rooms: make(map[string]*room)}
}

// createRoom pairs a and b under a fresh room id, transitions both to InRoom,
// and removes both from the queue. The matcher already dequeued both sides,
// but createRoom re-removes them itself so the queue invariant cannot depend
// on the caller's cleanup.
func (m *roomManager) createRoom(a, b *connection, queue *matchQueue, now time.Time) (*room, error) {
	if a.id == b.id {
		return nil, fmt.Errorf("cannot pair connection %s with itself", a.id)
	}
	if a.state == stateInRoom || b.state == stateInRoom {
		return nil, fmt.Errorf("cannot pair %s (%s) with %s (%s): already in a room",
			a.id, a.state, b.id, b.state)
	}

	rm := &room{
		id:        uuid.NewString(),
		members:   [2]string{a.id, b.id},
		createdAt: now,
	}
	m.rooms[rm.id] = rm

	for _, conn := range []*connection{a, b} {
		queue.remove(conn.id)
		conn.roomID = rm.id
		conn.state = stateInRoom
	}

	return rm, nil
}

func (m *roomManager) get(roomID string) (*room, bool) {
	rm, ok := m.rooms[roomID]
	return rm, ok
}

func (m *roomManager) delete(roomID string) {
	delete(m.rooms, roomID)
}

func (m *roomManager) count() int {
	return len(m.rooms)
}

// expired returns every room older than ttl at the given instant.
func (m *roomManager) expired(now time.Time, ttl time.Duration) []*room {
	var out []*room
	for _, rm := range m.rooms {
		if now.Sub(rm.createdAt) > ttl {
			out = append(out, rm)
		}
	}
	return out
}
