// Package server tracks the ephemeral identity and matchmaking state of every
// live WebSocket session through the connection registry.
package server

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// connState is the matchmaking state of a connection. Queued and InRoom are
// mutually exclusive by construction: every transition happens inside a
// single hub event.
type connState int

const (
	stateIdle connState = iota
	stateQueued
	stateInRoom
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateQueued:
		return "queued"
	case stateInRoom:
		return "in-room"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// connection is the per-session record owned by the hub goroutine. The id is
// issued by the transport layer; identity is a separate core-issued ULID so
// that participant identity stays decoupled from the socket.
type connection struct {
	id          string
	identity    string
	state       connState
	roomID      string
	displayName string
	deviceInfo  DeviceInfo
	connectedAt time.Time
	client      *Client
}

// connectionRegistry maps transport ids to live connection records. All
// access happens on the hub goroutine.
type connectionRegistry struct {
	conns map[string]*connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[string]*connection)}
}

// register creates a record in state Idle. A duplicate transport id means the
// transport layer broke its uniqueness guarantee, so this is reported as an
// error rather than overwriting the existing record.
func (r *connectionRegistry) register(id string, info DeviceInfo, client *Client, now time.Time) (*connection, error) {
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("connection %s already registered", id)
	}

	conn := &connection{
		id:          id,
		identity:    ulid.Make().String(),
		state:       stateIdle,
		deviceInfo:  info,
		connectedAt: now,
		client:      client,
	}
	r.conns[id] = conn
	return conn, nil
}

func (r *connectionRegistry) lookup(id string) (*connection, bool) {
	conn, ok := r.conns[id]
	return conn, ok
}

// remove deletes the record only. Callers unwind room membership first, then
// queue membership, then call remove.
func (r *connectionRegistry) remove(id string) {
	delete(r.conns, id)
}

func (r *connectionRegistry) count() int {
	return len(r.conns)
}

func (r *connectionRegistry) all() []*connection {
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
