// Package server defines the wire envelope and event payload types exchanged
// with clients, plus shared helpers reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"
)

// Inbound event names.
const (
	EventAuth        = "auth"
	EventJoinQueue   = "join-queue"
	EventLeaveQueue  = "leave-queue"
	EventLeaveRoom   = "leave-room"
	EventSignal      = "signal"
	EventChatMessage = "chat-message"
)

// Outbound event names.
const (
	EventConnectionSuccess = "connection-success"
	EventQueueJoined       = "queue-joined"
	EventQueueLeft         = "queue-left"
	EventQueuePosition     = "queue-position"
	EventMatched           = "matched"
	EventPeerLeft          = "peer-left"
	EventPeerDisconnected  = "peer-disconnected"
	EventRoomExpired       = "room-expired"
	EventRoomLeft          = "room-left"
	EventUsersUpdated      = "users-updated"
)

// Envelope is the JSON frame exchanged over the WebSocket. Data is kept raw
// so that relayed payloads pass through byte-for-byte.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo is opaque metadata captured at upgrade time and forwarded to the
// peer on match. The server never interprets it beyond logging.
type DeviceInfo struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Network string `json:"network"`
}

type authPayload struct {
	Username string `json:"username"`
}

type joinQueuePayload struct {
	Name string `json:"name"`
}

type connectionSuccessPayload struct {
	UserID      string `json:"userId"`
	ActiveUsers int    `json:"activeUsers"`
}

type queueJoinedPayload struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}

type queuePositionPayload struct {
	Position    int `json:"position"`
	QueueLength int `json:"queueLength"`
}

type peerInfo struct {
	Name       string     `json:"name"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type matchedPayload struct {
	RoomID    string   `json:"roomId"`
	Initiator bool     `json:"initiator"`
	PeerInfo  peerInfo `json:"peerInfo"`
}

// signalPayload carries an opaque negotiation message. Type is logged but
// never validated; Payload is an unparsed blob. From, RoomID, and Timestamp
// are stamped by the relay on the outbound copy only.
type signalPayload struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	From      string          `json:"from,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type usersUpdatedPayload struct {
	ActiveUsers int `json:"activeUsers"`
	InQueue     int `json:"inQueue"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
