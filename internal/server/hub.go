// Package server coordinates matchmaking, room lifecycle, and message relay
// for the Pairwire WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

type inboundFrame struct {
	client *Client
	env    Envelope
}

type directSend struct {
	connID  string
	env     Envelope
	replyCh chan bool
}

// Hub owns all matchmaking state. Its Run goroutine is the only writer of the
// registry, queue, and room maps; clients, the sweep ticker, and the SendTo
// primitive all feed it through channels, so every event runs to completion
// before the next one starts.
type Hub struct {
	registry *connectionRegistry
	queue    *matchQueue
	rooms    *roomManager

	// presence is the username map owned by the authentication layer. It is
	// fed by the auth event and read from other goroutines, hence the lock.
	presenceMu sync.RWMutex
	presence   map[string]string
	userOf     map[string]string

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	direct     chan directSend

	sweepInterval time.Duration
	roomTTL       time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a Hub using the active configuration's sweep tunables.
// The returned Hub is ready to Run.
func NewHub() *Hub {
	cfg := currentConfig()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:      newConnectionRegistry(),
		queue:         newMatchQueue(nil),
		rooms:         newRoomManager(),
		presence:      make(map[string]string),
		userOf:        make(map[string]string),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundFrame),
		direct:        make(chan directSend),
		sweepInterval: cfg.SweepInterval,
		roomTTL:       cfg.RoomTTL,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Run starts the hub's event loop. It should be called in its own goroutine
// and runs until Shutdown cancels it.
func (h *Hub) Run() {
	defer close(h.done)

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case frame := <-h.inbound:
			h.handleFrame(frame.client, frame.env)

		case req := <-h.direct:
			req.replyCh <- h.handleDirect(req)

		case <-ticker.C:
			h.sweep(h.now())
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		log.Printf("Received nil client registration; skipping")
		return
	}

	conn, err := h.registry.register(client.id, client.deviceInfo, client, h.now())
	if err != nil {
		log.Printf("Registration refused for %s: %v", client.addr, err)
		client.closeNow()
		return
	}

	if client.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		go func() {
			defer h.wg.Done()
			client.readPump()
		}()
	}

	log.Printf("Client %s connected from %s (identity %s). Active: %d",
		conn.id, client.addr, conn.identity, h.registry.count())

	h.send(conn, EventConnectionSuccess, connectionSuccessPayload{
		UserID:      conn.identity,
		ActiveUsers: h.registry.count(),
	})
	h.broadcastUsersUpdated()
}

// handleUnregister cascades a transport close: room first, then queue, then
// the registry record, then presence.
func (h *Hub) handleUnregister(client *Client) {
	conn, ok := h.registry.lookup(client.id)
	if ok {
		if conn.roomID != "" {
			h.endRoom(conn.roomID, EventPeerDisconnected, conn.id)
		}
		h.queue.remove(conn.id)
		h.registry.remove(conn.id)
		h.clearPresence(conn.id)
		log.Printf("Client %s disconnected. Active: %d", conn.id, h.registry.count())
	}

	if !client.closed {
		client.closed = true
		close(client.send)
	}

	if ok {
		h.broadcastUsersUpdated()
	}
}

func (h *Hub) handleFrame(client *Client, env Envelope) {
	conn, ok := h.registry.lookup(client.id)
	if !ok {
		log.Printf("Dropping %q from unknown connection %s", env.Event, client.id)
		return
	}

	switch env.Event {
	case EventAuth:
		h.handleAuth(conn, env.Data)
	case EventJoinQueue:
		h.handleJoinQueue(conn, env.Data)
	case EventLeaveQueue:
		h.handleLeaveQueue(conn)
	case EventLeaveRoom:
		h.handleLeaveRoom(conn)
	case EventSignal:
		h.relaySignal(conn, env.Data)
	case EventChatMessage:
		h.relayChat(conn, env.Data)
	default:
		log.Printf("Unknown event %q from %s", env.Event, conn.id)
	}
}

func (h *Hub) handleAuth(conn *connection, data json.RawMessage) {
	var p authPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Username == "" {
		log.Printf("Ignoring auth without username from %s", conn.id)
		return
	}

	h.presenceMu.Lock()
	h.presence[p.Username] = conn.id
	h.userOf[conn.id] = p.Username
	h.presenceMu.Unlock()

	log.Printf("Presence registered: %s -> %s", p.Username, conn.id)
}

func (h *Hub) handleJoinQueue(conn *connection, data json.RawMessage) {
	if conn.state != stateIdle {
		log.Printf("Ignoring join-queue from %s in state %s", conn.id, conn.state)
		return
	}

	var p joinQueuePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("Malformed join-queue payload from %s: %v", conn.id, err)
		}
	}
	conn.displayName = p.Name
	if conn.displayName == "" {
		conn.displayName = "Anonymous"
	}

	conn.state = stateQueued
	if err := h.queue.enqueue(conn.id); err != nil {
		conn.state = stateIdle
		log.Printf("Enqueue failed for %s: %v", conn.id, err)
		return
	}

	partnerID, found := h.queue.findAndReserveMatch(conn.id, h.registry)
	if !found {
		h.send(conn, EventQueueJoined, queueJoinedPayload{
			Position: h.queue.len(),
			Total:    h.queue.len(),
		})
		return
	}

	partner, ok := h.registry.lookup(partnerID)
	if !ok {
		// The matcher verified existence inside this same event.
		log.Printf("Matched partner %s vanished mid-event", partnerID)
		return
	}

	rm, err := h.rooms.createRoom(conn, partner, h.queue, h.now())
	if err != nil {
		log.Printf("Room creation failed for %s and %s: %v", conn.id, partnerID, err)
		return
	}

	log.Printf("Matched %s (%s) with %s (%s) in room %s",
		conn.id, conn.displayName, partner.id, partner.displayName, rm.id)

	h.send(conn, EventMatched, matchedPayload{
		RoomID:    rm.id,
		Initiator: true,
		PeerInfo:  peerInfo{Name: partner.displayName, DeviceInfo: partner.deviceInfo},
	})
	h.send(partner, EventMatched, matchedPayload{
		RoomID:    rm.id,
		Initiator: false,
		PeerInfo:  peerInfo{Name: conn.displayName, DeviceInfo: conn.deviceInfo},
	})
}

func (h *Hub) handleLeaveQueue(conn *connection) {
	if conn.state != stateQueued {
		log.Printf("Ignoring leave-queue from %s in state %s", conn.id, conn.state)
		return
	}

	h.queue.remove(conn.id)
	conn.state = stateIdle
	h.send(conn, EventQueueLeft, nil)
}

func (h *Hub) handleLeaveRoom(conn *connection) {
	if conn.state != stateInRoom || conn.roomID == "" {
		log.Printf("Ignoring leave-room from %s in state %s", conn.id, conn.state)
		return
	}

	h.endRoom(conn.roomID, EventPeerLeft, conn.id)
	h.send(conn, EventRoomLeft, nil)
}

// endRoom destroys the room and returns surviving members to Idle. Members
// other than triggeredBy are notified with the reason event; an empty
// triggeredBy notifies both. Calling with an unknown roomID is a no-op.
func (h *Hub) endRoom(roomID, reason, triggeredBy string) {
	rm, ok := h.rooms.get(roomID)
	if !ok {
		return
	}
	h.rooms.delete(roomID)

	for _, id := range rm.members {
		conn, ok := h.registry.lookup(id)
		if !ok {
			continue
		}
		conn.roomID = ""
		conn.state = stateIdle
		if id != triggeredBy {
			h.send(conn, reason, nil)
		}
	}

	log.Printf("Room %s ended (%s)", roomID, reason)
}

// relaySignal forwards an opaque negotiation message to the sender's room
// partner, stamping from, roomId, and a server timestamp. Every failure mode
// is a silent drop: nothing is ever surfaced back to the sender.
func (h *Hub) relaySignal(conn *connection, data json.RawMessage) {
	partner, rm, ok := h.roomPartner(conn, EventSignal)
	if !ok {
		return
	}

	var msg signalPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Malformed signal envelope from %s: %v", conn.id, err)
		return
	}

	msg.From = conn.id
	msg.RoomID = rm.id
	msg.Timestamp = h.now().UnixMilli()

	log.Printf("Relaying %q signal from %s to %s in room %s", msg.Type, conn.id, partner.id, rm.id)
	h.send(partner, EventSignal, msg)
}

// relayChat forwards a chat frame to the room partner without touching the
// payload at all.
func (h *Hub) relayChat(conn *connection, data json.RawMessage) {
	partner, _, ok := h.roomPartner(conn, EventChatMessage)
	if !ok {
		return
	}
	h.deliver(partner, Envelope{Event: EventChatMessage, Data: data})
}

// roomPartner resolves the sender's room partner, logging and failing on any
// of the drop conditions: sender not in a room, room gone, partner gone.
func (h *Hub) roomPartner(conn *connection, event string) (*connection, *room, bool) {
	if conn.state != stateInRoom || conn.roomID == "" {
		log.Printf("Dropping %q from %s: not in a room", event, conn.id)
		return nil, nil, false
	}

	rm, ok := h.rooms.get(conn.roomID)
	if !ok {
		log.Printf("Dropping %q from %s: room %s not found", event, conn.id, conn.roomID)
		return nil, nil, false
	}

	partnerID, ok := rm.partner(conn.id)
	if !ok {
		log.Printf("Dropping %q from %s: not a member of room %s", event, conn.id, rm.id)
		return nil, nil, false
	}

	partner, ok := h.registry.lookup(partnerID)
	if !ok {
		log.Printf("Dropping %q from %s: partner %s not registered", event, conn.id, partnerID)
		return nil, nil, false
	}

	return partner, rm, true
}

// sweep expires old rooms and broadcasts queue positions. It runs on the hub
// goroutine like every other handler, so it can interleave between events but
// never inside one.
func (h *Hub) sweep(now time.Time) {
	for _, rm := range h.rooms.expired(now, h.roomTTL) {
		log.Printf("Expiring room %s after %s", rm.id, now.Sub(rm.createdAt))
		h.endRoom(rm.id, EventRoomExpired, "")
	}

	total := h.queue.len()
	if total == 0 {
		return
	}
	for i, id := range h.queue.snapshot() {
		conn, ok := h.registry.lookup(id)
		if !ok {
			continue
		}
		h.send(conn, EventQueuePosition, queuePositionPayload{
			Position:    i + 1,
			QueueLength: total,
		})
	}
}

func (h *Hub) handleDirect(req directSend) bool {
	conn, ok := h.registry.lookup(req.connID)
	if !ok {
		return false
	}
	h.deliver(conn, req.env)
	return true
}

func (h *Hub) broadcastUsersUpdated() {
	payload := usersUpdatedPayload{
		ActiveUsers: h.registry.count(),
		InQueue:     h.queue.len(),
	}
	for _, conn := range h.registry.all() {
		h.send(conn, EventUsersUpdated, payload)
	}
}

func (h *Hub) send(conn *connection, event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			log.Printf("Error marshaling %q payload for %s: %v", event, conn.id, err)
			return
		}
		raw = b
	}
	h.deliver(conn, Envelope{Event: event, Data: raw})
}

// deliver hands a frame to the client's write pump. A full send buffer drops
// the frame; slow consumers must not stall the event loop.
func (h *Hub) deliver(conn *connection, env Envelope) {
	client := conn.client
	if client == nil || client.closed {
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("Error marshaling %q frame for %s: %v", env.Event, conn.id, err)
		return
	}

	select {
	case client.send <- payload:
	default:
		log.Printf("Send buffer full for %s; dropping %q", conn.id, env.Event)
	}
}

func (h *Hub) clearPresence(connID string) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if username, ok := h.userOf[connID]; ok {
		if h.presence[username] == connID {
			delete(h.presence, username)
		}
		delete(h.userOf, connID)
	}
}

// LookupUser resolves a username registered via the auth event to its
// connection id. It is safe to call from any goroutine.
func (h *Hub) LookupUser(username string) (string, bool) {
	h.presenceMu.RLock()
	defer h.presenceMu.RUnlock()
	id, ok := h.presence[username]
	return id, ok
}

// SendTo pushes an arbitrary event to a single connection on behalf of the
// authentication and notification layer. It reports whether the connection
// was registered at the time of delivery.
func (h *Hub) SendTo(connID, event string, data any) bool {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			log.Printf("SendTo: error marshaling %q payload: %v", event, err)
			return false
		}
		raw = b
	}

	req := directSend{
		connID:  connID,
		env:     Envelope{Event: event, Data: raw},
		replyCh: make(chan bool, 1),
	}

	select {
	case h.direct <- req:
	case <-h.ctx.Done():
		return false
	}

	select {
	case ok := <-req.replyCh:
		return ok
	case <-h.ctx.Done():
		return false
	}
}

// GetRegisterChan returns the channel used for registering new clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	conns := h.registry.all()
	for _, conn := range conns {
		conn.client.closeNow()
	}

	log.Printf("Closed %d client connections", len(conns))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
