// ABOUTME: Hub tracking agent console connections and conversation rooms
// ABOUTME: Fan-out is best effort; delivery failures drop the connection, never block ingest

package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub routes pushed events to connected agent consoles. An agent may hold
// several connections at once (multiple tabs). Conversation rooms scope
// message-level events; lifecycle events go to every connection so console
// list views stay current without joining each room.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connection ID -> connection
	rooms     map[string]map[string]*Connection // conversation ID -> connection ID -> connection
	connRooms map[string]map[string]struct{}    // connection ID -> joined conversation IDs
	logger    *slog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
		logger:    logger.With("component", "relay"),
	}
}

// Attach registers a connection and starts its write pump
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()

	conn.Start()
	h.logger.Debug("connection attached", "connection_id", conn.ID, "agent_id", conn.AgentID)
}

// Detach removes a connection and its room memberships
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	h.detachLocked(conn.ID)
	h.mu.Unlock()
	h.logger.Debug("connection detached", "connection_id", conn.ID)
}

// Join adds the connection to a conversation room
func (h *Hub) Join(conversationID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Connection)
		h.rooms[conversationID] = room
	}
	room[conn.ID] = conn
	h.connRooms[conn.ID][conversationID] = struct{}{}
}

// Leave removes the connection from a conversation room
func (h *Hub) Leave(conversationID string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(conversationID, conn.ID)
	h.mu.Unlock()
}

// Broadcast delivers an event to every member of the conversation's room.
// excludeConnID, when non-empty, skips that connection (typing relays don't
// echo back to the typist). Returns the number of deliveries.
func (h *Hub) Broadcast(conversationID string, event *Event, excludeConnID string) int {
	payload, err := event.encode()
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return 0
	}

	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]*Connection, 0, len(room))
	for _, conn := range room {
		if conn.ID == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver(targets, payload)
}

// BroadcastAll delivers an event to every connected console
func (h *Hub) BroadcastAll(event *Event) int {
	payload, err := event.encode()
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver(targets, payload)
}

func (h *Hub) deliver(targets []*Connection, payload []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			h.Detach(conn)
			continue
		}
		delivered++
	}
	return delivered
}

// ReadLoop consumes client messages until the socket errors, then detaches
// the connection. It blocks and is meant to run on the HTTP handler's
// goroutine after the upgrade.
func (h *Hub) ReadLoop(conn *Connection) {
	defer func() {
		h.Detach(conn)
		conn.CloseWith(websocket.CloseNormalClosure, "")
	}()

	conn.ws.SetReadLimit(4096)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", "connection_id", conn.ID)
			continue
		}
		h.handleClientMessage(conn, &msg)
	}
}

func (h *Hub) handleClientMessage(conn *Connection, msg *clientMessage) {
	if msg.ConversationID == "" {
		return
	}
	switch msg.Type {
	case "join":
		h.Join(msg.ConversationID, conn)
	case "leave":
		h.Leave(msg.ConversationID, conn)
	case "typing":
		h.Broadcast(msg.ConversationID, &Event{
			Type:           EventTyping,
			ConversationID: msg.ConversationID,
			Payload:        map[string]string{"agent_id": conn.AgentID},
		}, conn.ID)
	case "typing.stop":
		h.Broadcast(msg.ConversationID, &Event{
			Type:           EventTypingStop,
			ConversationID: msg.ConversationID,
			Payload:        map[string]string{"agent_id": conn.AgentID},
		}, conn.ID)
	}
}

// ConnectionCount returns how many consoles are attached
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns how many connections joined the conversation's room
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Close disconnects every console and clears hub state
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWith(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) detachLocked(connID string) {
	if _, ok := h.conns[connID]; !ok {
		return
	}
	delete(h.conns, connID)
	for roomID := range h.connRooms[connID] {
		h.leaveLocked(roomID, connID)
	}
	delete(h.connRooms, connID)
}

func (h *Hub) leaveLocked(conversationID, connID string) {
	room := h.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
	if memberships, ok := h.connRooms[connID]; ok {
		delete(memberships, conversationID)
	}
}
