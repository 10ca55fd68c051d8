// ABOUTME: Tests for the websocket hub
// ABOUTME: Runs real websocket round-trips through httptest servers

package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubHarness struct {
	hub    *Hub
	server *httptest.Server
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection(r.URL.Query().Get("agent"), ws)
		hub.Attach(conn)
		go hub.ReadLoop(conn)
	}))

	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &hubHarness{hub: hub, server: server}
}

func (h *hubHarness) dial(t *testing.T, agentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?agent=" + agentID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return &event
}

func sendClient(t *testing.T, ws *websocket.Conn, msgType, conversationID string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]string{
		"type":            msgType,
		"conversation_id": conversationID,
	}))
}

func waitForConnections(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func waitForRoomSize(t *testing.T, hub *Hub, conversationID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.RoomSize(conversationID) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastAllReachesEveryConnection(t *testing.T) {
	h := newHubHarness(t)
	a := h.dial(t, "agent-a")
	b := h.dial(t, "agent-b")
	waitForConnections(t, h.hub, 2)

	delivered := h.hub.BroadcastAll(&Event{
		Type:           EventConversationUpdated,
		ConversationID: "conv-1",
	})
	assert.Equal(t, 2, delivered)

	assert.Equal(t, EventConversationUpdated, readEvent(t, a).Type)
	assert.Equal(t, EventConversationUpdated, readEvent(t, b).Type)
}

func TestBroadcastScopedToRoom(t *testing.T) {
	h := newHubHarness(t)
	member := h.dial(t, "agent-a")
	outsider := h.dial(t, "agent-b")
	waitForConnections(t, h.hub, 2)

	sendClient(t, member, "join", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 1)

	delivered := h.hub.Broadcast("conv-1", &Event{
		Type:           EventMessageNew,
		ConversationID: "conv-1",
		Payload:        map[string]string{"content": "hello"},
	}, "")
	assert.Equal(t, 1, delivered)

	event := readEvent(t, member)
	assert.Equal(t, EventMessageNew, event.Type)
	assert.Equal(t, "conv-1", event.ConversationID)

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err)
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h := newHubHarness(t)
	ws := h.dial(t, "agent-a")
	waitForConnections(t, h.hub, 1)

	sendClient(t, ws, "join", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 1)

	sendClient(t, ws, "leave", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 0)

	delivered := h.hub.Broadcast("conv-1", &Event{Type: EventMessageNew}, "")
	assert.Equal(t, 0, delivered)
}

func TestTypingRelayedToRoomNotTypist(t *testing.T) {
	h := newHubHarness(t)
	typist := h.dial(t, "agent-a")
	watcher := h.dial(t, "agent-b")
	waitForConnections(t, h.hub, 2)

	sendClient(t, typist, "join", "conv-1")
	sendClient(t, watcher, "join", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 2)

	sendClient(t, typist, "typing", "conv-1")

	event := readEvent(t, watcher)
	assert.Equal(t, EventTyping, event.Type)
	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-a", payload["agent_id"])

	require.NoError(t, typist.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := typist.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectTearsDownMemberships(t *testing.T) {
	h := newHubHarness(t)
	ws := h.dial(t, "agent-a")
	waitForConnections(t, h.hub, 1)

	sendClient(t, ws, "join", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 1)

	ws.Close()
	waitForConnections(t, h.hub, 0)
	assert.Equal(t, 0, h.hub.RoomSize("conv-1"))
}

func TestMalformedClientMessageIgnored(t *testing.T) {
	h := newHubHarness(t)
	ws := h.dial(t, "agent-a")
	waitForConnections(t, h.hub, 1)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	sendClient(t, ws, "join", "conv-1")
	waitForRoomSize(t, h.hub, "conv-1", 1)
}
