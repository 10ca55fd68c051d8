// ABOUTME: Event envelope pushed to agent consoles over websockets
// ABOUTME: Event types cover message flow, conversation lifecycle, and typing relay

package relay

import "encoding/json"

// Event types pushed to connected agent consoles
const (
	EventMessageNew          = "message.new"
	EventMessageStatus       = "message.status"
	EventConversationStarted = "conversation.started"
	EventConversationUpdated = "conversation.updated"
	EventConversationClosed  = "conversation.closed"
	EventTyping              = "typing"
	EventTypingStop          = "typing.stop"
)

// Event is the wire envelope for pushed notifications. ConversationID scopes
// room delivery; Payload carries the event-specific body.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

func (e *Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// clientMessage is what agent consoles send upstream: room membership
// changes and typing indicators.
type clientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}
