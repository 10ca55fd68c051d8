// ABOUTME: Event payload builders shared by the ingest pipeline and the HTTP API
// ABOUTME: Keeps the wire shape of pushed messages and conversations in one place

package relay

import (
	"time"

	"github.com/sable-systems/chatrelay/internal/store"
)

// MessagePayload is the pushed representation of a ledger message
type MessagePayload struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SenderKind        string    `json:"sender_kind"`
	SenderID          string    `json:"sender_id,omitempty"`
	Content           string    `json:"content"`
	ContentKind       string    `json:"content_kind"`
	MediaURL          string    `json:"media_url,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// ConversationPayload is the pushed representation of a conversation
type ConversationPayload struct {
	ID            string     `json:"id"`
	ContactID     string     `json:"contact_id"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Status        string     `json:"status"`
	Owner         string     `json:"owner"`
	Channel       string     `json:"channel"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// StatusPayload announces a delivery status change for a message
type StatusPayload struct {
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

// NewMessageEvent builds a message.new event for the message's conversation room
func NewMessageEvent(msg *store.Message) *Event {
	return &Event{
		Type:           EventMessageNew,
		ConversationID: msg.ConversationID,
		Payload:        messagePayload(msg),
	}
}

// NewStatusEvent builds a message.status event
func NewStatusEvent(msg *store.Message) *Event {
	providerID := ""
	if msg.ProviderMessageID != nil {
		providerID = *msg.ProviderMessageID
	}
	return &Event{
		Type:           EventMessageStatus,
		ConversationID: msg.ConversationID,
		Payload: StatusPayload{
			MessageID:         msg.ID,
			ProviderMessageID: providerID,
			Status:            string(msg.Status),
		},
	}
}

// NewConversationEvent builds a lifecycle event for a conversation. kind is
// one of EventConversationStarted, EventConversationUpdated, or
// EventConversationClosed.
func NewConversationEvent(kind string, conv *store.Conversation) *Event {
	payload := ConversationPayload{
		ID:        conv.ID,
		ContactID: conv.ContactID,
		Status:    string(conv.Status),
		Owner:     string(conv.Owner),
		Channel:   string(conv.Channel),
		StartedAt: conv.StartedAt,
		EndedAt:   conv.EndedAt,
	}
	if conv.AssignedAgent != nil {
		payload.AssignedAgent = *conv.AssignedAgent
	}
	return &Event{
		Type:           kind,
		ConversationID: conv.ID,
		Payload:        payload,
	}
}

func messagePayload(msg *store.Message) MessagePayload {
	p := MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderKind:     string(msg.SenderKind),
		Content:        msg.Content,
		ContentKind:    string(msg.ContentKind),
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
	}
	if msg.ProviderMessageID != nil {
		p.ProviderMessageID = *msg.ProviderMessageID
	}
	if msg.SenderID != nil {
		p.SenderID = *msg.SenderID
	}
	if msg.MediaURL != nil {
		p.MediaURL = *msg.MediaURL
	}
	return p
}
