// ABOUTME: Store interface and data types for chatrelay persistence
// ABOUTME: Defines Contact, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateContact is returned when a contact with the same phone number already exists
var ErrDuplicateContact = errors.New("contact already exists")

// ErrDuplicateMessage is returned when a message with the same provider message ID
// has already been recorded. Webhook deliveries may be retried; the unique
// constraint on provider_message_id is what makes ingestion idempotent.
var ErrDuplicateMessage = errors.New("message already recorded")

// ErrActiveConversationExists is returned when creating an active conversation
// for a contact that already has one
var ErrActiveConversationExists = errors.New("active conversation already exists")

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusClosed   ConversationStatus = "closed"
	StatusArchived ConversationStatus = "archived"
)

// Owner indicates whether the bot or a human agent is driving a conversation
type Owner string

const (
	OwnerBot   Owner = "bot"
	OwnerHuman Owner = "human"
)

// Channel selects which outbound provider identity a conversation uses
type Channel string

const (
	ChannelBot   Channel = "bot"
	ChannelHuman Channel = "human"
)

// SenderKind identifies who authored a message
type SenderKind string

const (
	SenderContact SenderKind = "contact"
	SenderAgent   SenderKind = "agent"
	SenderBot     SenderKind = "bot"
)

// ContentKind categorizes message content
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentDocument ContentKind = "document"
	ContentAudio    ContentKind = "audio"
	ContentVideo    ContentKind = "video"
)

// DeliveryStatus tracks provider-side message delivery.
// Transitions are forward-monotonic: pending→sent→delivered→read, or
// pending→failed. There is no transition out of read or failed.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// deliveryRank orders delivery statuses for monotonicity checks.
// failed is terminal but only reachable from pending.
func deliveryRank(s DeliveryStatus) int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	case DeliveryFailed:
		return 4
	default:
		return -1
	}
}

// Contact is the identity anchor for an end user, keyed by phone number
type Contact struct {
	ID          string
	PhoneNumber string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conversation is a bounded session between a contact and either the bot or a
// human agent. At most one conversation per contact may be active at a time.
type Conversation struct {
	ID              string
	ContactID       string
	AssignedAgent   *string
	Status          ConversationStatus
	Owner           Owner
	Channel         Channel
	StartedAt       time.Time
	EndedAt         *time.Time
	FirstResponseAt *time.Time
	LastMessageAt   *time.Time
	// MessageCount is advanced atomically with each appended message. It lets
	// the inbound processor detect a conversation's first message without
	// scanning history.
	MessageCount int
	Metadata     map[string]string
}

// ConversationPatch is a partial update applied to a conversation.
// Nil fields are left unchanged.
type ConversationPatch struct {
	AssignedAgent   **string // double pointer so nil-the-field is expressible
	Status          *ConversationStatus
	Owner           *Owner
	Channel         *Channel
	EndedAt         *time.Time
	FirstResponseAt *time.Time
	Metadata        map[string]string
}

// Empty reports whether the patch contains no changes.
func (p *ConversationPatch) Empty() bool {
	return p.AssignedAgent == nil && p.Status == nil && p.Owner == nil &&
		p.Channel == nil && p.EndedAt == nil && p.FirstResponseAt == nil &&
		p.Metadata == nil
}

// ConversationFilter narrows conversation listings
type ConversationFilter struct {
	Status        *ConversationStatus
	Owner         *Owner
	AssignedAgent *string
	Limit         int
	Offset        int
}

// ConversationSummary is a conversation joined with contact details and unread
// counts for list views.
type ConversationSummary struct {
	Conversation
	ContactPhone string
	ContactName  string
	UnreadCount  int
	LastMessage  string
}

// Message is an immutable ledger entry within a conversation
type Message struct {
	ID                string
	ConversationID    string
	ProviderMessageID *string
	SenderKind        SenderKind
	SenderID          *string
	Content           string
	ContentKind       ContentKind
	MediaURL          *string
	Status            DeliveryStatus
	Metadata          map[string]string
	CreatedAt         time.Time

	// Seq is the store-assigned insertion order, used as the ordering tiebreak
	// for messages sharing a created_at timestamp. Read-only.
	Seq int64
}

// Store defines the persistence interface for contacts, conversations, and the
// message ledger
type Store interface {
	// Contacts
	CreateContact(ctx context.Context, contact *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	GetContactByPhone(ctx context.Context, phoneNumber string) (*Contact, error)
	UpdateContactName(ctx context.Context, id, displayName string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversation(ctx context.Context, contactID string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*ConversationSummary, error)

	// Message ledger
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error)
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status DeliveryStatus) error
	MarkContactMessagesRead(ctx context.Context, conversationID string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
