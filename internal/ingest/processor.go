// ABOUTME: Inbound event processor - turns provider webhook events into ledger and lifecycle operations
// ABOUTME: Runs after the webhook is acknowledged; failures here are logged, never surfaced to the provider

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sable-systems/chatrelay/internal/contact"
	"github.com/sable-systems/chatrelay/internal/conversation"
	"github.com/sable-systems/chatrelay/internal/dedupe"
	"github.com/sable-systems/chatrelay/internal/relay"
	"github.com/sable-systems/chatrelay/internal/responder"
	"github.com/sable-systems/chatrelay/internal/store"
	"github.com/sable-systems/chatrelay/internal/whatsapp"
)

// DefaultWelcomeText greets a conversation's first message when no welcome is
// configured.
const DefaultWelcomeText = "Hi! Thanks for reaching out. Ask me anything, or say \"agent\" to talk to a person."

// DefaultClosureText announces an idle conversation being closed
const DefaultClosureText = "This conversation was closed due to inactivity. Send a new message anytime to start again."

const historyDepth = 10

// Provider is the outbound side of the messaging provider
type Provider interface {
	SendText(ctx context.Context, to, body string, line whatsapp.Line) (string, error)
	SendMedia(ctx context.Context, to, kind, link, caption string, line whatsapp.Line) (string, error)
	MarkRead(ctx context.Context, providerMessageID string, line whatsapp.Line) error
	ResolveMediaURL(ctx context.Context, mediaID string) (string, error)
}

// BotResponder drafts automated replies. Invoke never fails; a broken backend
// degrades to an escalation reply.
type BotResponder interface {
	Invoke(ctx context.Context, req *responder.Request) *responder.Reply
}

// Notifier fans an event out to live viewers
type Notifier interface {
	Notify(event *relay.Event)
}

// MessageStore is what the processor needs from the ledger
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*store.Message, error)
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status store.DeliveryStatus) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Config tunes the processor's policy knobs
type Config struct {
	WelcomeText        string
	ClosureText        string
	EscalationKeywords []string
}

// Processor implements the inbound event state machine: status updates go to
// the ledger; messages flow through contact resolution, conversation
// resolution, dedupe, append, escalation, and the bot reply path.
type Processor struct {
	ledger        MessageStore
	contacts      *contact.Registry
	conversations *conversation.Service
	provider      Provider
	responder     BotResponder
	notifier      Notifier
	seen          *dedupe.Cache
	keywords      []string
	welcomeText   string
	closureText   string
	logger        *slog.Logger
}

// New creates a processor. The dedupe cache is a fast path only; the ledger's
// unique constraint on provider message IDs remains the authority.
func New(
	ledger MessageStore,
	contacts *contact.Registry,
	conversations *conversation.Service,
	provider Provider,
	botResponder BotResponder,
	notifier Notifier,
	seen *dedupe.Cache,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	keywords := make([]string, 0, len(cfg.EscalationKeywords))
	for _, kw := range cfg.EscalationKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	welcome := cfg.WelcomeText
	if welcome == "" {
		welcome = DefaultWelcomeText
	}
	closure := cfg.ClosureText
	if closure == "" {
		closure = DefaultClosureText
	}
	return &Processor{
		ledger:        ledger,
		contacts:      contacts,
		conversations: conversations,
		provider:      provider,
		responder:     botResponder,
		notifier:      notifier,
		seen:          seen,
		keywords:      keywords,
		welcomeText:   welcome,
		closureText:   closure,
		logger:        logger.With("component", "ingest"),
	}
}

// Process handles one provider event to completion. Errors are terminal for
// the event and logged; the provider already got its acknowledgment.
func (p *Processor) Process(ctx context.Context, event whatsapp.Event) {
	switch {
	case event.Status != nil:
		p.processStatus(ctx, event.Status)
	case event.Message != nil:
		p.processMessage(ctx, event.Message)
	}
}

func (p *Processor) processStatus(ctx context.Context, status *whatsapp.StatusEvent) {
	mapped, ok := mapDeliveryStatus(status.Status)
	if !ok {
		p.logger.Debug("ignoring unknown delivery status",
			"status", status.Status,
			"provider_message_id", status.ProviderMessageID)
		return
	}

	if err := p.ledger.UpdateDeliveryStatus(ctx, status.ProviderMessageID, mapped); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Debug("delivery status for unknown message",
				"provider_message_id", status.ProviderMessageID)
		} else {
			p.logger.Error("failed to update delivery status",
				"provider_message_id", status.ProviderMessageID,
				"error", err)
		}
		return
	}

	msg, err := p.ledger.GetMessageByProviderID(ctx, status.ProviderMessageID)
	if err != nil {
		return
	}
	p.notifier.Notify(relay.NewStatusEvent(msg))
}

func (p *Processor) processMessage(ctx context.Context, event *whatsapp.MessageEvent) {
	if p.seen != nil && p.seen.Contains(event.ProviderMessageID) {
		p.logger.Debug("duplicate delivery dropped by cache",
			"provider_message_id", event.ProviderMessageID)
		return
	}

	person, err := p.contacts.FindOrCreate(ctx, event.From, event.ContactName)
	if err != nil {
		p.logger.Error("contact resolution failed", "phone", event.From, "error", err)
		return
	}

	conv, err := p.conversations.ResolveActiveOrCreate(ctx, person)
	if err != nil {
		p.logger.Error("conversation resolution failed",
			"contact_id", person.ID,
			"error", err)
		return
	}
	// Captured before this message lands so the counter still says whether
	// the conversation was empty.
	firstMessage := conv.MessageCount == 0
	if firstMessage {
		p.notifier.Notify(relay.NewConversationEvent(relay.EventConversationStarted, conv))
	}

	msg := p.buildInbound(ctx, conv.ID, event)
	if err := p.ledger.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// The ledger has the message, so the cache may remember it too.
			if p.seen != nil {
				p.seen.Remember(event.ProviderMessageID)
			}
			p.logger.Debug("duplicate delivery dropped by ledger",
				"provider_message_id", event.ProviderMessageID)
		} else {
			p.logger.Error("failed to append inbound message",
				"conversation_id", conv.ID,
				"error", err)
		}
		return
	}
	// Recorded only after the append so a redelivery can retry anything that
	// failed before the message was persisted.
	if p.seen != nil {
		p.seen.Remember(event.ProviderMessageID)
	}
	p.notifier.Notify(relay.NewMessageEvent(msg))

	if p.shouldEscalate(conv, msg.Content) {
		if conv.Owner == store.OwnerBot {
			p.escalate(ctx, conv.ID)
		}
		return
	}

	if firstMessage {
		p.sendReply(ctx, conv, person, p.welcomeText)
		p.markRead(ctx, event.ProviderMessageID, conv.Channel)
		return
	}

	reply := p.invokeResponder(ctx, conv, person, msg)
	if reply.NeedsHuman {
		p.escalate(ctx, conv.ID)
	}
	if reply.Response != "" {
		p.sendReply(ctx, conv, person, reply.Response)
	}
	p.markRead(ctx, event.ProviderMessageID, conv.Channel)
}

// buildInbound extracts content and resolves media before the append so the
// ledger row is complete on first write.
func (p *Processor) buildInbound(ctx context.Context, conversationID string, event *whatsapp.MessageEvent) *store.Message {
	providerID := event.ProviderMessageID
	msg := &store.Message{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		ProviderMessageID: &providerID,
		SenderKind:        store.SenderContact,
		Content:           event.Text,
		ContentKind:       mapContentKind(event.Kind),
		Status:            store.DeliveryDelivered,
		CreatedAt:         event.Timestamp,
	}

	if event.MediaID != "" {
		url, err := p.provider.ResolveMediaURL(ctx, event.MediaID)
		if err != nil {
			p.logger.Warn("failed to resolve media URL",
				"media_id", event.MediaID,
				"error", err)
		} else {
			msg.MediaURL = &url
		}
	}
	return msg
}

// shouldEscalate reports whether the message forces a human: the conversation
// is already human-owned, or the text matches an escalation keyword.
func (p *Processor) shouldEscalate(conv *store.Conversation, content string) bool {
	if conv.Owner == store.OwnerHuman {
		return true
	}
	lowered := strings.ToLower(content)
	for _, kw := range p.keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func (p *Processor) escalate(ctx context.Context, conversationID string) {
	updated, err := p.conversations.TransferToHuman(ctx, conversationID, "")
	if err != nil {
		p.logger.Error("escalation failed", "conversation_id", conversationID, "error", err)
		return
	}
	p.notifier.Notify(relay.NewConversationEvent(relay.EventConversationUpdated, updated))
}

func (p *Processor) invokeResponder(ctx context.Context, conv *store.Conversation, person *store.Contact, msg *store.Message) *responder.Reply {
	history, err := p.ledger.ListMessages(ctx, conv.ID, historyDepth)
	if err != nil {
		p.logger.Warn("failed to load history for responder",
			"conversation_id", conv.ID,
			"error", err)
	}

	req := &responder.Request{
		ConversationID: conv.ID,
		ContactPhone:   person.PhoneNumber,
		ContactName:    person.DisplayName,
		MessageID:      msg.ID,
		Message:        msg.Content,
	}
	for _, h := range history {
		if h.ID == msg.ID {
			continue
		}
		req.History = append(req.History, responder.HistoryItem{
			Sender:  string(h.SenderKind),
			Content: h.Content,
		})
	}
	return p.responder.Invoke(ctx, req)
}

// sendReply sends a bot message on the conversation's channel and records it.
// A failed send is still recorded with a failed delivery status so agents see
// what the bot attempted.
func (p *Processor) sendReply(ctx context.Context, conv *store.Conversation, person *store.Contact, body string) {
	line := lineFor(conv.Channel)
	providerID, err := p.provider.SendText(ctx, person.PhoneNumber, body, line)

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     store.SenderBot,
		Content:        body,
		ContentKind:    store.ContentText,
		Status:         store.DeliverySent,
		CreatedAt:      time.Now(),
	}
	if err != nil {
		p.logger.Error("outbound send failed",
			"conversation_id", conv.ID,
			"error", err)
		msg.Status = store.DeliveryFailed
	} else {
		msg.ProviderMessageID = &providerID
	}

	if err := p.ledger.AppendMessage(ctx, msg); err != nil {
		p.logger.Error("failed to record bot reply",
			"conversation_id", conv.ID,
			"error", err)
		return
	}
	p.notifier.Notify(relay.NewMessageEvent(msg))
}

func (p *Processor) markRead(ctx context.Context, providerMessageID string, channel store.Channel) {
	if err := p.provider.MarkRead(ctx, providerMessageID, lineFor(channel)); err != nil {
		p.logger.Debug("failed to mark inbound message read",
			"provider_message_id", providerMessageID,
			"error", err)
	}
}

// ConversationExpired implements conversation.ClosureNotifier. The notice
// goes out on the closed conversation's channel and lands in its ledger, so
// the transcript shows why the session ended.
func (p *Processor) ConversationExpired(ctx context.Context, conv *store.Conversation, person *store.Contact) {
	line := lineFor(conv.Channel)
	providerID, err := p.provider.SendText(ctx, person.PhoneNumber, p.closureText, line)

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     store.SenderBot,
		Content:        p.closureText,
		ContentKind:    store.ContentText,
		Status:         store.DeliverySent,
		CreatedAt:      time.Now(),
	}
	if err != nil {
		p.logger.Warn("failed to send closure notice",
			"conversation_id", conv.ID,
			"error", err)
		msg.Status = store.DeliveryFailed
	} else {
		msg.ProviderMessageID = &providerID
	}

	if err := p.ledger.AppendMessage(ctx, msg); err != nil {
		p.logger.Warn("failed to record closure notice",
			"conversation_id", conv.ID,
			"error", err)
	}
	p.notifier.Notify(relay.NewConversationEvent(relay.EventConversationClosed, conv))
}

func lineFor(channel store.Channel) whatsapp.Line {
	if channel == store.ChannelHuman {
		return whatsapp.LineHuman
	}
	return whatsapp.LineBot
}

func mapContentKind(kind string) store.ContentKind {
	switch kind {
	case "image":
		return store.ContentImage
	case "document":
		return store.ContentDocument
	case "audio":
		return store.ContentAudio
	case "video":
		return store.ContentVideo
	default:
		return store.ContentText
	}
}

func mapDeliveryStatus(status string) (store.DeliveryStatus, bool) {
	switch status {
	case "sent":
		return store.DeliverySent, true
	case "delivered":
		return store.DeliveryDelivered, true
	case "read":
		return store.DeliveryRead, true
	case "failed":
		return store.DeliveryFailed, true
	default:
		return "", false
	}
}
