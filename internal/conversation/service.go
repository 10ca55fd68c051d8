// ABOUTME: Conversation lifecycle service - session resolution, expiry, ownership transfer
// ABOUTME: Per-contact locking serializes resolution so one contact never races itself

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sable-systems/chatrelay/internal/store"
)

// DefaultExpiry is how long a conversation may sit idle before an inbound
// message starts a fresh one.
const DefaultExpiry = 30 * time.Minute

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetActiveConversation(ctx context.Context, contactID string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.ConversationSummary, error)
}

// ClosureNotifier is told when an idle conversation is closed during
// resolution, before its replacement is created. Implementations send the
// contact a closing notice and fan the closure out to connected agents.
// Notification is best effort; it runs outside the resolution lock's critical
// decisions and its failures never block the new conversation.
type ClosureNotifier interface {
	ConversationExpired(ctx context.Context, conv *store.Conversation, contact *store.Contact)
}

// Service owns conversation lifecycle: which conversation an inbound message
// belongs to, when an idle one is retired, and who is driving it.
type Service struct {
	store    ConversationStore
	notifier ClosureNotifier
	expiry   time.Duration
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a conversation service. notifier may be nil. An expiry of zero
// falls back to DefaultExpiry.
func New(convStore ConversationStore, notifier ClosureNotifier, expiry time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Service{
		store:    convStore,
		notifier: notifier,
		expiry:   expiry,
		locks:    newKeyedMutex(),
		logger:   logger.With("component", "conversation"),
		now:      time.Now,
	}
}

// SetNotifier installs the closure notifier after construction. The notifier
// depends on the send path, which depends on this service, so wiring happens
// in two steps.
func (s *Service) SetNotifier(n ClosureNotifier) {
	s.notifier = n
}

// ResolveActiveOrCreate returns the conversation an inbound message from the
// contact belongs to. An active conversation within the idle window is
// reused. An expired one is closed, its closure announced, and a fresh
// bot-owned conversation started. Calls for the same contact are serialized,
// so concurrent messages from one contact resolve to the same conversation.
func (s *Service) ResolveActiveOrCreate(ctx context.Context, contact *store.Contact) (*store.Conversation, error) {
	unlock := s.locks.lock(contact.ID)
	defer unlock()

	active, err := s.store.GetActiveConversation(ctx, contact.ID)
	if err == nil {
		if !s.expired(active) {
			return active, nil
		}
		if err := s.closeExpired(ctx, active, contact); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	return s.createFresh(ctx, contact.ID)
}

// expired reports whether the conversation has been idle past the window.
// Idle time runs from the last message, or from the start when nothing has
// been said yet.
func (s *Service) expired(conv *store.Conversation) bool {
	last := conv.StartedAt
	if conv.LastMessageAt != nil && conv.LastMessageAt.After(last) {
		last = *conv.LastMessageAt
	}
	return s.now().Sub(last) > s.expiry
}

func (s *Service) closeExpired(ctx context.Context, conv *store.Conversation, contact *store.Contact) error {
	closed := store.StatusClosed
	endedAt := s.now()
	updated, err := s.store.UpdateConversation(ctx, conv.ID, store.ConversationPatch{
		Status:  &closed,
		EndedAt: &endedAt,
	})
	if err != nil {
		return fmt.Errorf("closing expired conversation: %w", err)
	}

	s.logger.Info("conversation expired",
		"conversation_id", conv.ID,
		"contact_id", contact.ID)

	if s.notifier != nil {
		s.notifier.ConversationExpired(ctx, updated, contact)
	}
	return nil
}

func (s *Service) createFresh(ctx context.Context, contactID string) (*store.Conversation, error) {
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		ContactID: contactID,
		Status:    store.StatusActive,
		Owner:     store.OwnerBot,
		Channel:   store.ChannelBot,
		StartedAt: s.now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another writer won the active slot between our lookup and insert.
		if errors.Is(err, store.ErrActiveConversationExists) {
			existing, lookupErr := s.store.GetActiveConversation(ctx, contactID)
			if lookupErr == nil {
				s.logger.Debug("found active conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			return nil, fmt.Errorf("lookup after duplicate active conversation: %w", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"contact_id", contactID)
	return conv, nil
}

// Get returns a conversation by ID
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns conversation summaries matching the filter
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) ([]*store.ConversationSummary, error) {
	return s.store.ListConversations(ctx, filter)
}

// Update applies a partial update to a conversation
func (s *Service) Update(ctx context.Context, id string, patch store.ConversationPatch) (*store.Conversation, error) {
	return s.store.UpdateConversation(ctx, id, patch)
}

// TransferToHuman hands the conversation to a human agent. The outbound
// channel flips to the human line with it, so replies come from the number
// the contact will keep talking to. agentID may be empty for an unassigned
// escalation.
func (s *Service) TransferToHuman(ctx context.Context, conversationID string, agentID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusActive {
		return nil, fmt.Errorf("conversation %s is %s, not active", conversationID, conv.Status)
	}

	human := store.OwnerHuman
	humanChannel := store.ChannelHuman
	patch := store.ConversationPatch{
		Owner:   &human,
		Channel: &humanChannel,
	}
	if agentID != "" {
		agentPtr := &agentID
		patch.AssignedAgent = &agentPtr
	}

	updated, err := s.store.UpdateConversation(ctx, conversationID, patch)
	if err != nil {
		return nil, fmt.Errorf("transferring conversation: %w", err)
	}

	s.logger.Info("conversation transferred to human",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return updated, nil
}

// TransferToBot returns the conversation to the bot. The assignment is
// cleared and the outbound channel flips back to the bot line.
func (s *Service) TransferToBot(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusActive {
		return nil, fmt.Errorf("conversation %s is %s, not active", conversationID, conv.Status)
	}

	bot := store.OwnerBot
	botChannel := store.ChannelBot
	var noAgent *string
	updated, err := s.store.UpdateConversation(ctx, conversationID, store.ConversationPatch{
		Owner:         &bot,
		Channel:       &botChannel,
		AssignedAgent: &noAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("transferring conversation: %w", err)
	}

	s.logger.Info("conversation returned to bot", "conversation_id", conversationID)
	return updated, nil
}

// Close ends a conversation. Closing an already closed conversation is a
// no-op that returns its current state.
func (s *Service) Close(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusActive {
		return conv, nil
	}

	closed := store.StatusClosed
	endedAt := s.now()
	updated, err := s.store.UpdateConversation(ctx, conversationID, store.ConversationPatch{
		Status:  &closed,
		EndedAt: &endedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}

	s.logger.Info("conversation closed", "conversation_id", conversationID)
	return updated, nil
}
