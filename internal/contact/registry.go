// ABOUTME: Contact resolution keyed by phone number
// ABOUTME: FindOrCreate is race-safe via the unique phone constraint plus fallback read

package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sable-systems/chatrelay/internal/store"
)

// ContactStore defines what the registry needs from storage
type ContactStore interface {
	CreateContact(ctx context.Context, contact *store.Contact) error
	GetContactByPhone(ctx context.Context, phoneNumber string) (*store.Contact, error)
	UpdateContactName(ctx context.Context, id, displayName string) error
}

// Registry resolves inbound phone numbers to contacts, creating them on first
// sight and keeping display names in sync with what the provider reports.
type Registry struct {
	store  ContactStore
	logger *slog.Logger
}

// New creates a contact registry
func New(contactStore ContactStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  contactStore,
		logger: logger.With("component", "contact"),
	}
}

// FindOrCreate returns the contact for a phone number, creating it if this is
// the first message from that number. Concurrent first messages race on the
// insert; the loser falls back to reading the winner's row.
func (r *Registry) FindOrCreate(ctx context.Context, phoneNumber, displayName string) (*store.Contact, error) {
	contact, err := r.store.GetContactByPhone(ctx, phoneNumber)
	if err == nil {
		return r.syncName(ctx, contact, displayName), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up contact: %w", err)
	}

	now := time.Now()
	contact = &store.Contact{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateContact(ctx, contact); err != nil {
		if errors.Is(err, store.ErrDuplicateContact) {
			existing, lookupErr := r.store.GetContactByPhone(ctx, phoneNumber)
			if lookupErr == nil {
				r.logger.Debug("found existing contact after race", "contact_id", existing.ID)
				return r.syncName(ctx, existing, displayName), nil
			}
			return nil, fmt.Errorf("lookup after duplicate contact: %w", lookupErr)
		}
		return nil, fmt.Errorf("creating contact: %w", err)
	}

	r.logger.Info("new contact registered", "contact_id", contact.ID, "phone", phoneNumber)
	return contact, nil
}

// syncName updates the stored display name if the provider reports a
// different non-empty one. Failures are logged, not returned; a stale name
// never blocks message processing.
func (r *Registry) syncName(ctx context.Context, contact *store.Contact, displayName string) *store.Contact {
	if displayName == "" || displayName == contact.DisplayName {
		return contact
	}
	if err := r.store.UpdateContactName(ctx, contact.ID, displayName); err != nil {
		r.logger.Warn("failed to sync contact name",
			"contact_id", contact.ID,
			"error", err)
		return contact
	}
	updated := *contact
	updated.DisplayName = displayName
	return &updated
}
