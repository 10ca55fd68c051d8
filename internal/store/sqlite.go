// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides contact/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The unique indexes on phone_number, provider_message_id, and the partial
// active-conversation index carry the idempotency and single-active
// guarantees; application code relies on them, not on check-then-insert.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contacts (
			id           TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			contact_id        TEXT NOT NULL REFERENCES contacts(id),
			assigned_agent    TEXT,
			status            TEXT NOT NULL DEFAULT 'active',
			owner             TEXT NOT NULL DEFAULT 'bot',
			channel           TEXT NOT NULL DEFAULT 'bot',
			started_at        TEXT NOT NULL,
			ended_at          TEXT,
			first_response_at TEXT,
			last_message_at   TEXT,
			message_count     INTEGER NOT NULL DEFAULT 0,
			metadata_json     TEXT,

			CHECK (status IN ('active', 'closed', 'archived')),
			CHECK (owner IN ('bot', 'human')),
			CHECK (channel IN ('bot', 'human'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_contact
			ON conversations(contact_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active
			ON conversations(contact_id) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id),
			provider_message_id TEXT UNIQUE,
			sender_kind         TEXT NOT NULL,
			sender_id           TEXT,
			content             TEXT NOT NULL,
			content_kind        TEXT NOT NULL DEFAULT 'text',
			media_url           TEXT,
			status              TEXT NOT NULL DEFAULT 'pending',
			metadata_json       TEXT,
			created_at          TEXT NOT NULL,

			CHECK (sender_kind IN ('contact', 'agent', 'bot')),
			CHECK (content_kind IN ('text', 'image', 'document', 'audio', 'video')),
			CHECK (status IN ('pending', 'sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_provider
			ON messages(provider_message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint
// violation, optionally scoped to a specific index or column name.
func isConstraintViolation(err error, name string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "constraint failed") {
		return false
	}
	if name == "" {
		return true
	}
	return strings.Contains(errStr, name)
}

// timeLayout is RFC3339 with a fixed-width fractional second so that stored
// timestamps compare correctly as strings. The monotonic last_message_at
// update in AppendMessage depends on this.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp as UTC RFC3339 for storage
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr renders an optional timestamp, nil stays nil
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored RFC3339 timestamp
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseTimePtr parses an optional stored timestamp
func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateContact inserts a new contact. If a contact with the same phone number
// already exists it returns ErrDuplicateContact; callers fall back to a read.
func (s *SQLiteStore) CreateContact(ctx context.Context, contact *Contact) error {
	query := `
		INSERT INTO contacts (id, phone_number, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		contact.ID,
		contact.PhoneNumber,
		contact.DisplayName,
		formatTime(contact.CreatedAt),
		formatTime(contact.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err, "phone_number") {
			return ErrDuplicateContact
		}
		return fmt.Errorf("inserting contact: %w", err)
	}

	s.logger.Debug("created contact", "id", contact.ID, "phone", contact.PhoneNumber)
	return nil
}

// GetContact retrieves a contact by ID.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	query := `
		SELECT id, phone_number, display_name, created_at, updated_at
		FROM contacts
		WHERE id = ?
	`
	return s.scanContact(s.db.QueryRowContext(ctx, query, id))
}

// GetContactByPhone retrieves a contact by phone number.
// Returns ErrNotFound if no contact exists for the given number.
func (s *SQLiteStore) GetContactByPhone(ctx context.Context, phoneNumber string) (*Contact, error) {
	query := `
		SELECT id, phone_number, display_name, created_at, updated_at
		FROM contacts
		WHERE phone_number = ?
	`
	return s.scanContact(s.db.QueryRowContext(ctx, query, phoneNumber))
}

func (s *SQLiteStore) scanContact(row *sql.Row) (*Contact, error) {
	var contact Contact
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&contact.ID,
		&contact.PhoneNumber,
		&contact.DisplayName,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}

	contact.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	contact.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &contact, nil
}

// UpdateContactName updates a contact's display name.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) UpdateContactName(ctx context.Context, id, displayName string) error {
	query := `
		UPDATE contacts
		SET display_name = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, displayName, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated contact name", "id", id)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
