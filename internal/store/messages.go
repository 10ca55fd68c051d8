// ABOUTME: Message ledger persistence for the SQLite store
// ABOUTME: Append atomically advances conversation counters; delivery status updates are forward-only

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const messageColumns = `id, conversation_id, provider_message_id, sender_kind, sender_id,
	content, content_kind, media_url, status, metadata_json, created_at, rowid`

// AppendMessage records a message and advances the parent conversation's
// last_message_at and message_count in the same transaction. A message from
// the bot or an agent also stamps first_response_at if unset.
// Returns ErrDuplicateMessage if the provider message ID was already recorded,
// leaving the conversation untouched.
//
// The conversation's status is not checked: the automatic-closure notice is
// recorded on the conversation it just closed, so its transcript ends with
// what the contact was actually told. That notice is the only writer the
// pipeline points at a closed conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO messages (id, conversation_id, provider_message_id, sender_kind,
			sender_id, content, content_kind, media_url, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, insertQuery,
		msg.ID,
		msg.ConversationID,
		msg.ProviderMessageID,
		string(msg.SenderKind),
		msg.SenderID,
		msg.Content,
		string(msg.ContentKind),
		msg.MediaURL,
		string(msg.Status),
		metadata,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err, "provider_message_id") {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	// last_message_at only moves forward even if messages arrive with
	// out-of-order timestamps.
	createdAt := formatTime(msg.CreatedAt)
	convQuery := `
		UPDATE conversations
		SET last_message_at = CASE
				WHEN last_message_at IS NULL OR last_message_at < ? THEN ?
				ELSE last_message_at
			END,
			message_count = message_count + 1
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, convQuery, createdAt, createdAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("advancing conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	if msg.SenderKind != SenderContact {
		firstQuery := `
			UPDATE conversations
			SET first_response_at = ?
			WHERE id = ? AND first_response_at IS NULL
		`
		if _, err := tx.ExecContext(ctx, firstQuery, createdAt, msg.ConversationID); err != nil {
			return fmt.Errorf("stamping first response: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT rowid FROM messages WHERE id = ?`, msg.ID).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.SenderKind,
	)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// GetMessageByProviderID retrieves a message by its provider message ID.
// Returns ErrNotFound if no message carries that ID.
func (s *SQLiteStore) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE provider_message_id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, providerMessageID))
}

// UpdateDeliveryStatus records a delivery status report from the provider.
// Status only moves forward (pending, sent, delivered, read); failed is only
// reachable from pending. Stale or out-of-order reports are silently ignored.
// Returns ErrNotFound if no message carries the provider message ID.
func (s *SQLiteStore) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status DeliveryStatus) error {
	if deliveryRank(status) < 0 {
		return fmt.Errorf("unknown delivery status %q", status)
	}

	query := `
		UPDATE messages
		SET status = ?
		WHERE provider_message_id = ?
		  AND status NOT IN ('read', 'failed')
		  AND (? != 'failed' OR status = 'pending')
		  AND CASE status
				WHEN 'pending' THEN 0
				WHEN 'sent' THEN 1
				WHEN 'delivered' THEN 2
				ELSE 3
			END < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status), providerMessageID, string(status), deliveryRank(status))
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("updated delivery status",
			"provider_message_id", providerMessageID,
			"status", status,
		)
		return nil
	}

	// Distinguish a stale report from an unknown message.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE provider_message_id = ?`, providerMessageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking message existence: %w", err)
	}
	return nil
}

// MarkContactMessagesRead marks all unread contact messages in a conversation
// as read. Used when an agent opens a conversation.
func (s *SQLiteStore) MarkContactMessagesRead(ctx context.Context, conversationID string) error {
	query := `
		UPDATE messages
		SET status = 'read'
		WHERE conversation_id = ?
		  AND sender_kind = 'contact'
		  AND status != 'read'
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a conversation in
// chronological order. With a limit it returns the most recent messages,
// still oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			) ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*Message, error) {
	msg, err := scanMessageFields(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanMessageRow(rows *sql.Rows) (*Message, error) {
	return scanMessageFields(rows)
}

func scanMessageFields(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string
	var metadata sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.ProviderMessageID,
		&msg.SenderKind,
		&msg.SenderID,
		&msg.Content,
		&msg.ContentKind,
		&msg.MediaURL,
		&msg.Status,
		&metadata,
		&createdAtStr,
		&msg.Seq,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	return &msg, nil
}
