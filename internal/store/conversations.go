// ABOUTME: Conversation persistence for the SQLite store
// ABOUTME: Creation relies on the partial unique index to enforce one active conversation per contact

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const conversationColumns = `id, contact_id, assigned_agent, status, owner, channel,
	started_at, ended_at, first_response_at, last_message_at, message_count, metadata_json`

// CreateConversation inserts a new conversation. If the conversation is active
// and the contact already has an active one, the partial unique index rejects
// the insert and ErrActiveConversationExists is returned; callers re-read the
// winner instead of retrying the insert.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ContactID,
		conv.AssignedAgent,
		string(conv.Status),
		string(conv.Owner),
		string(conv.Channel),
		formatTime(conv.StartedAt),
		formatTimePtr(conv.EndedAt),
		formatTimePtr(conv.FirstResponseAt),
		formatTimePtr(conv.LastMessageAt),
		conv.MessageCount,
		metadata,
	)
	if err != nil {
		if isConstraintViolation(err, "conversations") {
			return ErrActiveConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation",
		"id", conv.ID,
		"contact_id", conv.ContactID,
		"owner", conv.Owner,
	)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveConversation retrieves the contact's active conversation.
// Returns ErrNotFound if the contact has no active conversation.
func (s *SQLiteStore) GetActiveConversation(ctx context.Context, contactID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE contact_id = ? AND status = 'active'
		ORDER BY started_at DESC
		LIMIT 1
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, contactID))
}

// UpdateConversation applies a partial update and returns the updated row.
// An empty patch is a no-op that returns the current state.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	if patch.Empty() {
		return s.GetConversation(ctx, id)
	}

	var sets []string
	var args []any

	if patch.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = ?")
		if *patch.AssignedAgent == nil {
			args = append(args, nil)
		} else {
			args = append(args, **patch.AssignedAgent)
		}
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Owner != nil {
		sets = append(sets, "owner = ?")
		args = append(args, string(*patch.Owner))
	}
	if patch.Channel != nil {
		sets = append(sets, "channel = ?")
		args = append(args, string(*patch.Channel))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, formatTime(*patch.EndedAt))
	}
	if patch.FirstResponseAt != nil {
		sets = append(sets, "first_response_at = ?")
		args = append(args, formatTime(*patch.FirstResponseAt))
	}
	if patch.Metadata != nil {
		metadata, err := marshalMetadata(patch.Metadata)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "metadata_json = ?")
		args = append(args, metadata)
	}

	args = append(args, id)
	query := `UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", id)
	return s.GetConversation(ctx, id)
}

// ListConversations returns conversation summaries joined with contact details
// and unread counts, most recent activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*ConversationSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	conditions := []string{"1=1"}
	var args []any

	if filter.Status != nil {
		conditions = append(conditions, "c.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Owner != nil {
		conditions = append(conditions, "c.owner = ?")
		args = append(args, string(*filter.Owner))
	}
	if filter.AssignedAgent != nil {
		conditions = append(conditions, "c.assigned_agent = ?")
		args = append(args, *filter.AssignedAgent)
	}
	args = append(args, limit, filter.Offset)

	query := `
		SELECT c.id, c.contact_id, c.assigned_agent, c.status, c.owner, c.channel,
		       c.started_at, c.ended_at, c.first_response_at, c.last_message_at,
		       c.message_count, c.metadata_json,
		       con.phone_number, con.display_name,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.sender_kind = 'contact'
		          AND m.status != 'read') AS unread_count,
		       COALESCE((SELECT content FROM messages
		        WHERE conversation_id = c.id
		        ORDER BY created_at DESC, rowid DESC LIMIT 1), '') AS last_message
		FROM conversations c
		JOIN contacts con ON c.contact_id = con.id
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY COALESCE(c.last_message_at, c.started_at) DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		var startedAtStr string
		var endedAt, firstResponseAt, lastMessageAt, metadata sql.NullString

		if err := rows.Scan(
			&summary.ID,
			&summary.ContactID,
			&summary.AssignedAgent,
			&summary.Status,
			&summary.Owner,
			&summary.Channel,
			&startedAtStr,
			&endedAt,
			&firstResponseAt,
			&lastMessageAt,
			&summary.MessageCount,
			&metadata,
			&summary.ContactPhone,
			&summary.ContactName,
			&summary.UnreadCount,
			&summary.LastMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		if err := fillConversationTimes(&summary.Conversation, startedAtStr, endedAt, firstResponseAt, lastMessageAt, metadata); err != nil {
			return nil, err
		}
		summaries = append(summaries, &summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return summaries, nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var startedAtStr string
	var endedAt, firstResponseAt, lastMessageAt, metadata sql.NullString

	err := row.Scan(
		&conv.ID,
		&conv.ContactID,
		&conv.AssignedAgent,
		&conv.Status,
		&conv.Owner,
		&conv.Channel,
		&startedAtStr,
		&endedAt,
		&firstResponseAt,
		&lastMessageAt,
		&conv.MessageCount,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if err := fillConversationTimes(&conv, startedAtStr, endedAt, firstResponseAt, lastMessageAt, metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

func fillConversationTimes(conv *Conversation, startedAtStr string, endedAt, firstResponseAt, lastMessageAt, metadata sql.NullString) error {
	var err error
	conv.StartedAt, err = parseTime(startedAtStr)
	if err != nil {
		return fmt.Errorf("parsing started_at: %w", err)
	}
	conv.EndedAt, err = parseTimePtr(endedAt)
	if err != nil {
		return fmt.Errorf("parsing ended_at: %w", err)
	}
	conv.FirstResponseAt, err = parseTimePtr(firstResponseAt)
	if err != nil {
		return fmt.Errorf("parsing first_response_at: %w", err)
	}
	conv.LastMessageAt, err = parseTimePtr(lastMessageAt)
	if err != nil {
		return fmt.Errorf("parsing last_message_at: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return fmt.Errorf("parsing metadata: %w", err)
		}
	}
	return nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}
