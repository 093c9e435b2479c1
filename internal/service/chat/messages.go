package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"blackai/internal/models"
)

// HistoryWindow caps how many prior messages are loaded into the prompt.
const HistoryWindow = 50

// AddMessage stores a new message, bumps the conversation's message counter
// and touches updated_at. Empty content is allowed: the assistant placeholder
// starts empty by design.
func (s *Service) AddMessage(ctx context.Context, conversationID int64, role models.Role, content, model string) (*models.Message, error) {
	if conversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tokens_used, model, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		conversationID, role, content, model, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &models.Message{
		ID: id, ConversationID: conversationID, Role: role,
		Content: content, Model: model, CreatedAt: now,
	}, nil
}

// History returns the conversation's messages ordered by creation time
// ascending, excluding excludeID (the just-created empty placeholder) and
// capped at HistoryWindow rows to bound prompt size.
func (s *Service) History(ctx context.Context, conversationID, excludeID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens_used, model, created_at
		 FROM messages WHERE conversation_id = ? AND id != ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		conversationID, excludeID, HistoryWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessages returns every message of a conversation the user owns, oldest
// first.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tokens_used, model, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FinalizeAssistantMessage writes the accumulated content and token estimate
// into the placeholder row once streaming completes (or fails with partial
// output).
func (s *Service) FinalizeAssistantMessage(ctx context.Context, messageID int64, content string, tokens int64) error {
	if messageID <= 0 {
		return errors.New("invalid message id")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, tokens_used = ? WHERE id = ?`,
		content, tokens, messageID,
	)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteMessages removes the given message ids from a conversation the user
// owns, recounts the survivors and stores the new counter. It returns how
// many messages remain so the caller can decide whether to drop the whole
// conversation.
func (s *Service) DeleteMessages(ctx context.Context, userID, conversationID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.New("no message ids")
	}
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...,
	); err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}

	var remaining int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = ?, updated_at = ? WHERE id = ?`,
		remaining, time.Now().UTC(), conversationID,
	); err != nil {
		return remaining, fmt.Errorf("update message count: %w", err)
	}
	return remaining, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensUsed, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
