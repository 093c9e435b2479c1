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

// ListOptions filters and paginates ListConversations.
type ListOptions struct {
	Search   string
	Model    string
	Sort     string // recent | oldest | most_messages
	Archived bool
	Page     int
	Limit    int
}

// CreateConversation inserts a new conversation for the user and returns the
// record. The title is usually the placeholder; the generated one arrives
// later through UpdateConversationTitle.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title, model string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, model, message_count, total_tokens, is_archived, is_pinned, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?)`,
		userID, title, model, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID: id, UserID: userID, Title: title, Model: model,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetConversation returns one conversation owned by the user, or
// sql.ErrNoRows.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model, message_count, total_tokens, is_archived, is_pinned, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.MessageCount, &c.TotalTokens,
		&c.IsArchived, &c.IsPinned, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns one page of the user's conversations plus the
// total count for the filter. Pinned conversations sort first within every
// ordering.
func (s *Service) ListConversations(ctx context.Context, userID int64, opts ListOptions) ([]models.Conversation, int64, error) {
	where := []string{"user_id = ?", "is_archived = ?"}
	args := []any{userID, opts.Archived}
	if search := strings.TrimSpace(opts.Search); search != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+search+"%")
	}
	if opts.Model != "" {
		where = append(where, "model = ?")
		args = append(args, opts.Model)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	order := "is_pinned DESC, updated_at DESC"
	switch opts.Sort {
	case "oldest":
		order = "is_pinned DESC, updated_at ASC"
	case "most_messages":
		order = "is_pinned DESC, message_count DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, message_count, total_tokens, is_archived, is_pinned, created_at, updated_at
		 FROM conversations WHERE `+cond+` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.MessageCount, &c.TotalTokens,
			&c.IsArchived, &c.IsPinned, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// UpdateConversationTitle sets a conversation title on behalf of its owner.
func (s *Service) UpdateConversationTitle(ctx context.Context, userID, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	return s.updateConversation(ctx, userID, conversationID, `title = ?`, title)
}

// SetArchived toggles the archived flag.
func (s *Service) SetArchived(ctx context.Context, userID, conversationID int64, archived bool) error {
	return s.updateConversation(ctx, userID, conversationID, `is_archived = ?`, archived)
}

// SetPinned toggles the pinned flag.
func (s *Service) SetPinned(ctx context.Context, userID, conversationID int64, pinned bool) error {
	return s.updateConversation(ctx, userID, conversationID, `is_pinned = ?`, pinned)
}

// SetMessageCount overwrites the live message counter. Used by the client
// after optimistic deletions; DeleteMessages recounts on its own.
func (s *Service) SetMessageCount(ctx context.Context, userID, conversationID, count int64) error {
	if count < 0 {
		return errors.New("message count cannot be negative")
	}
	return s.updateConversation(ctx, userID, conversationID, `message_count = ?`, count)
}

func (s *Service) updateConversation(ctx context.Context, userID, conversationID int64, set string, val any) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+set+`, updated_at = ? WHERE id = ? AND user_id = ?`,
		val, time.Now().UTC(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and all related messages for the
// user.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
