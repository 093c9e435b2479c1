package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RecordUsage appends an accounting entry and bumps the conversation's token
// total. Callers treat failures as best-effort: the generation the user saw
// already succeeded.
func (s *Service) RecordUsage(ctx context.Context, userID, conversationID int64, model, action string, tokens int64) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (user_id, conversation_id, model, action, tokens, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, conversationID, model, action, tokens, now,
	); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = total_tokens + ? WHERE id = ?`,
		tokens, conversationID,
	); err != nil {
		return fmt.Errorf("update total tokens: %w", err)
	}
	s.logger.Debug("usage recorded",
		zap.Int64("user_id", userID),
		zap.Int64("conversation_id", conversationID),
		zap.Int64("tokens", tokens))
	return nil
}
