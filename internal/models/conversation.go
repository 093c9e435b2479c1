package models

import "time"

// Conversation groups a sequence of message pairs for one user. MessageCount
// always tracks the number of live message rows; a conversation that loses its
// last message is deleted rather than kept empty.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int64     `json:"message_count"`
	TotalTokens  int64     `json:"total_tokens"`
	IsArchived   bool      `json:"is_archived"`
	IsPinned     bool      `json:"is_pinned"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
