package models

import "time"

// UsageRecord is an accounting entry written after each completed generation.
// The token figure is the length/4 estimate, not a tokenizer count.
type UsageRecord struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ConversationID int64     `json:"conversation_id"`
	Model          string    `json:"model"`
	Action         string    `json:"action"`
	Tokens         int64     `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}
