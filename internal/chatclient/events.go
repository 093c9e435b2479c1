package chatclient

// Stream event types pushed by the chat endpoint.
const (
	EventConversationID = "conversation_id"
	EventUserMessageID  = "user_message_id"
	EventMode           = "mode"
	EventTitle          = "title"
	EventText           = "text"
	EventDone           = "done"
	EventError          = "error"
)

// StreamEvent is one decoded record from the chat stream. Only the fields
// matching Type carry a value.
type StreamEvent struct {
	Type               string `json:"type"`
	ID                 int64  `json:"id,omitempty"`
	Mode               string `json:"mode,omitempty"`
	Model              string `json:"model,omitempty"`
	Title              string `json:"title,omitempty"`
	Content            string `json:"content,omitempty"`
	Tokens             int64  `json:"tokens,omitempty"`
	AssistantMessageID int64  `json:"assistantMessageId,omitempty"`
	Error              string `json:"error,omitempty"`
}
