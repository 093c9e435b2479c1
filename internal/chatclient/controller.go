package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blackai/internal/models"
)

const cancelledNotice = "⚠️ Generation cancelled."

// ClientMessage is one chat bubble held by the controller. ID is a local
// identifier assigned at creation; DBID is filled in once the server has
// persisted the row and stays zero until then.
type ClientMessage struct {
	ID          string
	Role        models.Role
	Content     string
	CreatedAt   time.Time
	IsStreaming bool
	DBID        int64
}

// ChatRequest is the payload sent to open a chat stream.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// Backend is the server surface the controller drives.
type Backend interface {
	StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	DeleteMessages(ctx context.Context, conversationID int64, ids []int64) (int64, error)
	DeleteConversation(ctx context.Context, conversationID int64) error
	SetMessageCount(ctx context.Context, conversationID, count int64) error
}

// Callbacks receive controller-level notifications. Any field may be nil.
type Callbacks struct {
	OnConversationCreated func(conversationID int64)
	OnTitleGenerated      func(title string)
	OnConversationDeleted func(conversationID int64)
	OnError               func(err error)
}

// Controller keeps the local message list in sync with a streaming chat
// backend. All exported methods are safe for concurrent use; SendMessage
// blocks until its stream finishes, so StopGeneration is expected to be
// called from another goroutine.
type Controller struct {
	backend   Backend
	callbacks Callbacks
	logger    *zap.Logger

	mu             sync.Mutex
	messages       []ClientMessage
	conversationID int64
	streaming      bool
	cancel         context.CancelFunc
}

// NewController constructs a controller over the given backend.
func NewController(backend Backend, callbacks Callbacks, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		backend:   backend,
		callbacks: callbacks,
		logger:    logger.With(zap.String("module", "chatclient")),
	}
}

// Messages returns a snapshot of the current message list.
func (c *Controller) Messages() []ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// ConversationID returns the server id of the active conversation, or zero
// when none has been created yet.
func (c *Controller) ConversationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// IsStreaming reports whether a SendMessage call is in flight.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// SendMessage appends the user message and a streaming assistant bubble,
// opens the stream, and applies events until it closes. Blank input or a
// send already in flight is a no-op.
func (c *Controller) SendMessage(ctx context.Context, content, mode string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.streaming = true
	c.cancel = cancel

	userMsg := ClientMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	assistantMsg := ClientMessage{
		ID:          uuid.NewString(),
		Role:        models.RoleAssistant,
		CreatedAt:   time.Now(),
		IsStreaming: true,
	}
	c.messages = append(c.messages, userMsg, assistantMsg)
	req := ChatRequest{
		Message:        content,
		ConversationID: c.conversationID,
		Mode:           mode,
	}
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.streaming = false
		c.cancel = nil
		c.setStreamingFlagLocked(assistantMsg.ID, false)
		c.mu.Unlock()
	}()

	body, err := c.backend.StreamChat(streamCtx, req)
	if err != nil {
		c.failStream(streamCtx, assistantMsg.ID, err)
		return nil
	}
	defer body.Close()

	var dec sseDecoder
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.feed(buf[:n]) {
				c.apply(ev, userMsg.ID, assistantMsg.ID)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				c.failStream(streamCtx, assistantMsg.ID, readErr)
			}
			return nil
		}
	}
}

// StopGeneration aborts the stream in flight, if any. The partial assistant
// content is kept; an empty bubble gets a cancellation notice instead.
func (c *Controller) StopGeneration() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DeleteMessagePair removes the message and its conversational partner: a
// user message takes the assistant reply that follows it, an assistant
// message takes the user message that precedes it. Rows already persisted
// are deleted on the server; if the conversation empties out it is deleted
// too, otherwise its message count is updated.
func (c *Controller) DeleteMessagePair(ctx context.Context, messageID string) {
	c.mu.Lock()
	idx := -1
	for i, m := range c.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}

	indices := []int{idx}
	switch c.messages[idx].Role {
	case models.RoleUser:
		if idx+1 < len(c.messages) && c.messages[idx+1].Role == models.RoleAssistant {
			indices = append(indices, idx+1)
		}
	case models.RoleAssistant:
		if idx > 0 && c.messages[idx-1].Role == models.RoleUser {
			indices = []int{idx - 1, idx}
		}
	}

	var dbIDs []int64
	remove := make(map[int]bool, len(indices))
	for _, i := range indices {
		remove[i] = true
		if c.messages[i].DBID > 0 {
			dbIDs = append(dbIDs, c.messages[i].DBID)
		}
	}
	kept := make([]ClientMessage, 0, len(c.messages)-len(indices))
	for i, m := range c.messages {
		if !remove[i] {
			kept = append(kept, m)
		}
	}
	c.messages = kept
	conversationID := c.conversationID
	emptied := len(kept) == 0
	if emptied {
		c.conversationID = 0
	}
	c.mu.Unlock()

	if conversationID == 0 {
		return
	}
	if len(dbIDs) > 0 {
		if _, err := c.backend.DeleteMessages(ctx, conversationID, dbIDs); err != nil {
			c.logger.Warn("delete messages failed", zap.Error(err))
			c.notifyError(err)
			return
		}
	}
	if emptied {
		if err := c.backend.DeleteConversation(ctx, conversationID); err != nil {
			c.logger.Warn("delete conversation failed", zap.Error(err))
			c.notifyError(err)
			return
		}
		if c.callbacks.OnConversationDeleted != nil {
			c.callbacks.OnConversationDeleted(conversationID)
		}
		return
	}
	if err := c.backend.SetMessageCount(ctx, conversationID, int64(len(kept))); err != nil {
		c.logger.Warn("update message count failed", zap.Error(err))
	}
}

// LoadConversation replaces the local list with the server copy. On failure
// the current list is left untouched.
func (c *Controller) LoadConversation(ctx context.Context, conversationID int64) error {
	serverMessages, err := c.backend.ListMessages(ctx, conversationID)
	if err != nil {
		err = fmt.Errorf("load conversation %d: %w", conversationID, err)
		c.notifyError(err)
		return err
	}
	loaded := make([]ClientMessage, 0, len(serverMessages))
	for _, m := range serverMessages {
		loaded = append(loaded, ClientMessage{
			ID:        uuid.NewString(),
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			DBID:      m.ID,
		})
	}
	c.mu.Lock()
	c.messages = loaded
	c.conversationID = conversationID
	c.mu.Unlock()
	return nil
}

// Reset aborts any stream in flight and clears all local state.
func (c *Controller) Reset() {
	c.StopGeneration()
	c.mu.Lock()
	c.messages = nil
	c.conversationID = 0
	c.mu.Unlock()
}

func (c *Controller) apply(ev StreamEvent, userMsgID, assistantMsgID string) {
	switch ev.Type {
	case EventConversationID:
		c.mu.Lock()
		created := c.conversationID == 0 && ev.ID > 0
		if created {
			c.conversationID = ev.ID
		}
		c.mu.Unlock()
		if created && c.callbacks.OnConversationCreated != nil {
			c.callbacks.OnConversationCreated(ev.ID)
		}
	case EventUserMessageID:
		c.setDBIDByLocalID(userMsgID, ev.ID)
	case EventMode:
		// Informational only.
	case EventTitle:
		if c.callbacks.OnTitleGenerated != nil {
			c.callbacks.OnTitleGenerated(ev.Title)
		}
	case EventText:
		c.mu.Lock()
		if i := c.indexLocked(assistantMsgID); i >= 0 {
			c.messages[i].Content += ev.Content
		}
		c.mu.Unlock()
	case EventDone:
		c.mu.Lock()
		if i := c.indexLocked(assistantMsgID); i >= 0 {
			c.messages[i].DBID = ev.AssistantMessageID
			c.messages[i].IsStreaming = false
		}
		c.mu.Unlock()
	case EventError:
		err := errors.New(ev.Error)
		c.mu.Lock()
		if i := c.indexLocked(assistantMsgID); i >= 0 {
			c.messages[i].Content = fmt.Sprintf("❌ Error: %s", ev.Error)
			c.messages[i].IsStreaming = false
		}
		c.mu.Unlock()
		c.notifyError(err)
	}
}

// failStream handles transport-level termination. A cancelled context means
// the user aborted: keep whatever streamed in, or leave a notice in an
// empty bubble, and stay quiet. Anything else is surfaced as an error.
func (c *Controller) failStream(ctx context.Context, assistantMsgID string, err error) {
	aborted := ctx.Err() != nil
	c.mu.Lock()
	if i := c.indexLocked(assistantMsgID); i >= 0 {
		switch {
		case aborted && c.messages[i].Content == "":
			c.messages[i].Content = cancelledNotice
		case !aborted:
			c.messages[i].Content = fmt.Sprintf("❌ Error: %s", err.Error())
		}
		c.messages[i].IsStreaming = false
	}
	c.mu.Unlock()
	if aborted {
		return
	}
	c.logger.Warn("chat stream failed", zap.Error(err))
	c.notifyError(err)
}

func (c *Controller) indexLocked(localID string) int {
	for i, m := range c.messages {
		if m.ID == localID {
			return i
		}
	}
	return -1
}

func (c *Controller) setDBIDByLocalID(localID string, dbID int64) {
	c.mu.Lock()
	if i := c.indexLocked(localID); i >= 0 {
		c.messages[i].DBID = dbID
	}
	c.mu.Unlock()
}

func (c *Controller) setStreamingFlagLocked(localID string, streaming bool) {
	if i := c.indexLocked(localID); i >= 0 {
		c.messages[i].IsStreaming = streaming
	}
}

func (c *Controller) notifyError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
