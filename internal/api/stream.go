package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"blackai/internal/models"
	"blackai/internal/modes"
	"blackai/internal/service/ai"
)

var errStreamClosed = errors.New("stream closed")

// eventWriter serializes SSE records onto the response. The title task runs on
// a background goroutine, so every write goes through the mutex, and close
// stops late writers from touching the response after the handler returns.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventWriter{w: w, flusher: flusher}, true
}

func (ew *eventWriter) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", data); err != nil {
		return err
	}
	ew.flusher.Flush()
	return nil
}

func (ew *eventWriter) close() {
	ew.mu.Lock()
	ew.closed = true
	ew.mu.Unlock()
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversationId"`
	Mode           string `json:"mode"`
}

// estimateTokens approximates usage as one token per four characters of the
// combined prompt and response, rounded up.
func estimateTokens(input, output string) int64 {
	return int64((len(input) + len(output) + 3) / 4)
}

func (h *Handler) streamChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	modeID := req.Mode
	if modeID == "" {
		modeID = modes.DefaultMode
	}
	mode, ok := modes.Resolve(modeID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mode"})
		return
	}

	ctx := c.Request.Context()
	if h.limiter != nil && !h.limiter.Allow(ctx, userID, mode) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily limit reached"})
		return
	}

	isNew := req.ConversationID == 0
	var conversationID int64
	if isNew {
		conversation, err := h.chat.CreateConversation(ctx, userID, ai.PlaceholderTitle, mode.Model)
		if err != nil {
			h.logger.Error("create conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		conversationID = conversation.ID
	} else {
		conversation, err := h.chat.GetConversation(ctx, userID, req.ConversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			h.logger.Error("load conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		conversationID = conversation.ID
	}

	userMsg, err := h.chat.AddMessage(ctx, conversationID, models.RoleUser, message, mode.Model)
	if err != nil {
		h.logger.Error("persist user message failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Empty placeholder row, finalized once the stream completes. Leaving it
	// in place on failure keeps the conversation loadable afterwards.
	assistantMsg, err := h.chat.AddMessage(ctx, conversationID, models.RoleAssistant, "", mode.Model)
	if err != nil {
		h.logger.Error("persist assistant placeholder failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	history, err := h.chat.History(ctx, conversationID, assistantMsg.ID)
	if err != nil {
		h.logger.Error("load history failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	ew, ok := newEventWriter(c.Writer)
	if !ok {
		h.logger.Error("response writer does not support flushing")
		return
	}
	defer ew.close()

	_ = ew.send(gin.H{"type": "conversation_id", "id": conversationID})
	_ = ew.send(gin.H{"type": "user_message_id", "id": userMsg.ID})
	_ = ew.send(gin.H{"type": "mode", "mode": mode.ID, "model": mode.Model})

	if isNew {
		h.spawnTitleTask(ew, conversationID, userID, message)
	}

	// Once streaming starts, writes to the store must survive the client
	// hanging up: the request context dies with the connection, but the
	// generated content was already shown to the user.
	persistCtx := context.WithoutCancel(ctx)

	var fullResponse strings.Builder
	var streamErr error
	for chunk, err := range h.provider.StreamCompletion(ctx, mode.Model, mode.FallbackModel, history, mode.SystemPrompt, mode.ThinkingEnabled) {
		if err != nil {
			streamErr = err
			break
		}
		fullResponse.WriteString(chunk)
		if err := ew.send(gin.H{"type": "text", "content": chunk}); err != nil {
			h.logger.Debug("client disconnected", zap.Int64("conversation_id", conversationID))
			h.persistPartial(persistCtx, assistantMsg.ID, fullResponse.String(), errors.New("client disconnected"))
			return
		}
	}

	if streamErr == nil {
		tokens := estimateTokens(message, fullResponse.String())
		if err := h.chat.FinalizeAssistantMessage(persistCtx, assistantMsg.ID, fullResponse.String(), tokens); err != nil {
			streamErr = fmt.Errorf("save assistant message: %w", err)
		} else {
			if err := h.chat.RecordUsage(persistCtx, userID, conversationID, mode.Model, "chat", tokens); err != nil {
				h.logger.Warn("record usage failed", zap.Error(err))
			}
			_ = ew.send(gin.H{"type": "done", "tokens": tokens, "assistantMessageId": assistantMsg.ID})
			return
		}
	}

	h.logger.Error("chat stream failed",
		zap.Int64("conversation_id", conversationID),
		zap.Error(streamErr))
	h.persistPartial(persistCtx, assistantMsg.ID, fullResponse.String(), streamErr)
	_ = ew.send(gin.H{"type": "error", "error": streamErr.Error()})
}

// persistPartial writes whatever output the model produced before the failure
// into the placeholder row, with a visible marker appended. A placeholder is
// never left empty once content was generated; nothing generated means
// nothing to write.
func (h *Handler) persistPartial(ctx context.Context, messageID int64, partial string, cause error) {
	if partial == "" {
		return
	}
	content := fmt.Sprintf("%s\n\n[Error: %s]", partial, cause.Error())
	if err := h.chat.FinalizeAssistantMessage(ctx, messageID, content, 0); err != nil {
		h.logger.Error("save partial assistant message failed", zap.Error(err))
	}
}

// spawnTitleTask generates a conversation title in the background and pushes
// it down the stream if the connection is still open. The title is persisted
// either way.
func (h *Handler) spawnTitleTask(ew *eventWriter, conversationID, userID int64, firstMessage string) {
	task := func(ctx context.Context) {
		title := h.provider.GenerateTitle(ctx, firstMessage)
		if err := h.chat.UpdateConversationTitle(ctx, userID, conversationID, title); err != nil {
			h.logger.Warn("persist title failed",
				zap.Int64("conversation_id", conversationID),
				zap.Error(err))
			return
		}
		if err := ew.send(gin.H{"type": "title", "title": title}); err != nil && !errors.Is(err, errStreamClosed) {
			h.logger.Debug("title event not delivered", zap.Int64("conversation_id", conversationID))
		}
	}
	if h.runner != nil {
		if err := h.runner.Submit("generate-title", task); err == nil {
			return
		}
	}
	go task(context.Background())
}
