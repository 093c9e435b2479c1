package api

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"blackai/internal/auth"
	"blackai/internal/limits"
	"blackai/internal/models"
	"blackai/internal/service/chat"
	"blackai/internal/worker"
)

// Provider is the generation backend used by the streaming chat endpoint.
type Provider interface {
	StreamCompletion(ctx context.Context, primary, fallback string, history []models.Message, systemPrompt string, thinking bool) iter.Seq2[string, error]
	GenerateTitle(ctx context.Context, firstMessage string) string
}

// Handler wires HTTP routes to the chat service and the generation provider.
type Handler struct {
	chat     *chat.Service
	auth     *auth.Service
	provider Provider
	limiter  *limits.Limiter
	runner   *worker.Runner
	logger   *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(service *chat.Service, authService *auth.Service, provider Provider, limiter *limits.Limiter, runner *worker.Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chat:     service,
		auth:     authService,
		provider: provider,
		limiter:  limiter,
		runner:   runner,
		logger:   logger.With(zap.String("module", "api")),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.POST("/chat", h.streamChat)
	authed.GET("/conversations", h.listConversations)
	authed.PATCH("/conversations", h.updateConversation)
	authed.DELETE("/conversations", h.deleteConversation)
	authed.GET("/conversations/:id/messages", h.getConversationMessages)
	authed.DELETE("/messages", h.deleteMessages)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return 0, false
	}
	return userID, true
}

// User create & login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"expires_at": time.Now().UTC().Add(h.auth.TokenTTL()),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	opts := chat.ListOptions{
		Search:   c.Query("search"),
		Model:    c.Query("model"),
		Sort:     c.DefaultQuery("sort", "recent"),
		Archived: c.Query("archived") == "true",
		Page:     page,
		Limit:    limit,
	}
	conversations, total, err := h.chat.ListConversations(c.Request.Context(), userID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	totalPages := int64(0)
	if opts.Limit > 0 {
		totalPages = (total + int64(opts.Limit) - 1) / int64(opts.Limit)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         total,
		"page":          opts.Page,
		"limit":         opts.Limit,
		"totalPages":    totalPages,
	})
}

type updateConversationRequest struct {
	ID           int64   `json:"id"`
	Title        *string `json:"title"`
	IsArchived   *bool   `json:"is_archived"`
	IsPinned     *bool   `json:"is_pinned"`
	MessageCount *int64  `json:"message_count"`
}

func (h *Handler) updateConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch {
	case req.Title != nil:
		err = h.chat.UpdateConversationTitle(ctx, userID, req.ID, *req.Title)
	case req.IsArchived != nil:
		err = h.chat.SetArchived(ctx, userID, req.ID, *req.IsArchived)
	case req.IsPinned != nil:
		err = h.chat.SetPinned(ctx, userID, req.ID, *req.IsPinned)
	case req.MessageCount != nil:
		err = h.chat.SetMessageCount(ctx, userID, req.ID, *req.MessageCount)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ID int64 `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	if err := h.chat.DeleteConversation(c.Request.Context(), userID, req.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getConversationMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type deleteMessagesRequest struct {
	ConversationID int64   `json:"conversationId"`
	IDs            []int64 `json:"ids"`
}

func (h *Handler) deleteMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req deleteMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID <= 0 || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id and message ids are required"})
		return
	}
	remaining, err := h.chat.DeleteMessages(c.Request.Context(), userID, req.ConversationID, req.IDs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": remaining})
}
