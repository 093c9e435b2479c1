package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"blackai/internal/auth"
	"blackai/internal/limits"
	"blackai/internal/models"
	"blackai/internal/service/chat"
	"blackai/internal/storage"
	"blackai/internal/worker"
)

type mockProvider struct {
	chunks    []string
	streamErr error
	openErr   error
	title     string
}

func (m *mockProvider) StreamCompletion(ctx context.Context, primary, fallback string, history []models.Message, systemPrompt string, thinking bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.openErr != nil {
			yield("", m.openErr)
			return
		}
		for _, chunk := range m.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield("", m.streamErr)
		}
	}
}

func (m *mockProvider) GenerateTitle(ctx context.Context, firstMessage string) string {
	if m.title != "" {
		return m.title
	}
	return "Untitled"
}

type fixedCounter struct {
	n int64
}

func (f fixedCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return f.n, nil
}

func newTestServer(t *testing.T, provider Provider, limiter *limits.Limiter) (*gin.Engine, *sql.DB, *worker.Runner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	logger := zap.NewNop()
	chatService := chat.NewService(db, logger)
	authService := auth.NewService(db, nil, time.Hour)
	if limiter == nil {
		limiter = limits.NewLimiter(nil, logger)
	}
	runner := worker.NewRunner(1, 8, logger)
	t.Cleanup(runner.Close)

	handler := NewHandler(chatService, authService, provider, limiter, runner, logger)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, runner
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type streamRecord struct {
	Type               string `json:"type"`
	ID                 int64  `json:"id"`
	Mode               string `json:"mode"`
	Model              string `json:"model"`
	Title              string `json:"title"`
	Content            string `json:"content"`
	Tokens             int64  `json:"tokens"`
	AssistantMessageID int64  `json:"assistantMessageId"`
	Error              string `json:"error"`
}

func parseSSE(t *testing.T, payload string) []streamRecord {
	t.Helper()
	var records []streamRecord
	for _, chunk := range strings.Split(payload, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if !strings.HasPrefix(chunk, "data: ") {
			continue
		}
		var rec streamRecord
		decodeJSON(t, []byte(strings.TrimPrefix(chunk, "data: ")), &rec)
		records = append(records, rec)
	}
	return records
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func waitForTitle(t *testing.T, db *sql.DB, conversationID int64) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var title string
		if err := db.QueryRow(`SELECT title FROM conversations WHERE id = ?`, conversationID).Scan(&title); err != nil {
			t.Fatalf("query title: %v", err)
		}
		if title != "New conversation" {
			return title
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("title was never generated")
	return ""
}

func TestChatStreamNewConversation(t *testing.T) {
	provider := &mockProvider{chunks: []string{"Hello", " world"}, title: "Greetings"}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)

	message := "Say hello to the world for me."
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message": message,
		"mode":    "fast",
	}, headers)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	if len(events) < 5 {
		t.Fatalf("expected at least 5 events, got %d: %#v", len(events), events)
	}
	if events[0].Type != "conversation_id" || events[0].ID <= 0 {
		t.Fatalf("expected conversation_id first, got %#v", events[0])
	}
	if events[1].Type != "user_message_id" || events[1].ID <= 0 {
		t.Fatalf("expected user_message_id second, got %#v", events[1])
	}
	if events[2].Type != "mode" || events[2].Mode != "fast" {
		t.Fatalf("expected mode event, got %#v", events[2])
	}

	var text strings.Builder
	var done *streamRecord
	for i := range events {
		switch events[i].Type {
		case "text":
			text.WriteString(events[i].Content)
		case "done":
			done = &events[i]
		case "error":
			t.Fatalf("unexpected error event: %s", events[i].Error)
		}
	}
	if text.String() != "Hello world" {
		t.Fatalf("unexpected streamed text %q", text.String())
	}
	if done == nil {
		t.Fatalf("missing done event")
	}
	wantTokens := int64((len(message) + len("Hello world") + 3) / 4)
	if done.Tokens != wantTokens {
		t.Fatalf("expected %d tokens, got %d", wantTokens, done.Tokens)
	}
	if done.AssistantMessageID <= 0 {
		t.Fatalf("expected assistant message id in done event")
	}

	var content string
	var tokens int64
	err := db.QueryRow(`SELECT content, tokens_used FROM messages WHERE id = ?`, done.AssistantMessageID).
		Scan(&content, &tokens)
	if err != nil {
		t.Fatalf("query assistant message: %v", err)
	}
	if content != "Hello world" || tokens != wantTokens {
		t.Fatalf("assistant row not finalized: content=%q tokens=%d", content, tokens)
	}

	if title := waitForTitle(t, db, events[0].ID); title != "Greetings" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestChatStreamExistingConversation(t *testing.T) {
	provider := &mockProvider{chunks: []string{"Sure."}}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)

	first := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message": "first question",
	}, headers)
	assertStatus(t, first, http.StatusOK)
	conversationID := parseSSE(t, first.Body.String())[0].ID

	second := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message":        "follow up",
		"conversationId": conversationID,
	}, headers)
	assertStatus(t, second, http.StatusOK)
	events := parseSSE(t, second.Body.String())
	if events[0].Type != "conversation_id" || events[0].ID != conversationID {
		t.Fatalf("expected same conversation id, got %#v", events[0])
	}

	var count int64
	if err := db.QueryRow(`SELECT message_count FROM conversations WHERE id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("query message count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 messages after two exchanges, got %d", count)
	}
}

func TestChatRequestValidation(t *testing.T) {
	provider := &mockProvider{chunks: []string{"ok"}}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	_, headers := registerAndLogin(t, router)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "   "}, headers)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message": "hi",
		"mode":    "turbo",
	}, headers)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"message":        "hi",
		"conversationId": 424242,
	}, headers)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestChatDailyLimit(t *testing.T) {
	provider := &mockProvider{chunks: []string{"ok"}}
	limiter := limits.NewLimiter(fixedCounter{n: 1000}, zap.NewNop())
	router, db, _ := newTestServer(t, provider, limiter)
	defer db.Close()

	_, headers := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, headers)
	assertStatus(t, resp, http.StatusTooManyRequests)
}

func TestChatStreamErrorAfterPartialOutput(t *testing.T) {
	provider := &mockProvider{chunks: []string{"partial answer"}, streamErr: errors.New("connection reset")}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, headers)
	assertStatus(t, resp, http.StatusOK)

	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Type != "error" || !strings.Contains(last.Error, "connection reset") {
		t.Fatalf("expected trailing error event, got %#v", last)
	}

	var content string
	err := db.QueryRow(
		`SELECT content FROM messages WHERE conversation_id = ? AND role = 'assistant'`,
		events[0].ID,
	).Scan(&content)
	if err != nil {
		t.Fatalf("query assistant message: %v", err)
	}
	want := "partial answer\n\n[Error: connection reset]"
	if content != want {
		t.Fatalf("partial output not preserved, got %q", content)
	}
}

// disconnectProvider emits one fragment then blocks until the request
// context is cancelled, mimicking a generation still in flight when the
// client hangs up.
type disconnectProvider struct{}

func (disconnectProvider) StreamCompletion(ctx context.Context, primary, fallback string, history []models.Message, systemPrompt string, thinking bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("partial answer", nil) {
			return
		}
		<-ctx.Done()
		yield("", ctx.Err())
	}
}

func (disconnectProvider) GenerateTitle(ctx context.Context, firstMessage string) string {
	return "Interrupted"
}

func TestChatClientDisconnectPersistsPartial(t *testing.T) {
	router, db, _ := newTestServer(t, disconnectProvider{}, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)

	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body, err := json.Marshal(map[string]any{"message": "tell me everything"})
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()

	// Read until the first text fragment arrives, then drop the connection.
	var conversationID int64
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rec streamRecord
		decodeJSON(t, []byte(strings.TrimPrefix(line, "data: ")), &rec)
		if rec.Type == "conversation_id" {
			conversationID = rec.ID
		}
		if rec.Type == "text" {
			break
		}
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var content string
		err := db.QueryRow(
			`SELECT content FROM messages WHERE conversation_id = ? AND role = 'assistant'`,
			conversationID,
		).Scan(&content)
		if err == nil && content != "" {
			if !strings.HasPrefix(content, "partial answer") || !strings.Contains(content, "[Error:") {
				t.Fatalf("unexpected persisted content %q", content)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("partial output was never persisted after disconnect")
}

func TestChatStreamErrorWithoutOutput(t *testing.T) {
	provider := &mockProvider{openErr: errors.New("model unavailable")}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hi"}, headers)
	assertStatus(t, resp, http.StatusOK)

	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Type != "error" {
		t.Fatalf("expected error event, got %#v", last)
	}

	// No generated fragments, so the placeholder stays empty.
	var content string
	err := db.QueryRow(
		`SELECT content FROM messages WHERE conversation_id = ? AND role = 'assistant'`,
		events[0].ID,
	).Scan(&content)
	if err != nil {
		t.Fatalf("query assistant message: %v", err)
	}
	if content != "" {
		t.Fatalf("expected empty placeholder, got %q", content)
	}
}

func TestConversationLifecycle(t *testing.T) {
	provider := &mockProvider{chunks: []string{"answer"}}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, headers := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "hello"}, headers)
	assertStatus(t, resp, http.StatusOK)
	conversationID := parseSSE(t, resp.Body.String())[0].ID

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations", nil, headers)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Conversations []models.Conversation `json:"conversations"`
		Total         int64                 `json:"total"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Total != 1 || len(listBody.Conversations) != 1 {
		t.Fatalf("expected one conversation, got %+v", listBody)
	}

	patchResp := doJSONRequest(t, router, http.MethodPatch, "/api/conversations", map[string]any{
		"id":    conversationID,
		"title": "Renamed",
	}, headers)
	assertStatus(t, patchResp, http.StatusNoContent)

	pinResp := doJSONRequest(t, router, http.MethodPatch, "/api/conversations", map[string]any{
		"id":        conversationID,
		"is_pinned": true,
	}, headers)
	assertStatus(t, pinResp, http.StatusNoContent)

	msgResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages", conversationID), nil, headers)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgBody.Messages))
	}

	ids := []int64{msgBody.Messages[0].ID, msgBody.Messages[1].ID}
	delMsgResp := doJSONRequest(t, router, http.MethodDelete, "/api/messages", map[string]any{
		"conversationId": conversationID,
		"ids":            ids,
	}, headers)
	assertStatus(t, delMsgResp, http.StatusOK)
	var delBody struct {
		Remaining int64 `json:"remaining"`
	}
	decodeJSON(t, delMsgResp.Body.Bytes(), &delBody)
	if delBody.Remaining != 0 {
		t.Fatalf("expected 0 remaining messages, got %d", delBody.Remaining)
	}

	delResp := doJSONRequest(t, router, http.MethodDelete, "/api/conversations", map[string]any{
		"id": conversationID,
	}, headers)
	assertStatus(t, delResp, http.StatusNoContent)

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no conversations left, got %d", count)
	}
}

func TestConversationOwnership(t *testing.T) {
	provider := &mockProvider{chunks: []string{"answer"}}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	_, ownerHeaders := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{"message": "secret"}, ownerHeaders)
	assertStatus(t, resp, http.StatusOK)
	conversationID := parseSSE(t, resp.Body.String())[0].ID

	_, intruderHeaders := registerAndLogin(t, router)
	msgResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages", conversationID), nil, intruderHeaders)
	assertStatus(t, msgResp, http.StatusNotFound)

	patchResp := doJSONRequest(t, router, http.MethodPatch, "/api/conversations", map[string]any{
		"id":    conversationID,
		"title": "hijacked",
	}, intruderHeaders)
	assertStatus(t, patchResp, http.StatusNotFound)
}

func TestLoginReportsTokenExpiry(t *testing.T) {
	provider := &mockProvider{chunks: []string{"ok"}}
	router, db, _ := newTestServer(t, provider, nil)
	defer db.Close()

	username := fmt.Sprintf("expiry_%d", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)

	var body struct {
		AuthToken string    `json:"auth_token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("missing auth token")
	}
	// The test server issues one-hour tokens.
	if body.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expiry too close: %v", body.ExpiresAt)
	}
	if body.ExpiresAt.After(time.Now().Add(2 * time.Hour)) {
		t.Fatalf("expiry too far: %v", body.ExpiresAt)
	}
}
