package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"blackai/internal/models"
)

// HTTPBackend talks to the chat server over its JSON/SSE API.
type HTTPBackend struct {
	BaseURL   string
	AuthToken string
	Client    *http.Client
}

// NewHTTPBackend constructs a backend for the given server address and
// bearer token.
func NewHTTPBackend(baseURL, authToken string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client:    http.DefaultClient,
	}
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.AuthToken)
	}
	return req, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, payload, out any) error {
	req, err := b.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server: %s", payload.Error)
	}
	return fmt.Errorf("server: unexpected status %d", resp.StatusCode)
}

// StreamChat opens the chat stream. The caller owns the returned body and
// must close it.
func (b *HTTPBackend) StreamChat(ctx context.Context, chatReq ChatRequest) (io.ReadCloser, error) {
	req, err := b.newRequest(ctx, http.MethodPost, "/api/chat", chatReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

func (b *HTTPBackend) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (b *HTTPBackend) DeleteMessages(ctx context.Context, conversationID int64, ids []int64) (int64, error) {
	payload := map[string]any{"conversationId": conversationID, "ids": ids}
	var out struct {
		Remaining int64 `json:"remaining"`
	}
	if err := b.do(ctx, http.MethodDelete, "/api/messages", payload, &out); err != nil {
		return 0, err
	}
	return out.Remaining, nil
}

func (b *HTTPBackend) DeleteConversation(ctx context.Context, conversationID int64) error {
	return b.do(ctx, http.MethodDelete, "/api/conversations", map[string]any{"id": conversationID}, nil)
}

func (b *HTTPBackend) SetMessageCount(ctx context.Context, conversationID, count int64) error {
	payload := map[string]any{"id": conversationID, "message_count": count}
	return b.do(ctx, http.MethodPatch, "/api/conversations", payload, nil)
}
