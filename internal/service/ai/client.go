package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/schema"

	"blackai/internal/models"
	"blackai/internal/modes"
)

// DefaultTitleMaxLen is the longest title GenerateTitle will accept from the
// model before falling back to truncation of the first message.
const DefaultTitleMaxLen = 60

const fallbackTitleLen = 50

// PlaceholderTitle is used for conversations whose generated title has not
// arrived yet, and as the last-resort title for empty input.
const PlaceholderTitle = "New conversation"

// streamOpener opens a streaming completion against one concrete model. It is
// a field so tests can substitute the remote call.
type streamOpener func(ctx context.Context, model string, history []models.Message, systemPrompt string, thinking bool) (iter.Seq2[string, error], error)

// generateFunc runs a single non-streaming completion, used for titles.
type generateFunc func(ctx context.Context, model, prompt string) (string, error)

// Client talks to the Gemini API. StreamCompletion hides transient provider
// failures behind automatic model substitution; GenerateTitle never fails.
type Client struct {
	genai      *genai.Client
	titleModel string
	logger     *zap.Logger

	open     streamOpener
	generate generateFunc
}

// NewClient builds a Client from an API key. titleModel may be empty to use
// the default fast model.
func NewClient(ctx context.Context, apiKey, titleModel string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("google ai api key is required")
	}
	if titleModel == "" {
		titleModel = modes.TitleModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	c := &Client{
		genai:      gc,
		titleModel: titleModel,
		logger:     logger.With(zap.String("module", "ai")),
	}
	c.open = c.openStream
	c.generate = c.generateOnce
	return c, nil
}

// SupportsThinking reports whether thinking mode can be forwarded to the
// model. Unsupported models silently get thinking disabled, never an error.
func SupportsThinking(model string) bool {
	for _, m := range []string{"gemini-2.5-flash", "gemini-2.5-pro"} {
		if strings.Contains(model, m) {
			return true
		}
	}
	return false
}

func candidateModels(primary, fallback string) []string {
	out := []string{primary}
	if fallback != "" && fallback != primary {
		out = append(out, fallback)
	}
	for _, m := range out {
		if m == modes.BaselineModel {
			return out
		}
	}
	return append(out, modes.BaselineModel)
}

// retryable reports whether the failure signature allows trying the next
// candidate model: quota or rate-limit exhaustion, or model not found.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range []string{"429", "RESOURCE_EXHAUSTED", "quota", "404", "NOT_FOUND"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// StreamCompletion yields text fragments for the conversation history,
// attempting primary, then fallback, then the baseline model. Once a
// candidate has produced output no further substitution happens: partial
// output is already visible to the user, so a mid-stream failure surfaces as
// an error instead of silently switching models.
func (c *Client) StreamCompletion(ctx context.Context, primary, fallback string, history []models.Message, systemPrompt string, thinking bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		candidates := candidateModels(primary, fallback)
		var lastErr error

		for i, model := range candidates {
			last := i == len(candidates)-1

			seq, err := c.open(ctx, model, history, systemPrompt, thinking && SupportsThinking(model))
			if err != nil {
				if retryable(err) && !last {
					c.logger.Warn("model failed, trying next candidate",
						zap.String("model", model), zap.Error(err))
					lastErr = err
					continue
				}
				yield("", err)
				return
			}

			yielded := false
			var streamErr error
			for chunk, err := range seq {
				if err != nil {
					streamErr = err
					break
				}
				if chunk == "" {
					continue
				}
				yielded = true
				if !yield(chunk, nil) {
					return
				}
			}

			if streamErr == nil {
				if yielded {
					return
				}
				// Empty stream with no error: try the next candidate.
				continue
			}
			if yielded || (!retryable(streamErr) || last) {
				yield("", streamErr)
				return
			}
			c.logger.Warn("model failed, trying next candidate",
				zap.String("model", model), zap.Error(streamErr))
			lastErr = streamErr
		}

		if lastErr != nil {
			yield("", lastErr)
		}
	}
}

// GenerateTitle produces a short conversation title from the first user
// message. It never returns an error: any provider failure, an empty reply,
// or an implausibly long reply falls back to a truncation of the message.
func (c *Client) GenerateTitle(ctx context.Context, firstMessage string) string {
	excerpt := firstMessage
	if utf8.RuneCountInString(excerpt) > 200 {
		excerpt = string([]rune(excerpt)[:200])
	}
	prompt := fmt.Sprintf(
		"Generate a short title (max 50 characters) for a conversation that starts with this message. "+
			"Reply with only the title, no quotes or extra punctuation:\n\n%q", excerpt)

	title, err := c.generate(ctx, c.titleModel, prompt)
	if err != nil {
		c.logger.Warn("title generation failed", zap.Error(err))
		return fallbackTitle(firstMessage)
	}
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > DefaultTitleMaxLen {
		return fallbackTitle(firstMessage)
	}
	return title
}

func fallbackTitle(message string) string {
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) > fallbackTitleLen {
		return string(runes[:fallbackTitleLen]) + "..."
	}
	if message == "" {
		return PlaceholderTitle
	}
	return message
}

func (c *Client) chatModel(ctx context.Context, model string, thinking bool) (*einogemini.ChatModel, error) {
	cfg := &einogemini.Config{
		Client: c.genai,
		Model:  model,
	}
	if thinking {
		budget := int32(2048)
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: &budget,
		}
	}
	return einogemini.NewChatModel(ctx, cfg)
}

func schemaMessages(history []models.Message, systemPrompt string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: systemPrompt})
	}
	for _, m := range history {
		var role schema.RoleType
		switch m.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			// System rows are carried through the prompt, not the history.
			continue
		default:
			role = schema.User
		}
		msgs = append(msgs, &schema.Message{Role: role, Content: m.Content})
	}
	return msgs
}

func (c *Client) openStream(ctx context.Context, model string, history []models.Message, systemPrompt string, thinking bool) (iter.Seq2[string, error], error) {
	cm, err := c.chatModel(ctx, model, thinking)
	if err != nil {
		return nil, fmt.Errorf("create chat model %s: %w", model, err)
	}
	reader, err := cm.Stream(ctx, schemaMessages(history, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", model, err)
	}
	return func(yield func(string, error) bool) {
		defer reader.Close()
		for {
			chunk, err := reader.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", err)
				return
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}, nil
}

func (c *Client) generateOnce(ctx context.Context, model, prompt string) (string, error) {
	cm, err := c.chatModel(ctx, model, false)
	if err != nil {
		return "", fmt.Errorf("create chat model %s: %w", model, err)
	}
	resp, err := cm.Generate(ctx, []*schema.Message{{Role: schema.User, Content: prompt}})
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", model, err)
	}
	return resp.Content, nil
}
