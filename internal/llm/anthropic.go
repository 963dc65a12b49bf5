package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/chorus/internal/httpkit"
)

// DefaultAnthropicMaxTokens caps reply length when none is configured.
const DefaultAnthropicMaxTokens = 1024

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client for the given API key. A non-empty
// baseURL overrides the API endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute))),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client:    &client,
		maxTokens: DefaultAnthropicMaxTokens,
		logger:    logger,
	}
}

// Chat sends a message request. System messages are lifted into the
// request's system prompt.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages Conversation) (*ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  toAnthropicMessages(messages.Turns()),
	}
	if system := messages.System(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("anthropic: no user or assistant messages")
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	out := &ChatResponse{
		Model:         string(resp.Model),
		CreatedAt:     time.Now().UTC(),
		Message:       Message{Role: RoleAssistant, Content: text.String()},
		InputTokens:   int(resp.Usage.InputTokens),
		OutputTokens:  int(resp.Usage.OutputTokens),
		TotalDuration: time.Since(start),
	}
	c.logger.Debug("anthropic chat complete",
		"model", out.Model,
		"stop_reason", string(resp.StopReason),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

// Ping lists models to confirm the key and endpoint work.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// toAnthropicMessages converts turns, merging consecutive same-role
// messages since the API requires alternating roles.
func toAnthropicMessages(turns Conversation) []anthropic.MessageParam {
	var (
		out      []anthropic.MessageParam
		lastRole string
		pending  []string
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		pending = nil
	}
	for _, m := range turns {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return out
}
