package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoContent is returned when a model reply carries no usable text.
var ErrNoContent = errors.New("llm: response has no content")

// Generator turns a prompt and a conversation into reply text using one
// model on a Client.
type Generator struct {
	client Client
	model  string
	logger *slog.Logger
}

// NewGenerator returns a Generator that calls model on client.
func NewGenerator(client Client, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, model: model, logger: logger}
}

// Model returns the model name requests are sent to.
func (g *Generator) Model() string { return g.model }

// Generate sends prompt as the system message followed by history and
// returns the trimmed reply text.
func (g *Generator) Generate(ctx context.Context, prompt string, history Conversation) (string, error) {
	messages := make(Conversation, 0, len(history)+1)
	if strings.TrimSpace(prompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: prompt})
	}
	messages = append(messages, history...)

	resp, err := g.client.Chat(ctx, g.model, messages)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", g.model, err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		g.logger.Warn("model returned empty reply", "model", g.model)
		return "", ErrNoContent
	}
	return text, nil
}
