package llm

import "context"

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends a non-streaming chat request and returns the reply.
	Chat(ctx context.Context, model string, messages Conversation) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
