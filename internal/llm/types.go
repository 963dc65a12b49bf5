// Package llm provides the generation service: provider clients for
// Ollama, Anthropic and OpenAI, a model router, and the Generator used
// by the event pipeline.
package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message sent to or received from a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered chat history, oldest first.
type Conversation []Message

// System returns the concatenated content of all system messages.
func (c Conversation) System() string {
	var out string
	for _, m := range c {
		if m.Role != RoleSystem || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// Turns returns the conversation without system messages.
func (c Conversation) Turns() Conversation {
	out := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// ChatResponse is the provider-neutral result of a chat call. Wire
// format conversion happens at the provider boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}
