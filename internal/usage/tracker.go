package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/metrics"
	"github.com/nugget/chorus/internal/store"
)

// providerResolver is implemented by clients that route models to
// named providers, such as llm.MultiClient.
type providerResolver interface {
	ProviderFor(model string) string
}

// Tracker is an llm.Client that records the token usage of every
// successful call made through it.
type Tracker struct {
	client  llm.Client
	store   *store.Store
	role    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTracker wraps client. role is stored with each record.
func NewTracker(client llm.Client, st *store.Store, role string, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client:  client,
		store:   st,
		role:    role,
		metrics: m,
		logger:  logger.With("component", "usage"),
	}
}

// Chat forwards to the wrapped client and records usage on success.
// A failed record is logged; the reply is still returned.
func (t *Tracker) Chat(ctx context.Context, model string, messages llm.Conversation) (*llm.ChatResponse, error) {
	resp, err := t.client.Chat(ctx, model, messages)
	if err != nil {
		return nil, err
	}

	rec := Record{
		Model:        model,
		Role:         t.role,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if pr, ok := t.client.(providerResolver); ok {
		rec.Provider = pr.ProviderFor(model)
	}
	t.metrics.LLMTokens(model, rec.InputTokens, rec.OutputTokens)

	in, ierr := Insert(rec)
	if ierr == nil {
		// The tokens are spent even if the caller has given up.
		_, ierr = t.store.Commit(context.WithoutCancel(ctx), in)
	}
	if ierr != nil {
		t.logger.Warn("usage not recorded", "model", model, "error", ierr)
	}
	return resp, nil
}

// Ping forwards to the wrapped client.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx)
}
