// Package app assembles the long-lived components every service shares.
// A Core is built once at startup from configuration; services register
// against its registry and dispatcher, then Seal closes composition and
// connects the gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nugget/chorus/internal/config"
	"github.com/nugget/chorus/internal/connwatch"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/gateway"
	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/metrics"
	"github.com/nugget/chorus/internal/pipeline"
	"github.com/nugget/chorus/internal/policy"
	"github.com/nugget/chorus/internal/registry"
	"github.com/nugget/chorus/internal/store"
	"github.com/nugget/chorus/internal/throttle"
	"github.com/nugget/chorus/internal/usage"
)

// Core is the shared context handed to every service.
type Core struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Tasks limits background jobs; Actions limits outbound actions.
	Tasks   *throttle.Throttle
	Actions *throttle.Throttle

	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Store      *store.Store
	Gateway    gateway.Gateway
	LLM        llm.Client
	Pipeline   *pipeline.Pipeline

	// Deps tracks reachability of storage and the LLM backend once
	// WatchDependencies has run.
	Deps *connwatch.Monitor

	ownsStore bool
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	store   *store.Store
	gateway gateway.Gateway
	llm     llm.Client
	sink    dispatch.ErrorSink
}

// WithStore uses s instead of opening storage.path. The caller keeps
// ownership and must close it.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithGateway uses gw instead of the websocket gateway.
func WithGateway(gw gateway.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithLLM uses client instead of the configured provider.
func WithLLM(client llm.Client) Option {
	return func(o *options) { o.llm = client }
}

// WithErrorSink receives every routing and listener failure.
func WithErrorSink(sink dispatch.ErrorSink) Option {
	return func(o *options) { o.sink = sink }
}

// New builds a Core from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Core, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(),
		Registry: registry.New(),
	}
	c.Deps = connwatch.NewMonitor(c.Metrics, logger)

	var err error
	c.Tasks, err = throttle.New("tasks", throttle.Config{
		Window:   cfg.Throttle.Window,
		MaxCount: cfg.Throttle.MaxTaskCount,
		MaxKeys:  cfg.Throttle.MaxKeys,
	}, throttle.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	c.Actions, err = throttle.New("actions", throttle.Config{
		Window:   cfg.Throttle.Window,
		MaxCount: cfg.Throttle.MaxActionCount,
		MaxKeys:  cfg.Throttle.MaxKeys,
	}, throttle.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	c.Dispatcher = dispatch.New(c.Registry, dispatch.Options{
		Logger:    logger.With("component", "dispatch"),
		Metrics:   c.Metrics,
		ErrorSink: o.sink,
	})

	c.Store = o.store
	if c.Store == nil {
		c.Store, err = store.Open(store.Config{
			Driver: cfg.Storage.Driver,
			Path:   cfg.Storage.Path,
		}, store.WithLogger(logger), store.WithMetrics(c.Metrics))
		if err != nil {
			return nil, err
		}
		c.ownsStore = true
	}

	c.LLM = o.llm
	if c.LLM == nil {
		c.LLM = NewLLMClient(cfg.LLM, logger)
	}

	c.Pipeline, err = newPipeline(cfg, c.LLM, c.Store, c.Metrics, logger)
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.Gateway = o.gateway
	if c.Gateway == nil {
		c.Gateway = gateway.NewWSGateway(gateway.WSConfig{
			InboundRate:  cfg.Gateway.InboundRate,
			InboundBurst: cfg.Gateway.InboundBurst,
			Logger:       logger,
		})
	}

	return c, nil
}

// NewLLMClient builds a multi-provider client whose fallback is the
// configured provider. Ollama is always registered so judge or history
// models can name local models.
func NewLLMClient(cfg config.LLMConfig, logger *slog.Logger) llm.Client {
	var primary llm.Client
	ollamaURL := ""
	switch cfg.Provider {
	case "anthropic":
		primary = llm.NewAnthropicClient(cfg.APIKey, cfg.BaseURL, logger)
	case "openai":
		primary = llm.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, logger)
	default:
		ollamaURL = cfg.BaseURL
	}

	ollama := llm.NewOllamaClient(ollamaURL, logger)
	if primary == nil {
		primary = ollama
	}

	multi := llm.NewMultiClient(primary)
	multi.AddProvider("ollama", ollama)
	multi.AddProvider(cfg.Provider, primary)
	multi.AddModel(cfg.Model, cfg.Provider)

	logger.Info("LLM client initialized", "provider", cfg.Provider, "model", cfg.Model)
	return multi
}

// newPipeline builds the reply pipeline. Reply and judge calls are
// tracked separately in the usage ledger.
func newPipeline(cfg *config.Config, client llm.Client, st *store.Store, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Pipeline, error) {
	pc := policy.Config{
		Name:          cfg.Pipeline.Name,
		MaxMessageLen: cfg.Pipeline.MaxMessageLen,
		DropRefusals:  cfg.Pipeline.DropRefusals,
		MinBatchScore: cfg.Pipeline.MinBatchScore,
		Logger:        logger,
	}
	if cfg.LLM.Judge.Enabled {
		judge := usage.NewTracker(client, st, usage.RoleJudge, m, logger)
		pc.Judge = llm.NewGenerator(judge, cfg.LLM.Judge.Model, logger)
	}

	reply := usage.NewTracker(client, st, usage.RoleReply, m, logger)
	p, err := pipeline.New(llm.NewGenerator(reply, cfg.LLM.Model, logger), policy.Default(pc), pipeline.Options{
		Logger:         logger,
		Metrics:        m,
		FocusThreshold: cfg.Pipeline.FocusThreshold,
		HistoryFloor:   cfg.Pipeline.HistoryFloor,
		MaxCandidates:  cfg.Pipeline.MaxCandidates,
		MaxMessageLen:  cfg.Pipeline.MaxMessageLen,
		Author:         cfg.Pipeline.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// Seal ends startup composition. No service may register afterwards,
// and inbound gateway events start flowing into the dispatcher.
func (c *Core) Seal() {
	c.Registry.Seal()
	c.Gateway.OnInboundEvent(c.Dispatcher.Dispatch)

	names := make([]string, 0)
	for _, d := range c.Registry.Descriptors() {
		names = append(names, d.Name)
	}
	c.Logger.Info("services sealed", "services", names)
}

// WatchDependencies starts background probes of storage and the LLM
// backend. They stop when ctx ends or Close runs.
func (c *Core) WatchDependencies(ctx context.Context) error {
	return errors.Join(
		c.Deps.Watch(ctx, connwatch.Dependency{Name: "storage", Probe: c.Store.Ping}),
		c.Deps.Watch(ctx, connwatch.Dependency{
			Name:  "llm",
			Probe: c.LLM.Ping,
			OnChange: func(ready bool, err error) {
				if !ready {
					c.Logger.Warn("replies will fail until the LLM backend returns",
						"provider", c.Config.LLM.Provider, "error", err)
				}
			},
		}),
	)
}

// Emit dispatches a new event of type t. It is the common path for
// services raising follow-up events.
func (c *Core) Emit(t events.Type, d events.Details) events.Event {
	ev := events.New(t, d)
	c.Dispatcher.Dispatch(ev)
	return ev
}

// GatewayHandler returns the gateway's HTTP handler when it serves one.
func (c *Core) GatewayHandler() (http.Handler, bool) {
	h, ok := c.Gateway.(http.Handler)
	return h, ok
}

// Close stops dispatching, waits for listeners until ctx is done, then
// stops dependency probes and releases the gateway and storage.
func (c *Core) Close(ctx context.Context) error {
	c.Dispatcher.Close()
	drainErr := c.Dispatcher.Drain(ctx)
	c.Deps.Stop()

	if ws, ok := c.Gateway.(*gateway.WSGateway); ok {
		ws.Close()
	}
	return errors.Join(drainErr, c.closeStore())
}

func (c *Core) closeStore() error {
	if !c.ownsStore || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
