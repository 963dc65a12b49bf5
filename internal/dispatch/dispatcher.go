// Package dispatch validates events against the service registry and
// broadcasts them to subscribed listeners. Each listener runs on its own
// goroutine in a tracked task set: Dispatch never waits for listeners,
// Drain does. Listener failures are reported to an error sink rather
// than returned, since the caller of Dispatch has already moved on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/metrics"
)

// Provider answers whether an event type has at least one registered
// service. *registry.Registry satisfies it.
type Provider interface {
	IsEventProvided(t events.Type) bool
}

// Handler processes one event. The context is the dispatcher's base
// context, cancelled by Close.
type Handler func(ctx context.Context, ev events.Event) error

// ErrorSink receives routing and listener failures.
type ErrorSink func(err error)

// ErrClosed is reported for dispatches attempted after Close.
var ErrClosed = errors.New("dispatcher closed")

// RoutingError records an event whose type no registered service
// provides. It is reported, never returned.
type RoutingError struct {
	EventID string
	Type    events.Type
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no provider for event type %q (event %s)", e.Type, e.EventID)
}

// ListenerError wraps a listener failure. Panicked is set when the
// listener panicked rather than returning an error.
type ListenerError struct {
	Listener string
	EventID  string
	Type     events.Type
	Panicked bool
	Err      error
}

func (e *ListenerError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("listener %s %s on %s event %s: %v", e.Listener, verb, e.Type, e.EventID, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Options configures a Dispatcher.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// ErrorSink receives every RoutingError and ListenerError. When nil,
	// failures are only logged.
	ErrorSink ErrorSink
}

type listener struct {
	name   string
	handle Handler
}

// Dispatcher routes events to listeners.
type Dispatcher struct {
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sink     ErrorSink

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[events.Type][]listener
	closed bool

	wg sync.WaitGroup
}

// New creates a dispatcher that consults provider before every
// broadcast.
func New(provider Provider, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		provider: provider,
		logger:   logger,
		metrics:  opts.Metrics,
		sink:     opts.ErrorSink,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[events.Type][]listener),
	}
}

// Subscribe adds a listener for t. Listeners for the same type are
// started in subscription order.
func (d *Dispatcher) Subscribe(t events.Type, name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[t] = append(d.subs[t], listener{name: name, handle: h})
}

// SubscribeAll adds h as a listener for every known event type.
func (d *Dispatcher) SubscribeAll(name string, h Handler) {
	for _, t := range events.AllTypes() {
		d.Subscribe(t, name, h)
	}
}

// ListenerCount returns how many listeners are subscribed to t.
func (d *Dispatcher) ListenerCount(t events.Type) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[t])
}

// Dispatch broadcasts ev to every listener subscribed to its type. An
// event whose type is not provided by any registered service is logged
// and dropped without invoking anything.
func (d *Dispatcher) Dispatch(ev events.Event) {
	if d == nil {
		return
	}

	if !d.provider.IsEventProvided(ev.Type) {
		d.metrics.EventDropped(string(ev.Type), "no_provider")
		d.report(&RoutingError{EventID: ev.ID, Type: ev.Type})
		return
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.metrics.EventDropped(string(ev.Type), "closed")
		d.report(fmt.Errorf("dispatch %s event %s: %w", ev.Type, ev.ID, ErrClosed))
		return
	}
	targets := d.subs[ev.Type]
	d.wg.Add(len(targets))
	d.mu.RUnlock()

	d.metrics.EventDispatched(string(ev.Type))
	d.logger.Debug("event dispatched",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"listeners", len(targets),
	)

	for _, l := range targets {
		go d.run(l, ev.Clone())
	}
}

func (d *Dispatcher) run(l listener, ev events.Event) {
	d.metrics.ListenerStarted()
	defer d.wg.Done()
	defer d.metrics.ListenerFinished()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.ListenerError(l.name)
			d.report(&ListenerError{
				Listener: l.name,
				EventID:  ev.ID,
				Type:     ev.Type,
				Panicked: true,
				Err:      fmt.Errorf("%v\n%s", r, debug.Stack()),
			})
		}
	}()

	if err := l.handle(d.ctx, ev); err != nil {
		d.metrics.ListenerError(l.name)
		d.report(&ListenerError{Listener: l.name, EventID: ev.ID, Type: ev.Type, Err: err})
	}
}

func (d *Dispatcher) report(err error) {
	var routing *RoutingError
	if errors.As(err, &routing) {
		d.logger.Warn("event dropped: no provider",
			"event_id", routing.EventID,
			"event_type", routing.Type,
		)
	} else {
		d.logger.Error("dispatch failure", "error", err)
	}
	if d.sink != nil {
		d.sink(err)
	}
}

// Close refuses further dispatches and cancels the context handed to
// running listeners. Call Drain afterwards to wait for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}

// Drain blocks until every in-flight listener has returned or ctx is
// done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}
