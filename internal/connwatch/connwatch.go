// Package connwatch probes external dependencies in the background and
// tracks whether each one is reachable.
//
// A dependency is probed with exponential backoff until it first answers
// or the startup attempts run out. After that it is polled at a fixed
// interval, and OnChange fires whenever its reachability flips.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/chorus/internal/metrics"
)

// ProbeFunc reports whether a dependency is reachable. A nil return
// means healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls the probe schedule.
type Backoff struct {
	Initial    time.Duration // first retry delay
	Max        time.Duration // retry delay ceiling
	Multiplier float64
	Attempts   int           // startup probes before switching to polling
	Poll       time.Duration // steady-state probe interval
	Timeout    time.Duration // per-probe deadline
}

// DefaultBackoff returns 2s doubling to 60s over 10 startup attempts,
// then a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Attempts:   10,
		Poll:       60 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

func (b Backoff) grow(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.Max)
}

// Dependency describes one thing to watch.
type Dependency struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnChange runs in its own goroutine when reachability flips. The
	// first successful probe counts as a flip; a failing first probe
	// does not.
	OnChange func(ready bool, err error)
}

// Status is a point-in-time view of one dependency.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	dep    Dependency
	logger *slog.Logger
	m      *metrics.Metrics

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// check probes once, records the outcome and reports readiness.
func (w *watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.dep.Backoff.Timeout)
	err := w.dep.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was := w.status.Ready
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	w.m.DependencyUp(w.dep.Name, err == nil)

	switch {
	case !was && err == nil:
		w.logger.Info("dependency reachable", "dependency", w.dep.Name)
	case was && err != nil:
		w.logger.Warn("dependency unreachable", "dependency", w.dep.Name, "error", err)
	case err != nil:
		w.logger.Debug("dependency still unreachable", "dependency", w.dep.Name, "error", err)
		return false
	default:
		return true
	}
	if w.dep.OnChange != nil {
		go w.dep.OnChange(err == nil, err)
	}
	return err == nil
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.dep.Backoff
	delay := b.Initial
	startup := true
	for attempt := 1; ; attempt++ {
		ready := w.check(ctx)

		wait := b.Poll
		if startup {
			switch {
			case ready:
				startup = false
			case attempt >= b.Attempts:
				startup = false
				w.logger.Info("dependency not reachable at startup, polling",
					"dependency", w.dep.Name, "attempts", attempt)
			default:
				wait = delay
				delay = b.grow(delay)
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Monitor owns a set of watched dependencies.
type Monitor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewMonitor creates an empty Monitor. m may be nil.
func NewMonitor(m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger.With("component", "connwatch"),
		metrics:  m,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing dep until ctx is cancelled or Stop is called.
// Names must be unique.
func (mon *Monitor) Watch(ctx context.Context, dep Dependency) error {
	if dep.Name == "" {
		return errors.New("connwatch: dependency name is empty")
	}
	if dep.Probe == nil {
		return fmt.Errorf("connwatch: dependency %q has no probe", dep.Name)
	}
	dep.Backoff = dep.Backoff.withDefaults()

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if _, ok := mon.watchers[dep.Name]; ok {
		return fmt.Errorf("connwatch: dependency %q already watched", dep.Name)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		dep:    dep,
		logger: mon.logger,
		m:      mon.metrics,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	mon.watchers[dep.Name] = w
	go w.run(wctx)
	return nil
}

// Names returns the watched dependency names in sorted order.
func (mon *Monitor) Names() []string {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	names := make([]string, 0, len(mon.watchers))
	for n := range mon.watchers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status returns every dependency's current status keyed by name.
func (mon *Monitor) Status() map[string]Status {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	out := make(map[string]Status, len(mon.watchers))
	for n, w := range mon.watchers {
		out[n] = w.snapshot()
	}
	return out
}

// Ready reports whether the named dependency answered its last probe.
// Unknown names are not ready.
func (mon *Monitor) Ready(name string) bool {
	mon.mu.RLock()
	w, ok := mon.watchers[name]
	mon.mu.RUnlock()
	return ok && w.snapshot().Ready
}

// Stop cancels every watcher and waits for them to exit.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	ws := make([]*watcher, 0, len(mon.watchers))
	for _, w := range mon.watchers {
		ws = append(ws, w)
	}
	mon.mu.Unlock()

	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}
