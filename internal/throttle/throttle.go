// Package throttle implements a sliding-window rate limiter keyed by an
// arbitrary identifier. Separate instances guard background tasks and
// outbound actions; both share this algorithm.
//
// Callers check CanRun before RecordRun. CanRun prunes expired
// timestamps as a side effect, so the subsequent RecordRun appends to an
// already-pruned list.
package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxKeys bounds the number of identifiers tracked when Config
// leaves MaxKeys at zero.
const DefaultMaxKeys = 10000

// Config holds the limits for one throttle instance.
type Config struct {
	// Window is the trailing interval over which runs are counted.
	Window time.Duration
	// MaxCount is the number of runs allowed within Window.
	MaxCount int
	// MaxKeys bounds how many identifiers are remembered. The least
	// recently queried identifier is forgotten first. Zero selects
	// DefaultMaxKeys.
	MaxKeys int
}

// ConfigurationError reports an invalid throttle parameter.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("throttle config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Option customizes a Throttle.
type Option func(*Throttle)

// WithClock overrides the time source. Tests use this to step time
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// WithLogger sets the logger used for eviction notices.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttle) { t.logger = logger }
}

// Throttle is a sliding-window limiter. All methods are safe for
// concurrent use; a single mutex serializes access to the record map.
type Throttle struct {
	name   string
	window time.Duration
	max    int
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	records *lru.Cache[string, []time.Time]
}

// New creates a throttle named name (used only in logs). Non-positive
// Window or MaxCount, or a negative MaxKeys, is rejected.
func New(name string, cfg Config, opts ...Option) (*Throttle, error) {
	if cfg.Window <= 0 {
		return nil, &ConfigurationError{Field: "window", Value: cfg.Window, Reason: "must be positive"}
	}
	if cfg.MaxCount <= 0 {
		return nil, &ConfigurationError{Field: "max_count", Value: cfg.MaxCount, Reason: "must be positive"}
	}
	if cfg.MaxKeys < 0 {
		return nil, &ConfigurationError{Field: "max_keys", Value: cfg.MaxKeys, Reason: "must not be negative"}
	}
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}

	t := &Throttle{
		name:   name,
		window: cfg.Window,
		max:    cfg.MaxCount,
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	records, err := lru.NewWithEvict(cfg.MaxKeys, t.onEvict)
	if err != nil {
		return nil, &ConfigurationError{Field: "max_keys", Value: cfg.MaxKeys, Reason: err.Error()}
	}
	t.records = records
	return t, nil
}

func (t *Throttle) onEvict(key string, timestamps []time.Time) {
	t.logger.Debug("throttle key evicted",
		"throttle", t.name,
		"key", key,
		"pending", len(timestamps),
	)
}

// Name returns the throttle's name.
func (t *Throttle) Name() string { return t.name }

// Window returns the configured window.
func (t *Throttle) Window() time.Duration { return t.window }

// MaxCount returns the configured limit.
func (t *Throttle) MaxCount() int { return t.max }

// CanRun prunes key's history to runs newer than now-Window and reports
// whether fewer than MaxCount remain.
func (t *Throttle) CanRun(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canRunLocked(key, now)
}

// RecordRun appends the current time to key's history.
func (t *Throttle) RecordRun(key string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(key, now)
}

// Allow is CanRun followed by RecordRun under a single lock hold, for
// callers that always record when permitted.
func (t *Throttle) Allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canRunLocked(key, now) {
		return false
	}
	t.recordLocked(key, now)
	return true
}

// canRunLocked must be called with t.mu held.
func (t *Throttle) canRunLocked(key string, now time.Time) bool {
	timestamps, ok := t.records.Get(key)
	if !ok {
		return true
	}

	cutoff := now.Add(-t.window)
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	t.records.Add(key, valid)

	return len(valid) < t.max
}

// recordLocked must be called with t.mu held.
func (t *Throttle) recordLocked(key string, now time.Time) {
	timestamps, _ := t.records.Get(key)
	t.records.Add(key, append(timestamps, now))
}

// Release forgets the n most recent runs recorded for key. It returns
// slots taken by Allow or RecordRun for actions that never happened.
func (t *Throttle) Release(key string, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	timestamps, ok := t.records.Peek(key)
	if !ok {
		return
	}
	n = min(n, len(timestamps))
	t.records.Add(key, timestamps[:len(timestamps)-n])
}

// Count returns the number of runs currently remembered for key without
// pruning.
func (t *Throttle) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	timestamps, _ := t.records.Peek(key)
	return len(timestamps)
}

// Len returns the number of identifiers currently tracked.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records.Len()
}
