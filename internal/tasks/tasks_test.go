package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/config"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/llm"
	"github.com/nugget/chorus/internal/registry"
	"github.com/nugget/chorus/internal/store"
	"github.com/nugget/chorus/internal/usage"
)

type nopLLM struct{}

func (nopLLM) Chat(context.Context, string, llm.Conversation) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}
func (nopLLM) Ping(context.Context) error { return nil }

func newTestCore(t *testing.T, mutate func(*config.Config)) *app.Core {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	core, err := app.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithStore(st),
		app.WithLLM(nopLLM{}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return core
}

// completions subscribes a recorder for task_completed events.
func completions(t *testing.T, core *app.Core) func() []events.Event {
	t.Helper()
	var mu sync.Mutex
	var got []events.Event
	if err := core.Registry.Register(registry.Descriptor{Name: "recorder", EventTypes: []events.Type{events.TaskCompleted}}); err != nil {
		t.Fatal(err)
	}
	core.Dispatcher.Subscribe(events.TaskCompleted, "recorder", func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	return func() []events.Event {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := core.Dispatcher.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func TestFire_ThrottledByName(t *testing.T) {
	core := newTestCore(t, func(c *config.Config) {
		c.Throttle.MaxTaskCount = 1
		c.Throttle.Window = time.Hour
	})
	completed := completions(t, core)

	var runs atomic.Int32
	job := Job{Name: "count", Interval: time.Hour, Run: func(context.Context) (int64, error) {
		runs.Add(1)
		return 3, nil
	}}
	other := Job{Name: "other", Interval: time.Hour, Run: func(context.Context) (int64, error) { return 0, nil }}

	r := New(core, job, other)
	if !r.Fire(context.Background(), job) {
		t.Fatal("first Fire should run")
	}
	if r.Fire(context.Background(), job) {
		t.Fatal("second Fire within window should be throttled")
	}
	if !r.Fire(context.Background(), other) {
		t.Fatal("a different job has its own budget")
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}

	got := completed()
	if len(got) != 2 {
		t.Fatalf("task_completed events = %d, want 2", len(got))
	}
	for _, ev := range got {
		if ev.Details.Meta["task"] == "count" && ev.Details.Meta["affected"] != "3" {
			t.Errorf("affected = %q, want 3", ev.Details.Meta["affected"])
		}
	}
}

func TestFire_ReportsFailure(t *testing.T) {
	core := newTestCore(t, nil)
	completed := completions(t, core)

	job := Job{Name: "broken", Interval: time.Hour, Run: func(context.Context) (int64, error) {
		return 0, errors.New("disk on fire")
	}}
	New(core, job).Fire(context.Background(), job)

	got := completed()
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	meta := got[0].Details.Meta
	if meta["ok"] != "false" || meta["error"] != "disk on fire" {
		t.Errorf("meta = %v", meta)
	}
}

func TestPruneEvents(t *testing.T) {
	core := newTestCore(t, func(c *config.Config) { c.Tasks.Retention = 24 * time.Hour })
	ctx := context.Background()

	old := events.New(events.MessageReceived, events.Details{Channel: "c", Content: "old"})
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	fresh := events.New(events.MessageReceived, events.Details{Channel: "c", Content: "fresh"})
	for _, ev := range []events.Event{old, fresh} {
		in, err := store.InsertEvent(ev)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := core.Store.Commit(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	affected, err := PruneEvents(core).Run(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	res, err := core.Store.Commit(ctx, store.RecentEvents("c", 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reads) != 1 {
		t.Errorf("remaining = %d, want 1", len(res.Reads))
	}
}

func TestPruneUsage(t *testing.T) {
	core := newTestCore(t, func(c *config.Config) { c.Tasks.Retention = 24 * time.Hour })
	ctx := context.Background()

	for _, age := range []time.Duration{72 * time.Hour, time.Minute} {
		in, err := usage.Insert(usage.Record{
			Timestamp: time.Now().Add(-age),
			Model:     "m",
			Role:      usage.RoleReply,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := core.Store.Commit(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	job := PruneUsage(core)
	if job.Name == PruneEvents(core).Name {
		t.Error("prune jobs must throttle under distinct names")
	}
	affected, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}
}

func TestRunner_StartStop(t *testing.T) {
	core := newTestCore(t, func(c *config.Config) { c.Throttle.MaxTaskCount = 100 })

	var runs atomic.Int32
	job := Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}}
	r := New(core, job)
	r.Start(context.Background())
	r.Start(context.Background()) // second start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	r.Stop()

	if runs.Load() < 2 {
		t.Fatalf("runs = %d, want at least 2", runs.Load())
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job ran after Stop")
	}
}
