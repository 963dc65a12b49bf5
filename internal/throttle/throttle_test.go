package throttle

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(offset time.Duration, base time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = base.Add(offset)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestThrottle(t *testing.T, cfg Config, clock *fakeClock) *Throttle {
	t.Helper()
	th, err := New("test", cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return th
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"zero window", Config{Window: 0, MaxCount: 1}, "window"},
		{"negative window", Config{Window: -time.Second, MaxCount: 1}, "window"},
		{"zero max", Config{Window: time.Second, MaxCount: 0}, "max_count"},
		{"negative max", Config{Window: time.Second, MaxCount: -3}, "max_count"},
		{"negative keys", Config{Window: time.Second, MaxCount: 1, MaxKeys: -1}, "max_keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", tt.cfg)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("New(%+v) error = %v, want *ConfigurationError", tt.cfg, err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestWindowExample(t *testing.T) {
	// window=1000ms, max=2; runs at t=0 and t=100.
	clock := newFakeClock()
	base := clock.Now()
	th := newTestThrottle(t, Config{Window: time.Second, MaxCount: 2}, clock)

	clock.Set(0, base)
	if !th.CanRun("task") {
		t.Fatal("CanRun at t=0 = false, want true")
	}
	th.RecordRun("task")

	clock.Set(100*time.Millisecond, base)
	if !th.CanRun("task") {
		t.Fatal("CanRun at t=100 = false, want true")
	}
	th.RecordRun("task")

	clock.Set(200*time.Millisecond, base)
	if th.CanRun("task") {
		t.Error("CanRun at t=200 = true, want false")
	}

	clock.Set(1101*time.Millisecond, base)
	if !th.CanRun("task") {
		t.Error("CanRun at t=1101 = false, want true")
	}
}

func TestCanRunPrunesHistory(t *testing.T) {
	clock := newFakeClock()
	th := newTestThrottle(t, Config{Window: time.Second, MaxCount: 5}, clock)

	for range 3 {
		th.RecordRun("k")
	}
	if got := th.Count("k"); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}

	clock.Advance(2 * time.Second)
	// Count does not prune.
	if got := th.Count("k"); got != 3 {
		t.Fatalf("Count before CanRun = %d, want 3", got)
	}
	if !th.CanRun("k") {
		t.Fatal("CanRun = false after window elapsed")
	}
	if got := th.Count("k"); got != 0 {
		t.Errorf("Count after CanRun = %d, want 0 (pruned)", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	th := newTestThrottle(t, Config{Window: time.Minute, MaxCount: 1}, clock)

	th.RecordRun("reply:a")
	if th.CanRun("reply:a") {
		t.Error("reply:a should be throttled")
	}
	if !th.CanRun("reply:b") {
		t.Error("reply:b should not be affected by reply:a")
	}
}

func TestAllow(t *testing.T) {
	clock := newFakeClock()
	th := newTestThrottle(t, Config{Window: time.Minute, MaxCount: 2}, clock)

	got := []bool{th.Allow("k"), th.Allow("k"), th.Allow("k")}
	want := []bool{true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Allow #%d = %v, want %v", i, got[i], want[i])
		}
	}
	// A denied Allow must not record.
	if c := th.Count("k"); c != 2 {
		t.Errorf("Count = %d, want 2", c)
	}
}

func TestRelease(t *testing.T) {
	clock := newFakeClock()
	th := newTestThrottle(t, Config{Window: time.Minute, MaxCount: 2}, clock)

	th.Allow("k")
	th.Allow("k")
	if th.CanRun("k") {
		t.Fatal("k should be at its limit")
	}
	th.Release("k", 1)
	if c := th.Count("k"); c != 1 {
		t.Errorf("Count after Release = %d, want 1", c)
	}
	if !th.CanRun("k") {
		t.Error("released slot should be available again")
	}

	th.Release("k", 5)
	th.Release("unknown", 1)
	th.Release("k", 0)
	if c := th.Count("k"); c != 0 {
		t.Errorf("Count after over-release = %d, want 0", c)
	}
}

func TestMaxKeysEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	th := newTestThrottle(t, Config{Window: time.Minute, MaxCount: 1, MaxKeys: 2}, clock)

	th.RecordRun("a")
	th.RecordRun("b")
	// Touch "a" so "b" becomes the oldest entry.
	th.CanRun("a")
	th.RecordRun("c")

	if got := th.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if th.CanRun("a") {
		t.Error("a should still be tracked and throttled")
	}
	if !th.CanRun("b") {
		t.Error("b should have been evicted and therefore allowed")
	}
}

func TestConcurrentRecordRun(t *testing.T) {
	th, err := New("concurrent", Config{Window: time.Hour, MaxCount: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if th.CanRun("shared") {
					th.RecordRun("shared")
				}
				th.RecordRun(fmt.Sprintf("own-%d", w))
			}
		}()
	}
	wg.Wait()

	if got := th.Count("shared"); got != workers*perWorker {
		t.Errorf("shared Count = %d, want %d (lost updates)", got, workers*perWorker)
	}
}

func TestThrottleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("saturated key stays denied until the window passes", prop.ForAll(
		func(max int, gaps []int) bool {
			clock := newFakeClock()
			th, err := New("prop", Config{Window: time.Second, MaxCount: max}, WithClock(clock.Now))
			if err != nil {
				return false
			}

			// Saturate: max runs, each at most 50ms apart, all inside the window.
			for i := 0; i < max; i++ {
				clock.Advance(time.Duration(gaps[i]) * time.Millisecond)
				if !th.CanRun("k") {
					return false
				}
				th.RecordRun("k")
			}
			if th.CanRun("k") {
				return false
			}

			// More runs before the window moves keep it denied.
			clock.Advance(time.Millisecond)
			th.RecordRun("k")
			if th.CanRun("k") {
				return false
			}

			// Once a full window passes the newest run, the key frees up.
			clock.Advance(time.Second + time.Millisecond)
			return th.CanRun("k")
		},
		gen.IntRange(1, 5),
		gen.SliceOfN(5, gen.IntRange(0, 50)),
	))

	properties.Property("timestamps older than the window are never retained", prop.ForAll(
		func(offsets []int) bool {
			clock := newFakeClock()
			th, err := New("prop", Config{Window: 500 * time.Millisecond, MaxCount: 1000}, WithClock(clock.Now))
			if err != nil {
				return false
			}
			for _, off := range offsets {
				clock.Advance(time.Duration(off) * time.Millisecond)
				th.RecordRun("k")
			}
			clock.Advance(250 * time.Millisecond)
			th.CanRun("k")

			cutoff := clock.Now().Add(-500 * time.Millisecond)
			th.mu.Lock()
			defer th.mu.Unlock()
			timestamps, _ := th.records.Peek("k")
			for _, ts := range timestamps {
				if !ts.After(cutoff) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 400)),
	))

	properties.TestingRun(t)
}
