// Package tasks runs periodic maintenance jobs. Every firing is gated by
// the core's task throttle, keyed by job name, and reports its outcome
// as a task_completed event.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/store"
	"github.com/nugget/chorus/internal/usage"
)

// Job is one periodic task. Run returns the number of affected rows or
// items.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Runner fires jobs on their intervals.
type Runner struct {
	core   *app.Core
	logger *slog.Logger
	jobs   []Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a runner for jobs.
func New(core *app.Core, jobs ...Job) *Runner {
	return &Runner{
		core:   core,
		logger: core.Logger.With("component", "tasks"),
		jobs:   jobs,
	}
}

// PruneEvents deletes events older than the configured retention.
func PruneEvents(core *app.Core) Job {
	return Job{
		Name:     "prune_events",
		Interval: core.Config.Tasks.PruneInterval,
		Run: func(ctx context.Context) (int64, error) {
			cutoff := time.Now().Add(-core.Config.Tasks.Retention)
			res, err := core.Store.Commit(ctx, store.PruneEvents(cutoff))
			if err != nil {
				return 0, err
			}
			return res.Writes, nil
		},
	}
}

// PruneUsage deletes token usage records older than the configured
// retention.
func PruneUsage(core *app.Core) Job {
	return Job{
		Name:     "prune_usage",
		Interval: core.Config.Tasks.PruneInterval,
		Run: func(ctx context.Context) (int64, error) {
			cutoff := time.Now().Add(-core.Config.Tasks.Retention)
			res, err := core.Store.Commit(ctx, usage.Prune(cutoff))
			if err != nil {
				return 0, err
			}
			return res.Writes, nil
		},
	}
}

// Start launches one ticker goroutine per job. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
	r.logger.Debug("task runner started", "jobs", len(r.jobs))
}

// Stop halts every job loop and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Fire(ctx, job)
		}
	}
}

// Fire runs job once if the task throttle allows it. It reports whether
// the job ran.
func (r *Runner) Fire(ctx context.Context, job Job) bool {
	if !r.core.Tasks.CanRun(job.Name) {
		r.core.Metrics.Throttled(r.core.Tasks.Name())
		r.logger.Debug("task throttled", "task", job.Name)
		return false
	}
	r.core.Tasks.RecordRun(job.Name)

	start := time.Now()
	affected, err := job.Run(ctx)
	meta := map[string]string{
		"task":     job.Name,
		"ok":       strconv.FormatBool(err == nil),
		"affected": strconv.FormatInt(affected, 10),
		"duration": time.Since(start).String(),
	}
	if err != nil {
		meta["error"] = err.Error()
		r.logger.Error("task failed", "task", job.Name, "error", err)
	} else {
		r.logger.Info("task completed", "task", job.Name, "affected", affected, "duration", time.Since(start))
	}

	r.core.Emit(events.TaskCompleted, events.Details{
		Author:  "tasks",
		Content: fmt.Sprintf("%s affected %d", job.Name, affected),
		Meta:    meta,
	})
	return true
}
