// Package poller schedules recurring sync work. Each target carries its
// own due-time; a bounded worker pool executes whatever is due, and a
// failing target never delays its siblings.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"moonwatch.org/internal/esi"
	"moonwatch.org/internal/ids"
	"moonwatch.org/internal/obs"
	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/tracker"
)

// ErrSkipCycle tells the poller the cycle was deliberately not run,
// for example because the upstream is in its post-downtime ramp.
var ErrSkipCycle = errors.New("poller: cycle skipped")

// RunFunc performs one sync cycle for one target.
type RunFunc func(ctx context.Context) error

// RunRecorder persists sync run outcomes; the store satisfies it.
type RunRecorder interface {
	SaveSyncRun(ctx context.Context, run tracker.SyncRun) error
}

type task struct {
	kind     string
	targetID int64
	interval time.Duration
	run      RunFunc

	due      time.Time
	inflight bool
}

func (t *task) key() string {
	return fmt.Sprintf("%s/%d", t.kind, t.targetID)
}

// Poller drives all registered targets.
type Poller struct {
	mu    sync.Mutex
	tasks map[string]*task

	workers     int
	tick        time.Duration
	ratePenalty time.Duration
	recorder    RunRecorder
	now         func() time.Time

	queue  chan *task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts poller construction.
type Option func(*Poller)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithTick overrides how often due-times are checked.
func WithTick(d time.Duration) Option {
	return func(p *Poller) { p.tick = d }
}

// WithRatePenalty overrides the extra delay applied to a target after
// the upstream error-limits it.
func WithRatePenalty(d time.Duration) Option {
	return func(p *Poller) { p.ratePenalty = d }
}

// WithRecorder persists run outcomes.
func WithRecorder(r RunRecorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// New builds a poller with the given worker pool size.
func New(workers int, opts ...Option) *Poller {
	if workers < 1 {
		workers = 1
	}
	p := &Poller{
		tasks:       make(map[string]*task),
		workers:     workers,
		tick:        time.Second,
		ratePenalty: 2 * time.Minute,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add registers a recurring target. The first run is due immediately.
// Re-adding a known target only refreshes its interval and run function:
// the existing schedule, including any backoff applied after an upstream
// error limit, stays in place and an in-flight run is never doubled.
func (p *Poller) Add(kind string, targetID int64, interval time.Duration, run RunFunc) {
	t := &task{kind: kind, targetID: targetID, interval: interval, run: run}
	p.mu.Lock()
	if existing, ok := p.tasks[t.key()]; ok {
		existing.interval = interval
		existing.run = run
		p.mu.Unlock()
		return
	}
	t.due = p.now()
	p.tasks[t.key()] = t
	p.mu.Unlock()
}

// Remove drops a target from the schedule. An in-flight run finishes.
func (p *Poller) Remove(kind string, targetID int64) {
	p.mu.Lock()
	delete(p.tasks, (&task{kind: kind, targetID: targetID}).key())
	p.mu.Unlock()
}

// Start launches the scheduler loop and worker pool.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan *task)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		for {
			p.dispatch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts scheduling and waits for in-flight runs, up to grace.
func (p *Poller) Stop(grace time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		obs.LogEvent("poller_stop_timeout", map[string]any{"grace": grace.String()})
	}
}

// dispatch enqueues every due task. The due-time is advanced on enqueue
// so a slow run does not cause a burst of catch-up cycles.
func (p *Poller) dispatch(ctx context.Context) {
	now := p.now()
	p.mu.Lock()
	var due []*task
	for _, t := range p.tasks {
		if t.inflight || now.Before(t.due) {
			continue
		}
		t.inflight = true
		t.due = now.Add(t.interval)
		due = append(due, t)
	}
	p.mu.Unlock()

	for _, t := range due {
		select {
		case p.queue <- t:
		case <-ctx.Done():
			p.mu.Lock()
			t.inflight = false
			p.mu.Unlock()
			return
		}
	}
}

func (p *Poller) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.execute(ctx, t)
		}
	}
}

func (p *Poller) execute(ctx context.Context, t *task) {
	started := p.now()
	err := t.run(ctx)
	outcome := classify(err)

	p.mu.Lock()
	t.inflight = false
	switch {
	case errors.Is(err, esi.ErrRateLimited):
		// Error-limited targets back off beyond their normal interval.
		t.due = p.now().Add(t.interval + p.ratePenalty)
	case errors.Is(err, sso.ErrRevoked):
		// No usable credential left. Quarantine the target until a
		// fresh contribution re-registers it.
		delete(p.tasks, t.key())
	}
	p.mu.Unlock()

	obs.SyncRunsTotal.WithLabelValues(t.kind, string(outcome)).Inc()
	if err != nil && !errors.Is(err, ErrSkipCycle) {
		obs.LogError("poller", err, map[string]any{
			"kind":      t.kind,
			"target_id": t.targetID,
		})
	}

	if p.recorder != nil {
		run := tracker.SyncRun{
			ID:        ids.New(),
			Kind:      t.kind,
			TargetID:  t.targetID,
			StartedAt: started,
			Duration:  p.now().Sub(started),
			Outcome:   outcome,
		}
		if err != nil {
			run.Err = err.Error()
		}
		if serr := p.recorder.SaveSyncRun(ctx, run); serr != nil && ctx.Err() == nil {
			obs.LogError("poller", serr, map[string]any{"kind": t.kind})
		}
	}
}

func classify(err error) tracker.SyncOutcome {
	switch {
	case err == nil:
		return tracker.SyncSuccess
	case errors.Is(err, ErrSkipCycle), errors.Is(err, esi.ErrRateLimited):
		return tracker.SyncSkipped
	case errors.Is(err, sso.ErrRevoked):
		return tracker.SyncFailed
	case errors.Is(err, esi.ErrTransient), errors.Is(err, sso.ErrTransient):
		return tracker.SyncPartial
	default:
		return tracker.SyncFailed
	}
}
