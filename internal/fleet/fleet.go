// Package fleet runs one worker goroutine per usable tenant and keeps the
// set of running workers converged with the registry's view. Worker crashes
// are isolated per tenant and restarted with capped exponential backoff.
package fleet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/metrics"
	"botfleet/internal/registry"
)

// Runner is one tenant's polling loop. Run blocks until the context is
// cancelled or the loop fails; a nil return is a clean stop.
type Runner interface {
	Run(ctx context.Context, snap registry.Snapshot) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, snap registry.Snapshot) error

func (f RunnerFunc) Run(ctx context.Context, snap registry.Snapshot) error { return f(ctx, snap) }

const (
	maxBackoff     = time.Minute
	failureCap     = 6
	cooldown       = 15 * time.Minute
	stopDeadline   = 10 * time.Second
	healthyRunTime = 5 * time.Minute
)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	snap   registry.Snapshot
}

// Fleet owns the tenant-to-worker map. Start/stop decisions come from
// registry events; the actual restart policy lives in the per-tenant loop.
type Fleet struct {
	reg    *registry.Registry
	runner Runner
	log    zerolog.Logger

	mu      sync.Mutex
	workers map[int64]*handle

	onRemove []func(tenantID int64) // cleanup hooks: pacer, gate, client cache

	wg sync.WaitGroup
}

func New(reg *registry.Registry, runner Runner, log zerolog.Logger) *Fleet {
	return &Fleet{
		reg:     reg,
		runner:  runner,
		log:     log.With().Str("component", "fleet").Logger(),
		workers: map[int64]*handle{},
	}
}

// OnRemove registers a hook invoked after a removed tenant's worker has fully
// stopped. Routine restarts, token rotation included, do not fire it: the
// tenant's gate and pacing state must survive those.
func (f *Fleet) OnRemove(fn func(tenantID int64)) {
	f.onRemove = append(f.onRemove, fn)
}

// Live returns the tenant IDs with a running worker, sorted.
func (f *Fleet) Live() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run consumes registry events until ctx is cancelled, then stops every
// worker with the join deadline.
func (f *Fleet) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.StopAll()
			return ctx.Err()
		case ev := <-f.reg.Events():
			f.apply(ctx, ev)
		}
	}
}

func (f *Fleet) apply(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.TenantStarted:
		snap, ok := f.reg.Get(ev.TenantID)
		if !ok {
			return
		}
		f.start(ctx, snap)
	case registry.TenantStopped:
		f.stop(ev.TenantID, true)
	case registry.TenantChanged:
		snap, ok := f.reg.Get(ev.TenantID)
		if !ok {
			f.stop(ev.TenantID, true)
			return
		}
		f.mu.Lock()
		h, running := f.workers[ev.TenantID]
		restart := running && registry.TokenChanged(h.snap, snap)
		if running && !restart {
			// Capability-only change: the worker re-reads its snapshot from
			// the registry on every update, no restart needed.
			h.snap = snap
		}
		f.mu.Unlock()
		if restart {
			f.stop(ev.TenantID, false)
			f.start(ctx, snap)
		} else if !running {
			f.start(ctx, snap)
		}
	}
}

func (f *Fleet) start(ctx context.Context, snap registry.Snapshot) {
	f.mu.Lock()
	if _, running := f.workers[snap.Tenant.ID]; running {
		f.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{}), snap: snap}
	f.workers[snap.Tenant.ID] = h
	f.mu.Unlock()

	f.log.Info().Int64("tenant_id", snap.Tenant.ID).Msg("worker starting")
	f.wg.Add(1)
	metrics.WorkersRunning.Inc()
	go func() {
		defer f.wg.Done()
		defer close(h.done)
		defer metrics.WorkersRunning.Dec()
		f.loop(wctx, snap.Tenant.ID)
	}()
}

// loop hosts one tenant's worker with the restart policy: exponential backoff
// of 2^failures seconds capped at one minute; after six consecutive failures
// the tenant cools down for fifteen minutes before the counter resets.
func (f *Fleet) loop(ctx context.Context, tenantID int64) {
	log := f.log.With().Int64("tenant_id", tenantID).Logger()
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		snap, ok := f.reg.Get(tenantID)
		if !ok {
			// Registry dropped the tenant between event and start.
			return
		}

		startedAt := time.Now()
		err := f.runner.Run(ctx, snap)
		if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			return
		}

		if time.Since(startedAt) >= healthyRunTime {
			failures = 0
		}
		failures++
		log.Warn().Err(err).Int("failures", failures).Msg("worker failed")

		var wait time.Duration
		if failures >= failureCap {
			wait = cooldown
			failures = 0
			log.Warn().Dur("cooldown", wait).Msg("worker entering cooldown")
		} else {
			wait = time.Duration(1<<uint(failures)) * time.Second
			if wait > maxBackoff {
				wait = maxBackoff
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *Fleet) stop(tenantID int64, removed bool) {
	f.mu.Lock()
	h, ok := f.workers[tenantID]
	if ok {
		delete(f.workers, tenantID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(stopDeadline):
		f.log.Error().Int64("tenant_id", tenantID).Msg("worker did not stop within deadline")
	}
	if removed {
		for _, fn := range f.onRemove {
			fn(tenantID)
		}
	}
	f.log.Info().Int64("tenant_id", tenantID).Msg("worker stopped")
}

// StopAll stops every worker. Used at shutdown after the event loop exits.
func (f *Fleet) StopAll() {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.stop(id, false)
	}
	f.wg.Wait()
}
