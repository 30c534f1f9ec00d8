// Package registry maintains the runtime's view of active tenants and their
// plan-derived capabilities, and tells the fleet supervisor when that view
// changes.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/storage"
)

// Capabilities is the frozen capability set derived from a tenant's currently
// active plan. A tenant without a live plan purchase has the zero value:
// everything off, every quota zero.
type Capabilities struct {
	PlanCode string

	MaxMessagesPerMonth int // -1 = unlimited
	MaxPrograms         int
	MaxHeadquarters     int
	MaxBroadcastPerDay  int

	CanMassBroadcast bool
	CanConnect       bool

	HasAnalytics         bool
	HasAdvancedAnalytics bool

	HasAI                   bool
	AIAutoReply             bool
	AISentimentAnalysis     bool
	AIContentGeneration     bool
	AISmartChatbot          bool
	AIMessageClassification bool
}

// Snapshot is one tenant's registry entry: identity plus capabilities.
type Snapshot struct {
	Tenant       storage.Tenant
	Capabilities Capabilities

	// Usable reports whether the supervisor may run a worker: the tenant is
	// active, has a token, and holds a live plan.
	Usable bool
}

type EventType int

const (
	TenantStarted EventType = iota
	TenantStopped
	TenantChanged
)

func (e EventType) String() string {
	switch e {
	case TenantStarted:
		return "started"
	case TenantStopped:
		return "stopped"
	case TenantChanged:
		return "changed"
	}
	return "unknown"
}

type Event struct {
	Type     EventType
	TenantID int64
}

// Registry is a read-through cache over the store, refreshed on an interval
// and on demand. Diffs against the previous view are published as events.
type Registry struct {
	store *storage.Store
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	cache map[int64]Snapshot

	events chan Event
}

func New(store *storage.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		log:    log.With().Str("component", "registry").Logger(),
		now:    time.Now,
		cache:  map[int64]Snapshot{},
		events: make(chan Event, 64),
	}
}

// Events is the stream the supervisor consumes.
func (r *Registry) Events() <-chan Event { return r.events }

// Get returns the cached snapshot for a tenant.
func (r *Registry) Get(tenantID int64) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.cache[tenantID]
	return s, ok
}

// Lookup refreshes one tenant directly from the store, bypassing the cache.
// Drivers use it to observe deactivation mid-run.
func (r *Registry) Lookup(ctx context.Context, tenantID int64) (Snapshot, error) {
	t, err := r.store.Tenant(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(ctx, t), nil
}

func (r *Registry) snapshot(ctx context.Context, t storage.Tenant) Snapshot {
	snap := Snapshot{Tenant: t}
	plan, err := r.store.ActivePlan(ctx, t.ID, r.now())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Error().Err(err).Int64("tenant_id", t.ID).Msg("plan lookup failed")
		}
		// No live plan: zero capability set, not usable.
		return snap
	}
	snap.Capabilities = deriveCapabilities(plan)
	snap.Usable = t.Active && strings.TrimSpace(t.BotToken) != ""
	return snap
}

func deriveCapabilities(p storage.Plan) Capabilities {
	return Capabilities{
		PlanCode:                p.Code,
		MaxMessagesPerMonth:     p.MaxMessages,
		MaxPrograms:             p.MaxPrograms,
		MaxHeadquarters:         p.MaxHeadquarters,
		MaxBroadcastPerDay:      p.MaxBroadcastPerDay,
		CanMassBroadcast:        p.CanMassBroadcast,
		CanConnect:              p.CanConnect,
		HasAnalytics:            p.HasAnalytics,
		HasAdvancedAnalytics:    p.HasAdvancedAnalytics,
		HasAI:                   p.HasAI,
		AIAutoReply:             p.AIAutoReply,
		AISentimentAnalysis:     p.AISentimentAnalysis,
		AIContentGeneration:     p.AIContentGeneration,
		AISmartChatbot:          p.AISmartChatbot,
		AIMessageClassification: p.AIMessageClassification,
	}
}

// Refresh rebuilds the cache from the store and publishes the diff.
func (r *Registry) Refresh(ctx context.Context) error {
	tenants, err := r.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[int64]Snapshot, len(tenants))
	for _, t := range tenants {
		snap := r.snapshot(ctx, t)
		if !snap.Usable {
			// Tenants without a usable identity are treated as absent; the
			// supervisor must not run a worker for them.
			continue
		}
		fresh[t.ID] = snap
	}

	r.mu.Lock()
	prev := r.cache
	r.cache = fresh
	r.mu.Unlock()

	for id, snap := range fresh {
		old, existed := prev[id]
		switch {
		case !existed:
			r.publish(Event{Type: TenantStarted, TenantID: id})
		case changed(old, snap):
			r.publish(Event{Type: TenantChanged, TenantID: id})
		}
	}
	for id := range prev {
		if _, still := fresh[id]; !still {
			r.publish(Event{Type: TenantStopped, TenantID: id})
		}
	}
	return nil
}

func changed(a, b Snapshot) bool {
	if a.Tenant.BotToken != b.Tenant.BotToken {
		return true
	}
	if a.Tenant.PublicName != b.Tenant.PublicName {
		return true
	}
	return a.Capabilities != b.Capabilities
}

// TokenChanged reports whether an update to a tenant rotated its token; the
// supervisor restarts the worker in that case.
func TokenChanged(old, new Snapshot) bool {
	return old.Tenant.BotToken != new.Tenant.BotToken
}

func (r *Registry) publish(ev Event) {
	select {
	case r.events <- ev:
	default:
		// Slow consumer; the next refresh re-converges, so dropping here is
		// safe but worth noticing.
		r.log.Warn().Int64("tenant_id", ev.TenantID).Str("event", ev.Type.String()).
			Msg("event channel full, dropped")
	}
}

// Run refreshes on the given interval until ctx is cancelled. The first
// refresh happens immediately so the supervisor converges at startup.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := r.Refresh(ctx); err != nil {
		r.log.Error().Err(err).Msg("initial refresh failed")
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.Error().Err(err).Msg("refresh failed")
			}
		}
	}
}
