// Package gate enforces plan quotas and capability flags before anything
// leaves the process. Every outbound envelope, regardless of which engine
// produced it, passes through Reserve for its tenant.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

// ErrQuotaExhausted is returned when the tenant's monthly envelope budget is
// spent. Callers surface it to the operator rather than retrying.
var ErrQuotaExhausted = errors.New("monthly message quota exhausted")

// ErrCapabilityMissing is returned when the active plan does not include the
// requested feature. Its text is stored as a broadcast failure reason and
// read by the external UI, so it stays fixed.
var ErrCapabilityMissing = errors.New("capability not granted")

// ErrBroadcastBudget is returned when the tenant already started its allowed
// number of broadcasts today.
var ErrBroadcastBudget = errors.New("daily broadcast budget exhausted")

// ErrBroadcastBusy is returned when the tenant already has a broadcast being
// driven by this process.
var ErrBroadcastBusy = errors.New("broadcast already running for tenant")

// Gate serializes quota decisions per tenant. The check-then-increment on the
// monthly counter runs under a tenant-level mutex so concurrent engines never
// overshoot the budget.
type Gate struct {
	store *storage.Store
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*tenantLock
}

type tenantLock struct {
	quota     sync.Mutex
	broadcast bool // set while a broadcast run owns the tenant
}

func New(store *storage.Store, log zerolog.Logger) *Gate {
	return &Gate{
		store: store,
		log:   log.With().Str("component", "gate").Logger(),
		now:   time.Now,
		locks: map[int64]*tenantLock{},
	}
}

func (g *Gate) lock(tenantID int64) *tenantLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		g.locks[tenantID] = l
	}
	return l
}

// Reserve spends one envelope from the tenant's monthly budget. It checks the
// counter and increments it inside the tenant's critical section; a
// MaxMessagesPerMonth of -1 is unlimited. On ErrQuotaExhausted nothing is
// consumed.
func (g *Gate) Reserve(ctx context.Context, tenantID int64, caps registry.Capabilities) error {
	limit := caps.MaxMessagesPerMonth
	month := storage.MonthKey(g.now())

	l := g.lock(tenantID)
	l.quota.Lock()
	defer l.quota.Unlock()

	if limit >= 0 {
		used, err := g.store.QuotaUsed(ctx, tenantID, month)
		if err != nil {
			return fmt.Errorf("quota lookup: %w", err)
		}
		if used >= limit {
			return ErrQuotaExhausted
		}
	}
	if err := g.store.IncrementQuota(ctx, tenantID, month); err != nil {
		return fmt.Errorf("quota increment: %w", err)
	}
	return nil
}

// RequireConnect checks the two-way messaging capability.
func (g *Gate) RequireConnect(caps registry.Capabilities) error {
	if !caps.CanConnect {
		return fmt.Errorf("%w: connect", ErrCapabilityMissing)
	}
	return nil
}

// AcquireBroadcastSlot claims the tenant's single concurrent-broadcast slot.
// Used directly when resuming an interrupted run, which was already counted
// against the daily budget at its original start.
func (g *Gate) AcquireBroadcastSlot(tenantID int64) error {
	l := g.lock(tenantID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.broadcast {
		return ErrBroadcastBusy
	}
	l.broadcast = true
	return nil
}

// AcquireBroadcast claims the tenant's single broadcast slot and checks the
// daily start budget and the mass-messaging flag. Release must be called when
// the run ends, whatever its outcome.
func (g *Gate) AcquireBroadcast(ctx context.Context, tenantID int64, caps registry.Capabilities) error {
	if !caps.CanMassBroadcast {
		return fmt.Errorf("%w: mass broadcast", ErrCapabilityMissing)
	}
	if err := g.AcquireBroadcastSlot(tenantID); err != nil {
		return err
	}

	if caps.MaxBroadcastPerDay >= 0 {
		started, err := g.store.BroadcastsStartedSince(ctx, tenantID, storage.DayStart(g.now()))
		if err != nil {
			g.ReleaseBroadcast(tenantID)
			return fmt.Errorf("broadcast count: %w", err)
		}
		if started >= caps.MaxBroadcastPerDay {
			g.ReleaseBroadcast(tenantID)
			return ErrBroadcastBudget
		}
	}
	return nil
}

// ReleaseBroadcast frees the tenant's broadcast slot.
func (g *Gate) ReleaseBroadcast(tenantID int64) {
	l := g.lock(tenantID)
	g.mu.Lock()
	l.broadcast = false
	g.mu.Unlock()
}

// Forget drops a tenant's lock entry once the tenant is removed. The entry
// stays while a broadcast run still owns the slot, so dropping it can never
// open a second concurrent slot for the same tenant.
func (g *Gate) Forget(tenantID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.locks[tenantID]; ok && l.broadcast {
		return
	}
	delete(g.locks, tenantID)
}
