// Package pacer regulates outbound sends per tenant. One token bucket per
// tenant is shared by the worker, the post scheduler and the broadcast
// engine, so every egress path observes the same spacing and the same
// platform-imposed holds.
package pacer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer hands out send slots per tenant. The default interval of 50ms keeps a
// tenant inside the platform's published envelope; a Hold() placed after a
// rate-limit response delays every path for that tenant until it expires.
type Pacer struct {
	interval time.Duration
	burst    int

	mu      sync.Mutex
	buckets map[int64]*bucket

	now func() time.Time
}

type bucket struct {
	lim       *rate.Limiter
	notBefore time.Time
}

func New(interval time.Duration) *Pacer {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Pacer{
		interval: interval,
		burst:    1,
		buckets:  map[int64]*bucket{},
		now:      time.Now,
	}
}

func (p *Pacer) bucket(tenantID int64) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[tenantID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(p.interval), p.burst)}
		p.buckets[tenantID] = b
	}
	return b
}

// Wait blocks until the tenant may send: any active hold has expired and a
// bucket token is available. Returns early with the context error on cancel.
func (p *Pacer) Wait(ctx context.Context, tenantID int64) error {
	b := p.bucket(tenantID)

	p.mu.Lock()
	hold := b.notBefore
	p.mu.Unlock()

	if d := hold.Sub(p.now()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return b.lim.Wait(ctx)
}

// Hold pauses the tenant's egress for the platform-suggested interval. Calls
// never shorten an existing hold.
func (p *Pacer) Hold(tenantID int64, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	b := p.bucket(tenantID)
	until := p.now().Add(retryAfter)
	p.mu.Lock()
	if until.After(b.notBefore) {
		b.notBefore = until
	}
	p.mu.Unlock()
}

// Forget drops a tenant's bucket (tenant removed).
func (p *Pacer) Forget(tenantID int64) {
	p.mu.Lock()
	delete(p.buckets, tenantID)
	p.mu.Unlock()
}
