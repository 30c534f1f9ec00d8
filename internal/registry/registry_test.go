package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/storage"
)

func openTest(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenMemory(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *storage.Store, id int64, token string) {
	t.Helper()
	_, err := s.DB().Exec(
		`INSERT INTO tenants (id, name, active, city, district) VALUES ($1, 't', 1, 'Shiraz', 'District 1')`, id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.DB().Exec(
		`INSERT INTO bot_identities (tenant_id, token, public_name) VALUES ($1, $2, 'bot')`, id, token)
	if err != nil {
		t.Fatal(err)
	}
}

func seedPlan(t *testing.T, s *storage.Store, tenantID int64, now time.Time) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO plans (name, code, max_messages, max_broadcast_per_day, can_mass_broadcast, can_connect)
		VALUES ('Pro', 'pro', 500, 2, 1, 1)`)
	if err != nil {
		t.Fatal(err)
	}
	var planID int64
	if err := s.DB().QueryRow(`SELECT id FROM plans WHERE code = 'pro'`).Scan(&planID); err != nil {
		t.Fatal(err)
	}
	_, err = s.DB().Exec(`
		INSERT INTO plan_purchases (tenant_id, plan_id, start_at, end_at, is_active)
		VALUES ($1, $2, $3, $4, 1)`,
		tenantID, planID, now.Add(-time.Hour).UnixMilli(), now.Add(24*time.Hour).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
}

func drain(r *Registry) []Event {
	var evs []Event
	for {
		select {
		case ev := <-r.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestRefreshPublishesLifecycle(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	seedTenant(t, s, 1, "tok-1")
	seedPlan(t, s, 1, now)

	r := New(s, zerolog.Nop())
	ctx := context.Background()

	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	evs := drain(r)
	if len(evs) != 1 || evs[0].Type != TenantStarted || evs[0].TenantID != 1 {
		t.Fatalf("after first refresh: %+v", evs)
	}

	snap, ok := r.Get(1)
	if !ok || !snap.Usable {
		t.Fatalf("tenant 1 not usable: %+v", snap)
	}
	if snap.Capabilities.MaxMessagesPerMonth != 500 || !snap.Capabilities.CanMassBroadcast {
		t.Fatalf("capabilities not derived: %+v", snap.Capabilities)
	}

	// Token rotation surfaces as a change.
	if _, err := s.DB().Exec(`UPDATE bot_identities SET token = 'tok-2' WHERE tenant_id = 1`); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	evs = drain(r)
	if len(evs) != 1 || evs[0].Type != TenantChanged {
		t.Fatalf("after token rotation: %+v", evs)
	}

	// Deactivation removes the tenant from the view.
	if _, err := s.DB().Exec(`UPDATE tenants SET active = 0 WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	evs = drain(r)
	if len(evs) != 1 || evs[0].Type != TenantStopped {
		t.Fatalf("after deactivation: %+v", evs)
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("stopped tenant still cached")
	}
}

func TestTenantWithoutPlanIsNotUsable(t *testing.T) {
	s := openTest(t)
	seedTenant(t, s, 1, "tok-1")

	r := New(s, zerolog.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if evs := drain(r); len(evs) != 0 {
		t.Fatalf("planless tenant produced events: %+v", evs)
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("planless tenant cached as usable")
	}
}

func TestRefreshIsStableWithoutChanges(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	seedTenant(t, s, 1, "tok-1")
	seedPlan(t, s, 1, now)

	r := New(s, zerolog.Nop())
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	drain(r)
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if evs := drain(r); len(evs) != 0 {
		t.Fatalf("unchanged refresh produced events: %+v", evs)
	}
}
