package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/gate"
	"botfleet/internal/pacer"
	"botfleet/internal/platform/telegram"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

type fakeClient struct {
	mu    sync.Mutex
	sends []int64 // chat ids
	pins  []int64 // message ids
	errs  []error // popped per send, nil slice means all succeed
}

func (f *fakeClient) Send(ctx context.Context, token string, recipient int64, p telegram.Payload) (telegram.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return telegram.SendResult{}, err
		}
	}
	f.sends = append(f.sends, recipient)
	return telegram.SendResult{MessageID: int64(100 + len(f.sends))}, nil
}

func (f *fakeClient) Pin(ctx context.Context, token string, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, messageID)
	return nil
}

func openTest(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenMemory(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFixture(t *testing.T, s *storage.Store) {
	t.Helper()
	now := time.Now()
	exec := func(q string, args ...any) {
		t.Helper()
		if _, err := s.DB().Exec(q, args...); err != nil {
			t.Fatal(err)
		}
	}
	exec(`INSERT INTO tenants (id, name, active) VALUES (1, 't', 1)`)
	exec(`INSERT INTO bot_identities (tenant_id, token) VALUES (1, 'tok')`)
	exec(`INSERT INTO plans (id, name, code, max_messages) VALUES (1, 'p', 'p', -1)`)
	exec(`INSERT INTO plan_purchases (tenant_id, plan_id, start_at, end_at, is_active)
	      VALUES (1, 1, $1, $2, 1)`,
		now.Add(-time.Hour).UnixMilli(), now.Add(24*time.Hour).UnixMilli())
	exec(`INSERT INTO output_channels (id, tenant_id, platform_channel_id, title, active)
	      VALUES (1, 1, -100500, 'news', 1)`)
}

func seedPost(t *testing.T, s *storage.Store, id int64, due time.Time, pin bool) {
	t.Helper()
	pinV := 0
	if pin {
		pinV = 1
	}
	_, err := s.DB().Exec(`
		INSERT INTO scheduled_posts (id, tenant_id, channel_id, body, due_at, pin_after_send)
		VALUES ($1, 1, 1, 'announcement', $2, $3)`, id, due.UnixMilli(), pinV)
	if err != nil {
		t.Fatal(err)
	}
}

func newScheduler(t *testing.T, s *storage.Store, f *fakeClient) *Scheduler {
	t.Helper()
	reg := registry.New(s, zerolog.Nop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	g := gate.New(s, zerolog.Nop())
	p := pacer.New(time.Millisecond)
	return New(f, s, reg, g, p, zerolog.Nop())
}

func TestDuePostIsDelivered(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	seedPost(t, s, 7, time.Now().Add(-time.Minute), true)

	f := &fakeClient{}
	sch := newScheduler(t, s, f)
	sch.Pass(context.Background())

	if len(f.sends) != 1 || f.sends[0] != -100500 {
		t.Fatalf("sends = %v", f.sends)
	}
	if len(f.pins) != 1 {
		t.Fatalf("pin not attempted: %v", f.pins)
	}

	post, err := s.Post(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if post.Status != storage.StatusSent || post.SentMessageID == 0 {
		t.Fatalf("post after pass: %+v", post)
	}
	ch, err := s.Channel(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ch.LastPostAt.IsZero() {
		t.Fatal("channel last_post_at not touched")
	}
}

func TestFuturePostIsLeftAlone(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	seedPost(t, s, 7, time.Now().Add(time.Hour), false)

	f := &fakeClient{}
	sch := newScheduler(t, s, f)
	sch.Pass(context.Background())

	if len(f.sends) != 0 {
		t.Fatalf("future post sent: %v", f.sends)
	}
	post, _ := s.Post(context.Background(), 7)
	if post.Status != storage.StatusPending {
		t.Fatalf("status = %s", post.Status)
	}
}

func TestRateLimitReschedulesWithoutAttempt(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	seedPost(t, s, 7, time.Now().Add(-time.Minute), false)

	f := &fakeClient{errs: []error{&telegram.RateLimitedError{RetryAfter: 30 * time.Second}}}
	sch := newScheduler(t, s, f)
	before := time.Now()
	sch.Pass(context.Background())

	post, err := s.Post(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if post.Status != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", post.Status)
	}
	if post.AttemptCount != 0 {
		t.Fatalf("attempt_count = %d, want 0 after rate limit", post.AttemptCount)
	}
	if post.DueAt.Before(before.Add(25 * time.Second)) {
		t.Fatalf("due_at %s not pushed out by retry_after", post.DueAt)
	}
}

func TestTransientFailuresExhaustToFailed(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	seedPost(t, s, 7, time.Now().Add(-time.Minute), false)

	f := &fakeClient{errs: []error{
		&telegram.TransientError{Reason: "gateway timeout"},
		&telegram.TransientError{Reason: "gateway timeout"},
		&telegram.TransientError{Reason: "gateway timeout"},
	}}
	sch := newScheduler(t, s, f)

	for i := 0; i < 3; i++ {
		// Re-arm due_at so each attempt is immediately eligible again.
		if _, err := s.DB().Exec(
			`UPDATE scheduled_posts SET due_at = $1 WHERE id = 7 AND status = $2`,
			time.Now().Add(-time.Second).UnixMilli(), storage.StatusPending); err != nil {
			t.Fatal(err)
		}
		sch.Pass(context.Background())
	}

	post, err := s.Post(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if post.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED after 3 attempts", post.Status)
	}
	if post.AttemptCount != 3 {
		t.Fatalf("attempt_count = %d, want 3", post.AttemptCount)
	}
	if post.LastError == "" {
		t.Fatal("last_error empty")
	}
}

func TestPermanentRejectFailsImmediately(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	seedPost(t, s, 7, time.Now().Add(-time.Minute), false)

	f := &fakeClient{errs: []error{&telegram.PermanentError{Reason: "bot kicked from channel"}}}
	sch := newScheduler(t, s, f)
	sch.Pass(context.Background())

	post, _ := s.Post(context.Background(), 7)
	if post.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", post.Status)
	}
}

func TestInactiveChannelFailsPost(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	if _, err := s.DB().Exec(`UPDATE output_channels SET active = 0 WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	seedPost(t, s, 7, time.Now().Add(-time.Minute), false)

	f := &fakeClient{}
	sch := newScheduler(t, s, f)
	sch.Pass(context.Background())

	if len(f.sends) != 0 {
		t.Fatal("sent to inactive channel")
	}
	post, _ := s.Post(context.Background(), 7)
	if post.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", post.Status)
	}
}

func TestSweepRemovesOldFinishedPosts(t *testing.T) {
	s := openTest(t)
	seedFixture(t, s)
	old := time.Now().Add(-40 * 24 * time.Hour)
	exec := func(q string, args ...any) {
		t.Helper()
		if _, err := s.DB().Exec(q, args...); err != nil {
			t.Fatal(err)
		}
	}
	exec(`INSERT INTO scheduled_posts (id, tenant_id, channel_id, body, due_at, status, sent_at)
	      VALUES (1, 1, 1, 'old', $1, $2, $1)`, old.UnixMilli(), storage.StatusSent)
	exec(`INSERT INTO scheduled_posts (id, tenant_id, channel_id, body, due_at, status)
	      VALUES (2, 1, 1, 'recent', $1, $2)`, time.Now().UnixMilli(), storage.StatusSent)

	f := &fakeClient{}
	sch := newScheduler(t, s, f)
	sch.Sweep(context.Background())

	if _, err := s.Post(context.Background(), 1); err == nil {
		t.Fatal("old post survived sweep")
	}
	if _, err := s.Post(context.Background(), 2); err != nil {
		t.Fatalf("recent post swept: %v", err)
	}
}
