// Package scheduler delivers due scheduled posts to their output channels.
// A cron tick claims due posts one at a time and applies the disposition
// rules; a daily sweep removes finished posts after the retention window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"botfleet/internal/gate"
	"botfleet/internal/metrics"
	"botfleet/internal/pacer"
	"botfleet/internal/platform/telegram"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

const (
	maxAttempts      = 3
	transientBackoff = 5 * time.Minute
	quotaBackoff     = time.Hour
	retention        = 30 * 24 * time.Hour
	passBatchLimit   = 100
)

type platform interface {
	Send(ctx context.Context, token string, recipient int64, p telegram.Payload) (telegram.SendResult, error)
	Pin(ctx context.Context, token string, chatID, messageID int64) error
}

type Scheduler struct {
	client platform
	store  *storage.Store
	reg    *registry.Registry
	gate   *gate.Gate
	pace   *pacer.Pacer
	log    zerolog.Logger
	now    func() time.Time

	retryMax     int
	retryBackoff time.Duration
}

type Option func(*Scheduler)

// WithRetryPolicy overrides the transient-failure budget and its backoff.
func WithRetryPolicy(max int, backoff time.Duration) Option {
	return func(s *Scheduler) {
		if max > 0 {
			s.retryMax = max
		}
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

func New(client platform, store *storage.Store, reg *registry.Registry, g *gate.Gate, p *pacer.Pacer, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:       client,
		store:        store,
		reg:          reg,
		gate:         g,
		pace:         p,
		log:          log.With().Str("component", "scheduler").Logger(),
		now:          time.Now,
		retryMax:     maxAttempts,
		retryBackoff: transientBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks every minute and sweeps daily until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() { s.Pass(ctx) }); err != nil {
		return fmt.Errorf("schedule pass: %w", err)
	}
	if _, err := c.AddFunc("@daily", func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}

// Pass runs one delivery cycle over the due posts.
func (s *Scheduler) Pass(ctx context.Context) {
	runID := uuid.NewString()
	log := s.log.With().Str("run_id", runID).Logger()

	due, err := s.store.DuePosts(ctx, s.now(), passBatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("due posts query failed")
		return
	}
	if len(due) == 0 {
		return
	}
	log.Info().Int("due", len(due)).Msg("pass started")

	for _, post := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.store.ClaimPost(ctx, post.ID)
		if err != nil {
			log.Error().Err(err).Int64("post_id", post.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another runner took it.
			continue
		}
		s.deliver(ctx, log, post)
	}
}

// deliver sends one claimed post and applies its disposition. The post is in
// SENDING and must leave this function in PENDING, SENT or FAILED.
func (s *Scheduler) deliver(ctx context.Context, log zerolog.Logger, post storage.ScheduledPost) {
	log = log.With().Int64("post_id", post.ID).Int64("tenant_id", post.TenantID).Logger()

	snap, ok := s.reg.Get(post.TenantID)
	if !ok {
		s.fail(ctx, log, post.ID, 0, "tenant inactive or unprovisioned")
		return
	}
	ch, err := s.store.Channel(ctx, post.ChannelID)
	if err != nil {
		s.fail(ctx, log, post.ID, 0, "channel lookup: "+err.Error())
		return
	}
	if !ch.Active {
		s.fail(ctx, log, post.ID, 0, "channel inactive")
		return
	}

	if err := s.gate.Reserve(ctx, post.TenantID, snap.Capabilities); err != nil {
		if errors.Is(err, gate.ErrQuotaExhausted) {
			// Quota refusals are retriable and never consume an attempt.
			s.reschedule(ctx, log, post.ID, s.now().Add(quotaBackoff), 0, "quota exhausted")
			return
		}
		s.reschedule(ctx, log, post.ID, s.now().Add(s.retryBackoff), 0, "gate: "+err.Error())
		return
	}

	if err := s.pace.Wait(ctx, post.TenantID); err != nil {
		s.reschedule(ctx, log, post.ID, s.now(), 0, "cancelled before send")
		return
	}

	res, err := s.client.Send(ctx, snap.Tenant.BotToken, ch.PlatformChannelID, telegram.Payload{
		Body:                post.Body,
		Media:               telegram.MediaKind(post.MediaKind),
		MediaURL:            post.MediaURL,
		DisableNotification: post.DisableNotification,
	})
	if err != nil {
		s.dispose(ctx, log, post, err)
		return
	}

	now := s.now()
	if err := s.store.MarkPostSent(ctx, post.ID, res.MessageID, now); err != nil {
		log.Error().Err(err).Msg("mark sent failed")
	}
	if err := s.store.TouchChannelPosted(ctx, ch.ID, now); err != nil {
		log.Warn().Err(err).Msg("channel touch failed")
	}
	metrics.PostsTotal.WithLabelValues("sent").Inc()
	log.Info().Int64("message_id", res.MessageID).Msg("post delivered")

	if post.PinAfterSend {
		if err := s.client.Pin(ctx, snap.Tenant.BotToken, ch.PlatformChannelID, res.MessageID); err != nil {
			log.Warn().Err(err).Msg("pin failed")
		}
	}
}

func (s *Scheduler) dispose(ctx context.Context, log zerolog.Logger, post storage.ScheduledPost, sendErr error) {
	var rl *telegram.RateLimitedError
	var pe *telegram.PermanentError

	switch {
	case errors.As(sendErr, &rl):
		s.pace.Hold(post.TenantID, rl.RetryAfter)
		s.reschedule(ctx, log, post.ID, s.now().Add(rl.RetryAfter), 0, sendErr.Error())
	case errors.As(sendErr, &pe):
		s.fail(ctx, log, post.ID, 1, sendErr.Error())
	default:
		if post.AttemptCount+1 < s.retryMax {
			s.reschedule(ctx, log, post.ID, s.now().Add(s.retryBackoff), 1, sendErr.Error())
		} else {
			s.fail(ctx, log, post.ID, 1, sendErr.Error())
		}
	}
}

func (s *Scheduler) reschedule(ctx context.Context, log zerolog.Logger, id int64, dueAt time.Time, attemptDelta int, reason string) {
	if err := s.store.ReschedulePost(ctx, id, dueAt, attemptDelta, reason); err != nil {
		log.Error().Err(err).Msg("reschedule failed")
		return
	}
	metrics.PostsTotal.WithLabelValues("rescheduled").Inc()
	log.Info().Time("due_at", dueAt).Str("reason", reason).Msg("post rescheduled")
}

func (s *Scheduler) fail(ctx context.Context, log zerolog.Logger, id int64, attemptDelta int, reason string) {
	if err := s.store.MarkPostFailed(ctx, id, attemptDelta, reason); err != nil {
		log.Error().Err(err).Msg("mark failed failed")
		return
	}
	metrics.PostsTotal.WithLabelValues("failed").Inc()
	log.Warn().Str("reason", reason).Msg("post failed")
}

// Sweep deletes SENT and FAILED posts older than the retention window.
func (s *Scheduler) Sweep(ctx context.Context) {
	n, err := s.store.SweepOldPosts(ctx, s.now().Add(-retention))
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("old posts swept")
	}
}
