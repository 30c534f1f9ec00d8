// Package broadcast fans bulk messages out to a tenant's subscriber set,
// paced per tenant, with per-recipient delivery rows so an interrupted run
// can resume without double-sending.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botfleet/internal/gate"
	"botfleet/internal/metrics"
	"botfleet/internal/pacer"
	"botfleet/internal/platform/telegram"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

const (
	tickInterval       = 30 * time.Second
	checkpointInterval = 50
)

type platform interface {
	Send(ctx context.Context, token string, recipient int64, p telegram.Payload) (telegram.SendResult, error)
}

type Engine struct {
	client platform
	store  *storage.Store
	reg    *registry.Registry
	gate   *gate.Gate
	pace   *pacer.Pacer
	log    zerolog.Logger
	now    func() time.Time

	tick            time.Duration
	checkpointEvery int
}

type Option func(*Engine)

// WithTick overrides the pass interval.
func WithTick(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithCheckpointEvery overrides how many recipients go by between counter
// checkpoints.
func WithCheckpointEvery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkpointEvery = n
		}
	}
}

func New(client platform, store *storage.Store, reg *registry.Registry, g *gate.Gate, p *pacer.Pacer, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		client:          client,
		store:           store,
		reg:             reg,
		gate:            g,
		pace:            p,
		log:             log.With().Str("component", "broadcast").Logger(),
		now:             time.Now,
		tick:            tickInterval,
		checkpointEvery: checkpointInterval,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drives passes every 30 seconds until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(e.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			e.Pass(ctx)
		}
	}
}

// Pass picks up every eligible broadcast: due PENDING ones and RUNNING ones
// left behind by an interrupted process.
func (e *Engine) Pass(ctx context.Context) {
	runID := uuid.NewString()
	log := e.log.With().Str("run_id", runID).Logger()

	eligible, err := e.store.EligibleBroadcasts(ctx, e.now())
	if err != nil {
		log.Error().Err(err).Msg("eligible query failed")
		return
	}
	for _, b := range eligible {
		if ctx.Err() != nil {
			return
		}
		e.dispatch(ctx, log, b)
	}
}

func (e *Engine) dispatch(ctx context.Context, log zerolog.Logger, b storage.Broadcast) {
	log = log.With().Int64("broadcast_id", b.ID).Int64("tenant_id", b.TenantID).Logger()

	snap, ok := e.reg.Get(b.TenantID)
	if !ok {
		e.fail(ctx, log, b.ID, "tenant inactive or unprovisioned")
		return
	}

	resume := b.Status == storage.StatusRunning
	var err error
	if resume {
		// Resumed runs were counted against the daily budget at their
		// original start; only the concurrency slot applies.
		err = e.gate.AcquireBroadcastSlot(b.TenantID)
	} else {
		err = e.gate.AcquireBroadcast(ctx, b.TenantID, snap.Capabilities)
	}
	switch {
	case errors.Is(err, gate.ErrBroadcastBusy):
		return // another run owns this tenant, try next pass
	case errors.Is(err, gate.ErrCapabilityMissing):
		// The stored reason is part of the UI contract, keep it stable.
		e.fail(ctx, log, b.ID, gate.ErrCapabilityMissing.Error())
		return
	case errors.Is(err, gate.ErrBroadcastBudget):
		e.fail(ctx, log, b.ID, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("broadcast gate failed")
		return
	}
	defer e.gate.ReleaseBroadcast(b.TenantID)

	e.run(ctx, log, snap, b, resume)
}

func (e *Engine) run(ctx context.Context, log zerolog.Logger, snap registry.Snapshot, b storage.Broadcast, resume bool) {
	// The recipient set is frozen at start as PENDING delivery rows, so a
	// resume fans out to exactly the audience counted in total, regardless
	// of subscribers who joined or shifted windows since.
	var recipients []int64
	var sent, failed int
	if resume {
		delivered, err := e.store.DeliveredSet(ctx, b.ID)
		if err != nil {
			log.Error().Err(err).Msg("delivered set query failed")
			return
		}
		for _, outcome := range delivered {
			if outcome == storage.DeliverySent {
				sent++
			} else {
				failed++
			}
		}
		recipients, err = e.store.PendingRecipients(ctx, b.ID)
		if err != nil {
			log.Error().Err(err).Msg("pending recipients query failed")
			return
		}
		log.Info().Int("already_delivered", len(delivered)).Int("remaining", len(recipients)).Msg("resuming broadcast")
	} else {
		audience, err := e.store.AudienceIDs(ctx, b.TenantID, b.AudienceFilter, e.now())
		if err != nil {
			log.Error().Err(err).Msg("audience query failed")
			return
		}
		claimed, err := e.store.StartBroadcast(ctx, b.ID, audience, e.now())
		if err != nil {
			log.Error().Err(err).Msg("start failed")
			return
		}
		if !claimed {
			return
		}
		recipients = audience
		log.Info().Int("total", len(audience)).Str("filter", b.AudienceFilter).Msg("broadcast started")
	}

	payload := telegram.Payload{
		Body:     b.Body,
		Media:    telegram.MediaKind(b.MediaKind),
		MediaURL: b.MediaURL,
	}

	sinceCheckpoint := 0
	for _, uid := range recipients {
		if ctx.Err() != nil {
			// Stay RUNNING; the next process picks it up and resumes.
			return
		}

		if err := e.gate.Reserve(ctx, b.TenantID, snap.Capabilities); err != nil {
			if errors.Is(err, gate.ErrQuotaExhausted) {
				// Retriable refusal: park the run RUNNING and let a later
				// pass resume it once the quota frees up.
				e.checkpoint(ctx, log, b.ID, sent, failed)
				log.Warn().Int("sent", sent).Msg("quota exhausted, broadcast parked")
				return
			}
			log.Error().Err(err).Msg("gate failed mid-broadcast")
			return
		}

		outcome, errText := e.send(ctx, snap, uid, payload)
		if outcome == storage.DeliverySent {
			sent++
			metrics.BroadcastDeliveries.WithLabelValues("sent").Inc()
		} else {
			failed++
			metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
		}
		d := storage.Delivery{
			BroadcastID:    b.ID,
			PlatformUserID: uid,
			Outcome:        outcome,
			ErrorText:      errText,
			SentAt:         e.now(),
		}
		if err := e.store.RecordDelivery(ctx, d); err != nil {
			log.Error().Err(err).Int64("user_id", uid).Msg("delivery row write failed")
		}

		sinceCheckpoint++
		if sinceCheckpoint >= e.checkpointEvery {
			e.checkpoint(ctx, log, b.ID, sent, failed)
			sinceCheckpoint = 0
		}
	}

	if err := e.store.CompleteBroadcast(ctx, b.ID, sent, failed, e.now()); err != nil {
		log.Error().Err(err).Msg("complete failed")
		return
	}
	metrics.BroadcastsCompleted.Inc()
	log.Info().Int("sent", sent).Int("failed", failed).Msg("broadcast completed")
}

// send delivers to one recipient, retrying the same recipient exactly once
// after a rate-limit hold. Any other failure counts the recipient as failed.
func (e *Engine) send(ctx context.Context, snap registry.Snapshot, uid int64, p telegram.Payload) (outcome, errText string) {
	for attempt := 0; ; attempt++ {
		if err := e.pace.Wait(ctx, snap.Tenant.ID); err != nil {
			return storage.DeliveryFailed, "cancelled: " + err.Error()
		}
		_, err := e.client.Send(ctx, snap.Tenant.BotToken, uid, p)
		if err == nil {
			return storage.DeliverySent, ""
		}
		var rl *telegram.RateLimitedError
		if errors.As(err, &rl) && attempt == 0 {
			e.pace.Hold(snap.Tenant.ID, rl.RetryAfter)
			continue
		}
		return storage.DeliveryFailed, err.Error()
	}
}

func (e *Engine) checkpoint(ctx context.Context, log zerolog.Logger, id int64, sent, failed int) {
	if err := e.store.CheckpointBroadcast(ctx, id, sent, failed); err != nil {
		log.Error().Err(err).Msg("checkpoint failed")
	}
}

func (e *Engine) fail(ctx context.Context, log zerolog.Logger, id int64, reason string) {
	if err := e.store.FailBroadcast(ctx, id, reason); err != nil {
		log.Error().Err(err).Msg("fail update failed")
		return
	}
	log.Warn().Str("reason", reason).Msg("broadcast failed")
}
