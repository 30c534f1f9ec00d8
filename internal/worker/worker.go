// Package worker drives one tenant's bot: it long-polls the platform for
// updates, records subscribers, and answers commands and menu callbacks.
// Internally single-threaded with one in-flight send at a time, which keeps
// reply ordering intuitive and stays inside the per-bot throughput envelope.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/gate"
	"botfleet/internal/metrics"
	"botfleet/internal/pacer"
	"botfleet/internal/platform/telegram"
	"botfleet/internal/registry"
	"botfleet/internal/storage"
)

const pollTimeout = 30 * time.Second

// Standard one-line replies. No stack traces, no partial HTML.
const (
	msgQuotaExhausted = "This bot has reached its monthly message limit. Please try again later."
	msgNotEnabled     = "This feature is not enabled on this bot's plan."
	msgDeliveryIssue  = "Temporary delivery problem, please try again."
	msgAskForMessage  = "Please type the message you want to send. It will be delivered to the team."
	msgReceived       = "Thank you, your message has been received."
	msgUseMenu        = "Please use the menu. Send /start to see the options."
)

// platform is the slice of the client the worker needs; tests fake it.
type platform interface {
	GetUpdates(ctx context.Context, token string, offset int, timeout time.Duration) ([]telegram.Update, error)
	Send(ctx context.Context, token string, recipient int64, p telegram.Payload) (telegram.SendResult, error)
	AnswerCallback(ctx context.Context, token, callbackID string) error
}

type Worker struct {
	client platform
	store  *storage.Store
	reg    *registry.Registry
	gate   *gate.Gate
	pace   *pacer.Pacer
	log    zerolog.Logger
	now    func() time.Time

	sessions *sessions
}

func New(client platform, store *storage.Store, reg *registry.Registry, g *gate.Gate, p *pacer.Pacer, log zerolog.Logger) *Worker {
	return &Worker{
		client:   client,
		store:    store,
		reg:      reg,
		gate:     g,
		pace:     p,
		log:      log.With().Str("component", "worker").Logger(),
		now:      time.Now,
		sessions: newSessions(),
	}
}

// Run is the tenant poll loop; the fleet restarts it on failure. A returned
// error means the loop can no longer make progress with this token.
func (w *Worker) Run(ctx context.Context, snap registry.Snapshot) error {
	tenantID := snap.Tenant.ID
	log := w.log.With().Int64("tenant_id", tenantID).Logger()

	if err := w.store.TouchBotActive(ctx, tenantID, w.now()); err != nil {
		log.Warn().Err(err).Msg("heartbeat failed")
	}
	log.Info().Str("bot", snap.Tenant.PublicName).Msg("polling")

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Capability changes land without a restart; re-read each cycle.
		if fresh, ok := w.reg.Get(tenantID); ok {
			snap = fresh
		}

		updates, err := w.client.GetUpdates(ctx, snap.Tenant.BotToken, offset, pollTimeout)
		if err != nil {
			var rl *telegram.RateLimitedError
			if errors.As(err, &rl) {
				w.pace.Hold(tenantID, rl.RetryAfter)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(rl.RetryAfter):
				}
				continue
			}
			return fmt.Errorf("get updates: %w", err)
		}

		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			metrics.UpdatesProcessed.Inc()
			if err := w.handle(ctx, snap, u); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Int("update_id", u.ID).Msg("update failed")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, snap registry.Snapshot, u telegram.Update) error {
	tenantID := snap.Tenant.ID
	at := u.At
	if at.IsZero() {
		at = w.now()
	}
	isNew, err := w.store.UpsertSubscriber(ctx, tenantID, u.From.ID,
		u.From.Username, u.From.FirstName, u.From.LastName, at)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	if isNew {
		w.log.Info().Int64("tenant_id", tenantID).Int64("user_id", u.From.ID).Msg("subscriber joined")
	}

	switch u.Kind {
	case telegram.UpdateCallback:
		return w.handleCallback(ctx, snap, u)
	case telegram.UpdateMessage:
		return w.handleMessage(ctx, snap, u)
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, snap registry.Snapshot, u telegram.Update) error {
	text := strings.TrimSpace(u.Text)

	if strings.HasPrefix(text, "/start") {
		w.sessions.disarm(snap.Tenant.ID, u.From.ID)
		return w.send(ctx, snap, u.ChatID, telegram.Payload{
			Body:        welcomeText(snap.Tenant),
			ReplyMarkup: menuMarkup(),
		})
	}

	if w.sessions.awaiting(snap.Tenant.ID, u.From.ID) {
		w.sessions.disarm(snap.Tenant.ID, u.From.ID)
		if err := w.gate.RequireConnect(snap.Capabilities); err != nil {
			return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: msgNotEnabled})
		}
		// Persist first; a failed acknowledgement must not lose the message.
		err := w.store.AppendInbound(ctx, storage.InboundMessage{
			TenantID:       snap.Tenant.ID,
			PlatformUserID: u.From.ID,
			SenderName:     senderName(u.From),
			Body:           text,
			ReceivedAt:     w.now(),
		})
		if err != nil {
			return fmt.Errorf("persist inbound: %w", err)
		}
		return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: msgReceived})
	}

	return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: msgUseMenu})
}

func (w *Worker) handleCallback(ctx context.Context, snap registry.Snapshot, u telegram.Update) error {
	if err := w.client.AnswerCallback(ctx, snap.Tenant.BotToken, u.CallbackID); err != nil {
		w.log.Debug().Err(err).Msg("answer callback failed")
	}

	switch u.Data {
	case cbBack:
		return w.send(ctx, snap, u.ChatID, telegram.Payload{
			Body:        welcomeText(snap.Tenant),
			ReplyMarkup: menuMarkup(),
		})
	case cbSendMessage:
		if err := w.gate.RequireConnect(snap.Capabilities); err != nil {
			return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: msgNotEnabled})
		}
		w.sessions.arm(snap.Tenant.ID, u.From.ID)
		return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: msgAskForMessage, ReplyMarkup: backMarkup()})
	case cbResume, cbPrograms, cbHeadquarters, cbContact:
		body, err := w.renderPane(ctx, snap, u.Data)
		if err != nil {
			_ = w.deliver(ctx, snap, u.ChatID, telegram.Payload{Body: msgDeliveryIssue})
			return err
		}
		return w.send(ctx, snap, u.ChatID, telegram.Payload{Body: body, ReplyMarkup: backMarkup()})
	}

	w.log.Debug().Str("data", u.Data).Msg("unknown callback token")
	return nil
}

// send pushes one reply through the gate and the pacer. A quota refusal is
// surfaced to the sender with a plain message that does not itself count.
func (w *Worker) send(ctx context.Context, snap registry.Snapshot, chatID int64, p telegram.Payload) error {
	tenantID := snap.Tenant.ID
	if err := w.gate.Reserve(ctx, tenantID, snap.Capabilities); err != nil {
		if errors.Is(err, gate.ErrQuotaExhausted) {
			metrics.QuotaRefusals.Inc()
			w.log.Warn().Int64("tenant_id", tenantID).Msg("send refused, quota exhausted")
			w.deliver(ctx, snap, chatID, telegram.Payload{Body: msgQuotaExhausted})
			return nil
		}
		return err
	}
	if err := w.deliver(ctx, snap, chatID, p); err != nil {
		return err
	}
	return nil
}

// deliver waits on the pacer and performs the platform call, retrying once
// after a rate-limit hold.
func (w *Worker) deliver(ctx context.Context, snap registry.Snapshot, chatID int64, p telegram.Payload) error {
	tenantID := snap.Tenant.ID
	for attempt := 0; ; attempt++ {
		if err := w.pace.Wait(ctx, tenantID); err != nil {
			return err
		}
		_, err := w.client.Send(ctx, snap.Tenant.BotToken, chatID, p)
		if err == nil {
			return nil
		}
		var rl *telegram.RateLimitedError
		if errors.As(err, &rl) && attempt == 0 {
			w.pace.Hold(tenantID, rl.RetryAfter)
			continue
		}
		return err
	}
}

func senderName(u telegram.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
