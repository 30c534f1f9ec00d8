// Package app wires the runtime together: store, platform client, registry,
// fleet, the two global drivers and the ops HTTP surface, all under one
// supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/fleet"
	"botfleet/internal/gate"
	"botfleet/internal/health"
	"botfleet/internal/pacer"
	"botfleet/internal/platform/telegram"
	"botfleet/internal/registry"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/scheduler"
	"botfleet/internal/storage"
	"botfleet/internal/worker"
)

type App struct {
	cfg config.Config
	log zerolog.Logger

	store *storage.Store
	sup   *supervisor.Supervisor
	fleet *fleet.Fleet
}

func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	store, err := storage.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if n, err := store.ResetStaleClaims(ctx); err != nil {
		log.Warn().Err(err).Msg("stale claim reset failed")
	} else if n > 0 {
		log.Info().Int64("posts", n).Msg("reset stale delivery claims")
	}

	client := telegram.NewClient(log)
	reg := registry.New(store, log)
	g := gate.New(store, log)
	pace := pacer.New(cfg.Tunables.PacerInterval.D)

	w := worker.New(client, store, reg, g, pace, log)
	fl := fleet.New(reg, w, log)
	// Tenant removal releases its pacing and gate state and the cached bot.
	fl.OnRemove(pace.Forget)
	fl.OnRemove(g.Forget)
	fl.OnRemove(func(tenantID int64) {
		if snap, ok := reg.Get(tenantID); ok {
			client.Forget(snap.Tenant.BotToken)
		}
	})

	sched := scheduler.New(client, store, reg, g, pace, log,
		scheduler.WithRetryPolicy(cfg.Tunables.PostRetryMax, cfg.Tunables.PostRetryBackoff.D))
	eng := broadcast.New(client, store, reg, g, pace, log,
		broadcast.WithTick(cfg.Tunables.BroadcastTick.D),
		broadcast.WithCheckpointEvery(cfg.Tunables.BroadcastCheckpointEvery))
	ops := health.New(cfg.ListenAddr, store, fl, log)

	a := &App{
		cfg:   cfg,
		log:   log.With().Str("component", "app").Logger(),
		store: store,
		sup:   supervisor.New(ctx, log),
		fleet: fl,
	}

	a.sup.Go("fleet", fl.Run)
	a.sup.Go("registry", func(c context.Context) error {
		return reg.Run(c, cfg.Tunables.RegistryRefresh.D)
	})
	a.sup.GoRestart("scheduler", time.Second, 30*time.Second, sched.Run)
	a.sup.GoRestart("broadcast", time.Second, 30*time.Second, eng.Run)
	a.sup.GoRestart("ops", time.Second, 30*time.Second, ops.Run)

	return a, nil
}

// Wait blocks until the supervisor context ends and all goroutines join.
func (a *App) Wait(ctx context.Context) error {
	return a.sup.Wait(ctx)
}

// Stop shuts the drivers down, waits for the workers with the given grace
// context, and closes the store.
func (a *App) Stop(ctx context.Context) error {
	err := a.sup.Stop(ctx)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info().Msg("stopped")
	return err
}
