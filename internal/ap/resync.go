package ap

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ActorRefresher periodically re-fetches cached remote actors whose rows
// have fallen outside the resolver TTL. This keeps follower profile data and
// public keys fresh (key rotation, renames, avatar changes) without waiting
// for the next inbound activity from each actor.
type ActorRefresher struct {
	Resolver *Resolver
	// Interval between automatic refresh sweeps. Defaults to 24h if zero.
	Interval time.Duration
	// BatchSize caps how many stale actors one sweep touches.
	BatchSize int
	// TriggerCh, if non-nil, causes an immediate sweep when sent to.
	TriggerCh <-chan struct{}
}

// Start begins the periodic refresh loop. Blocks until ctx is cancelled.
// Does NOT run an initial sweep on startup — the first run is after one
// Interval (or when triggered manually via TriggerCh).
func (r *ActorRefresher) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	slog.Info("actor refresher started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	trigCh := r.TriggerCh

	for {
		select {
		case <-ctx.Done():
			slog.Info("actor refresher stopped")
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		case <-trigCh:
			slog.Info("actor refresh triggered manually")
			r.refreshAll(ctx)
		}
	}
}

// refreshAll re-resolves up to BatchSize stale actors (200 if unset), oldest
// first, one at a time.
func (r *ActorRefresher) refreshAll(ctx context.Context) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 200
	}
	cutoff := time.Now().Add(-r.Resolver.TTL)
	uris, err := r.Resolver.Store.ListStaleRemoteActorURIs(ctx, cutoff, batch)
	if err != nil {
		slog.Warn("refresh: failed to list stale actors", "error", err)
		return
	}
	if len(uris) == 0 {
		slog.Debug("refresh: no stale actors")
		return
	}

	slog.Info("refresh: starting actor sweep", "count", len(uris))

	ok, failed := 0, 0
	for _, uri := range uris {
		select {
		case <-ctx.Done():
			slog.Info("refresh: interrupted", "ok", ok, "failed", failed)
			return
		default:
		}

		InvalidateCache(uri)
		if _, err := r.Resolver.refresh(ctx, uri); err != nil {
			slog.Debug("refresh: actor fetch failed", "actor", uri, "error", err)
			failed++
		} else {
			ok++
		}

		// Small pause between fetches to avoid hammering remote servers.
		select {
		case <-ctx.Done():
			return
		case <-time.After(300 * time.Millisecond):
		}
	}

	slog.Info("refresh: complete", "ok", ok, "failed", failed)
	_ = r.Resolver.Store.SetKV("last_actor_refresh_at", time.Now().UTC().Format(time.RFC3339))
	_ = r.Resolver.Store.SetKV("last_actor_refresh_count", fmt.Sprintf("%d/%d", ok, ok+failed))
}
