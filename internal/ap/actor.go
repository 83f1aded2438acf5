package ap

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/db"
)

// Resolver fetches and caches remote actors. Lookups go through an
// in-process read-through cache in front of the persisted remote_actors row;
// either layer satisfies the request while last_fetched is within TTL.
type Resolver struct {
	Store *db.Store
	TTL   time.Duration

	cache sync.Map // actor URI → *db.RemoteActor
}

// NewResolver builds a resolver and starts its cache sweeper.
func NewResolver(store *db.Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	r := &Resolver{Store: store, TTL: ttl}
	go r.sweep()
	return r
}

// sweep evicts stale in-process entries so the map doesn't grow unbounded
// over long runtimes with many distinct actors.
func (r *Resolver) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-r.TTL)
		r.cache.Range(func(k, v any) bool {
			if v.(*db.RemoteActor).LastFetched.Before(cutoff) {
				r.cache.Delete(k)
			}
			return true
		})
	}
}

// Resolve returns the RemoteActor for an actor URI, fetching and upserting
// it when the cached row is absent or older than TTL.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*db.RemoteActor, error) {
	fresh := time.Now().Add(-r.TTL)

	if v, ok := r.cache.Load(actorURI); ok {
		actor := v.(*db.RemoteActor)
		if actor.LastFetched.After(fresh) {
			return actor, nil
		}
		r.cache.Delete(actorURI)
	}

	if actor, err := r.Store.GetRemoteActor(ctx, actorURI); err == nil && actor.LastFetched.After(fresh) {
		r.cache.Store(actorURI, actor)
		return actor, nil
	}

	return r.refresh(ctx, actorURI)
}

// ResolveHandle resolves an acct: handle ("alice@remote.example") through
// WebFinger, then resolves the discovered actor URI.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (*db.RemoteActor, error) {
	actorURI, err := WebFingerResolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, actorURI)
}

// Invalidate drops an actor from both cache layers' freshness, forcing the
// next Resolve to re-fetch. Used when a delivery returns 401/403 — the
// remote key may have rotated.
func (r *Resolver) Invalidate(ctx context.Context, actorURI string) {
	r.cache.Delete(actorURI)
	InvalidateCache(actorURI)
	if err := r.Store.TouchRemoteActorStale(ctx, actorURI); err != nil {
		slog.Warn("failed to mark actor stale", "actor", actorURI, "error", err)
	}
}

// refresh fetches the actor document and upserts the row.
func (r *Resolver) refresh(ctx context.Context, actorURI string) (*db.RemoteActor, error) {
	obj, err := FetchObject(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	parsed := mapToActor(obj)
	if parsed == nil || parsed.ID == "" {
		return nil, apperr.New(apperr.MalformedActor, "actor document has no id")
	}
	if parsed.PublicKey == nil || parsed.PublicKey.PublicKeyPem == "" {
		return nil, apperr.New(apperr.MalformedActor, "actor document has no public key")
	}

	actor := &db.RemoteActor{
		ActorURI:          parsed.ID,
		PreferredUsername: parsed.PreferredUsername,
		Inbox:             parsed.Inbox,
		PublicKeyPEM:      parsed.PublicKey.PublicKeyPem,
		PublicKeyID:       parsed.PublicKey.ID,
		DisplayName:       parsed.Name,
		Summary:           parsed.Summary,
		LastFetched:       time.Now().UTC(),
	}
	if parsed.Endpoints != nil {
		actor.SharedInbox = parsed.Endpoints.SharedInbox
	}
	if parsed.Icon != nil {
		actor.AvatarURL = parsed.Icon.URL
	}
	if actor.PublicKeyID == "" {
		actor.PublicKeyID = actor.ActorURI + "#main-key"
	}

	if err := r.Store.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, err
	}
	r.cache.Store(actorURI, actor)
	if actor.ActorURI != actorURI {
		r.cache.Store(actor.ActorURI, actor)
	}
	slog.Debug("resolved remote actor", "actor", actor.ActorURI, "inbox", actor.Inbox)
	return actor, nil
}

// PublicKeyPEM implements KeySource: the keyId's fragment is stripped to
// find the owning actor, whose cached key is returned.
func (r *Resolver) PublicKeyPEM(ctx context.Context, keyID string) (string, error) {
	actorURI := strings.Split(keyID, "#")[0]
	actor, err := r.Resolve(ctx, actorURI)
	if err != nil {
		return "", err
	}
	return actor.PublicKeyPEM, nil
}
