package ap

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// defaultBackoff is the retry ladder for transient delivery failures.
var defaultBackoff = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

// Dispatcher fans signed activities out to follower inboxes.
type Dispatcher struct {
	BaseURL     string
	Concurrency int
	Store       *db.Store
	Resolver    *Resolver

	// Backoff overrides the retry ladder; tests shorten it.
	Backoff []time.Duration

	// deliver is swappable in tests; defaults to DeliverActivity.
	deliver func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error
}

// NewDispatcher wires a dispatcher with the production delivery function.
func NewDispatcher(baseURL string, concurrency int, store *db.Store, resolver *Resolver) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Dispatcher{
		BaseURL:     baseURL,
		Concurrency: concurrency,
		Store:       store,
		Resolver:    resolver,
		Backoff:     defaultBackoff,
		deliver:     DeliverActivity,
	}
}

// SetDeliverFunc replaces the transport for tests.
func (d *Dispatcher) SetDeliverFunc(fn func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error) {
	d.deliver = fn
}

// Sender carries the signing identity for one fan-out.
type Sender struct {
	ActorURI   string
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// SenderForUser builds a Sender from a local user row.
func SenderForUser(baseURL string, u *db.User) (*Sender, error) {
	priv, err := ParsePrivateKeyPEM(u.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	actorURI := baseURL + "/users/" + u.Username
	return &Sender{
		ActorURI:   actorURI,
		KeyID:      actorURI + "#main-key",
		PrivateKey: priv,
	}, nil
}

// inboxTarget couples an inbox URL with the follower it was resolved from,
// so auth failures can invalidate the right actor.
type inboxTarget struct {
	inbox    string
	actorURI string
}

// Publish delivers an activity to every ACCEPTED follower of the sender.
// Shared inboxes are deduplicated by origin so a busy instance receives
// exactly one copy. Deliveries run in parallel with bounded concurrency;
// there is no ordering across followers.
func (d *Dispatcher) Publish(ctx context.Context, activity map[string]interface{}, sender *Sender) {
	followers, err := d.Store.GetAcceptedFollowerURIs(ctx, sender.ActorURI)
	if err != nil {
		slog.Warn("failed to load followers for publish", "actor", sender.ActorURI, "error", err)
		return
	}
	targets := d.resolveInboxes(ctx, followers)

	id, _ := activity["id"].(string)
	activityType, _ := activity["type"].(string)
	slog.Debug("publishing activity", "id", id, "type", activityType, "inboxes", len(targets))

	sem := make(chan struct{}, d.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var success, failed int

	for _, t := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(t inboxTarget) {
			defer func() { <-sem; wg.Done() }()
			if err := d.DeliverTo(ctx, t.inbox, t.actorURI, activity, sender); err != nil {
				slog.Warn("delivery failed", "inbox", t.inbox, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			} else {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	slog.Debug("publish complete", "id", id, "type", activityType, "success", success, "failed", failed)
}

// DeliverToActor resolves one actor's inbox and delivers with retries.
// Used for targeted activities (Accept, Follow) outside the fan-out path.
func (d *Dispatcher) DeliverToActor(ctx context.Context, actorURI string, activity map[string]interface{}, sender *Sender) error {
	actor, err := d.Resolver.Resolve(ctx, actorURI)
	if err != nil {
		return err
	}
	inbox := actor.Inbox
	if inbox == "" {
		inbox = actor.SharedInbox
	}
	return d.DeliverTo(ctx, inbox, actorURI, activity, sender)
}

// DeliverTo posts to a single inbox, applying the retry policy:
// transport errors and 5xx retry with exponential backoff; 401/403 drop and
// mark the actor for re-resolution (its key may have rotated); any other
// 4xx is a permanent failure and is dropped.
func (d *Dispatcher) DeliverTo(ctx context.Context, inbox, actorURI string, activity map[string]interface{}, sender *Sender) error {
	backoff := d.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = d.deliver(ctx, inbox, activity, sender.KeyID, sender.PrivateKey)
		if lastErr == nil {
			return nil
		}

		var de *DeliveryError
		if errors.As(lastErr, &de) && de.Status != 0 {
			switch {
			case de.Status == 401 || de.Status == 403:
				if actorURI != "" {
					d.Resolver.Invalidate(ctx, actorURI)
				}
				return lastErr
			case de.Status < 500:
				// Permanent 4xx: drop without retrying.
				return lastErr
			}
		}

		if attempt >= len(backoff) {
			return lastErr
		}
		select {
		case <-time.After(backoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolveInboxes converts follower actor URIs to delivery targets,
// deduplicating shared inboxes by origin.
func (d *Dispatcher) resolveInboxes(ctx context.Context, followers []string) []inboxTarget {
	var targets []inboxTarget
	sharedSeen := make(map[string]struct{}) // origins already covered by a shared inbox

	for _, uri := range followers {
		if !IsActorID(uri) || IsLocalID(uri, d.BaseURL) {
			continue
		}
		actor, err := d.Resolver.Resolve(ctx, uri)
		if err != nil {
			slog.Debug("failed to resolve follower for publish", "actor", uri, "error", err)
			continue
		}

		inbox := actor.Inbox
		if actor.SharedInbox != "" {
			origin := extractOrigin(actor.SharedInbox)
			if _, already := sharedSeen[origin]; already {
				continue
			}
			sharedSeen[origin] = struct{}{}
			inbox = actor.SharedInbox
		}
		if inbox != "" {
			targets = append(targets, inboxTarget{inbox: inbox, actorURI: uri})
		}
	}
	return targets
}
