package ap

import (
	"context"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/db"
)

func newOutboxFixture(t *testing.T) (*db.Store, *Dispatcher) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	store.SetBaseURL(testBaseURL)

	resolver := &Resolver{Store: store, TTL: time.Hour}
	d := NewDispatcher(testBaseURL, 4, store, resolver)
	d.Backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return store, d
}

func cacheActorWith(t *testing.T, store *db.Store, uri, sharedInbox string) {
	t.Helper()
	require.NoError(t, store.UpsertRemoteActor(context.Background(), &db.RemoteActor{
		ActorURI:     uri,
		Inbox:        uri + "/inbox",
		SharedInbox:  sharedInbox,
		PublicKeyPEM: "pem",
		PublicKeyID:  uri + "#main-key",
		LastFetched:  time.Now().UTC(),
	}))
}

func testSender(t *testing.T) *Sender {
	t.Helper()
	kp, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	return &Sender{
		ActorURI:   testBaseURL + "/users/bob",
		KeyID:      testBaseURL + "/users/bob#main-key",
		PrivateKey: kp.Private,
	}
}

func TestDeliverToRetriesTransient(t *testing.T) {
	_, d := newOutboxFixture(t)
	var calls atomic.Int32
	d.SetDeliverFunc(func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
		if calls.Add(1) < 3 {
			return &DeliveryError{Inbox: inbox, Status: 502}
		}
		return nil
	})

	err := d.DeliverTo(context.Background(), "https://remote.test/inbox", "", map[string]interface{}{}, testSender(t))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverToGivesUpAfterMaxRetries(t *testing.T) {
	_, d := newOutboxFixture(t)
	var calls atomic.Int32
	d.SetDeliverFunc(func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
		calls.Add(1)
		return &DeliveryError{Inbox: inbox, Status: 503}
	})

	err := d.DeliverTo(context.Background(), "https://remote.test/inbox", "", map[string]interface{}{}, testSender(t))
	require.Error(t, err)
	// Initial attempt plus three retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestDeliverToPermanent4xxNoRetry(t *testing.T) {
	_, d := newOutboxFixture(t)
	var calls atomic.Int32
	d.SetDeliverFunc(func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
		calls.Add(1)
		return &DeliveryError{Inbox: inbox, Status: 404}
	})

	err := d.DeliverTo(context.Background(), "https://remote.test/inbox", "", map[string]interface{}{}, testSender(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverTo401MarksActorStale(t *testing.T) {
	store, d := newOutboxFixture(t)
	actorURI := "https://remote.test/users/alice"
	cacheActorWith(t, store, actorURI, "")

	var calls atomic.Int32
	d.SetDeliverFunc(func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
		calls.Add(1)
		return &DeliveryError{Inbox: inbox, Status: 401}
	})

	err := d.DeliverTo(context.Background(), actorURI+"/inbox", actorURI, map[string]interface{}{}, testSender(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")

	stale, err := store.ListStaleRemoteActorURIs(context.Background(), time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Contains(t, stale, actorURI, "the actor is marked for re-resolution")
}

func TestPublishDedupesSharedInboxes(t *testing.T) {
	store, d := newOutboxFixture(t)
	ctx := context.Background()

	// Three followers on the same busy instance plus one elsewhere.
	shared := "https://big.instance/inbox"
	for _, name := range []string{"a", "b", "c"} {
		uri := "https://big.instance/users/" + name
		cacheActorWith(t, store, uri, shared)
		require.NoError(t, store.CreateFollow(ctx, &db.Follow{
			RemoteActorURI: uri,
			FollowingURI:   testBaseURL + "/users/bob",
			Status:         db.FollowAccepted,
			ActivityID:     "https://big.instance/activities/" + name,
		}))
	}
	solo := "https://small.instance/users/d"
	cacheActorWith(t, store, solo, "")
	require.NoError(t, store.CreateFollow(ctx, &db.Follow{
		RemoteActorURI: solo,
		FollowingURI:   testBaseURL + "/users/bob",
		Status:         db.FollowAccepted,
		ActivityID:     "https://small.instance/activities/d",
	}))

	var mu sync.Mutex
	var inboxes []string
	d.SetDeliverFunc(func(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
		mu.Lock()
		inboxes = append(inboxes, inbox)
		mu.Unlock()
		return nil
	})

	d.Publish(ctx, map[string]interface{}{"id": "x", "type": "Create"}, testSender(t))

	// The busy instance received exactly one copy.
	sharedCount := 0
	soloCount := 0
	for _, inbox := range inboxes {
		switch inbox {
		case shared:
			sharedCount++
		case solo + "/inbox":
			soloCount++
		}
	}
	assert.Equal(t, 1, sharedCount)
	assert.Equal(t, 1, soloCount)
}
