package ap

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/db"
)

const testBaseURL = "https://local.test"

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []map[string]interface{}
	inboxes    []string
}

func (r *recordingDeliverer) deliver(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, activity)
	r.inboxes = append(r.inboxes, inbox)
	return nil
}

func (r *recordingDeliverer) count(activityType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.deliveries {
		if t, _ := d["type"].(string); t == activityType {
			n++
		}
	}
	return n
}

type inboxFixture struct {
	store     *db.Store
	processor *Processor
	deliverer *recordingDeliverer
	recipient *db.User
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	store.SetBaseURL(testBaseURL)

	kp, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	recipient := &db.User{
		Username:      "bob",
		Email:         "bob@local.test",
		PasswordHash:  "x",
		PublicKeyPEM:  kp.PublicPEM,
		PrivateKeyPEM: kp.PrivatePEM,
		Enabled:       true,
	}
	require.NoError(t, store.CreateUser(context.Background(), recipient))

	resolver := &Resolver{Store: store, TTL: time.Hour}
	rec := &recordingDeliverer{}
	dispatcher := NewDispatcher(testBaseURL, 2, store, resolver)
	dispatcher.Backoff = []time.Duration{time.Millisecond}
	dispatcher.SetDeliverFunc(rec.deliver)

	return &inboxFixture{
		store: store,
		processor: &Processor{
			BaseURL:  testBaseURL,
			Store:    store,
			Resolver: resolver,
			Outbox:   dispatcher,
		},
		deliverer: rec,
		recipient: recipient,
	}
}

// cacheActor pre-populates the remote_actors row so Resolve never leaves
// the process.
func (f *inboxFixture) cacheActor(t *testing.T, uri string) {
	t.Helper()
	require.NoError(t, f.store.UpsertRemoteActor(context.Background(), &db.RemoteActor{
		ActorURI:          uri,
		PreferredUsername: "alice",
		Inbox:             uri + "/inbox",
		PublicKeyPEM:      "pem",
		PublicKeyID:       uri + "#main-key",
		DisplayName:       "Alice",
		LastFetched:       time.Now().UTC(),
	}))
}

const remoteAlice = "https://remote.test/users/alice"

func followActivity(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %q,
		"type": "Follow",
		"actor": %q,
		"object": "https://local.test/users/bob"
	}`, id, remoteAlice))
}

func TestInboxFollowIdempotent(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()

	activity := followActivity("https://remote.test/activities/abc")
	require.NoError(t, f.processor.Process(ctx, f.recipient, activity))
	require.NoError(t, f.processor.Process(ctx, f.recipient, activity))

	// Exactly one follow row.
	followers, err := f.store.GetAcceptedFollowerURIs(ctx, testBaseURL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, []string{remoteAlice}, followers)

	follow, err := f.store.GetFollowByActivityID(ctx, "https://remote.test/activities/abc")
	require.NoError(t, err)
	assert.Equal(t, db.FollowAccepted, follow.Status)
	assert.Equal(t, remoteAlice, follow.RemoteActorURI)

	// Exactly one Accept emission, to Alice's inbox.
	assert.Equal(t, 1, f.deliverer.count("Accept"))
	assert.Equal(t, []string{remoteAlice + "/inbox"}, f.deliverer.inboxes)

	// The recipient got a follow notification.
	notes, err := f.store.ListNotifications(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, db.NotifyFollowed, notes[0].Type)
	assert.Equal(t, "Alice", notes[0].ActorDisplayName)
}

func TestInboxFollowWrongObject(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)

	bad := json.RawMessage(`{
		"id": "https://remote.test/activities/bad",
		"type": "Follow",
		"actor": "https://remote.test/users/alice",
		"object": "https://local.test/users/someoneelse"
	}`)
	err := f.processor.Process(context.Background(), f.recipient, bad)
	require.Error(t, err)
	assert.Equal(t, 0, f.deliverer.count("Accept"))
}

func TestInboxUndoFollow(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()

	require.NoError(t, f.processor.Process(ctx, f.recipient, followActivity("https://remote.test/activities/abc")))

	undo := json.RawMessage(`{
		"id": "https://remote.test/activities/undo1",
		"type": "Undo",
		"actor": "https://remote.test/users/alice",
		"object": {
			"id": "https://remote.test/activities/abc",
			"type": "Follow",
			"actor": "https://remote.test/users/alice",
			"object": "https://local.test/users/bob"
		}
	}`)
	require.NoError(t, f.processor.Process(ctx, f.recipient, undo))

	followers, err := f.store.GetAcceptedFollowerURIs(ctx, testBaseURL+"/users/bob")
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestInboxAcceptTransitionsPending(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()

	// Bob sent a Follow to Alice earlier.
	followID := testBaseURL + "/activities/follow-1"
	require.NoError(t, f.store.CreateFollow(ctx, &db.Follow{
		FollowerUserID: f.recipient.ID,
		FollowingURI:   remoteAlice,
		Status:         db.FollowPending,
		ActivityID:     followID,
	}))

	accept := json.RawMessage(fmt.Sprintf(`{
		"id": "https://remote.test/activities/accept1",
		"type": "Accept",
		"actor": %q,
		"object": {"id": %q, "type": "Follow"}
	}`, remoteAlice, followID))
	require.NoError(t, f.processor.Process(ctx, f.recipient, accept))

	follow, err := f.store.GetFollowByActivityID(ctx, followID)
	require.NoError(t, err)
	assert.Equal(t, db.FollowAccepted, follow.Status)

	// Replay is a no-op.
	require.NoError(t, f.processor.Process(ctx, f.recipient, accept))
	follow, err = f.store.GetFollowByActivityID(ctx, followID)
	require.NoError(t, err)
	assert.Equal(t, db.FollowAccepted, follow.Status)
}

func newLocalActivity(t *testing.T, f *inboxFixture) *db.Activity {
	t.Helper()
	track, err := db.EncodeTrack([]db.StoredTrackPoint{
		{Time: time.Now().UTC(), Lat: 49.99, Lon: 8.26},
		{Time: time.Now().UTC().Add(time.Minute), Lat: 50.00, Lon: 8.26},
	})
	require.NoError(t, err)
	a := &db.Activity{
		UserID:          f.recipient.ID,
		Type:            "RUNNING",
		StartedAt:       time.Now().UTC().Add(-time.Hour),
		EndedAt:         time.Now().UTC(),
		Visibility:      db.VisibilityPublic,
		DistanceMeters:  3000,
		DurationSeconds: 1800,
		Geometry:        `{"type":"LineString","coordinates":[[8.26,49.99],[8.26,50.0]]}`,
		TrackJSON:       track,
	}
	require.NoError(t, f.store.SaveActivity(context.Background(), a, &db.Metrics{}))
	return a
}

func TestInboxLikeDedup(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()
	a := newLocalActivity(t, f)

	like := json.RawMessage(fmt.Sprintf(`{
		"id": "https://remote.test/activities/like1",
		"type": "Like",
		"actor": %q,
		"object": %q
	}`, remoteAlice, testBaseURL+"/activities/"+a.ID))

	require.NoError(t, f.processor.Process(ctx, f.recipient, like))
	require.NoError(t, f.processor.Process(ctx, f.recipient, like))

	stats, err := f.store.ActivityStatsBatch(ctx, []string{a.ID}, db.Viewer{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats[a.ID].LikeCount)

	notes, err := f.store.ListNotifications(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, db.NotifyLiked, notes[0].Type)
}

func TestInboxUndoLike(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()
	a := newLocalActivity(t, f)
	activityURI := testBaseURL + "/activities/" + a.ID

	like := json.RawMessage(fmt.Sprintf(`{
		"id": "https://remote.test/activities/like1",
		"type": "Like", "actor": %q, "object": %q
	}`, remoteAlice, activityURI))
	require.NoError(t, f.processor.Process(ctx, f.recipient, like))

	undo := json.RawMessage(fmt.Sprintf(`{
		"type": "Undo", "actor": %q,
		"object": {"id": "https://remote.test/activities/like1", "type": "Like", "object": %q}
	}`, remoteAlice, activityURI))
	require.NoError(t, f.processor.Process(ctx, f.recipient, undo))

	stats, err := f.store.ActivityStatsBatch(ctx, []string{a.ID}, db.Viewer{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats[a.ID].LikeCount)
}

func TestInboxCommentDedup(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()
	a := newLocalActivity(t, f)

	create := json.RawMessage(fmt.Sprintf(`{
		"id": "https://remote.test/activities/create1",
		"type": "Create",
		"actor": %q,
		"object": {
			"id": "https://remote.test/notes/1",
			"type": "Note",
			"inReplyTo": %q,
			"content": "<p>Nice <b>run</b>!</p>"
		}
	}`, remoteAlice, testBaseURL+"/activities/"+a.ID))

	require.NoError(t, f.processor.Process(ctx, f.recipient, create))
	require.NoError(t, f.processor.Process(ctx, f.recipient, create))

	comments, err := f.store.ListComments(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Nice run!", comments[0].Content, "HTML is stripped")
	assert.Equal(t, "https://remote.test/notes/1", comments[0].APID)
}

func workoutCreate(noteID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": "%s#create",
		"type": "Create",
		"actor": %q,
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {
			"id": %q,
			"type": "Note",
			"attributedTo": %q,
			"content": "<p>Went for a ride</p>",
			"published": "2025-11-27T14:49:09Z",
			"attachment": [
				{"type": "Image", "url": "https://remote.test/maps/1.png"},
				{"type": "Document", "mediaType": "application/geo+json", "url": "https://remote.test/tracks/1.geojson"}
			],
			"workoutData": {
				"distance": 25000,
				"duration": 3600,
				"activityType": "RIDING",
				"elevationGain": 300,
				"averageHeartRate": 140
			}
		}
	}`, noteID, remoteAlice, noteID, remoteAlice))
}

func TestInboxWorkoutNoteRequiresFollow(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()

	noteID := "https://remote.test/notes/w1"
	require.NoError(t, f.processor.Process(ctx, f.recipient, workoutCreate(noteID)))

	// Not following: nothing stored.
	remote, err := f.store.TimelineRemote(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, remote)

	// Follow Alice (ACCEPTED) and replay: the post is upserted.
	require.NoError(t, f.store.CreateFollow(ctx, &db.Follow{
		FollowerUserID: f.recipient.ID,
		FollowingURI:   remoteAlice,
		Status:         db.FollowAccepted,
	}))
	require.NoError(t, f.processor.Process(ctx, f.recipient, workoutCreate(noteID)))

	remote, err = f.store.TimelineRemote(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	r := remote[0]
	assert.Equal(t, noteID, r.ActivityURI)
	assert.Equal(t, db.VisibilityPublic, r.Visibility)
	assert.Equal(t, "RIDING", r.ActivityType)
	require.NotNil(t, r.Distance)
	assert.Equal(t, 25000.0, *r.Distance)
	assert.Equal(t, "https://remote.test/maps/1.png", r.MapImageURL)
	assert.Equal(t, "https://remote.test/tracks/1.geojson", r.TrackGeoJSONURL)

	// Replaying the same Create stays one row (upsert by URI).
	require.NoError(t, f.processor.Process(ctx, f.recipient, workoutCreate(noteID)))
	remote, err = f.store.TimelineRemote(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	assert.Len(t, remote, 1)
}

func TestInboxDeleteActor(t *testing.T) {
	f := newInboxFixture(t)
	f.cacheActor(t, remoteAlice)
	ctx := context.Background()

	require.NoError(t, f.store.CreateFollow(ctx, &db.Follow{
		FollowerUserID: f.recipient.ID,
		FollowingURI:   remoteAlice,
		Status:         db.FollowAccepted,
	}))
	require.NoError(t, f.processor.Process(ctx, f.recipient, workoutCreate("https://remote.test/notes/w2")))

	del := json.RawMessage(fmt.Sprintf(`{
		"type": "Delete", "actor": %q, "object": %q
	}`, remoteAlice, remoteAlice))
	require.NoError(t, f.processor.Process(ctx, f.recipient, del))

	_, err := f.store.GetRemoteActor(ctx, remoteAlice)
	require.Error(t, err)
	remote, err := f.store.TimelineRemote(ctx, f.recipient.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, remote)
}

func TestInboxUnknownTypeIgnored(t *testing.T) {
	f := newInboxFixture(t)
	err := f.processor.Process(context.Background(), f.recipient, json.RawMessage(`{
		"type": "Arrive", "actor": "https://remote.test/users/alice"
	}`))
	assert.NoError(t, err)
}
