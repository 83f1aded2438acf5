package server

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/analytics"
	"github.com/klppl/fedtrack/internal/ap"
	"github.com/klppl/fedtrack/internal/batchimport"
	"github.com/klppl/fedtrack/internal/config"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/pipeline"
	"github.com/klppl/fedtrack/internal/timeline"
	"github.com/klppl/fedtrack/internal/weather"
	"github.com/klppl/fedtrack/internal/workout"
)

const testDomain = "local.test"
const testBaseURL = "https://local.test"

type fixture struct {
	server    *Server
	store     *db.Store
	deliverer *recordingDeliverer
}

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

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	store.SetBaseURL(testBaseURL)

	cfg := &config.Config{
		Domain:              testDomain,
		BaseURL:             testBaseURL,
		Port:                "0",
		RSAKeyBits:          2048,
		RegistrationEnabled: true,
		ActorCacheTTL:       time.Hour,
	}

	resolver := &ap.Resolver{Store: store, TTL: time.Hour}
	rec := &recordingDeliverer{}
	dispatcher := ap.NewDispatcher(testBaseURL, 2, store, resolver)
	dispatcher.Backoff = []time.Duration{time.Millisecond}
	dispatcher.SetDeliverFunc(rec.deliver)

	inbox := &ap.Processor{BaseURL: testBaseURL, Store: store, Resolver: resolver, Outbox: dispatcher}
	engine := &analytics.Engine{Store: store}
	pipe := pipeline.New(store, engine, weather.New(false, ""), dispatcher, testBaseURL, 2)
	t.Cleanup(pipe.Shutdown)
	workouts := &workout.Service{Store: store, Pipeline: pipe}
	merger := &timeline.Merger{Store: store}
	imports := batchimport.New(store, workouts, engine)
	t.Cleanup(imports.Shutdown)
	auth := &TokenAuthenticator{Store: store}

	srv := New(cfg, store, resolver, inbox, dispatcher, workouts, merger, imports, auth)
	return &fixture{server: srv, store: store, deliverer: rec}
}

// register creates an account through the API and returns its token.
func (f *fixture) register(t *testing.T, username string) (token string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"email":    username + "@local.test",
		"password": "correct-horse-battery",
	})
	req := httptest.NewRequest("POST", "/api/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["token"]
}

// cacheRemoteActor inserts a cached remote actor with the given public key.
func (f *fixture) cacheRemoteActor(t *testing.T, uri, publicPEM string) {
	t.Helper()
	require.NoError(t, f.store.UpsertRemoteActor(context.Background(), &db.RemoteActor{
		ActorURI:          uri,
		PreferredUsername: "alice",
		Inbox:             uri + "/inbox",
		PublicKeyPEM:      publicPEM,
		PublicKeyID:       uri + "#main-key",
		DisplayName:       "Alice",
		LastFetched:       time.Now().UTC(),
	}))
}

// signedInboxRequest signs body the way a remote server would.
func signedInboxRequest(t *testing.T, target string, priv *rsa.PrivateKey, keyID string, body []byte, date time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", date.UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(priv, keyID, req, body))
	return req
}

func TestWebFinger(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")

	req := httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:bob@local.test", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ap.WebFingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct:bob@local.test", resp.Subject)
	require.NotEmpty(t, resp.Links)
	assert.Equal(t, "self", resp.Links[0].Rel)
	assert.Equal(t, testBaseURL+"/users/bob", resp.Links[0].Href)
}

func TestWebFingerUnknownUser(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:ghost@local.test", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActorDocument(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")

	req := httptest.NewRequest("GET", "/users/bob", nil)
	req.Header.Set("Accept", "application/activity+json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var actor map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, "Person", actor["type"])
	assert.Equal(t, testBaseURL+"/users/bob", actor["id"])
	assert.Equal(t, "bob", actor["preferredUsername"])
	assert.Equal(t, testBaseURL+"/users/bob/inbox", actor["inbox"])

	pk, ok := actor["publicKey"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, testBaseURL+"/users/bob#main-key", pk["id"])
	assert.Contains(t, pk["publicKeyPem"], "BEGIN PUBLIC KEY")
}

func TestInboxMalformedJSON(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")

	alice, err := ap.GenerateKeyPair(2048)
	require.NoError(t, err)
	actorURI := "https://remote.test/users/alice"
	f.cacheRemoteActor(t, actorURI, alice.PublicPEM)

	// Correctly signed, but the body is not JSON.
	body := []byte("{not json")
	req := signedInboxRequest(t, "/users/bob/inbox", alice.Private,
		actorURI+"#main-key", body, time.Now())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxUnsignedRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")

	req := httptest.NewRequest("POST", "/users/bob/inbox", strings.NewReader(`{"type":"Follow"}`))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInboxStaleDateRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")

	alice, err := ap.GenerateKeyPair(2048)
	require.NoError(t, err)
	actorURI := "https://remote.test/users/alice"
	f.cacheRemoteActor(t, actorURI, alice.PublicPEM)

	body := []byte(fmt.Sprintf(`{
		"id": "https://remote.test/activities/abc",
		"type": "Follow",
		"actor": %q,
		"object": %q
	}`, actorURI, testBaseURL+"/users/bob"))

	req := signedInboxRequest(t, "/users/bob/inbox", alice.Private,
		actorURI+"#main-key", body, time.Now().Add(-120*time.Second))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	followers, err := f.store.GetAcceptedFollowerURIs(context.Background(), testBaseURL+"/users/bob")
	require.NoError(t, err)
	assert.Empty(t, followers, "the rejected activity must not persist anything")
}

func TestFollowHandshake(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")
	ctx := context.Background()

	alice, err := ap.GenerateKeyPair(2048)
	require.NoError(t, err)
	actorURI := "https://remote.test/users/alice"
	f.cacheRemoteActor(t, actorURI, alice.PublicPEM)

	body := []byte(fmt.Sprintf(`{
		"id": "https://remote.test/activities/abc",
		"type": "Follow",
		"actor": %q,
		"object": %q
	}`, actorURI, testBaseURL+"/users/bob"))

	send := func() int {
		req := signedInboxRequest(t, "/users/bob/inbox", alice.Private,
			actorURI+"#main-key", body, time.Now())
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusAccepted, send())

	follow, err := f.store.GetFollowByActivityID(ctx, "https://remote.test/activities/abc")
	require.NoError(t, err)
	assert.Equal(t, db.FollowAccepted, follow.Status)
	assert.Equal(t, actorURI, follow.RemoteActorURI)

	assert.Equal(t, 1, f.deliverer.count("Accept"))
	assert.Equal(t, []string{actorURI + "/inbox"}, f.deliverer.inboxes)

	// A repeated delivery yields zero new rows and zero new outbound calls.
	require.Equal(t, http.StatusAccepted, send())
	followers, err := f.store.GetAcceptedFollowerURIs(ctx, testBaseURL+"/users/bob")
	require.NoError(t, err)
	assert.Len(t, followers, 1)
	assert.Equal(t, 1, f.deliverer.count("Accept"))
}

func TestUploadAndTimeline(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "bob")

	var gpx bytes.Buffer
	gpx.WriteString(`<?xml version="1.0"?><gpx><trk><trkseg>`)
	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&gpx, `<trkpt lat="%.5f" lon="8.26000"><time>%s</time></trkpt>`,
			49.99+float64(i)*0.001,
			start.Add(time.Duration(i)*30*time.Second).Format(time.RFC3339))
	}
	gpx.WriteString(`</trkseg></trk></gpx>`)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "morning.gpx")
	require.NoError(t, err)
	_, err = fw.Write(gpx.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("visibility", "PUBLIC"))
	require.NoError(t, mw.WriteField("title", "Morning run"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/activities", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created activitySummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Morning run", created.Title)
	assert.Equal(t, "PUBLIC", created.Visibility)
	assert.False(t, created.Indoor)

	// The activity row is visible immediately on the owner's timeline.
	req = httptest.NewRequest("GET", "/api/timeline", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var items []timeline.Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, created.ID, items[0].Local.ID)
}

func TestUploadRequiresAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("POST", "/api/activities", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestActivityObjectVisibility(t *testing.T) {
	f := newFixture(t)
	f.register(t, "bob")
	ctx := context.Background()

	user, err := f.store.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)

	private := &db.Activity{
		UserID:          user.ID,
		Type:            "RUNNING",
		StartedAt:       time.Now().UTC(),
		EndedAt:         time.Now().UTC(),
		Visibility:      db.VisibilityPrivate,
		DurationSeconds: 100,
		Indoor:          true,
	}
	require.NoError(t, f.store.SaveActivity(ctx, private, &db.Metrics{}))

	req := httptest.NewRequest("GET", "/activities/"+private.ID, nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code, "private activities are not dereferenceable")
}

func TestRegistrationDisabled(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.RegistrationEnabled = false

	body, _ := json.Marshal(map[string]string{
		"username": "bob", "email": "bob@local.test", "password": "longenough",
	})
	req := httptest.NewRequest("POST", "/api/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminStatus(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "bob")

	req := httptest.NewRequest("GET", "/api/admin/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, true, status["database"])
	assert.Equal(t, float64(1), status["users"])
}
