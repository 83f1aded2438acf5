// Package server implements the HTTP surface for fedtrack: ActivityPub
// endpoints (actors, inboxes, collections, webfinger) and the JSON API for
// uploads, timelines, heatmaps, and batch imports.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/fedtrack/internal/ap"
	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/batchimport"
	"github.com/klppl/fedtrack/internal/config"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/timeline"
	"github.com/klppl/fedtrack/internal/workout"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

const (
	// maxConcurrentActivities is the total inbox concurrency cap.
	// Activities arriving beyond this limit receive a 503 response.
	maxConcurrentActivities = 50

	// maxPerOriginConcurrency is the per-origin (AP actor hostname) concurrency cap.
	// Prevents a single noisy origin from consuming the entire global semaphore.
	maxPerOriginConcurrency = 5

	// inboxBudget is how long one inbound activity may process before the
	// handler responds 202 and lets processing continue in the background.
	inboxBudget = 30 * time.Second

	maxInboxBody  = 1 << 20  // 1MB
	maxUploadBody = 60 << 20 // single workout file plus multipart overhead
)

// Authenticator validates an opaque bearer token. Session issuance itself
// belongs to the external auth collaborator.
type Authenticator interface {
	Authenticate(r *http.Request) (*db.User, error)
}

// inboxLimiter is a per-origin concurrent-activity counter.
// It tracks how many inbox activities from each origin hostname are currently
// in flight and rejects new ones once the per-origin cap is reached.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int)}
}

// acquire increments the counter for origin and returns true.
// Returns false (without incrementing) when the per-origin cap is exceeded.
func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

// release decrements the counter for origin and removes the entry when it
// reaches zero so the map does not grow unboundedly.
func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Server is the main HTTP server for fedtrack.
type Server struct {
	cfg          *config.Config
	store        *db.Store
	resolver     *ap.Resolver
	inbox        *ap.Processor
	outbox       *ap.Dispatcher
	workouts     *workout.Service
	timelines    *timeline.Merger
	imports      *batchimport.Coordinator
	auth         Authenticator
	router       *chi.Mux
	startedAt    time.Time
	inboxSem     chan struct{} // global concurrency cap for inbox processing
	inboxLimiter *inboxLimiter // per-origin concurrency cap
	draining     chan struct{} // closed when shutdown begins; uploads refuse

	// Optional — set before Start() is called.
	logBroadcaster *LogBroadcaster
	refreshTrigger chan struct{}
}

// New creates a new Server.
func New(cfg *config.Config, store *db.Store, resolver *ap.Resolver, inbox *ap.Processor,
	outbox *ap.Dispatcher, workouts *workout.Service, timelines *timeline.Merger,
	imports *batchimport.Coordinator, auth Authenticator) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		resolver:     resolver,
		inbox:        inbox,
		outbox:       outbox,
		workouts:     workouts,
		timelines:    timelines,
		imports:      imports,
		auth:         auth,
		startedAt:    time.Now(),
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
		draining:     make(chan struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// SetLogBroadcaster attaches a LogBroadcaster for the admin log endpoints.
func (s *Server) SetLogBroadcaster(lb *LogBroadcaster) { s.logBroadcaster = lb }

// SetRefreshTrigger attaches a channel that, when sent to, triggers an
// immediate remote-actor refresh sweep.
func (s *Server) SetRefreshTrigger(ch chan struct{}) { s.refreshTrigger = ch }

// RefuseNewUploads flips the server into draining mode: upload and import
// endpoints return 503 while in-flight background work finishes.
func (s *Server) RefuseNewUploads() {
	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
}

func (s *Server) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "domain", s.cfg.Domain)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check.
	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Discovery endpoints.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// ActivityPub actor endpoints.
	r.Get("/users/{username}", s.handleActor)
	r.Get("/users/{username}/followers", s.handleFollowers)
	r.Get("/users/{username}/following", s.handleFollowing)
	r.Get("/users/{username}/outbox", s.handleOutboxCollection)
	r.Post("/users/{username}/inbox", s.handleInbox)

	// Shared inbox.
	r.Post("/inbox", s.handleSharedInbox)

	// Public object endpoint: a workout Note.
	r.Get("/activities/{id}", s.handleActivityObject)

	// JSON API.
	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/timeline/public", s.handlePublicTimeline)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/activities", s.handleUpload)
			r.Get("/activities/{id}", s.handleGetActivity)
			r.Patch("/activities/{id}", s.handlePatchActivity)
			r.Delete("/activities/{id}", s.handleDeleteActivity)
			r.Post("/activities/{id}/like", s.handleLikeActivity)
			r.Post("/activities/{id}/comments", s.handleCommentActivity)
			r.Get("/users/{username}/activities/{id}", s.handleGetUserActivity)
			r.Post("/activities/import", s.handleImport)
			r.Get("/import-jobs/{id}", s.handleGetImportJob)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/heatmap", s.handleHeatmap)
			r.Post("/follow", s.handleFollowRemote)
			r.Post("/unfollow", s.handleUnfollowRemote)
			r.Get("/notifications", s.handleNotifications)
			r.Post("/privacy-zones", s.handleCreatePrivacyZone)
			r.Delete("/privacy-zones/{id}", s.handleDeletePrivacyZone)
			r.Delete("/account", s.handleDeleteAccount)
			r.Get("/admin/status", s.handleAdminStatus)
			r.Get("/admin/log", s.handleAdminLog)
		})
	})

	// Root — basic info page.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "fedtrack - a federated workout sharing server.\n\nRunning on %s\n", s.cfg.Domain)
	})

	return r
}

// ─── ActivityPub handlers ─────────────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	actorURL := s.cfg.ActorURL(username)
	actor := &ap.Actor{
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: username,
		Name:              user.DisplayName,
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Following:         actorURL + "/following",
		PublicKey: &ap.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: user.PublicKeyPEM,
		},
		Endpoints: &ap.Endpoints{
			SharedInbox: s.cfg.URL("/inbox"),
		},
	}
	if user.AvatarURL != "" {
		actor.Icon = &ap.Image{Type: "Image", URL: user.AvatarURL}
	}

	apResponse(w, ap.WithContext(actor))
}

const collectionPageSize = 20

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.store.GetUserByUsername(r.Context(), username); err != nil {
		writeError(w, err)
		return
	}
	actorURL := s.cfg.ActorURL(username)
	followers, err := s.store.ListFollowerURIs(r.Context(), actorURL)
	if err != nil {
		slog.Error("list followers", "error", err)
		followers = []string{}
	}
	s.serveCollection(w, r, actorURL+"/followers", followers)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	actorURL := s.cfg.ActorURL(username)
	following, err := s.store.ListFollowingURIs(r.Context(), user.ID, db.FollowAccepted)
	if err != nil {
		following = []string{}
	}
	s.serveCollection(w, r, actorURL+"/following", following)
}

// serveCollection renders an OrderedCollection with first/next/prev paging.
func (s *Server) serveCollection(w http.ResponseWriter, r *http.Request, collectionURL string, items []string) {
	pageParam := r.URL.Query().Get("page")
	if pageParam == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionURL,
			Type:       "OrderedCollection",
			TotalItems: len(items),
			First:      collectionURL + "?page=1",
		})
		return
	}

	page := parsePositiveInt(pageParam, 1)
	start := (page - 1) * collectionPageSize
	end := start + collectionPageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	pageObj := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", collectionURL, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionURL,
		OrderedItems: items[start:end],
	}
	if end < len(items) {
		pageObj.Next = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
	}
	if page > 1 {
		pageObj.Prev = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
	}
	apResponse(w, pageObj)
}

func (s *Server) handleOutboxCollection(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	actorURL := s.cfg.ActorURL(username)
	outboxURL := actorURL + "/outbox"

	pageParam := r.URL.Query().Get("page")
	page := parsePositiveInt(pageParam, 1)

	activities, err := s.store.ListUserActivities(r.Context(), user.ID, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	if pageParam == "" {
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         outboxURL,
			Type:       "OrderedCollection",
			TotalItems: len(activities),
			First:      outboxURL + "?page=1",
		})
		return
	}

	items := make([]interface{}, 0, len(activities))
	for _, a := range activities {
		if a.Visibility != db.VisibilityPublic {
			continue
		}
		metrics, _ := s.store.GetActivityMetrics(r.Context(), a.ID)
		items = append(items, ap.BuildCreateWorkout(s.cfg.BaseURL, actorURL, a, metrics, ap.WorkoutNoteOptions{}))
	}

	pageObj := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", outboxURL, page),
		Type:         "OrderedCollectionPage",
		PartOf:       outboxURL,
		OrderedItems: items,
	}
	if len(activities) == collectionPageSize {
		pageObj.Next = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		pageObj.Prev = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	apResponse(w, pageObj)
}

// handleActivityObject serves a local activity as its Note object. Only
// PUBLIC activities are dereferenceable without credentials.
func (s *Server) handleActivityObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.store.GetActivityForViewer(r.Context(), id, db.Viewer{})
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := s.store.GetUser(r.Context(), a.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics, _ := s.store.GetActivityMetrics(r.Context(), a.ID)
	actorURL := s.cfg.ActorURL(owner.Username)
	create := ap.BuildCreateWorkout(s.cfg.BaseURL, actorURL, a, metrics, ap.WorkoutNoteOptions{})
	apResponse(w, create["object"])
}

// handleInbox accepts a signed activity for one local user. The signature is
// verified before the body is interpreted; processing gets a 30 s budget
// after which 202 is returned and the handler continues in the background.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	recipient, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	s.acceptActivity(w, r, []*db.User{recipient})
}

// handleSharedInbox accepts a signed activity addressed to any local users.
// Recipients are derived from to/cc; workout Creates with no local
// addressing fan out to local followers of the sender.
func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.acceptActivity(w, r, nil)
}

func (s *Server) acceptActivity(w http.ResponseWriter, r *http.Request, recipients []*db.User) {
	body, err := readBody(r, maxInboxBody)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	// The signature is validated before the body is interpreted.
	if _, err := ap.VerifySignature(r, body, s.resolver); err != nil {
		slog.Warn("invalid HTTP signature", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	if recipients == nil {
		recipients = s.sharedInboxRecipients(r.Context(), body)
		if len(recipients) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	// Derive the origin hostname for per-actor rate limiting.
	origin := actorOrigin(body, r.RemoteAddr)

	// Per-origin concurrency check (before the global semaphore).
	if !s.inboxLimiter.acquire(origin) {
		slog.Warn("per-origin inbox rate limit exceeded", "origin", origin)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	// Global concurrency check.
	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.inboxLimiter.release(origin)
		slog.Warn("inbox overloaded, dropping activity", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.inboxLimiter.release(origin)
		defer func() { <-s.inboxSem }()
		// Processing may outlive the HTTP exchange; it gets its own context.
		ctx, cancel := context.WithTimeout(context.Background(), 2*inboxBudget)
		defer cancel()
		for _, recipient := range recipients {
			if err := s.inbox.Process(ctx, recipient, json.RawMessage(body)); err != nil {
				slog.Warn("failed to handle activity", "recipient", recipient.Username, "error", err)
			}
		}
	}()

	// Respond once processing finishes, or after the budget elapses —
	// ActivityPub accepts deferred processing.
	select {
	case <-done:
	case <-time.After(inboxBudget):
	}
	w.WriteHeader(http.StatusAccepted)
}

// sharedInboxRecipients picks the local users an unaddressed activity
// concerns: to/cc local actor URIs first, then local followers of the actor.
func (s *Server) sharedInboxRecipients(ctx context.Context, body []byte) []*db.User {
	var activity ap.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var recipients []*db.User
	add := func(u *db.User) {
		if _, ok := seen[u.ID]; !ok {
			seen[u.ID] = struct{}{}
			recipients = append(recipients, u)
		}
	}

	prefix := s.cfg.BaseURL + "/users/"
	for _, uri := range append(activity.To, activity.CC...) {
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		if u, err := s.store.GetUserByUsername(ctx, strings.TrimPrefix(uri, prefix)); err == nil {
			add(u)
		}
	}

	if len(recipients) == 0 && activity.Actor != "" {
		ids, err := s.store.ListUserIDsFollowing(ctx, activity.Actor)
		if err == nil {
			for _, id := range ids {
				if u, err := s.store.GetUser(ctx, id); err == nil {
					add(u)
				}
			}
		}
	}
	return recipients
}

// ─── Discovery handlers ───────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	// Parse acct: URIs like acct:alice@example.com
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}

	username, host := parts[0], parts[1]
	if host != s.cfg.Domain {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if _, err := s.store.GetUserByUsername(r.Context(), username); err != nil {
		http.NotFound(w, r)
		return
	}

	actorURL := s.cfg.ActorURL(username)
	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []ap.WebFingerLink{
			{
				Rel:  "self",
				Type: activityJSONType,
				Href: actorURL,
			},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.BaseURL)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.URL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	total, _ := s.store.CountUsers(r.Context())
	info := ap.NodeInfo{
		Version: "2.1",
		Software: ap.NodeInfoSoftware{
			Name:    "fedtrack",
			Version: version,
		},
		Protocols: []string{"activitypub"},
		Usage: ap.NodeInfoUsage{
			Users: ap.NodeInfoUsers{Total: total},
		},
		OpenRegistrations: s.cfg.RegistrationEnabled,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// actorOrigin extracts the hostname of the AP actor from the raw activity body.
// Falls back to the remote IP address if the actor field is absent or unparseable.
// Used as the key for per-origin inbox rate limiting.
func actorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	// Fallback: use the connecting IP (strip port if present).
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ─── Middleware and utilities ─────────────────────────────────────────────────

type ctxKey int

const userKey ctxKey = 0

// requireAuth resolves the bearer token to a user and stores it in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.AuthFailure, "authentication required", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(r *http.Request) *db.User {
	u, _ := r.Context().Value(userKey).(*db.User)
	return u
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError renders an error as a stable {code, message} body with the
// status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation, apperr.ParseError:
		status = http.StatusBadRequest
	case apperr.AuthFailure, apperr.SignatureInvalid, apperr.StaleRequest, apperr.KeyUnavailable:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.RemoteUnreachable, apperr.MalformedActor:
		status = http.StatusBadGateway
	case apperr.Transient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "error", err)
	}
	jsonResponse(w, map[string]string{
		"code":    string(kind),
		"message": err.Error(),
	}, status)
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func parsePositiveInt(s string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 1 {
		return fallback
	}
	return n
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying ResponseWriter
// so SetWriteDeadline works correctly (e.g. for long-lived streaming responses).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
