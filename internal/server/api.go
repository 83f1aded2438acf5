package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/klppl/fedtrack/internal/ap"
	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/batchimport"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/pipeline"
	"github.com/klppl/fedtrack/internal/workout"
)

// activitySummary is the JSON shape returned for a stored activity.
type activitySummary struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         time.Time  `json:"endedAt"`
	Timezone        string     `json:"timezone"`
	Visibility      string     `json:"visibility"`
	DistanceMeters  float64    `json:"distanceMeters"`
	DurationSeconds float64    `json:"durationSeconds"`
	ElevationGainM  float64    `json:"elevationGainMeters"`
	Indoor          bool       `json:"indoor"`
	IndoorMethod    string     `json:"indoorMethod,omitempty"`
	SubSport        string     `json:"subSport,omitempty"`
	SourceFormat    string     `json:"sourceFormat"`
	WeatherTempC    *float64   `json:"weatherTempC,omitempty"`
	WeatherCond     *string    `json:"weatherCondition,omitempty"`
}

func toActivitySummary(a *db.Activity) activitySummary {
	return activitySummary{
		ID:              a.ID,
		Type:            a.Type,
		Title:           a.Title,
		Description:     a.Description,
		StartedAt:       workout.ParseStartLocal(a),
		EndedAt:         a.EndedAt,
		Timezone:        a.Timezone,
		Visibility:      a.Visibility,
		DistanceMeters:  a.DistanceMeters,
		DurationSeconds: a.DurationSeconds,
		ElevationGainM:  a.ElevationGainM,
		Indoor:          a.Indoor,
		IndoorMethod:    a.IndoorMethod,
		SubSport:        a.SubSport,
		SourceFormat:    a.SourceFormat,
		WeatherTempC:    a.WeatherTempC,
		WeatherCond:     a.WeatherCond,
	}
}

// handleRegister creates a local account. The RSA keypair is generated
// eagerly so the actor document is immediately servable; the response
// includes an opaque API token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.RegistrationEnabled {
		writeError(w, apperr.New(apperr.Forbidden, "registration is disabled"))
		return
	}

	var req struct {
		Username    string `json:"username"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, apperr.New(apperr.Validation, "username, email, and a password of 8+ characters are required"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := ap.GenerateKeyPair(s.cfg.RSAKeyBits)
	if err != nil {
		writeError(w, err)
		return
	}

	user := &db.User{
		Username:      req.Username,
		Email:         req.Email,
		PasswordHash:  string(hash),
		DisplayName:   req.DisplayName,
		PublicKeyPEM:  keys.PublicPEM,
		PrivateKeyPEM: keys.PrivatePEM,
		Enabled:       true,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}

	token := uuid.NewString()
	if err := s.store.SetKV("token:"+token, user.ID); err != nil {
		writeError(w, err)
		return
	}

	jsonResponse(w, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"actor":    s.cfg.ActorURL(user.Username),
		"token":    token,
	}, http.StatusCreated)
}

// handleUpload ingests a single FIT/GPX file. The response returns once the
// activity row and the synchronous analytics sub-steps are done; async
// stages continue in the background.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		writeError(w, apperr.New(apperr.Transient, "server is shutting down"))
		return
	}
	user := currentUser(r)

	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed multipart body", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "missing file field", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBody))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "read upload", err))
		return
	}

	a, err := s.workouts.Upload(r.Context(), workout.UploadInput{
		UserID:     user.ID,
		FileName:   header.Filename,
		Data:       data,
		Title:      r.FormValue("title"),
		Visibility: r.FormValue("visibility"),
		Timezone:   r.FormValue("timezone"),
	}, pipeline.Options{})
	if err != nil {
		writeError(w, err)
		return
	}

	jsonResponse(w, toActivitySummary(a), http.StatusCreated)
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	a, err := s.store.GetActivityForViewer(r.Context(), chi.URLParam(r, "id"), db.Viewer{
		UserID:   user.ID,
		ActorURI: s.cfg.ActorURL(user.Username),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, toActivitySummary(a), http.StatusOK)
}

// handleGetUserActivity resolves an activity through another user's profile
// path; the same visibility rules apply.
func (s *Server) handleGetUserActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	owner, err := s.store.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.store.GetActivityForViewer(r.Context(), chi.URLParam(r, "id"), db.Viewer{
		UserID:   user.ID,
		ActorURI: s.cfg.ActorURL(user.Username),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if a.UserID != owner.ID {
		writeError(w, apperr.New(apperr.NotFound, "activity not found"))
		return
	}
	jsonResponse(w, toActivitySummary(a), http.StatusOK)
}

// handlePatchActivity updates the only mutable fields: title, description,
// visibility.
func (s *Server) handlePatchActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := chi.URLParam(r, "id")

	a, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Visibility  *string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	title, description, visibility := a.Title, a.Description, a.Visibility
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		description = *req.Description
	}
	if req.Visibility != nil {
		visibility = *req.Visibility
	}

	if err := s.store.UpdateActivityMeta(r.Context(), id, user.ID, title, description, visibility); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, toActivitySummary(updated), http.StatusOK)
}

// handleDeleteActivity removes an owner's activity and federates a Delete.
func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := chi.URLParam(r, "id")

	a, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	wasShared := a.UserID == user.ID && a.Visibility != db.VisibilityPrivate

	if err := s.store.DeleteActivity(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return
	}

	if wasShared {
		if sender, err := ap.SenderForUser(s.cfg.BaseURL, user); err == nil {
			del := ap.BuildDeleteActivity(sender.ActorURI, s.cfg.URL("/activities/"+id))
			// The request context dies as soon as the handler returns;
			// the fan-out gets its own.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				s.outbox.Publish(ctx, del, sender)
			}()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLikeActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetActivityForViewer(r.Context(), id, db.Viewer{
		UserID:   user.ID,
		ActorURI: s.cfg.ActorURL(user.Username),
	}); err != nil {
		writeError(w, err)
		return
	}
	err := s.store.AddLike(r.Context(), &db.Like{ActivityID: id, UserID: user.ID})
	if err != nil && !apperr.Is(err, apperr.Conflict) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommentActivity(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetActivityForViewer(r.Context(), id, db.Viewer{
		UserID:   user.ID,
		ActorURI: s.cfg.ActorURL(user.Username),
	}); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, apperr.New(apperr.Validation, "comment content required"))
		return
	}
	comment := &db.Comment{
		ActivityID: id,
		UserID:     user.ID,
		Content:    ap.CommentText(req.Content),
	}
	if err := s.store.AddComment(r.Context(), comment); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": comment.ID}, http.StatusCreated)
}

// handleImport accepts a zip archive and returns the created job id; the
// import itself runs on the coordinator's worker.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		writeError(w, apperr.New(apperr.Transient, "server is shutting down"))
		return
	}
	user := currentUser(r)

	if err := r.ParseMultipartForm(batchimport.MaxArchiveBytes); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed multipart body", err))
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "missing archive field", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, batchimport.MaxArchiveBytes+1))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "read archive", err))
		return
	}

	job, err := s.imports.Submit(r.Context(), user.ID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"jobId":      job.ID,
		"status":     job.Status,
		"totalFiles": job.TotalFiles,
	}, http.StatusAccepted)
}

func (s *Server) handleGetImportJob(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	job, results, err := s.store.GetBatchImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job.UserID != user.ID {
		writeError(w, apperr.New(apperr.NotFound, "import job not found"))
		return
	}

	type fileResult struct {
		FileName     string `json:"fileName"`
		Status       string `json:"status"`
		ErrorType    string `json:"errorType,omitempty"`
		ErrorMessage string `json:"errorMessage,omitempty"`
		ActivityID   string `json:"activityId,omitempty"`
	}
	out := struct {
		ID           string       `json:"id"`
		Status       string       `json:"status"`
		TotalFiles   int          `json:"totalFiles"`
		SuccessCount int          `json:"successCount"`
		FailedCount  int          `json:"failedCount"`
		CreatedAt    time.Time    `json:"createdAt"`
		CompletedAt  *time.Time   `json:"completedAt,omitempty"`
		Files        []fileResult `json:"files"`
	}{
		ID:           job.ID,
		Status:       job.Status,
		TotalFiles:   job.TotalFiles,
		SuccessCount: job.SuccessCount,
		FailedCount:  job.FailedCount,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	for _, fr := range results {
		out.Files = append(out.Files, fileResult{
			FileName:     fr.FileName,
			Status:       fr.Status,
			ErrorType:    fr.ErrorType,
			ErrorMessage: fr.ErrorMessage,
			ActivityID:   fr.ActivityID,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	page := parsePositiveInt(r.URL.Query().Get("page"), 1) - 1
	pageSize := parsePositiveInt(r.URL.Query().Get("pageSize"), 20)
	items, err := s.timelines.Federated(r.Context(), user.ID, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, items, http.StatusOK)
}

func (s *Server) handlePublicTimeline(w http.ResponseWriter, r *http.Request) {
	page := parsePositiveInt(r.URL.Query().Get("page"), 1) - 1
	pageSize := parsePositiveInt(r.URL.Query().Get("pageSize"), 20)
	items, err := s.timelines.Public(r.Context(), db.Viewer{}, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, items, http.StatusOK)
}

// handleHeatmap serves grid cells for a bounding box. The grid size follows
// the map zoom: street level reads the base 0.0001° cells, wider views
// aggregate to 0.001° and 0.01°.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	bbox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, err)
		return
	}
	zoom := parsePositiveInt(r.URL.Query().Get("zoom"), 13)
	gridSize := 0.01
	switch {
	case zoom >= 14:
		gridSize = db.HeatmapBaseGridSize
	case zoom >= 11:
		gridSize = 0.001
	}

	cells, err := s.store.ReadHeatmap(r.Context(), user.ID, bbox, gridSize)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"gridSize": gridSize,
		"cells":    cells,
	}, http.StatusOK)
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (db.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return db.BoundingBox{}, apperr.New(apperr.Validation, "bbox must be minLon,minLat,maxLon,maxLat")
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return db.BoundingBox{}, apperr.New(apperr.Validation, "bbox must be numeric")
		}
		vals[i] = v
	}
	return db.BoundingBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}

// handleFollowRemote starts following a remote actor: resolve (handle or
// URI), store a PENDING follow, send the Follow activity. The remote Accept
// transitions it to ACCEPTED.
func (s *Server) handleFollowRemote(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var req struct {
		Handle string `json:"handle"` // "alice@remote.example" or full actor URI
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		writeError(w, apperr.New(apperr.Validation, "handle required"))
		return
	}

	var actor *db.RemoteActor
	var err error
	if ap.IsActorID(req.Handle) {
		actor, err = s.resolver.Resolve(r.Context(), req.Handle)
	} else {
		actor, err = s.resolver.ResolveHandle(r.Context(), req.Handle)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	followID := s.cfg.URL("/activities/" + uuid.NewString())
	follow := &db.Follow{
		FollowerUserID: user.ID,
		FollowingURI:   actor.ActorURI,
		Status:         db.FollowPending,
		ActivityID:     followID,
	}
	if err := s.store.CreateFollow(r.Context(), follow); err != nil {
		if !apperr.Is(err, apperr.Conflict) {
			writeError(w, err)
			return
		}
		jsonResponse(w, map[string]string{"status": "already-following"}, http.StatusOK)
		return
	}

	sender, err := ap.SenderForUser(s.cfg.BaseURL, user)
	if err != nil {
		writeError(w, err)
		return
	}
	followActivity := ap.BuildFollow(followID, sender.ActorURI, actor.ActorURI)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.outbox.DeliverToActor(ctx, actor.ActorURI, followActivity, sender); err != nil {
			slog.Warn("failed to deliver Follow", "actor", actor.ActorURI, "error", err)
		}
	}()

	jsonResponse(w, map[string]string{"status": db.FollowPending, "actor": actor.ActorURI}, http.StatusAccepted)
}

// handleUnfollowRemote sends Undo(Follow) and removes the follow row.
func (s *Server) handleUnfollowRemote(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		writeError(w, apperr.New(apperr.Validation, "actor required"))
		return
	}

	follow, err := s.store.GetFollow(r.Context(), db.Viewer{UserID: user.ID}, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}

	sender, err := ap.SenderForUser(s.cfg.BaseURL, user)
	if err != nil {
		writeError(w, err)
		return
	}
	undo := ap.BuildUndoFollow(follow.ActivityID, sender.ActorURI, req.Actor)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.outbox.DeliverToActor(ctx, req.Actor, undo, sender); err != nil {
			slog.Warn("failed to deliver Undo", "actor", req.Actor, "error", err)
		}
	}()

	if err := s.store.DeleteFollow(r.Context(), db.Viewer{UserID: user.ID}, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	notifications, err := s.store.ListNotifications(r.Context(), user.ID, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("markRead") == "true" {
		if err := s.store.MarkNotificationsRead(r.Context(), user.ID); err != nil {
			slog.Warn("failed to mark notifications read", "user", user.ID, "error", err)
		}
	}
	jsonResponse(w, notifications, http.StatusOK)
}

func (s *Server) handleCreatePrivacyZone(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var req struct {
		Name      string  `json:"name"`
		CenterLat float64 `json:"centerLat"`
		CenterLon float64 `json:"centerLon"`
		RadiusM   float64 `json:"radiusMeters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed body", err))
		return
	}
	if req.RadiusM <= 0 {
		writeError(w, apperr.New(apperr.Validation, "radius must be positive"))
		return
	}
	zone := &db.PrivacyZone{
		UserID:    user.ID,
		Name:      req.Name,
		CenterLat: req.CenterLat,
		CenterLon: req.CenterLon,
		RadiusM:   req.RadiusM,
		Active:    true,
	}
	if err := s.store.CreatePrivacyZone(r.Context(), zone); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": zone.ID}, http.StatusCreated)
}

func (s *Server) handleDeletePrivacyZone(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := s.store.DeletePrivacyZone(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAccount federates the Delete actor activity first, then
// cascade-removes the account.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	sender, err := ap.SenderForUser(s.cfg.BaseURL, user)
	if err != nil {
		writeError(w, err)
		return
	}
	// The Delete must reach followers before the key material disappears.
	del := ap.BuildDeleteActor(sender.ActorURI)
	s.outbox.Publish(r.Context(), del, sender)

	if err := s.store.DeleteFollowsOfActor(r.Context(), sender.ActorURI); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteUser(r.Context(), user.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
