package server

import (
	"net/http"
	"time"
)

// handleAdminStatus is the JSON operational surface: uptime, database
// reachability, federation graph size, import activity, and the last
// heatmap rebuild.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	actorURL := s.cfg.ActorURL(user.Username)

	dbOK := true
	userCount, err := s.store.CountUsers(r.Context())
	if err != nil {
		dbOK = false
	}

	followerCount, _ := s.store.CountFollowers(r.Context(), actorURL)
	following, _ := s.store.ListFollowingURIs(r.Context(), user.ID, "")
	activeImports, _ := s.store.CountActiveImportJobs(r.Context())
	lastRebuild, _ := s.store.GetKV("last_heatmap_rebuild_at")
	lastRefresh, _ := s.store.GetKV("last_actor_refresh_at")

	jsonResponse(w, map[string]interface{}{
		"version":            version,
		"uptimeSeconds":      int(time.Since(s.startedAt).Seconds()),
		"database":           dbOK,
		"users":              userCount,
		"followers":          followerCount,
		"following":          len(following),
		"activeImportJobs":   activeImports,
		"lastHeatmapRebuild": lastRebuild,
		"lastActorRefresh":   lastRefresh,
		"weatherEnabled":     s.cfg.WeatherEnabled,
		"osmTilesEnabled":    s.cfg.OSMTilesEnabled,
		"draining":           s.isDraining(),
	}, http.StatusOK)
}

// handleAdminLog returns the recent in-memory log ring buffer.
func (s *Server) handleAdminLog(w http.ResponseWriter, r *http.Request) {
	if s.logBroadcaster == nil {
		jsonResponse(w, map[string]interface{}{"lines": []string{}}, http.StatusOK)
		return
	}
	jsonResponse(w, map[string]interface{}{"lines": s.logBroadcaster.Lines()}, http.StatusOK)
}
