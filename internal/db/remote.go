package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/klppl/fedtrack/internal/apperr"
)

// RemoteActor is the cached profile of a federated actor. PublicKeyPEM and
// PublicKeyID are always non-empty after a successful fetch; rows are
// refreshed once LastFetched falls outside the resolver TTL.
type RemoteActor struct {
	ActorURI          string
	PreferredUsername string
	Inbox             string
	SharedInbox       string
	PublicKeyPEM      string
	PublicKeyID       string
	DisplayName       string
	AvatarURL         string
	Summary           string
	LastFetched       time.Time
}

const remoteActorColumns = `actor_uri, preferred_username, inbox, shared_inbox,
	public_key_pem, public_key_id, display_name, avatar_url, summary, last_fetched`

func scanRemoteActor(row interface{ Scan(...any) error }) (*RemoteActor, error) {
	var a RemoteActor
	var lastFetched string
	err := row.Scan(&a.ActorURI, &a.PreferredUsername, &a.Inbox, &a.SharedInbox,
		&a.PublicKeyPEM, &a.PublicKeyID, &a.DisplayName, &a.AvatarURL, &a.Summary, &lastFetched)
	if err != nil {
		return nil, err
	}
	a.LastFetched = parseTime(lastFetched)
	return &a, nil
}

// GetRemoteActor returns the cached row for an actor URI.
func (s *Store) GetRemoteActor(ctx context.Context, actorURI string) (*RemoteActor, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+remoteActorColumns+` FROM remote_actors WHERE actor_uri = ?`), actorURI)
	a, err := scanRemoteActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "remote actor not cached")
	}
	return a, err
}

// UpsertRemoteActor inserts or refreshes a cached actor row.
func (s *Store) UpsertRemoteActor(ctx context.Context, a *RemoteActor) error {
	if a.PublicKeyPEM == "" || a.PublicKeyID == "" {
		return apperr.New(apperr.MalformedActor, "actor document missing public key")
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO remote_actors
		(actor_uri, preferred_username, inbox, shared_inbox, public_key_pem, public_key_id,
		 display_name, avatar_url, summary, last_fetched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			preferred_username = excluded.preferred_username,
			inbox = excluded.inbox,
			shared_inbox = excluded.shared_inbox,
			public_key_pem = excluded.public_key_pem,
			public_key_id = excluded.public_key_id,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			summary = excluded.summary,
			last_fetched = excluded.last_fetched`),
		a.ActorURI, a.PreferredUsername, a.Inbox, a.SharedInbox, a.PublicKeyPEM, a.PublicKeyID,
		a.DisplayName, a.AvatarURL, a.Summary, formatTime(a.LastFetched))
	return err
}

// TouchRemoteActorStale forces a row outside the TTL so the next resolve
// re-fetches it. Used when a delivery comes back 401/403 (key rotation).
func (s *Store) TouchRemoteActorStale(ctx context.Context, actorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE remote_actors
		SET last_fetched = ? WHERE actor_uri = ?`),
		formatTime(time.Unix(0, 0)), actorURI)
	return err
}

// ListStaleRemoteActorURIs returns actors whose cache entry is older than
// cutoff, for the background refresher.
func (s *Store) ListStaleRemoteActorURIs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT actor_uri FROM remote_actors
		WHERE last_fetched < ? ORDER BY last_fetched ASC LIMIT ?`),
		formatTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// DeleteRemoteActor removes an actor row and all of its remote activities.
// Called on an inbound Delete for the actor itself.
func (s *Store) DeleteRemoteActor(ctx context.Context, actorURI string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM remote_activities WHERE actor_uri = ?`), actorURI); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM remote_actors WHERE actor_uri = ?`), actorURI)
		return err
	})
}

// ─── Remote activities ────────────────────────────────────────────────────────

// RemoteActivity is a federated copy of a remote workout Note kept for
// timeline merging. Keyed by the Note's id URI.
type RemoteActivity struct {
	ActivityURI      string
	ActorURI         string
	Content          string
	Published        time.Time
	StartedAt        *time.Time
	Visibility       string
	ActivityType     string
	Distance         *float64
	DurationSeconds  *float64
	AveragePace      *float64
	ElevationGain    *float64
	AverageHeartRate *float64
	MapImageURL      string
	TrackGeoJSONURL  string
	ToJSON           string
	CCJSON           string
}

const remoteActivityColumns = `activity_uri, actor_uri, content, published, started_at,
	visibility, activity_type, distance, duration_seconds, average_pace, elevation_gain,
	average_heart_rate, map_image_url, track_geojson_url, to_json, cc_json`

func scanRemoteActivity(row interface{ Scan(...any) error }) (*RemoteActivity, error) {
	var r RemoteActivity
	var published, startedAt sql.NullString
	err := row.Scan(&r.ActivityURI, &r.ActorURI, &r.Content, &published, &startedAt,
		&r.Visibility, &r.ActivityType, &r.Distance, &r.DurationSeconds, &r.AveragePace,
		&r.ElevationGain, &r.AverageHeartRate, &r.MapImageURL, &r.TrackGeoJSONURL,
		&r.ToJSON, &r.CCJSON)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		r.Published = parseTime(published.String)
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		r.StartedAt = &t
	}
	return &r, nil
}

// UpsertRemoteActivity inserts or replaces a remote activity by URI.
// Re-delivery of the same Create is therefore idempotent.
func (s *Store) UpsertRemoteActivity(ctx context.Context, r *RemoteActivity) error {
	var startedAt any
	if r.StartedAt != nil {
		startedAt = formatTime(*r.StartedAt)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO remote_activities
		(activity_uri, actor_uri, content, published, started_at, visibility, activity_type,
		 distance, duration_seconds, average_pace, elevation_gain, average_heart_rate,
		 map_image_url, track_geojson_url, to_json, cc_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO UPDATE SET
			content = excluded.content,
			visibility = excluded.visibility,
			activity_type = excluded.activity_type,
			distance = excluded.distance,
			duration_seconds = excluded.duration_seconds,
			average_pace = excluded.average_pace,
			elevation_gain = excluded.elevation_gain,
			average_heart_rate = excluded.average_heart_rate,
			map_image_url = excluded.map_image_url,
			track_geojson_url = excluded.track_geojson_url,
			to_json = excluded.to_json,
			cc_json = excluded.cc_json`),
		r.ActivityURI, r.ActorURI, r.Content, formatTime(r.Published), startedAt,
		r.Visibility, r.ActivityType, r.Distance, r.DurationSeconds, r.AveragePace,
		r.ElevationGain, r.AverageHeartRate, r.MapImageURL, r.TrackGeoJSONURL,
		r.ToJSON, r.CCJSON)
	return err
}

// DeleteRemoteActivity removes a remote activity, but only when the given
// actor owns it — a sender cannot delete another instance's posts.
func (s *Store) DeleteRemoteActivity(ctx context.Context, activityURI, actorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM remote_activities
		WHERE activity_uri = ? AND actor_uri = ?`), activityURI, actorURI)
	return err
}

// TimelineRemote fetches remote activities authored by actors in the user's
// ACCEPTED followed set, within {PUBLIC, FOLLOWERS}, newest first. Rows with
// no usable timestamp sort last.
func (s *Store) TimelineRemote(ctx context.Context, userID string, limit int) ([]*RemoteActivity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+remoteActivityColumns+`
		FROM remote_activities
		WHERE visibility IN ('PUBLIC', 'FOLLOWERS')
		  AND actor_uri IN (
			SELECT following_uri FROM follows
			WHERE follower_user_id = ? AND status = 'ACCEPTED')
		ORDER BY COALESCE(started_at, published) DESC NULLS LAST
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RemoteActivity
	for rows.Next() {
		r, err := scanRemoteActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
