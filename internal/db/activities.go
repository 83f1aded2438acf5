package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedtrack/internal/apperr"
)

// Visibility levels for a local activity.
const (
	VisibilityPublic    = "PUBLIC"
	VisibilityFollowers = "FOLLOWERS"
	VisibilityPrivate   = "PRIVATE"
)

// Activity is a locally-owned workout. Track points are stored as a JSON
// array; the simplified geometry is a GeoJSON LineString in WGS84 (SRID 4326).
type Activity struct {
	ID              string
	UserID          string
	Type            string
	Title           string
	Description     string
	StartedAt       time.Time
	EndedAt         time.Time
	Timezone        string
	Visibility      string
	DistanceMeters  float64
	DurationSeconds float64
	ElevationGainM  float64
	ElevationLossM  float64
	RawFile         []byte
	SourceFormat    string
	Geometry        string
	TrackJSON       string
	Indoor          bool
	IndoorMethod    string
	SubSport        string
	WeatherTempC    *float64
	WeatherCond     *string
	CreatedAt       time.Time
}

// Metrics is the 1:1 aggregate row for an activity.
type Metrics struct {
	AvgHeartRate   *int
	MaxHeartRate   *int
	AvgCadence     *int
	MaxCadence     *int
	AvgPower       *int
	MaxPower       *int
	AvgSpeedMps    *float64
	MaxSpeedMps    *float64
	Calories       *int
	MinElevationM  *float64
	MaxElevationM  *float64
	AvgTemperature *float64
}

// Viewer identifies who is asking for an activity. Local viewers carry both
// a user id and their actor URI; remote viewers carry only an actor URI.
// The zero value is an anonymous viewer.
type Viewer struct {
	UserID   string
	ActorURI string
}

// baseURL is the local origin, needed to derive actor URIs inside SQL
// (follows store full URIs). Set once at wiring time, before concurrent use.
func (s *Store) SetBaseURL(u string) { s.baseURL = u }

const activityColumns = `id, user_id, activity_type, title, description, started_at, ended_at,
	timezone, visibility, total_distance, total_duration_seconds, elevation_gain, elevation_loss,
	source_format, geometry, track_points, indoor, indoor_method, sub_sport,
	weather_temp_c, weather_condition, created_at`

func scanActivity(row interface{ Scan(...any) error }) (*Activity, error) {
	var a Activity
	var startedAt, endedAt, createdAt string
	var geometry, trackJSON sql.NullString
	var weatherTemp sql.NullFloat64
	var weatherCond sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Title, &a.Description, &startedAt, &endedAt,
		&a.Timezone, &a.Visibility, &a.DistanceMeters, &a.DurationSeconds,
		&a.ElevationGainM, &a.ElevationLossM, &a.SourceFormat, &geometry, &trackJSON,
		&a.Indoor, &a.IndoorMethod, &a.SubSport, &weatherTemp, &weatherCond, &createdAt)
	if err != nil {
		return nil, err
	}
	a.StartedAt = parseTime(startedAt)
	a.EndedAt = parseTime(endedAt)
	a.CreatedAt = parseTime(createdAt)
	a.Geometry = geometry.String
	a.TrackJSON = trackJSON.String
	if weatherTemp.Valid {
		v := weatherTemp.Float64
		a.WeatherTempC = &v
	}
	if weatherCond.Valid {
		v := weatherCond.String
		a.WeatherCond = &v
	}
	return &a, nil
}

// SaveActivity persists an activity and its metrics in one transaction.
// Either the whole activity and its metrics become visible or nothing does.
func (s *Store) SaveActivity(ctx context.Context, a *Activity, m *Metrics) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.EndedAt.Before(a.StartedAt) {
		return apperr.New(apperr.Validation, "ended_at precedes started_at")
	}
	if a.DurationSeconds < 0 {
		return apperr.New(apperr.Validation, "negative duration")
	}
	if !a.Indoor && a.Geometry == "" {
		return apperr.New(apperr.Validation, "outdoor activity requires geometry")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var geometry, trackJSON any
		if a.Geometry != "" {
			geometry = a.Geometry
		}
		if a.TrackJSON != "" {
			trackJSON = a.TrackJSON
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO activities
			(id, user_id, activity_type, title, description, started_at, ended_at, timezone,
			 visibility, total_distance, total_duration_seconds, elevation_gain, elevation_loss,
			 raw_file, source_format, geometry, track_points, indoor, indoor_method, sub_sport, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.UserID, a.Type, a.Title, a.Description,
			formatTime(a.StartedAt), formatTime(a.EndedAt), a.Timezone,
			a.Visibility, a.DistanceMeters, a.DurationSeconds, a.ElevationGainM, a.ElevationLossM,
			a.RawFile, a.SourceFormat, geometry, trackJSON, a.Indoor, a.IndoorMethod, a.SubSport, now())
		if err != nil {
			return err
		}
		if m == nil {
			m = &Metrics{}
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO activity_metrics
			(activity_id, avg_heart_rate, max_heart_rate, avg_cadence, max_cadence,
			 avg_power, max_power, avg_speed, max_speed, calories,
			 min_elevation, max_elevation, avg_temperature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, m.AvgHeartRate, m.MaxHeartRate, m.AvgCadence, m.MaxCadence,
			m.AvgPower, m.MaxPower, m.AvgSpeedMps, m.MaxSpeedMps, m.Calories,
			m.MinElevationM, m.MaxElevationM, m.AvgTemperature)
		return err
	})
}

// GetActivity returns an activity by id without any visibility check.
// Pipeline stages use this to re-load their target in their own transaction.
func (s *Store) GetActivity(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+activityColumns+` FROM activities WHERE id = ?`), id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "activity not found")
	}
	return a, err
}

// GetActivityForViewer returns an activity if the viewer may read it:
// PUBLIC is readable by anyone; FOLLOWERS by the owner and any ACCEPTED
// follower (local or remote); PRIVATE only by the owner.
func (s *Store) GetActivityForViewer(ctx context.Context, id string, viewer Viewer) (*Activity, error) {
	a, err := s.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.canRead(ctx, a, viewer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.Forbidden, "not allowed to view this activity")
	}
	return a, nil
}

func (s *Store) canRead(ctx context.Context, a *Activity, viewer Viewer) (bool, error) {
	if a.Visibility == VisibilityPublic {
		return true, nil
	}
	if viewer.UserID != "" && viewer.UserID == a.UserID {
		return true, nil
	}
	if a.Visibility != VisibilityFollowers {
		return false, nil
	}
	if viewer.UserID == "" && viewer.ActorURI == "" {
		return false, nil
	}
	ownerURI, err := s.actorURIForUser(ctx, a.UserID)
	if err != nil {
		return false, err
	}
	return s.HasAcceptedFollow(ctx, viewer, ownerURI)
}

func (s *Store) actorURIForUser(ctx context.Context, userID string) (string, error) {
	var username string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT username FROM users WHERE id = ?`), userID).Scan(&username)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/users/" + username, nil
}

// GetActivityMetrics returns the metrics row for an activity.
func (s *Store) GetActivityMetrics(ctx context.Context, activityID string) (*Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, s.q(`SELECT avg_heart_rate, max_heart_rate, avg_cadence,
		max_cadence, avg_power, max_power, avg_speed, max_speed, calories,
		min_elevation, max_elevation, avg_temperature
		FROM activity_metrics WHERE activity_id = ?`), activityID).Scan(
		&m.AvgHeartRate, &m.MaxHeartRate, &m.AvgCadence, &m.MaxCadence,
		&m.AvgPower, &m.MaxPower, &m.AvgSpeedMps, &m.MaxSpeedMps, &m.Calories,
		&m.MinElevationM, &m.MaxElevationM, &m.AvgTemperature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "metrics not found")
	}
	return &m, err
}

// ListUserActivities returns a user's own activities, newest first.
func (s *Store) ListUserActivities(ctx context.Context, userID string, limit, offset int) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+activityColumns+` FROM activities
		WHERE user_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// ListAllUserActivityIDs returns every activity id for a user, oldest first.
func (s *Store) ListAllUserActivityIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM activities
		WHERE user_id = ? ORDER BY started_at ASC`), userID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// TimelineLocal fetches local activities for user U's federated timeline:
// U's own activities plus those of followed local users within
// {PUBLIC, FOLLOWERS}. Results are newest-first; the caller over-fetches
// and merges with the remote stream.
func (s *Store) TimelineLocal(ctx context.Context, userID string, limit int) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+prefixColumns("a", activityColumns)+`
		FROM activities a
		JOIN users u ON u.id = a.user_id
		WHERE a.user_id = ?
		   OR (a.visibility IN ('PUBLIC', 'FOLLOWERS') AND EXISTS (
				SELECT 1 FROM follows f
				WHERE f.follower_user_id = ?
				  AND f.status = 'ACCEPTED'
				  AND f.following_uri = ? || '/users/' || u.username))
		ORDER BY a.started_at DESC
		LIMIT ?`), userID, userID, s.baseURL, limit)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// TimelinePublic fetches the public timeline: local PUBLIC activities only.
func (s *Store) TimelinePublic(ctx context.Context, limit, offset int) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+activityColumns+` FROM activities
		WHERE visibility = 'PUBLIC' ORDER BY started_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

func scanActivities(rows *sql.Rows) ([]*Activity, error) {
	defer rows.Close()
	var out []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActivityStats is the per-item decoration for timeline rendering.
type ActivityStats struct {
	LikeCount    int
	CommentCount int
	LikedByMe    bool
}

// ActivityStatsBatch computes {likes, comments, liked-by-viewer} for a set of
// activity ids in one aggregated query, avoiding an N+1 per timeline page.
func (s *Store) ActivityStatsBatch(ctx context.Context, ids []string, viewer Viewer) (map[string]ActivityStats, error) {
	out := make(map[string]ActivityStats, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, viewer.UserID)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	query := s.q(`
		WITH likes_agg AS (
			SELECT activity_id,
			       COUNT(*) AS like_count,
			       MAX(CASE WHEN user_id = ? THEN 1 ELSE 0 END) AS liked_by_me
			FROM likes
			WHERE activity_id IN (` + placeholders(len(ids)) + `)
			GROUP BY activity_id
		), comments_agg AS (
			SELECT activity_id, COUNT(*) AS comment_count
			FROM comments
			WHERE activity_id IN (` + placeholders(len(ids)) + `)
			GROUP BY activity_id
		)
		SELECT COALESCE(l.activity_id, c.activity_id),
		       COALESCE(l.like_count, 0),
		       COALESCE(l.liked_by_me, 0),
		       COALESCE(c.comment_count, 0)
		FROM likes_agg l
		FULL OUTER JOIN comments_agg c ON c.activity_id = l.activity_id`)
	if s.driver == "sqlite" {
		// SQLite gained FULL OUTER JOIN only in 3.39; LEFT JOIN both ways
		// UNIONed is the portable spelling.
		query = s.q(`
			WITH likes_agg AS (
				SELECT activity_id,
				       COUNT(*) AS like_count,
				       MAX(CASE WHEN user_id = ? THEN 1 ELSE 0 END) AS liked_by_me
				FROM likes
				WHERE activity_id IN (` + placeholders(len(ids)) + `)
				GROUP BY activity_id
			), comments_agg AS (
				SELECT activity_id, COUNT(*) AS comment_count
				FROM comments
				WHERE activity_id IN (` + placeholders(len(ids)) + `)
				GROUP BY activity_id
			)
			SELECT l.activity_id, l.like_count, l.liked_by_me, COALESCE(c.comment_count, 0)
			FROM likes_agg l LEFT JOIN comments_agg c ON c.activity_id = l.activity_id
			UNION
			SELECT c.activity_id, COALESCE(l.like_count, 0), COALESCE(l.liked_by_me, 0), c.comment_count
			FROM comments_agg c LEFT JOIN likes_agg l ON l.activity_id = c.activity_id`)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var likeCount, likedByMe, commentCount int
		if err := rows.Scan(&id, &likeCount, &likedByMe, &commentCount); err != nil {
			return nil, err
		}
		out[id] = ActivityStats{
			LikeCount:    likeCount,
			CommentCount: commentCount,
			LikedByMe:    likedByMe == 1,
		}
	}
	return out, rows.Err()
}

// UpdateActivityMeta changes title, description, and visibility — the only
// fields mutable after the initial write — and only for the owner.
func (s *Store) UpdateActivityMeta(ctx context.Context, id, ownerID, title, description, visibility string) error {
	switch visibility {
	case VisibilityPublic, VisibilityFollowers, VisibilityPrivate:
	default:
		return apperr.New(apperr.Validation, "unknown visibility")
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE activities
		SET title = ?, description = ?, visibility = ?
		WHERE id = ? AND user_id = ?`), title, description, visibility, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "activity not found or not owned")
	}
	return nil
}

// UpdateActivityWeather attaches fetched weather data. Called by the weather
// pipeline stage in its own transaction.
func (s *Store) UpdateActivityWeather(ctx context.Context, id string, tempC float64, condition string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE activities
		SET weather_temp_c = ?, weather_condition = ? WHERE id = ?`), tempC, condition, id)
	return err
}

// DeleteActivity removes an owner's activity. Likes, comments, and metrics
// cascade via foreign keys; heatmap contributions are decremented from the
// stored track, and analytics rollups referencing the activity (personal
// records and achievements) are cleared.
func (s *Store) DeleteActivity(ctx context.Context, id, ownerID string) error {
	a, err := s.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	if a.UserID != ownerID {
		return apperr.New(apperr.Forbidden, "not the owner")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if !a.Indoor && a.TrackJSON != "" {
			if err := s.removeHeatmapContribution(ctx, tx, a); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM personal_records WHERE activity_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM achievements WHERE activity_id = ?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM activities WHERE id = ?`), id)
		return err
	})
}

// StoredTrackPoint mirrors the JSON track-point shape persisted inside an
// activity row. Pointers keep absent readings out of the JSON entirely.
type StoredTrackPoint struct {
	Time      time.Time `json:"t"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Elevation *float64  `json:"ele,omitempty"`
	HeartRate *int      `json:"hr,omitempty"`
	Cadence   *int      `json:"cad,omitempty"`
	Power     *int      `json:"pwr,omitempty"`
	Speed     *float64  `json:"spd,omitempty"`
	Temp      *float64  `json:"temp,omitempty"`
}

// DecodeTrack parses an activity's track_points JSON.
func DecodeTrack(trackJSON string) ([]StoredTrackPoint, error) {
	if trackJSON == "" {
		return nil, nil
	}
	var pts []StoredTrackPoint
	if err := json.Unmarshal([]byte(trackJSON), &pts); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "corrupt track json", err)
	}
	return pts, nil
}

// EncodeTrack serialises track points for storage.
func EncodeTrack(pts []StoredTrackPoint) (string, error) {
	data, err := json.Marshal(pts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// prefixColumns rewrites "a, b, c" to "p.a, p.b, p.c" for joined queries.
func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
