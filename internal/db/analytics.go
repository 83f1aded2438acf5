package db

import (
	"context"
	"database/sql"
	"time"
)

// PersonalRecord is one best-effort mark per (user, activity type, record type).
type PersonalRecord struct {
	UserID       string
	ActivityType string
	RecordType   string
	Value        float64
	ActivityID   string
	AchievedAt   time.Time
}

// GetPersonalRecord returns the current record value, or (nil, nil) when none.
func (s *Store) GetPersonalRecord(ctx context.Context, userID, activityType, recordType string) (*PersonalRecord, error) {
	var r PersonalRecord
	var achievedAt string
	var activityID sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, activity_type, record_type, value,
		activity_id, achieved_at FROM personal_records
		WHERE user_id = ? AND activity_type = ? AND record_type = ?`),
		userID, activityType, recordType).Scan(
		&r.UserID, &r.ActivityType, &r.RecordType, &r.Value, &activityID, &achievedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ActivityID = activityID.String
	r.AchievedAt = parseTime(achievedAt)
	return &r, nil
}

// UpsertPersonalRecord writes a record unconditionally; the analytics layer
// decides whether the new value is an improvement before calling.
func (s *Store) UpsertPersonalRecord(ctx context.Context, r *PersonalRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO personal_records
		(user_id, activity_type, record_type, value, activity_id, achieved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, activity_type, record_type) DO UPDATE SET
			value = excluded.value,
			activity_id = excluded.activity_id,
			achieved_at = excluded.achieved_at`),
		r.UserID, r.ActivityType, r.RecordType, r.Value, r.ActivityID, formatTime(r.AchievedAt))
	return err
}

// ListPersonalRecords returns all of a user's records.
func (s *Store) ListPersonalRecords(ctx context.Context, userID string) ([]*PersonalRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT user_id, activity_type, record_type, value,
		activity_id, achieved_at FROM personal_records WHERE user_id = ?
		ORDER BY activity_type, record_type`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PersonalRecord
	for rows.Next() {
		var r PersonalRecord
		var achievedAt string
		var activityID sql.NullString
		if err := rows.Scan(&r.UserID, &r.ActivityType, &r.RecordType, &r.Value, &activityID, &achievedAt); err != nil {
			return nil, err
		}
		r.ActivityID = activityID.String
		r.AchievedAt = parseTime(achievedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CountPersonalRecordsSince counts records achieved in [from, to).
func (s *Store) CountPersonalRecordsSince(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM personal_records
		WHERE user_id = ? AND achieved_at >= ? AND achieved_at < ?`),
		userID, formatTime(from), formatTime(to)).Scan(&n)
	return n, err
}

// ─── Achievements ─────────────────────────────────────────────────────────────

// Achievement is a one-time badge per (user, achievement type).
type Achievement struct {
	UserID     string
	Type       string
	ActivityID string
	EarnedAt   time.Time
}

// AwardAchievement inserts an achievement; re-awarding is a silent no-op
// (the badge is unique per user and type).
func (s *Store) AwardAchievement(ctx context.Context, a *Achievement) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO achievements
		(user_id, achievement_type, activity_id, earned_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, achievement_type) DO NOTHING`),
		a.UserID, a.Type, a.ActivityID, formatTime(a.EarnedAt))
	return err
}

// ListAchievementTypes returns the user's earned achievement types.
func (s *Store) ListAchievementTypes(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT achievement_type FROM achievements
		WHERE user_id = ? ORDER BY earned_at`), userID)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// CountAchievementsSince counts achievements earned in [from, to).
func (s *Store) CountAchievementsSince(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM achievements
		WHERE user_id = ? AND earned_at >= ? AND earned_at < ?`),
		userID, formatTime(from), formatTime(to)).Scan(&n)
	return n, err
}

// ─── Training load ────────────────────────────────────────────────────────────

// TrainingLoad is one day's stress numbers.
type TrainingLoad struct {
	UserID string
	Day    time.Time
	TSS    float64
	ATL    float64
	CTL    float64
	TSB    float64
	Form   string
}

// UpsertTrainingLoad writes a day's row.
func (s *Store) UpsertTrainingLoad(ctx context.Context, t *TrainingLoad) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO training_load
		(user_id, day, tss, atl, ctl, tsb, form) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			tss = excluded.tss, atl = excluded.atl, ctl = excluded.ctl,
			tsb = excluded.tsb, form = excluded.form`),
		t.UserID, t.Day.UTC().Format(dayFormat), t.TSS, t.ATL, t.CTL, t.TSB, t.Form)
	return err
}

// GetTrainingLoadRange returns rows for days in [from, to], oldest first.
func (s *Store) GetTrainingLoadRange(ctx context.Context, userID string, from, to time.Time) ([]*TrainingLoad, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT user_id, day, tss, atl, ctl, tsb, form
		FROM training_load WHERE user_id = ? AND day >= ? AND day <= ? ORDER BY day ASC`),
		userID, from.UTC().Format(dayFormat), to.UTC().Format(dayFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TrainingLoad
	for rows.Next() {
		var t TrainingLoad
		var day string
		if err := rows.Scan(&t.UserID, &day, &t.TSS, &t.ATL, &t.CTL, &t.TSB, &t.Form); err != nil {
			return nil, err
		}
		t.Day, _ = time.ParseInLocation(dayFormat, day, time.UTC)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DayActivityAggregates sums duration, distance, and elevation gain across
// a user's activities on a given UTC day, in one query. Training-load
// evaluation derives the day's TSS from these.
func (s *Store) DayActivityAggregates(ctx context.Context, userID string, day time.Time) (durationSeconds, distance, elevationGain float64, err error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	err = s.db.QueryRowContext(ctx, s.q(`SELECT
			COALESCE(SUM(total_duration_seconds), 0),
			COALESCE(SUM(total_distance), 0),
			COALESCE(SUM(elevation_gain), 0)
		FROM activities
		WHERE user_id = ? AND started_at >= ? AND started_at < ?`),
		userID, formatTime(start), formatTime(end)).Scan(&durationSeconds, &distance, &elevationGain)
	return
}

// ─── Summaries ────────────────────────────────────────────────────────────────

// Summary period types.
const (
	PeriodWeekly  = "WEEKLY"
	PeriodMonthly = "MONTHLY"
	PeriodYearly  = "YEARLY"
)

// ActivitySummary aggregates a user's activities over one period window.
type ActivitySummary struct {
	UserID           string
	PeriodType       string
	PeriodStart      time.Time
	ActivityCount    int
	TotalDuration    float64
	TotalDistance    float64
	TotalElevation   float64
	MaxSpeed         float64
	AvgSpeed         float64
	TypeBreakdown    string // JSON object: activity type → count
	PRCount          int
	AchievementCount int
}

// UpsertActivitySummary writes a period row.
func (s *Store) UpsertActivitySummary(ctx context.Context, a *ActivitySummary) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO activity_summaries
		(user_id, period_type, period_start, activity_count, total_duration, total_distance,
		 total_elevation_gain, max_speed, avg_speed, type_breakdown, pr_count, achievement_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period_type, period_start) DO UPDATE SET
			activity_count = excluded.activity_count,
			total_duration = excluded.total_duration,
			total_distance = excluded.total_distance,
			total_elevation_gain = excluded.total_elevation_gain,
			max_speed = excluded.max_speed,
			avg_speed = excluded.avg_speed,
			type_breakdown = excluded.type_breakdown,
			pr_count = excluded.pr_count,
			achievement_count = excluded.achievement_count`),
		a.UserID, a.PeriodType, a.PeriodStart.UTC().Format(dayFormat), a.ActivityCount,
		a.TotalDuration, a.TotalDistance, a.TotalElevation, a.MaxSpeed, a.AvgSpeed,
		a.TypeBreakdown, a.PRCount, a.AchievementCount)
	return err
}

// PeriodActivityRow is one activity's contribution to a summary window.
type PeriodActivityRow struct {
	Type            string
	DurationSeconds float64
	DistanceMeters  float64
	ElevationGainM  float64
	MaxSpeedMps     float64
	AvgSpeedMps     float64
}

// ListActivitiesInWindow returns the summary-relevant fields of every
// activity starting in [from, to), joined with metrics in one query.
func (s *Store) ListActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]PeriodActivityRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT a.activity_type, a.total_duration_seconds,
			a.total_distance, a.elevation_gain,
			COALESCE(m.max_speed, 0), COALESCE(m.avg_speed, 0)
		FROM activities a
		LEFT JOIN activity_metrics m ON m.activity_id = a.id
		WHERE a.user_id = ? AND a.started_at >= ? AND a.started_at < ?`),
		userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeriodActivityRow
	for rows.Next() {
		var r PeriodActivityRow
		if err := rows.Scan(&r.Type, &r.DurationSeconds, &r.DistanceMeters,
			&r.ElevationGainM, &r.MaxSpeedMps, &r.AvgSpeedMps); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserTotals feeds achievement evaluation: lifetime counts and sums in one
// batched query instead of one query per criterion.
type UserTotals struct {
	ActivityCount     int
	TotalDistance     float64
	DistinctTypes     int
	DistinctDays      int
	LongestDistance   float64
	LongestDuration   float64
	MaxElevationGain  float64
}

// GetUserTotals computes aggregate statistics across a user's activities.
func (s *Store) GetUserTotals(ctx context.Context, userID string) (*UserTotals, error) {
	var t UserTotals
	err := s.db.QueryRowContext(ctx, s.q(`SELECT
			COUNT(*),
			COALESCE(SUM(total_distance), 0),
			COUNT(DISTINCT activity_type),
			COUNT(DISTINCT substr(started_at, 1, 10)),
			COALESCE(MAX(total_distance), 0),
			COALESCE(MAX(total_duration_seconds), 0),
			COALESCE(MAX(elevation_gain), 0)
		FROM activities WHERE user_id = ?`), userID).Scan(
		&t.ActivityCount, &t.TotalDistance, &t.DistinctTypes, &t.DistinctDays,
		&t.LongestDistance, &t.LongestDuration, &t.MaxElevationGain)
	return &t, err
}

// ListActivityDays returns the distinct UTC days (yyyy-mm-dd) on which the
// user has activities, newest first. Streak evaluation walks this.
func (s *Store) ListActivityDays(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT DISTINCT substr(started_at, 1, 10)
		FROM activities WHERE user_id = ? ORDER BY 1 DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}
