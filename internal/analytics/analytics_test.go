package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/db"
)

func newEngine(t *testing.T) (*Engine, *db.Store, *db.User) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	store.SetBaseURL("https://local.test")

	user := &db.User{
		Username:      "bob",
		Email:         "bob@local.test",
		PasswordHash:  "x",
		PublicKeyPEM:  "pub",
		PrivateKeyPEM: "priv",
		Enabled:       true,
	}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return &Engine{Store: store}, store, user
}

// steadyTrack builds a track moving north at constant speed. One degree of
// latitude is taken as 111194.9 m, a hair under the 111194.93 m the haversine
// radius gives, so each step measures at least metersPerPoint.
func steadyTrack(t *testing.T, points int, metersPerPoint, secondsPerPoint float64) string {
	t.Helper()
	base := time.Date(2025, 11, 27, 14, 49, 9, 0, time.UTC)
	pts := make([]db.StoredTrackPoint, points)
	for i := range pts {
		pts[i] = db.StoredTrackPoint{
			Time: base.Add(time.Duration(float64(i)*secondsPerPoint) * time.Second),
			Lat:  49.99 + float64(i)*metersPerPoint/111194.9,
			Lon:  8.26,
		}
	}
	out, err := db.EncodeTrack(pts)
	require.NoError(t, err)
	return out
}

func saveRun(t *testing.T, store *db.Store, userID string, startedAt time.Time, distance, duration float64, trackJSON string) *db.Activity {
	t.Helper()
	a := &db.Activity{
		UserID:          userID,
		Type:            "RUNNING",
		StartedAt:       startedAt,
		EndedAt:         startedAt.Add(time.Duration(duration) * time.Second),
		Timezone:        "UTC",
		Visibility:      db.VisibilityPrivate,
		DistanceMeters:  distance,
		DurationSeconds: duration,
		TrackJSON:       trackJSON,
		Indoor:          trackJSON == "",
	}
	if trackJSON != "" {
		a.Geometry = `{"type":"LineString","coordinates":[[8.26,49.99],[8.26,50.0]]}`
	}
	maxSpeed := 4.0
	require.NoError(t, store.SaveActivity(context.Background(), a, &db.Metrics{MaxSpeedMps: &maxSpeed}))
	return a
}

func TestFastestSplit(t *testing.T) {
	// 100 m every 30 s: a steady 12 km at 3.33 m/s.
	track := steadyTrack(t, 121, 100, 30)
	pts, err := db.DecodeTrack(track)
	require.NoError(t, err)

	split, ok := FastestSplit(pts, 1000)
	require.True(t, ok)
	// 1 km at 100 m / 30 s = 300 s.
	assert.InDelta(t, 300, split, 10)

	split, ok = FastestSplit(pts, 10000)
	require.True(t, ok)
	assert.InDelta(t, 3000, split, 40)

	_, ok = FastestSplit(pts, 42195)
	assert.False(t, ok, "track never covers a marathon")
}

func TestFastestSplitShortTrack(t *testing.T) {
	_, ok := FastestSplit(nil, 1000)
	assert.False(t, ok)
	_, ok = FastestSplit([]db.StoredTrackPoint{{Lat: 1, Lon: 1}}, 1000)
	assert.False(t, ok)
}

func TestEvaluatePersonalRecordsUpsertsOnlyImprovement(t *testing.T) {
	e, store, user := newEngine(t)
	ctx := context.Background()

	slow := saveRun(t, store, user.ID,
		time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC), 12000, 3630, steadyTrack(t, 121, 100, 30))
	require.NoError(t, e.EvaluatePersonalRecords(ctx, slow.ID))

	rec, err := store.GetPersonalRecord(ctx, user.ID, "RUNNING", RecordFastest1K)
	require.NoError(t, err)
	require.NotNil(t, rec)
	firstValue := rec.Value
	assert.Equal(t, slow.ID, rec.ActivityID)

	// A faster run improves the split record.
	fast := saveRun(t, store, user.ID,
		time.Date(2025, 11, 2, 8, 0, 0, 0, time.UTC), 12000, 2420, steadyTrack(t, 121, 100, 20))
	require.NoError(t, e.EvaluatePersonalRecords(ctx, fast.ID))

	rec, err = store.GetPersonalRecord(ctx, user.ID, "RUNNING", RecordFastest1K)
	require.NoError(t, err)
	assert.Less(t, rec.Value, firstValue)
	assert.Equal(t, fast.ID, rec.ActivityID)

	// Re-running the slow activity does not regress the record.
	require.NoError(t, e.EvaluatePersonalRecords(ctx, slow.ID))
	rec, err = store.GetPersonalRecord(ctx, user.ID, "RUNNING", RecordFastest1K)
	require.NoError(t, err)
	assert.Equal(t, fast.ID, rec.ActivityID)

	longest, err := store.GetPersonalRecord(ctx, user.ID, "RUNNING", RecordLongestDistance)
	require.NoError(t, err)
	require.NotNil(t, longest)
	assert.Equal(t, 12000.0, longest.Value)
}

func TestComputeTSS(t *testing.T) {
	// One hour at exactly reference speed on the flat: TSS 100.
	assert.InDelta(t, 100, ComputeTSS(3600, 3.0*3600, 0), 0.01)
	// Half the reference speed halves the intensity.
	assert.InDelta(t, 50, ComputeTSS(3600, 1.5*3600, 0), 0.01)
	// Speed above the reference is capped at intensity 1.
	assert.InDelta(t, 100, ComputeTSS(3600, 10*3600, 0), 0.01)
	// Climbing scales the score up, capped at +25%.
	flat := ComputeTSS(3600, 3.0*3600, 0)
	hilly := ComputeTSS(3600, 3.0*3600, 500)
	steep := ComputeTSS(3600, 3.0*3600, 50000)
	assert.Greater(t, hilly, flat)
	assert.InDelta(t, flat*1.25, steep, 0.01)
	// No duration, no stress.
	assert.Equal(t, 0.0, ComputeTSS(0, 1000, 10))
}

func TestFormStatus(t *testing.T) {
	assert.Equal(t, FormFresh, FormStatus(5.1))
	assert.Equal(t, FormOptimal, FormStatus(5.0))
	assert.Equal(t, FormOptimal, FormStatus(0))
	assert.Equal(t, FormOptimal, FormStatus(-5.0))
	assert.Equal(t, FormFatigued, FormStatus(-5.1))
}

func TestUpdateTrainingLoadRolling(t *testing.T) {
	e, store, user := newEngine(t)
	ctx := context.Background()

	day := time.Date(2025, 11, 27, 9, 0, 0, 0, time.UTC)
	a := saveRun(t, store, user.ID, day, 3.0*3600, 3600, "")
	require.NoError(t, e.UpdateTrainingLoad(ctx, a.ID))

	rows, err := store.GetTrainingLoadRange(ctx, user.ID, day.AddDate(0, 0, -1), day)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.InDelta(t, 100, row.TSS, 0.01)
	// First training day: ATL = 100/7, CTL = 100/28, TSB = CTL − ATL < −5.
	assert.InDelta(t, 100.0/7, row.ATL, 0.01)
	assert.InDelta(t, 100.0/28, row.CTL, 0.01)
	assert.InDelta(t, row.CTL-row.ATL, row.TSB, 0.0001)
	assert.Equal(t, FormFatigued, row.Form)
}

func TestEvaluateAchievements(t *testing.T) {
	e, store, user := newEngine(t)
	ctx := context.Background()

	// An early-morning marathon-distance run with a big climb.
	a := saveBigRun(t, store, user.ID)

	require.NoError(t, e.EvaluateAchievements(ctx, a.ID))

	earned, err := store.ListAchievementTypes(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, earned, AchFirstActivity)
	assert.Contains(t, earned, AchMarathonDistance)
	assert.Contains(t, earned, AchBigClimb)
	assert.Contains(t, earned, AchEarlyBird)
	assert.NotContains(t, earned, AchTenActivities)

	// Re-evaluating is idempotent: unique per (user, type).
	require.NoError(t, e.EvaluateAchievements(ctx, a.ID))
	again, err := store.ListAchievementTypes(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, len(earned), len(again))
}

func saveBigRun(t *testing.T, store *db.Store, userID string) *db.Activity {
	t.Helper()
	started := time.Date(2025, 11, 27, 5, 0, 0, 0, time.UTC)
	a := &db.Activity{
		UserID:          userID,
		Type:            "RUNNING",
		StartedAt:       started,
		EndedAt:         started.Add(4 * time.Hour),
		Timezone:        "UTC",
		Visibility:      db.VisibilityPrivate,
		DistanceMeters:  43000,
		DurationSeconds: 4 * 3600,
		ElevationGainM:  1200,
		Indoor:          true,
	}
	require.NoError(t, store.SaveActivity(context.Background(), a, &db.Metrics{}))
	return a
}

func TestUpdateSummaries(t *testing.T) {
	e, store, user := newEngine(t)
	ctx := context.Background()

	// Thursday 2025-11-27 and Friday 2025-11-28: same Mon–Sun week.
	a1 := saveRun(t, store, user.ID, time.Date(2025, 11, 27, 9, 0, 0, 0, time.UTC), 5000, 1800, "")
	saveRun(t, store, user.ID, time.Date(2025, 11, 28, 9, 0, 0, 0, time.UTC), 7000, 2400, "")
	// The prior week must not count.
	saveRun(t, store, user.ID, time.Date(2025, 11, 18, 9, 0, 0, 0, time.UTC), 9000, 3000, "")

	require.NoError(t, e.UpdateSummaries(ctx, a1.ID))

	rows, err := store.ListActivitiesInWindow(ctx, user.ID,
		time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWeeklyWindowMondayStart(t *testing.T) {
	// 2025-11-27 is a Thursday; its week starts Monday 2025-11-24.
	w := weeklyWindow(time.Date(2025, 11, 27, 14, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC), w.start)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), w.end)

	// A Sunday belongs to the week that began the previous Monday.
	w = weeklyWindow(time.Date(2025, 11, 30, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC), w.start)
}
