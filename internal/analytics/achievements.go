package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// Achievement types. Each is earned once per user.
const (
	AchFirstActivity    = "FIRST_ACTIVITY"
	AchTenActivities    = "TEN_ACTIVITIES"
	AchFiftyActivities  = "FIFTY_ACTIVITIES"
	AchHundredActivities = "HUNDRED_ACTIVITIES"
	AchCentury          = "CENTURY_TOTAL"      // 100 km cumulative
	AchThousandKM       = "THOUSAND_KM_TOTAL"  // 1000 km cumulative
	AchWeekStreak       = "WEEK_STREAK"        // 7 consecutive days
	AchMultiSport       = "MULTI_SPORT"        // 3 distinct activity types
	AchEarlyBird        = "EARLY_BIRD"         // started before 06:00 local
	AchNightOwl         = "NIGHT_OWL"          // started after 21:00 local
	AchMarathonDistance = "MARATHON_DISTANCE"  // single activity ≥ 42.195 km
	AchBigClimb         = "BIG_CLIMB"          // single activity ≥ 1000 m gain
)

// EvaluateAchievements checks every criterion against the user's current
// totals after a save. Awards are unique per (user, type); re-awarding is a
// silent no-op at the store layer.
func (e *Engine) EvaluateAchievements(ctx context.Context, activityID string) error {
	a, err := e.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	totals, err := e.Store.GetUserTotals(ctx, a.UserID)
	if err != nil {
		return err
	}

	award := func(achType string) {
		err := e.Store.AwardAchievement(ctx, &db.Achievement{
			UserID:     a.UserID,
			Type:       achType,
			ActivityID: a.ID,
			EarnedAt:   a.StartedAt,
		})
		if err != nil {
			slog.Warn("failed to award achievement", "user", a.UserID, "type", achType, "error", err)
		}
	}

	if totals.ActivityCount >= 1 {
		award(AchFirstActivity)
	}
	if totals.ActivityCount >= 10 {
		award(AchTenActivities)
	}
	if totals.ActivityCount >= 50 {
		award(AchFiftyActivities)
	}
	if totals.ActivityCount >= 100 {
		award(AchHundredActivities)
	}
	if totals.TotalDistance >= 100_000 {
		award(AchCentury)
	}
	if totals.TotalDistance >= 1_000_000 {
		award(AchThousandKM)
	}
	if totals.DistinctTypes >= 3 {
		award(AchMultiSport)
	}
	if a.DistanceMeters >= 42195 {
		award(AchMarathonDistance)
	}
	if a.ElevationGainM >= 1000 {
		award(AchBigClimb)
	}

	local := a.StartedAt
	if loc, err := time.LoadLocation(a.Timezone); err == nil {
		local = a.StartedAt.In(loc)
	}
	if local.Hour() < 6 {
		award(AchEarlyBird)
	}
	if local.Hour() >= 21 {
		award(AchNightOwl)
	}

	streak, err := e.currentStreak(ctx, a.UserID)
	if err != nil {
		return err
	}
	if streak >= 7 {
		award(AchWeekStreak)
	}
	return nil
}

// currentStreak counts consecutive activity days ending at the most recent
// activity day.
func (e *Engine) currentStreak(ctx context.Context, userID string) (int, error) {
	days, err := e.Store.ListActivityDays(ctx, userID, 400)
	if err != nil || len(days) == 0 {
		return 0, err
	}
	streak := 1
	prev, err := time.Parse("2006-01-02", days[0])
	if err != nil {
		return 0, nil
	}
	for _, d := range days[1:] {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			break
		}
		if prev.Sub(day) != 24*time.Hour {
			break
		}
		streak++
		prev = day
	}
	return streak, nil
}
