package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// UpdateSummaries recomputes the weekly, monthly, and yearly windows that
// contain the activity's start time.
func (e *Engine) UpdateSummaries(ctx context.Context, activityID string) error {
	a, err := e.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}

	for _, w := range []window{
		weeklyWindow(a.StartedAt),
		monthlyWindow(a.StartedAt),
		yearlyWindow(a.StartedAt),
	} {
		if err := e.rebuildSummary(ctx, a.UserID, w.periodType, w.start, w.end); err != nil {
			return err
		}
	}
	return nil
}

type window struct {
	periodType string
	start, end time.Time
}

func (e *Engine) rebuildSummary(ctx context.Context, userID, periodType string, start, end time.Time) error {
	rows, err := e.Store.ListActivitiesInWindow(ctx, userID, start, end)
	if err != nil {
		return err
	}

	summary := &db.ActivitySummary{
		UserID:      userID,
		PeriodType:  periodType,
		PeriodStart: start,
	}
	byType := make(map[string]int)
	var speedSum float64
	var speedN int
	for _, r := range rows {
		summary.ActivityCount++
		summary.TotalDuration += r.DurationSeconds
		summary.TotalDistance += r.DistanceMeters
		summary.TotalElevation += r.ElevationGainM
		if r.MaxSpeedMps > summary.MaxSpeed {
			summary.MaxSpeed = r.MaxSpeedMps
		}
		if r.AvgSpeedMps > 0 {
			speedSum += r.AvgSpeedMps
			speedN++
		}
		byType[r.Type]++
	}
	if speedN > 0 {
		summary.AvgSpeed = speedSum / float64(speedN)
	}
	breakdown, err := json.Marshal(byType)
	if err != nil {
		return err
	}
	summary.TypeBreakdown = string(breakdown)

	if summary.PRCount, err = e.Store.CountPersonalRecordsSince(ctx, userID, start, end); err != nil {
		return err
	}
	if summary.AchievementCount, err = e.Store.CountAchievementsSince(ctx, userID, start, end); err != nil {
		return err
	}

	return e.Store.UpsertActivitySummary(ctx, summary)
}

// weeklyWindow returns the Monday–Sunday week containing t.
func weeklyWindow(t time.Time) window {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday closes the week
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
	return window{db.PeriodWeekly, start, start.AddDate(0, 0, 7)}
}

func monthlyWindow(t time.Time) window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return window{db.PeriodMonthly, start, start.AddDate(0, 1, 0)}
}

func yearlyWindow(t time.Time) window {
	t = t.UTC()
	start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return window{db.PeriodYearly, start, start.AddDate(1, 0, 0)}
}
