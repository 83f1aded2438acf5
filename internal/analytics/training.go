package analytics

import (
	"context"
	"math"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// Form statuses derived from TSB.
const (
	FormFresh    = "FRESH"
	FormOptimal  = "OPTIMAL"
	FormFatigued = "FATIGUED"
)

// referenceSpeedMps anchors the intensity factor: sustained 3 m/s counts as
// full intensity.
const referenceSpeedMps = 3.0

// ComputeTSS is the per-day training stress: duration_hours × intensity ×
// 100, where intensity is capped speed relative to the reference, scaled up
// for climbing (an extra 25% at 60 m of gain per km, the cap).
func ComputeTSS(durationSeconds, distanceMeters, elevationGainM float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	avgSpeed := distanceMeters / durationSeconds
	intensity := math.Min(1, avgSpeed/referenceSpeedMps)

	elevationAdj := 1.0
	if distanceMeters > 0 {
		gainPerKm := elevationGainM / (distanceMeters / 1000)
		elevationAdj = 1 + math.Min(0.25, gainPerKm/60*0.25)
	}

	return durationSeconds / 3600 * intensity * 100 * elevationAdj
}

// FormStatus maps a TSB value to a form label.
func FormStatus(tsb float64) string {
	switch {
	case tsb > 5:
		return FormFresh
	case tsb < -5:
		return FormFatigued
	default:
		return FormOptimal
	}
}

// UpdateTrainingLoad recomputes the day row for the activity's date and the
// rolling ATL/CTL/TSB that depend on it. ATL is the mean daily TSS over the
// trailing 7 days, CTL over 28; days without activities contribute zero.
func (e *Engine) UpdateTrainingLoad(ctx context.Context, activityID string) error {
	a, err := e.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	day := a.StartedAt.UTC().Truncate(24 * time.Hour)

	duration, distance, gain, err := e.Store.DayActivityAggregates(ctx, a.UserID, day)
	if err != nil {
		return err
	}
	tss := ComputeTSS(duration, distance, gain)

	atl, ctl, err := e.rollingLoads(ctx, a.UserID, day, tss)
	if err != nil {
		return err
	}
	tsb := ctl - atl

	return e.Store.UpsertTrainingLoad(ctx, &db.TrainingLoad{
		UserID: a.UserID,
		Day:    day,
		TSS:    tss,
		ATL:    atl,
		CTL:    ctl,
		TSB:    tsb,
		Form:   FormStatus(tsb),
	})
}

// rollingLoads computes ATL (7-day) and CTL (28-day) means ending at day,
// with todayTSS substituted for day's stored row.
func (e *Engine) rollingLoads(ctx context.Context, userID string, day time.Time, todayTSS float64) (atl, ctl float64, err error) {
	from := day.AddDate(0, 0, -27)
	rows, err := e.Store.GetTrainingLoadRange(ctx, userID, from, day)
	if err != nil {
		return 0, 0, err
	}

	tssByDay := make(map[string]float64, len(rows))
	for _, r := range rows {
		tssByDay[r.Day.Format("2006-01-02")] = r.TSS
	}
	tssByDay[day.Format("2006-01-02")] = todayTSS

	var sum7, sum28 float64
	for i := 0; i < 28; i++ {
		d := day.AddDate(0, 0, -i).Format("2006-01-02")
		tss := tssByDay[d]
		sum28 += tss
		if i < 7 {
			sum7 += tss
		}
	}
	return sum7 / 7, sum28 / 28, nil
}
