// Package analytics derives personal records, achievements, training load,
// and period summaries from stored activities. Every deriver is a pure
// function over fully materialized rows re-loaded in its own call — no
// long-lived references to the upload request's state.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// Engine evaluates analytics rollups against the store.
type Engine struct {
	Store *db.Store
}

// Record types. Split records store seconds (lower is better); the rest
// store the measured value (higher is better) except BEST_AVERAGE_PACE,
// which stores seconds per kilometre (lower is better).
const (
	RecordFastest1K           = "FASTEST_1K"
	RecordFastest5K           = "FASTEST_5K"
	RecordFastest10K          = "FASTEST_10K"
	RecordFastestHalfMarathon = "FASTEST_HALF_MARATHON"
	RecordFastestMarathon     = "FASTEST_MARATHON"
	RecordLongestDistance     = "LONGEST_DISTANCE"
	RecordLongestDuration     = "LONGEST_DURATION"
	RecordHighestElevation    = "HIGHEST_ELEVATION_GAIN"
	RecordMaxSpeed            = "MAX_SPEED"
	RecordBestAveragePace     = "BEST_AVERAGE_PACE"
)

var splitThresholds = []struct {
	recordType string
	meters     float64
}{
	{RecordFastest1K, 1000},
	{RecordFastest5K, 5000},
	{RecordFastest10K, 10000},
	{RecordFastestHalfMarathon, 21097.5},
	{RecordFastestMarathon, 42195},
}

// EvaluatePersonalRecords scans an activity's track for distance-split bests
// and compares whole-activity maxima, upserting only on improvement.
func (e *Engine) EvaluatePersonalRecords(ctx context.Context, activityID string) error {
	a, err := e.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	m, err := e.Store.GetActivityMetrics(ctx, activityID)
	if err != nil {
		return err
	}
	track, err := db.DecodeTrack(a.TrackJSON)
	if err != nil {
		return err
	}

	type candidate struct {
		recordType  string
		value       float64
		lowerBetter bool
	}
	var candidates []candidate

	for _, th := range splitThresholds {
		if a.DistanceMeters < th.meters {
			continue
		}
		if split, ok := FastestSplit(track, th.meters); ok {
			candidates = append(candidates, candidate{th.recordType, split, true})
		}
	}
	if a.DistanceMeters > 0 {
		candidates = append(candidates, candidate{RecordLongestDistance, a.DistanceMeters, false})
	}
	if a.DurationSeconds > 0 {
		candidates = append(candidates, candidate{RecordLongestDuration, a.DurationSeconds, false})
	}
	if a.ElevationGainM > 0 {
		candidates = append(candidates, candidate{RecordHighestElevation, a.ElevationGainM, false})
	}
	if m.MaxSpeedMps != nil && *m.MaxSpeedMps > 0 {
		candidates = append(candidates, candidate{RecordMaxSpeed, *m.MaxSpeedMps, false})
	}
	if a.DistanceMeters > 0 && a.DurationSeconds > 0 {
		pace := a.DurationSeconds / (a.DistanceMeters / 1000)
		candidates = append(candidates, candidate{RecordBestAveragePace, pace, true})
	}

	for _, c := range candidates {
		existing, err := e.Store.GetPersonalRecord(ctx, a.UserID, a.Type, c.recordType)
		if err != nil {
			return err
		}
		improved := existing == nil ||
			(c.lowerBetter && c.value < existing.Value) ||
			(!c.lowerBetter && c.value > existing.Value)
		if !improved {
			continue
		}
		err = e.Store.UpsertPersonalRecord(ctx, &db.PersonalRecord{
			UserID:       a.UserID,
			ActivityType: a.Type,
			RecordType:   c.recordType,
			Value:        c.value,
			ActivityID:   a.ID,
			AchievedAt:   a.StartedAt,
		})
		if err != nil {
			return err
		}
		slog.Debug("personal record", "user", a.UserID, "type", c.recordType, "value", c.value)
	}
	return nil
}

// FastestSplit finds the minimum time (seconds) to cover threshold meters,
// sliding a window over the cumulative track distance. Returns false when
// the track never covers the threshold or carries no usable timestamps.
func FastestSplit(track []db.StoredTrackPoint, thresholdMeters float64) (float64, bool) {
	if len(track) < 2 {
		return 0, false
	}

	// Cumulative distance per point.
	cum := make([]float64, len(track))
	for i := 1; i < len(track); i++ {
		cum[i] = cum[i-1] + haversineMeters(
			track[i-1].Lat, track[i-1].Lon, track[i].Lat, track[i].Lon)
	}
	if cum[len(cum)-1] < thresholdMeters {
		return 0, false
	}

	best := -1.0
	j := 0
	for i := range track {
		for j < len(track) && cum[j]-cum[i] < thresholdMeters {
			j++
		}
		if j >= len(track) {
			break
		}
		if track[i].Time.IsZero() || track[j].Time.IsZero() {
			continue
		}
		elapsed := track[j].Time.Sub(track[i].Time).Seconds()
		if elapsed <= 0 {
			continue
		}
		if best < 0 || elapsed < best {
			best = elapsed
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RecordsAchievedOn counts a user's records stamped with the given activity
// start time window; summaries use it to count PRs per period.
func (e *Engine) RecordsAchievedOn(ctx context.Context, userID string, from, to time.Time) (int, error) {
	return e.Store.CountPersonalRecordsSince(ctx, userID, from, to)
}
