// Package ingest decodes binary FIT and XML GPX workout files into a
// format-agnostic ParsedActivity that downstream stages operate on.
package ingest

import "time"

// IndoorMethod records why an activity was classified as indoor.
type IndoorMethod string

const (
	IndoorNone              IndoorMethod = ""
	IndoorFITSubSport       IndoorMethod = "FIT_SUBSPORT"
	IndoorHeuristicNoGPS    IndoorMethod = "HEURISTIC_NO_GPS"
	IndoorHeuristicStationary IndoorMethod = "HEURISTIC_STATIONARY"
)

// SourceFormat tags which decoder produced a ParsedActivity.
type SourceFormat string

const (
	SourceFIT SourceFormat = "FIT"
	SourceGPX SourceFormat = "GPX"
)

// TrackPoint is one sample of a workout's recorded track.
type TrackPoint struct {
	Timestamp   time.Time
	Latitude    float64
	Longitude   float64
	HasPosition bool
	Elevation   *float64
	HeartRate   *int
	Cadence     *int
	PowerWatts  *int
	SpeedMps    *float64
	TemperatureC *float64
}

// Metrics are the aggregate numbers attached 1:1 to an activity.
type Metrics struct {
	AvgHeartRate *int
	MaxHeartRate *int
	AvgCadence   *int
	MaxCadence   *int
	AvgPowerWatts *int
	MaxPowerWatts *int
	AvgSpeedMps  *float64
	MaxSpeedMps  *float64
	Calories     *int
	MinElevationM *float64
	MaxElevationM *float64
	AvgTemperatureC *float64
}

// ParsedActivity is the normalized output of both decoders in §4.1.
type ParsedActivity struct {
	Source              SourceFormat
	SportType            string
	SubSport             string
	StartedAt            time.Time
	EndedAt              time.Time
	TotalDistanceMeters  float64
	TotalDurationSeconds float64
	ElevationGainM       float64
	ElevationLossM       float64
	Indoor               bool
	IndoorMethod         IndoorMethod
	Track                []TrackPoint
	Metrics              Metrics
}
