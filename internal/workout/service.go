// Package workout runs the upload path: decode a FIT/GPX file, post-process
// the track, persist the activity atomically, then hand off to the
// post-processing pipeline.
package workout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/ingest"
	"github.com/klppl/fedtrack/internal/pipeline"
)

// Service owns the decode-process-save sequence.
type Service struct {
	Store    *db.Store
	Pipeline *pipeline.Pipeline
}

// UploadInput describes one file upload.
type UploadInput struct {
	UserID     string
	FileName   string
	Data       []byte
	Title      string
	Visibility string
	Timezone   string
}

// Upload decodes, post-processes, and saves a workout file, returning the
// stored activity. With opts.SkipSideEffects the pipeline is bypassed
// entirely (batch import rebuilds analytics once afterwards).
func (s *Service) Upload(ctx context.Context, in UploadInput, opts pipeline.Options) (*db.Activity, error) {
	if len(in.Data) == 0 {
		return nil, apperr.New(apperr.Validation, "empty file")
	}
	if in.Visibility == "" {
		in.Visibility = db.VisibilityPrivate
	}

	parsed, err := decode(in.FileName, in.Data)
	if err != nil {
		return nil, err
	}

	a, metrics, err := s.buildActivity(ctx, in, parsed)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SaveActivity(ctx, a, metrics); err != nil {
		return nil, err
	}

	// The activity row is visible before any async stage runs.
	if s.Pipeline != nil {
		s.Pipeline.AfterSave(ctx, a.ID, opts)
	}
	return a, nil
}

// decode picks the decoder by file extension.
func decode(fileName string, data []byte) (*ingest.ParsedActivity, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(fileName), ".fit"):
		return ingest.DecodeFIT(bytes.NewReader(data))
	case strings.HasSuffix(strings.ToLower(fileName), ".gpx"):
		return ingest.DecodeGPX(bytes.NewReader(data))
	default:
		return nil, apperr.New(apperr.Validation, "unsupported file format: "+fileName)
	}
}

// buildActivity converts a ParsedActivity into store rows, applying track
// simplification and the owner's privacy zones.
func (s *Service) buildActivity(ctx context.Context, in UploadInput, parsed *ingest.ParsedActivity) (*db.Activity, *db.Metrics, error) {
	zones, err := s.Store.ListActivePrivacyZones(ctx, in.UserID)
	if err != nil {
		return nil, nil, err
	}
	ingestZones := make([]ingest.PrivacyZone, 0, len(zones))
	for _, z := range zones {
		ingestZones = append(ingestZones, ingest.PrivacyZone{
			CenterLat: z.CenterLat,
			CenterLon: z.CenterLon,
			RadiusM:   z.RadiusM,
			Active:    z.Active,
		})
	}

	metrics := ingest.FillMissingMetrics(parsed.Metrics, parsed.Track)

	var geometry string
	if !parsed.Indoor {
		masked := ingest.MaskPrivacyZones(positioned(parsed.Track), ingestZones)
		simplified := ingest.SimplifyToTarget(masked, ingest.DefaultSimplifyEpsilonMeters, ingest.TargetSimplifiedPoints)
		geometry, err = geometryJSON(simplified)
		if err != nil {
			return nil, nil, err
		}
		if geometry == "" {
			// Every point fell inside a privacy zone; treat the published
			// geometry like an indoor activity's.
			parsed.Indoor = true
			parsed.IndoorMethod = ingest.IndoorHeuristicStationary
		}
	}

	trackJSON, err := trackJSON(parsed.Track)
	if err != nil {
		return nil, nil, err
	}

	title := in.Title
	if title == "" {
		title = fmt.Sprintf("%s on %s", displayType(parsed.SportType), parsed.StartedAt.Format("2006-01-02"))
	}
	timezone := in.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	endedAt := parsed.EndedAt
	if endedAt.Before(parsed.StartedAt) {
		endedAt = parsed.StartedAt
	}

	a := &db.Activity{
		UserID:          in.UserID,
		Type:            normalizeType(parsed.SportType),
		Title:           title,
		StartedAt:       parsed.StartedAt,
		EndedAt:         endedAt,
		Timezone:        timezone,
		Visibility:      in.Visibility,
		DistanceMeters:  parsed.TotalDistanceMeters,
		DurationSeconds: parsed.TotalDurationSeconds,
		ElevationGainM:  parsed.ElevationGainM,
		ElevationLossM:  parsed.ElevationLossM,
		RawFile:         in.Data,
		SourceFormat:    string(parsed.Source),
		Geometry:        geometry,
		TrackJSON:       trackJSON,
		Indoor:          parsed.Indoor,
		IndoorMethod:    string(parsed.IndoorMethod),
		SubSport:        parsed.SubSport,
	}

	dm := &db.Metrics{
		AvgHeartRate:   metrics.AvgHeartRate,
		MaxHeartRate:   metrics.MaxHeartRate,
		AvgCadence:     metrics.AvgCadence,
		MaxCadence:     metrics.MaxCadence,
		AvgPower:       metrics.AvgPowerWatts,
		MaxPower:       metrics.MaxPowerWatts,
		AvgSpeedMps:    metrics.AvgSpeedMps,
		MaxSpeedMps:    metrics.MaxSpeedMps,
		Calories:       metrics.Calories,
		MinElevationM:  metrics.MinElevationM,
		MaxElevationM:  metrics.MaxElevationM,
		AvgTemperature: metrics.AvgTemperatureC,
	}
	return a, dm, nil
}

// positioned filters to points that carry GPS coordinates.
func positioned(track []ingest.TrackPoint) []ingest.TrackPoint {
	out := make([]ingest.TrackPoint, 0, len(track))
	for _, p := range track {
		if p.HasPosition {
			out = append(out, p)
		}
	}
	return out
}

// geometryJSON renders the simplified track as a GeoJSON LineString
// (lon/lat order, WGS84). Returns "" for fewer than two points.
func geometryJSON(track []ingest.TrackPoint) (string, error) {
	if len(track) < 2 {
		return "", nil
	}
	coords := make([][2]float64, 0, len(track))
	for _, p := range track {
		coords = append(coords, [2]float64{p.Longitude, p.Latitude})
	}
	data, err := json.Marshal(map[string]any{
		"type":        "LineString",
		"coordinates": coords,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// trackJSON serialises the full-resolution track for storage.
func trackJSON(track []ingest.TrackPoint) (string, error) {
	pts := make([]db.StoredTrackPoint, 0, len(track))
	for _, p := range track {
		sp := db.StoredTrackPoint{
			Time:      p.Timestamp,
			Elevation: p.Elevation,
			HeartRate: p.HeartRate,
			Cadence:   p.Cadence,
			Power:     p.PowerWatts,
			Speed:     p.SpeedMps,
			Temp:      p.TemperatureC,
		}
		if p.HasPosition {
			sp.Lat = p.Latitude
			sp.Lon = p.Longitude
		}
		pts = append(pts, sp)
	}
	return db.EncodeTrack(pts)
}

// normalizeType maps decoder sport names onto the activity-type enum.
func normalizeType(sport string) string {
	switch strings.ToLower(sport) {
	case "running", "run":
		return "RUNNING"
	case "cycling", "biking", "ride":
		return "RIDING"
	case "hiking", "hike":
		return "HIKING"
	case "walking", "walk":
		return "WALKING"
	case "swimming", "swim":
		return "SWIMMING"
	case "rowing":
		return "ROWING"
	case "":
		return "OTHER"
	default:
		return strings.ToUpper(sport)
	}
}

func displayType(sport string) string {
	t := normalizeType(sport)
	return strings.ToUpper(t[:1]) + strings.ToLower(t[1:])
}

// ParseStartLocal returns the activity's start in its stored timezone, the
// representation user-facing timestamps render with.
func ParseStartLocal(a *db.Activity) time.Time {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return a.StartedAt
	}
	return a.StartedAt.In(loc)
}
