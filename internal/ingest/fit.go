package ingest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tormoder/fit"

	"github.com/klppl/fedtrack/internal/apperr"
)

// fitEpochOffset is the number of seconds between the Unix epoch and the
// FIT epoch (1989-12-31T00:00:00Z), per the FIT protocol spec.
const fitEpochOffset = 631065600

// semicircleScale converts FIT semicircle units to degrees: 180 / 2^31.
const semicircleScale = 180.0 / (1 << 31)

// EpochToTime converts a raw FIT uint32 timestamp (seconds since the FIT
// epoch) to an absolute UTC time. Exposed standalone so the epoch
// round-trip property can be tested without decoding a full file.
func EpochToTime(raw uint32) time.Time {
	return time.Unix(int64(raw)+fitEpochOffset, 0).UTC()
}

// TimeToEpoch is the inverse of EpochToTime.
func TimeToEpoch(t time.Time) uint32 {
	return uint32(t.UTC().Unix() - fitEpochOffset)
}

func semicirclesToDegrees(v int32) float64 {
	return float64(v) * semicircleScale
}

// safePositive filters the NaN that tormoder/fit's scaled getters return for
// invalid fields, and clamps negatives to zero.
func safePositive(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

var indoorSubSports = []string{"indoor_cycling", "treadmill", "virtual_activity", "trainer", "indoorcycling", "virtualactivity"}

// DecodeFIT parses a FIT binary stream into a ParsedActivity, per §4.1.
func DecodeFIT(r io.Reader) (*ParsedActivity, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.ParseError, "fit: invalid or truncated file", err)
	}

	act, err := decoded.Activity()
	if err != nil {
		return nil, apperr.Wrap(apperr.ParseError, "fit: not an activity file", err)
	}
	if len(act.Sessions) == 0 {
		return nil, apperr.New(apperr.ParseError, "fit: no session message")
	}

	session := act.Sessions[0]
	parsed := &ParsedActivity{
		Source:   SourceFIT,
		SportType: fmt.Sprint(session.Sport),
		SubSport:  fmt.Sprint(session.SubSport),
	}

	parsed.TotalDistanceMeters = safePositive(session.GetTotalDistanceScaled())
	parsed.TotalDurationSeconds = safePositive(session.GetTotalTimerTimeScaled())
	if session.TotalAscent != 0xFFFF {
		parsed.ElevationGainM = float64(session.TotalAscent)
	}
	if session.TotalDescent != 0xFFFF {
		parsed.ElevationLossM = float64(session.TotalDescent)
	}

	parsed.StartedAt = session.StartTime
	parsed.EndedAt = session.Timestamp
	if parsed.EndedAt.Before(parsed.StartedAt) || parsed.EndedAt.IsZero() {
		parsed.EndedAt = parsed.StartedAt.Add(time.Duration(parsed.TotalDurationSeconds) * time.Second)
	}

	parsed.Track = make([]TrackPoint, 0, len(act.Records))
	var hasAnyGPS bool
	for _, rec := range act.Records {
		if rec == nil {
			continue
		}
		tp := TrackPoint{Timestamp: rec.Timestamp}

		if !rec.PositionLat.Invalid() && !rec.PositionLong.Invalid() {
			tp.Latitude = semicirclesToDegrees(rec.PositionLat.Semicircles())
			tp.Longitude = semicirclesToDegrees(rec.PositionLong.Semicircles())
			tp.HasPosition = true
			hasAnyGPS = true
		}

		if v := rec.GetAltitudeScaled(); !math.IsNaN(v) {
			tp.Elevation = &v
		}
		if rec.HeartRate != 0xFF {
			v := int(rec.HeartRate)
			tp.HeartRate = &v
		}
		if rec.Cadence != 0xFF {
			v := int(rec.Cadence)
			tp.Cadence = &v
		}
		if rec.Power != 0xFFFF {
			v := int(rec.Power)
			tp.PowerWatts = &v
		}
		if v := rec.GetSpeedScaled(); !math.IsNaN(v) {
			tp.SpeedMps = &v
		}
		// Temperature is int8 degrees C; 0x7F is invalid.
		if rec.Temperature != 0x7F {
			v := float64(rec.Temperature)
			tp.TemperatureC = &v
		}

		parsed.Track = append(parsed.Track, tp)
	}

	sort.Slice(parsed.Track, func(i, j int) bool { return parsed.Track[i].Timestamp.Before(parsed.Track[j].Timestamp) })

	parsed.Indoor, parsed.IndoorMethod = classifyFITIndoor(parsed.SubSport, hasAnyGPS)
	parsed.Metrics = fitMetrics(session, parsed.Track)

	return parsed, nil
}

func classifyFITIndoor(subSport string, hasAnyGPS bool) (bool, IndoorMethod) {
	lower := strings.ToLower(subSport)
	for _, s := range indoorSubSports {
		if strings.Contains(lower, s) {
			return true, IndoorFITSubSport
		}
	}
	if !hasAnyGPS {
		return true, IndoorHeuristicNoGPS
	}
	return false, IndoorNone
}

func fitMetrics(session *fit.SessionMsg, track []TrackPoint) Metrics {
	m := Metrics{}
	if session.AvgHeartRate != 0xFF {
		v := int(session.AvgHeartRate)
		m.AvgHeartRate = &v
	}
	if session.MaxHeartRate != 0xFF {
		v := int(session.MaxHeartRate)
		m.MaxHeartRate = &v
	}
	if session.AvgCadence != 0xFF {
		v := int(session.AvgCadence)
		m.AvgCadence = &v
	}
	if session.MaxCadence != 0xFF {
		v := int(session.MaxCadence)
		m.MaxCadence = &v
	}
	if session.AvgPower != 0xFFFF {
		v := int(session.AvgPower)
		m.AvgPowerWatts = &v
	}
	if session.MaxPower != 0xFFFF {
		v := int(session.MaxPower)
		m.MaxPowerWatts = &v
	}
	if session.TotalCalories != 0xFFFF {
		v := int(session.TotalCalories)
		m.Calories = &v
	}
	if avg := safePositive(session.GetAvgSpeedScaled()); avg > 0 {
		m.AvgSpeedMps = &avg
	}
	if max := safePositive(session.GetMaxSpeedScaled()); max > 0 {
		m.MaxSpeedMps = &max
	}

	var minEle, maxEle = math.MaxFloat64, -math.MaxFloat64
	var haveEle bool
	var tempSum float64
	var tempN int
	for _, tp := range track {
		if tp.Elevation != nil {
			haveEle = true
			if *tp.Elevation < minEle {
				minEle = *tp.Elevation
			}
			if *tp.Elevation > maxEle {
				maxEle = *tp.Elevation
			}
		}
		if tp.TemperatureC != nil {
			tempSum += *tp.TemperatureC
			tempN++
		}
	}
	if haveEle {
		m.MinElevationM = &minEle
		m.MaxElevationM = &maxEle
	}
	if tempN > 0 {
		avg := tempSum / float64(tempN)
		m.AvgTemperatureC = &avg
	}
	return m
}
