package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/apperr"
)

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test">
  <trk><name>Morning run</name><trkseg>
    <trkpt lat="49.9900" lon="8.2600">
      <ele>100</ele><time>2025-11-27T14:49:09Z</time>
      <extensions><TrackPointExtension><hr>120</hr><cad>80</cad></TrackPointExtension></extensions>
    </trkpt>
    <trkpt lat="49.9950" lon="8.2600">
      <ele>110</ele><time>2025-11-27T14:54:09Z</time>
      <extensions><TrackPointExtension><hr>140</hr><cad>84</cad></TrackPointExtension></extensions>
    </trkpt>
    <trkpt lat="50.0000" lon="8.2600">
      <ele>105</ele><time>2025-11-27T14:59:09Z</time>
      <extensions><TrackPointExtension><hr>150</hr><cad>86</cad></TrackPointExtension></extensions>
    </trkpt>
  </trkseg></trk>
</gpx>`

func TestDecodeGPX(t *testing.T) {
	parsed, err := DecodeGPX(strings.NewReader(sampleGPX))
	require.NoError(t, err)

	assert.Equal(t, SourceGPX, parsed.Source)
	require.Len(t, parsed.Track, 3)
	assert.False(t, parsed.Indoor)

	// Two ~556 m legs of latitude.
	assert.InDelta(t, 1112, parsed.TotalDistanceMeters, 30)
	assert.InDelta(t, 600, parsed.TotalDurationSeconds, 0.1)
	assert.InDelta(t, 10, parsed.ElevationGainM, 0.01)
	assert.InDelta(t, 5, parsed.ElevationLossM, 0.01)

	require.NotNil(t, parsed.Metrics.AvgHeartRate)
	assert.Equal(t, (120+140+150)/3, *parsed.Metrics.AvgHeartRate)
	require.NotNil(t, parsed.Metrics.MaxHeartRate)
	assert.Equal(t, 150, *parsed.Metrics.MaxHeartRate)
	require.NotNil(t, parsed.Metrics.AvgCadence)
	assert.Equal(t, (80+84+86)/3, *parsed.Metrics.AvgCadence)
	require.NotNil(t, parsed.Metrics.MaxCadence)
	assert.Equal(t, 86, *parsed.Metrics.MaxCadence)
	require.NotNil(t, parsed.Metrics.MinElevationM)
	assert.Equal(t, 100.0, *parsed.Metrics.MinElevationM)
	require.NotNil(t, parsed.Metrics.MaxElevationM)
	assert.Equal(t, 110.0, *parsed.Metrics.MaxElevationM)
}

func TestDecodeGPXStationary(t *testing.T) {
	const stationary = `<?xml version="1.0"?><gpx><trk><trkseg>
		<trkpt lat="49.99000" lon="8.26000"><time>2025-11-27T14:49:09Z</time></trkpt>
		<trkpt lat="49.99001" lon="8.26001"><time>2025-11-27T14:50:09Z</time></trkpt>
		<trkpt lat="49.99002" lon="8.26000"><time>2025-11-27T14:51:09Z</time></trkpt>
	</trkseg></trk></gpx>`

	parsed, err := DecodeGPX(strings.NewReader(stationary))
	require.NoError(t, err)
	assert.True(t, parsed.Indoor)
	assert.Equal(t, IndoorHeuristicStationary, parsed.IndoorMethod)
}

func TestDecodeGPXNoPoints(t *testing.T) {
	_, err := DecodeGPX(strings.NewReader(`<?xml version="1.0"?><gpx></gpx>`))
	require.Error(t, err)
	assert.Equal(t, apperr.ParseError, apperr.KindOf(err))
}

func TestDecodeGPXMalformed(t *testing.T) {
	_, err := DecodeGPX(strings.NewReader(`<gpx><trk><trkpt lat="x"`))
	require.Error(t, err)
	assert.Equal(t, apperr.ParseError, apperr.KindOf(err))
}
