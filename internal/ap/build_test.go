package ap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/db"
)

func buildTestActivity(visibility string) *db.Activity {
	return &db.Activity{
		ID:              "11111111-2222-3333-4444-555555555555",
		Type:            "RUNNING",
		Title:           "Morning run",
		StartedAt:       time.Date(2025, 11, 27, 14, 49, 9, 0, time.UTC),
		Visibility:      visibility,
		DistanceMeters:  5200,
		DurationSeconds: 1710,
		ElevationGainM:  42,
	}
}

func TestBuildCreateWorkoutPublicAddressing(t *testing.T) {
	actorURI := testBaseURL + "/users/bob"
	hr := 142
	create := BuildCreateWorkout(testBaseURL, actorURI, buildTestActivity(db.VisibilityPublic),
		&db.Metrics{AvgHeartRate: &hr}, WorkoutNoteOptions{
			MapImageURL:     "https://local.test/maps/x.png",
			TrackGeoJSONURL: "https://local.test/tracks/x.geojson",
		})

	assert.Equal(t, "Create", create["type"])
	assert.Equal(t, actorURI, create["actor"])
	assert.Equal(t, []string{PublicURI}, create["to"])
	assert.Equal(t, []string{actorURI + "/followers"}, create["cc"])

	obj, ok := create["object"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Note", obj["type"])
	assert.Equal(t, testBaseURL+"/activities/11111111-2222-3333-4444-555555555555", obj["id"])
	assert.Equal(t, actorURI, obj["attributedTo"])

	wd, ok := obj["workoutData"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 5200.0, wd["distance"])
	assert.Equal(t, 1710.0, wd["duration"])
	assert.Equal(t, "RUNNING", wd["activityType"])
	assert.Equal(t, 142.0, wd["averageHeartRate"])
	// Pace: 1710 s over 5.2 km.
	assert.InDelta(t, 328.8, wd["averagePace"].(float64), 0.1)

	atts, ok := obj["attachment"].([]interface{})
	require.True(t, ok)
	require.Len(t, atts, 2)
	first := atts[0].(map[string]interface{})
	assert.Equal(t, "Image", first["type"])
	second := atts[1].(map[string]interface{})
	assert.Equal(t, "application/geo+json", second["mediaType"])
}

func TestBuildCreateWorkoutFollowersAddressing(t *testing.T) {
	actorURI := testBaseURL + "/users/bob"
	create := BuildCreateWorkout(testBaseURL, actorURI, buildTestActivity(db.VisibilityFollowers), nil, WorkoutNoteOptions{})

	assert.Equal(t, []string{actorURI + "/followers"}, create["to"])
	assert.Nil(t, create["cc"])
}

func TestBuildAcceptShape(t *testing.T) {
	followObj := map[string]interface{}{
		"id":     "https://remote.test/activities/abc",
		"type":   "Follow",
		"actor":  remoteAlice,
		"object": testBaseURL + "/users/bob",
	}
	accept := BuildAccept(followObj, testBaseURL+"/users/bob", remoteAlice)
	assert.Equal(t, "Accept", accept["type"])
	assert.Equal(t, testBaseURL+"/users/bob", accept["actor"])
	assert.Equal(t, followObj, accept["object"])
	assert.Equal(t, []string{remoteAlice}, accept["to"])
}

func TestCommentText(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"<p>Nice run!</p>", "Nice run!"},
		{"<p>one</p><p>two</p>", "one\n\ntwo"},
		{"line<br>break", "line\nbreak"},
		{"<script>alert(1)</script>visible", "visible"},
		{"&amp; &lt;3", "& <3"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, CommentText(tt.in), "input %q", tt.in)
	}
}

func TestIncomingActivityObjectID(t *testing.T) {
	var a IncomingActivity
	a.Object = []byte(`"https://remote.test/notes/1"`)
	assert.Equal(t, "https://remote.test/notes/1", a.ObjectID())

	a.Object = []byte(`{"id":"https://remote.test/notes/2","type":"Note"}`)
	assert.Equal(t, "https://remote.test/notes/2", a.ObjectID())

	a.Object = []byte(`42`)
	assert.Equal(t, "", a.ObjectID())
}

func TestIsLocalID(t *testing.T) {
	assert.True(t, IsLocalID(testBaseURL+"/users/bob", testBaseURL))
	assert.True(t, IsLocalID(testBaseURL, testBaseURL))
	assert.False(t, IsLocalID("https://remote.test/users/alice", testBaseURL))
}

func TestExtractOrigin(t *testing.T) {
	assert.Equal(t, "https://big.instance", extractOrigin("https://big.instance/inbox"))
	assert.Equal(t, "https://big.instance", extractOrigin("https://big.instance"))
}
