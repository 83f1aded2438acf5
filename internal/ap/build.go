package ap

import (
	"fmt"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// BuildAccept wraps an inbound Follow in an Accept addressed to the follower.
func BuildAccept(followActivity map[string]interface{}, localActorURI, followerURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": DefaultContext,
		"id":       localActorURI + "#accept-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		"type":     "Accept",
		"actor":    localActorURI,
		"object":   followActivity,
		"to":       []string{followerURI},
	}
}

// BuildFollow is the outbound Follow a local user sends to a remote actor.
// The id doubles as the follow row's activity id so the remote Accept can be
// matched back.
func BuildFollow(followID, localActorURI, remoteActorURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": DefaultContext,
		"id":       followID,
		"type":     "Follow",
		"actor":    localActorURI,
		"object":   remoteActorURI,
		"to":       []string{remoteActorURI},
	}
}

// BuildUndoFollow revokes a previously-sent Follow.
func BuildUndoFollow(followID, localActorURI, remoteActorURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": DefaultContext,
		"id":       followID + "#undo",
		"type":     "Undo",
		"actor":    localActorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  localActorURI,
			"object": remoteActorURI,
		},
		"to": []string{remoteActorURI},
	}
}

// BuildDeleteActor is emitted before an account is removed so remote
// instances drop the actor and everything attributed to it.
func BuildDeleteActor(localActorURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": DefaultContext,
		"id":       localActorURI + "#delete",
		"type":     "Delete",
		"actor":    localActorURI,
		"object":   localActorURI,
		"to":       []string{PublicURI},
	}
}

// BuildDeleteActivity announces removal of a single workout Note.
func BuildDeleteActivity(localActorURI, activityURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": DefaultContext,
		"id":       activityURI + "#delete",
		"type":     "Delete",
		"actor":    localActorURI,
		"object":   activityURI,
		"to":       []string{PublicURI},
		"cc":       []string{localActorURI + "/followers"},
	}
}

// WorkoutNoteOptions carries the attachment URLs the share renderer produced.
type WorkoutNoteOptions struct {
	MapImageURL     string
	TrackGeoJSONURL string
}

// BuildCreateWorkout wraps a local activity in a Create/Note carrying the
// workoutData extension. Addressing follows the activity's visibility:
// PUBLIC goes to the public collection with followers cc'd, FOLLOWERS goes
// to the followers collection only.
func BuildCreateWorkout(baseURL, localActorURI string, a *db.Activity, m *db.Metrics, opts WorkoutNoteOptions) map[string]interface{} {
	activityURI := baseURL + "/activities/" + a.ID
	published := a.StartedAt.UTC().Format(time.RFC3339)

	var to, cc []string
	switch a.Visibility {
	case db.VisibilityPublic:
		to = []string{PublicURI}
		cc = []string{localActorURI + "/followers"}
	default:
		to = []string{localActorURI + "/followers"}
	}

	wd := &WorkoutData{
		Distance:      a.DistanceMeters,
		Duration:      a.DurationSeconds,
		ActivityType:  a.Type,
		ElevationGain: a.ElevationGainM,
	}
	if a.DistanceMeters > 0 && a.DurationSeconds > 0 {
		// Pace in seconds per kilometre.
		wd.AveragePace = a.DurationSeconds / (a.DistanceMeters / 1000)
	}
	if m != nil && m.AvgHeartRate != nil {
		wd.AverageHeartRate = float64(*m.AvgHeartRate)
	}

	var attachments []Attachment
	if opts.MapImageURL != "" {
		attachments = append(attachments, Attachment{
			Type: "Image",
			URL:  opts.MapImageURL,
			Name: "Route map",
		})
	}
	if opts.TrackGeoJSONURL != "" {
		attachments = append(attachments, Attachment{
			Type:      "Document",
			MediaType: "application/geo+json",
			URL:       opts.TrackGeoJSONURL,
		})
	}

	note := Note{
		ID:           activityURI,
		Type:         "Note",
		AttributedTo: localActorURI,
		Content:      workoutContent(a),
		Published:    published,
		To:           to,
		CC:           cc,
		Attachment:   attachments,
		WorkoutData:  wd,
	}

	create := map[string]interface{}{
		"@context":  DefaultContext,
		"id":        activityURI + "#create",
		"type":      "Create",
		"actor":     localActorURI,
		"published": published,
		"to":        to,
		"cc":        cc,
		"object":    noteToMap(note),
	}
	return create
}

func noteToMap(n Note) map[string]interface{} {
	m := WithContext(n)
	// The embedded object inherits the activity's @context.
	delete(m, "@context")
	return m
}

// workoutContent renders the human-readable fallback text plain Fediverse
// servers display.
func workoutContent(a *db.Activity) string {
	title := a.Title
	if title == "" {
		title = a.Type
	}
	text := fmt.Sprintf("<p>%s</p><p>%.2f km in %s</p>",
		title, a.DistanceMeters/1000, formatDuration(a.DurationSeconds))
	if a.Description != "" {
		text += "<p>" + a.Description + "</p>"
	}
	return text
}

func formatDuration(seconds float64) string {
	s := int(seconds)
	h := s / 3600
	m := (s % 3600) / 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm %02ds", m, s%60)
}
