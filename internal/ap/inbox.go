package ap

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/db"
)

// Processor dispatches verified inbound activities to per-type handlers.
// The HTTP layer has already checked the signature; every handler here is
// idempotent because the protocol guarantees re-delivery.
type Processor struct {
	BaseURL  string
	Store    *db.Store
	Resolver *Resolver
	Outbox   *Dispatcher
}

// Process handles one inbound activity addressed to recipient.
func (p *Processor) Process(ctx context.Context, recipient *db.User, raw json.RawMessage) error {
	var activity IncomingActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return apperr.Wrap(apperr.Validation, "unmarshal activity", err)
	}

	slog.Debug("handling inbound activity",
		"id", activity.ID,
		"type", activity.Type,
		"actor", activity.Actor,
		"recipient", recipient.Username,
	)

	switch activity.Type {
	case "Follow":
		return p.handleFollow(ctx, recipient, activity)
	case "Undo":
		return p.handleUndo(ctx, recipient, activity)
	case "Accept":
		return p.handleAccept(ctx, recipient, activity)
	case "Create":
		return p.handleCreate(ctx, recipient, activity)
	case "Like":
		return p.handleLike(ctx, recipient, activity)
	case "Delete":
		return p.handleDelete(ctx, recipient, activity)
	default:
		// Unknown types are logged and ignored for forward-compatibility.
		slog.Debug("unhandled activity type", "type", activity.Type)
		return nil
	}
}

func (p *Processor) actorURI(username string) string {
	return p.BaseURL + "/users/" + username
}

// localActivityID extracts the uuid from a local activity URI, or "" when
// the URI points elsewhere.
func (p *Processor) localActivityID(uri string) string {
	prefix := p.BaseURL + "/activities/"
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	return strings.TrimPrefix(uri, prefix)
}

func (p *Processor) handleFollow(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	followedURI := activity.ObjectID()
	if followedURI != p.actorURI(recipient.Username) {
		return apperr.New(apperr.Validation, "follow object does not match recipient")
	}

	// Idempotency: a replayed Follow with a known activity id is a no-op —
	// no new row and no second Accept.
	if activity.ID != "" {
		if _, err := p.Store.GetFollowByActivityID(ctx, activity.ID); err == nil {
			slog.Debug("duplicate follow ignored", "id", activity.ID)
			return nil
		}
	}

	sender, err := p.Resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return err
	}

	// Auto-accept policy: the follow is stored ACCEPTED immediately.
	err = p.Store.CreateFollow(ctx, &db.Follow{
		RemoteActorURI: sender.ActorURI,
		FollowingURI:   followedURI,
		Status:         db.FollowAccepted,
		ActivityID:     activity.ID,
	})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			// Same follower, different activity id: already following.
			return nil
		}
		return err
	}

	followObj := map[string]interface{}{
		"id":     activity.ID,
		"type":   "Follow",
		"actor":  activity.Actor,
		"object": followedURI,
	}
	accept := BuildAccept(followObj, followedURI, sender.ActorURI)

	senderIdentity, err := SenderForUser(p.BaseURL, recipient)
	if err != nil {
		return err
	}
	if err := p.Outbox.DeliverToActor(ctx, sender.ActorURI, accept, senderIdentity); err != nil {
		slog.Warn("failed to deliver Accept", "actor", sender.ActorURI, "error", err)
	}

	p.notify(ctx, recipient.ID, db.NotifyFollowed, sender, "")
	return nil
}

func (p *Processor) handleUndo(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	var inner IncomingActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		return apperr.Wrap(apperr.Validation, "parse undo object", err)
	}

	switch inner.Type {
	case "Follow":
		if inner.ID != "" {
			return p.Store.DeleteFollowByActivityID(ctx, inner.ID)
		}
		return p.Store.DeleteFollow(ctx, db.Viewer{ActorURI: activity.Actor}, p.actorURI(recipient.Username))
	case "Like":
		activityID := p.localActivityID(inner.ObjectID())
		if activityID == "" {
			return nil
		}
		return p.Store.RemoveLike(ctx, activityID, db.Viewer{ActorURI: activity.Actor})
	default:
		slog.Debug("unhandled undo object type", "type", inner.Type)
		return nil
	}
}

func (p *Processor) handleAccept(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	var inner IncomingActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		return apperr.Wrap(apperr.Validation, "parse accept object", err)
	}
	if inner.Type != "" && inner.Type != "Follow" {
		return nil
	}
	if inner.ID == "" {
		return nil
	}

	follow, err := p.Store.GetFollowByActivityID(ctx, inner.ID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			slog.Debug("accept for unknown follow", "id", inner.ID)
			return nil
		}
		return err
	}
	// Only the followed actor may accept. PENDING → ACCEPTED is idempotent.
	if follow.FollowingURI != activity.Actor {
		return apperr.New(apperr.Validation, "accept from wrong actor")
	}
	if err := p.Store.AcceptFollow(ctx, follow.ID); err != nil {
		return err
	}

	if follow.FollowerUserID != "" {
		if sender, err := p.Resolver.Resolve(ctx, activity.Actor); err == nil {
			p.notify(ctx, follow.FollowerUserID, db.NotifyFollowAccepted, sender, "")
		}
	}
	return nil
}

func (p *Processor) handleCreate(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	var objMap map[string]interface{}
	if err := json.Unmarshal(activity.Object, &objMap); err != nil {
		return apperr.Wrap(apperr.Validation, "parse create object", err)
	}
	if getString(objMap, "type") != "Note" {
		return nil
	}

	if inReplyTo := getString(objMap, "inReplyTo"); inReplyTo != "" {
		return p.handleReplyNote(ctx, recipient, activity, objMap, inReplyTo)
	}
	return p.handleWorkoutNote(ctx, recipient, activity, objMap)
}

// handleReplyNote stores a federated comment on a local activity.
func (p *Processor) handleReplyNote(ctx context.Context, recipient *db.User, activity IncomingActivity, objMap map[string]interface{}, inReplyTo string) error {
	activityID := p.localActivityID(inReplyTo)
	if activityID == "" {
		return nil
	}
	target, err := p.Store.GetActivity(ctx, activityID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}

	err = p.Store.AddComment(ctx, &db.Comment{
		ActivityID:     activityID,
		RemoteActorURI: activity.Actor,
		Content:        CommentText(getString(objMap, "content")),
		APID:           getString(objMap, "id"),
	})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			// Re-delivered Note; the ap_id dedup already holds it.
			return nil
		}
		return err
	}

	if sender, err := p.Resolver.Resolve(ctx, activity.Actor); err == nil {
		p.notify(ctx, target.UserID, db.NotifyCommented, sender, activityID)
	}
	return nil
}

// handleWorkoutNote upserts a remote workout post for timeline merging.
// Posts from actors the recipient does not follow (ACCEPTED) are ignored.
func (p *Processor) handleWorkoutNote(ctx context.Context, recipient *db.User, activity IncomingActivity, objMap map[string]interface{}) error {
	follows, err := p.Store.HasAcceptedFollow(ctx, db.Viewer{UserID: recipient.ID}, activity.Actor)
	if err != nil {
		return err
	}
	if !follows {
		slog.Debug("workout note from unfollowed actor ignored", "actor", activity.Actor)
		return nil
	}

	noteURI := getString(objMap, "id")
	if noteURI == "" {
		return apperr.New(apperr.Validation, "note without id")
	}

	visibility := db.VisibilityFollowers
	if activity.IsPublic() || noteIsPublic(objMap) {
		visibility = db.VisibilityPublic
	}

	remote := &db.RemoteActivity{
		ActivityURI: noteURI,
		ActorURI:    activity.Actor,
		Content:     CommentText(getString(objMap, "content")),
		Visibility:  visibility,
	}
	if published := getString(objMap, "published"); published != "" {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			remote.Published = t.UTC()
			started := t.UTC()
			remote.StartedAt = &started
		}
	}

	if wd, ok := objMap["workoutData"].(map[string]interface{}); ok {
		if v := getFloat(wd, "distance"); v > 0 {
			remote.Distance = &v
		}
		if v := getFloat(wd, "duration"); v > 0 {
			remote.DurationSeconds = &v
		}
		if v := getFloat(wd, "averagePace"); v > 0 {
			remote.AveragePace = &v
		}
		if v := getFloat(wd, "elevationGain"); v > 0 {
			remote.ElevationGain = &v
		}
		if v := getFloat(wd, "averageHeartRate"); v > 0 {
			remote.AverageHeartRate = &v
		}
		remote.ActivityType = getString(wd, "activityType")
	}

	if atts, ok := objMap["attachment"].([]interface{}); ok {
		for _, att := range atts {
			a, ok := att.(map[string]interface{})
			if !ok {
				continue
			}
			switch {
			case getString(a, "type") == "Image" && remote.MapImageURL == "":
				remote.MapImageURL = getString(a, "url")
			case getString(a, "mediaType") == "application/geo+json" && remote.TrackGeoJSONURL == "":
				remote.TrackGeoJSONURL = getString(a, "url")
			}
		}
	}

	// The raw recipient lists are retained so visibility can be re-derived
	// later without re-fetching the Note.
	if to, err := json.Marshal(activity.To); err == nil {
		remote.ToJSON = string(to)
	}
	if cc, err := json.Marshal(activity.CC); err == nil {
		remote.CCJSON = string(cc)
	}

	return p.Store.UpsertRemoteActivity(ctx, remote)
}

func noteIsPublic(objMap map[string]interface{}) bool {
	for _, key := range []string{"to", "cc"} {
		switch v := objMap[key].(type) {
		case string:
			if v == PublicURI {
				return true
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok && s == PublicURI {
					return true
				}
			}
		}
	}
	return false
}

func (p *Processor) handleLike(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	activityID := p.localActivityID(activity.ObjectID())
	if activityID == "" {
		return nil
	}
	target, err := p.Store.GetActivity(ctx, activityID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}

	err = p.Store.AddLike(ctx, &db.Like{
		ActivityID:     activityID,
		RemoteActorURI: activity.Actor,
	})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			// Duplicate like on re-delivery; the unique constraint holds it.
			return nil
		}
		return err
	}

	if sender, err := p.Resolver.Resolve(ctx, activity.Actor); err == nil {
		p.notify(ctx, target.UserID, db.NotifyLiked, sender, activityID)
	}
	return nil
}

func (p *Processor) handleDelete(ctx context.Context, recipient *db.User, activity IncomingActivity) error {
	objectURI := activity.ObjectID()
	if objectURI == "" {
		return nil
	}
	if objectURI == activity.Actor {
		// The actor deleted itself: drop it and everything it authored.
		return p.Store.DeleteRemoteActor(ctx, objectURI)
	}
	// A single object: only the sender may delete its own post.
	return p.Store.DeleteRemoteActivity(ctx, objectURI, activity.Actor)
}

// notify records a notification with the actor's display metadata captured
// now, not joined live. Best-effort: failures are logged, never propagated.
func (p *Processor) notify(ctx context.Context, userID, notifType string, actor *db.RemoteActor, activityID string) {
	displayName := actor.DisplayName
	if displayName == "" {
		displayName = actor.PreferredUsername
	}
	err := p.Store.AddNotification(ctx, &db.Notification{
		UserID:           userID,
		Type:             notifType,
		ActorDisplayName: displayName,
		ActorAvatarURL:   actor.AvatarURL,
		ActorURI:         actor.ActorURI,
		ActivityID:       activityID,
	})
	if err != nil {
		slog.Warn("failed to store notification", "user", userID, "type", notifType, "error", err)
	}
}
