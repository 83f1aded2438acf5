package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedtrack/internal/apperr"
)

// Like records that a local user or a remote actor liked an activity.
type Like struct {
	ActivityID     string
	UserID         string
	RemoteActorURI string
	CreatedAt      time.Time
}

// AddLike inserts a like. Duplicate likes surface as Conflict via the unique
// constraint — callers swallow that per the shared-resource policy.
func (s *Store) AddLike(ctx context.Context, l *Like) error {
	if (l.UserID == "") == (l.RemoteActorURI == "") {
		return apperr.New(apperr.Validation, "exactly one of user / remote actor must be set")
	}
	var userID, remoteActorURI any
	if l.UserID != "" {
		userID = l.UserID
	}
	if l.RemoteActorURI != "" {
		remoteActorURI = l.RemoteActorURI
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO likes
		(activity_id, user_id, remote_actor_uri, created_at) VALUES (?, ?, ?, ?)`),
		l.ActivityID, userID, remoteActorURI, now())
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "already liked", err)
	}
	return err
}

// RemoveLike deletes a like keyed by (activity, actor). Undo(Like) handling.
func (s *Store) RemoveLike(ctx context.Context, activityID string, viewer Viewer) error {
	if viewer.UserID != "" {
		_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM likes
			WHERE activity_id = ? AND user_id = ?`), activityID, viewer.UserID)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM likes
		WHERE activity_id = ? AND remote_actor_uri = ?`), activityID, viewer.ActorURI)
	return err
}

// ─── Comments ─────────────────────────────────────────────────────────────────

// Comment is a reply on a local activity. Content is stored already stripped
// of HTML; APID dedups federated re-deliveries.
type Comment struct {
	ID             string
	ActivityID     string
	UserID         string
	RemoteActorURI string
	Content        string
	APID           string
	CreatedAt      time.Time
}

// AddComment inserts a comment. A duplicate ActivityPub id is a Conflict.
func (s *Store) AddComment(ctx context.Context, c *Comment) error {
	if (c.UserID == "") == (c.RemoteActorURI == "") {
		return apperr.New(apperr.Validation, "exactly one of user / remote actor must be set")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var userID, remoteActorURI, apID any
	if c.UserID != "" {
		userID = c.UserID
	}
	if c.RemoteActorURI != "" {
		remoteActorURI = c.RemoteActorURI
	}
	if c.APID != "" {
		apID = c.APID
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO comments
		(id, activity_id, user_id, remote_actor_uri, content, ap_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ActivityID, userID, remoteActorURI, c.Content, apID, now())
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "duplicate comment", err)
	}
	return err
}

// ListComments returns an activity's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, activityID string) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, activity_id, user_id, remote_actor_uri,
		content, ap_id, created_at FROM comments WHERE activity_id = ? ORDER BY created_at ASC`), activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Comment
	for rows.Next() {
		var c Comment
		var userID, remoteActorURI, apID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ActivityID, &userID, &remoteActorURI, &c.Content, &apID, &createdAt); err != nil {
			return nil, err
		}
		c.UserID = userID.String
		c.RemoteActorURI = remoteActorURI.String
		c.APID = apID.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ─── Notifications ────────────────────────────────────────────────────────────

// Notification types.
const (
	NotifyLiked          = "LIKED"
	NotifyCommented      = "COMMENTED"
	NotifyFollowed       = "FOLLOWED"
	NotifyFollowAccepted = "FOLLOW_ACCEPTED"
)

// Notification is a per-user event. Actor display metadata is captured at
// creation time, not joined live.
type Notification struct {
	ID               string
	UserID           string
	Type             string
	ActorDisplayName string
	ActorAvatarURL   string
	ActorURI         string
	ActivityID       string
	Read             bool
	CreatedAt        time.Time
}

// AddNotification inserts a notification row. Best-effort callers log but
// never propagate a failure here.
func (s *Store) AddNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var activityID any
	if n.ActivityID != "" {
		activityID = n.ActivityID
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO notifications
		(id, user_id, type, actor_display_name, actor_avatar_url, actor_uri, activity_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.UserID, n.Type, n.ActorDisplayName, n.ActorAvatarURL, n.ActorURI, activityID, n.Read, now())
	return err
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, user_id, type, actor_display_name,
		actor_avatar_url, actor_uri, activity_id, read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var n Notification
		var activityID sql.NullString
		var createdAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.ActorDisplayName,
			&n.ActorAvatarURL, &n.ActorURI, &activityID, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		n.ActivityID = activityID.String
		n.CreatedAt = parseTime(createdAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flags all of a user's notifications as read.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE notifications SET read = TRUE WHERE user_id = ?`), userID)
	return err
}
