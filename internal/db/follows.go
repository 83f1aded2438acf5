package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedtrack/internal/apperr"
)

// Follow statuses.
const (
	FollowPending  = "PENDING"
	FollowAccepted = "ACCEPTED"
)

// Follow links a follower (exactly one of a local user id or a remote actor
// URI) to a followed actor URI. ActivityID records the originating Follow
// activity for idempotent replay and Undo-by-id.
type Follow struct {
	ID             string
	FollowerUserID string
	RemoteActorURI string
	FollowingURI   string
	Status         string
	ActivityID     string
	CreatedAt      time.Time
}

func scanFollow(row interface{ Scan(...any) error }) (*Follow, error) {
	var f Follow
	var followerUserID, remoteActorURI, activityID sql.NullString
	var createdAt string
	err := row.Scan(&f.ID, &followerUserID, &remoteActorURI, &f.FollowingURI,
		&f.Status, &activityID, &createdAt)
	if err != nil {
		return nil, err
	}
	f.FollowerUserID = followerUserID.String
	f.RemoteActorURI = remoteActorURI.String
	f.ActivityID = activityID.String
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

const followColumns = `id, follower_user_id, remote_actor_uri, following_uri, status, activity_id, created_at`

// CreateFollow inserts a follow row. Exactly one of FollowerUserID /
// RemoteActorURI must be set; duplicate pairs surface as Conflict.
func (s *Store) CreateFollow(ctx context.Context, f *Follow) error {
	if (f.FollowerUserID == "") == (f.RemoteActorURI == "") {
		return apperr.New(apperr.Validation, "exactly one of follower user / remote actor must be set")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	var followerUserID, remoteActorURI, activityID any
	if f.FollowerUserID != "" {
		followerUserID = f.FollowerUserID
	}
	if f.RemoteActorURI != "" {
		remoteActorURI = f.RemoteActorURI
	}
	if f.ActivityID != "" {
		activityID = f.ActivityID
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO follows
		(id, follower_user_id, remote_actor_uri, following_uri, status, activity_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.ID, followerUserID, remoteActorURI, f.FollowingURI, f.Status, activityID, now())
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "already following", err)
	}
	return err
}

// GetFollowByActivityID returns the follow created by a given Follow
// activity, if any. Drives inbox idempotency and Undo handling.
func (s *Store) GetFollowByActivityID(ctx context.Context, activityID string) (*Follow, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+followColumns+` FROM follows WHERE activity_id = ?`), activityID)
	f, err := scanFollow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "follow not found")
	}
	return f, err
}

// GetFollow looks up a follow by the follower side and the followed URI.
func (s *Store) GetFollow(ctx context.Context, viewer Viewer, followingURI string) (*Follow, error) {
	var row *sql.Row
	if viewer.UserID != "" {
		row = s.db.QueryRowContext(ctx, s.q(`SELECT `+followColumns+` FROM follows
			WHERE follower_user_id = ? AND following_uri = ?`), viewer.UserID, followingURI)
	} else {
		row = s.db.QueryRowContext(ctx, s.q(`SELECT `+followColumns+` FROM follows
			WHERE remote_actor_uri = ? AND following_uri = ?`), viewer.ActorURI, followingURI)
	}
	f, err := scanFollow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "follow not found")
	}
	return f, err
}

// HasAcceptedFollow reports whether the viewer follows followingURI with
// status ACCEPTED.
func (s *Store) HasAcceptedFollow(ctx context.Context, viewer Viewer, followingURI string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM follows
		WHERE following_uri = ? AND status = 'ACCEPTED'
		  AND (follower_user_id = ? OR remote_actor_uri = ?)`),
		followingURI, viewer.UserID, viewer.ActorURI).Scan(&n)
	return n > 0, err
}

// AcceptFollow transitions a PENDING follow to ACCEPTED. Idempotent: an
// already-ACCEPTED row is left untouched and no error is returned.
func (s *Store) AcceptFollow(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE follows SET status = 'ACCEPTED' WHERE id = ?`), id)
	return err
}

// DeleteFollowByActivityID removes the follow created by the given Follow
// activity. Undo(Follow) handling.
func (s *Store) DeleteFollowByActivityID(ctx context.Context, activityID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM follows WHERE activity_id = ?`), activityID)
	return err
}

// DeleteFollow removes a follow by the follower side and the followed URI.
func (s *Store) DeleteFollow(ctx context.Context, viewer Viewer, followingURI string) error {
	if viewer.UserID != "" {
		_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM follows
			WHERE follower_user_id = ? AND following_uri = ?`), viewer.UserID, followingURI)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM follows
		WHERE remote_actor_uri = ? AND following_uri = ?`), viewer.ActorURI, followingURI)
	return err
}

// GetAcceptedFollowerURIs returns the remote actor URIs of everyone following
// the given local actor with status ACCEPTED. Local followers have no inbox
// to deliver to and are excluded.
func (s *Store) GetAcceptedFollowerURIs(ctx context.Context, actorURI string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT remote_actor_uri FROM follows
		WHERE following_uri = ? AND status = 'ACCEPTED' AND remote_actor_uri IS NOT NULL`), actorURI)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// CountFollowers returns the number of ACCEPTED followers of a local actor.
func (s *Store) CountFollowers(ctx context.Context, actorURI string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM follows
		WHERE following_uri = ? AND status = 'ACCEPTED'`), actorURI).Scan(&n)
	return n, err
}

// ListFollowerURIs returns every follower of a local actor (remote URIs and,
// for local followers, their derived actor URIs) for the followers collection.
func (s *Store) ListFollowerURIs(ctx context.Context, actorURI string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT
			COALESCE(f.remote_actor_uri, ? || '/users/' || u.username)
		FROM follows f
		LEFT JOIN users u ON u.id = f.follower_user_id
		WHERE f.following_uri = ? AND f.status = 'ACCEPTED'
		ORDER BY f.created_at DESC`), s.baseURL, actorURI)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ListUserIDsFollowing returns the local user ids following the given actor
// with status ACCEPTED. The shared inbox uses this to route workout posts
// that aren't addressed to a specific local user.
func (s *Store) ListUserIDsFollowing(ctx context.Context, actorURI string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT follower_user_id FROM follows
		WHERE following_uri = ? AND status = 'ACCEPTED' AND follower_user_id IS NOT NULL`), actorURI)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ListFollowingURIs returns every actor URI a local user follows, with the
// given status filter ("" for any).
func (s *Store) ListFollowingURIs(ctx context.Context, userID, status string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT following_uri FROM follows
			WHERE follower_user_id = ? ORDER BY created_at DESC`), userID)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT following_uri FROM follows
			WHERE follower_user_id = ? AND status = ? ORDER BY created_at DESC`), userID, status)
	}
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}
