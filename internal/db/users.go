package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedtrack/internal/apperr"
)

// User is a local account. The RSA keypair is generated eagerly at
// registration so the actor document can always publish a public key.
type User struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	DisplayName   string
	AvatarURL     string
	PublicKeyPEM  string
	PrivateKeyPEM string
	Enabled       bool
	Locked        bool
	CreatedAt     time.Time
}

const userColumns = `id, username, email, password_hash, display_name, avatar_url,
	public_key_pem, private_key_pem, enabled, locked, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.AvatarURL, &u.PublicKeyPEM, &u.PrivateKeyPEM, &u.Enabled, &u.Locked, &createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// CreateUser inserts a new user row. The caller supplies the generated
// keypair; a user without one would violate the actor-document invariant.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.PublicKeyPEM == "" || u.PrivateKeyPEM == "" {
		return apperr.New(apperr.Validation, "user requires an RSA keypair")
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users
		(id, username, email, password_hash, display_name, avatar_url,
		 public_key_pem, private_key_pem, enabled, locked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.AvatarURL,
		u.PublicKeyPEM, u.PrivateKeyPEM, u.Enabled, u.Locked, now())
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Conflict, "username or email already taken", err)
	}
	return err
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// ListUsernames returns every local username.
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// CountUsers returns the number of local accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// DeleteUser removes a user, the likes and comments they left, and, via
// foreign keys, every owned activity, follow, notification, heatmap cell, and
// analytics rollup.
// The caller is responsible for federating the Delete actor activity first.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// likes.user_id and comments.user_id carry no foreign key, so the
		// user's likes and comments on other users' activities go explicitly.
		for _, table := range []string{"likes", "comments"} {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE user_id = ?`), id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return nil
	})
}

// DeleteFollowsOfActor removes every follow row pointing at the given local
// actor URI. Called during account deletion, after the Delete activity has
// been emitted, so remote followers stop resolving.
func (s *Store) DeleteFollowsOfActor(ctx context.Context, actorURI string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM follows WHERE following_uri = ?`), actorURI)
	return err
}
