// Package db handles database connectivity, migrations, and data access
// for the fedtrack server. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string

	// baseURL is the local origin ("https://example.com"), used by queries
	// that derive local actor URIs. Set via SetBaseURL at wiring time.
	baseURL string
}

// Open opens a database connection. The URL can be:
//   - A file path like "fedtrack.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode allows multiple concurrent readers alongside one writer.
		// A small connection pool lets read-heavy operations (timeline merges,
		// heatmap reads, follower queries) proceed in parallel instead of all
		// queuing behind every write. SQLite serialises writers itself;
		// busy_timeout makes that serialisation graceful (retry for up to 5s)
		// rather than immediately returning SQLITE_BUSY to the caller.
		//
		// For deployments receiving >~50 concurrent inbox activities, switch to
		// PostgreSQL (already supported via DB_URL=postgres://...) — SQLite's
		// single-writer architecture is a hard ceiling that no tuning can
		// fully remove.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000", // ms; retries writes instead of SQLITE_BUSY
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL", // safe with WAL; faster than FULL
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}

		slog.Info("sqlite database opened",
			"max_conns", sqliteMaxConns,
			"note", "switch to PostgreSQL for high-traffic deployments",
		)
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	if s.driver == "sqlite" {
		return s.migrateSQLite()
	}
	return s.migratePostgres()
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here; driver-specific error handling is
// applied by migrateSQLite / migratePostgres. All timestamps are stored as
// RFC 3339 UTC text with millisecond precision so lexicographic ordering
// matches chronological ordering on both drivers.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL UNIQUE,
		email           TEXT NOT NULL UNIQUE,
		password_hash   TEXT NOT NULL,
		display_name    TEXT NOT NULL DEFAULT '',
		avatar_url      TEXT NOT NULL DEFAULT '',
		public_key_pem  TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		locked          BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id                     TEXT PRIMARY KEY,
		user_id                TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		activity_type          TEXT NOT NULL,
		title                  TEXT NOT NULL DEFAULT '',
		description            TEXT NOT NULL DEFAULT '',
		started_at             TEXT NOT NULL,
		ended_at               TEXT NOT NULL,
		timezone               TEXT NOT NULL DEFAULT 'UTC',
		visibility             TEXT NOT NULL DEFAULT 'PRIVATE',
		total_distance         REAL NOT NULL DEFAULT 0,
		total_duration_seconds REAL NOT NULL DEFAULT 0 CHECK (total_duration_seconds >= 0),
		elevation_gain         REAL NOT NULL DEFAULT 0,
		elevation_loss         REAL NOT NULL DEFAULT 0,
		raw_file               BYTEA,
		source_format          TEXT NOT NULL DEFAULT '',
		geometry               TEXT,
		track_points           TEXT,
		indoor                 BOOLEAN NOT NULL DEFAULT FALSE,
		indoor_method          TEXT NOT NULL DEFAULT '',
		sub_sport              TEXT NOT NULL DEFAULT '',
		weather_temp_c         REAL,
		weather_condition      TEXT,
		created_at             TEXT NOT NULL,
		CHECK (ended_at >= started_at)
	)`,
	`CREATE INDEX IF NOT EXISTS activities_user_started ON activities(user_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS activities_started ON activities(started_at)`,
	`CREATE TABLE IF NOT EXISTS activity_metrics (
		activity_id     TEXT PRIMARY KEY REFERENCES activities(id) ON DELETE CASCADE,
		avg_heart_rate  INTEGER,
		max_heart_rate  INTEGER,
		avg_cadence     INTEGER,
		max_cadence     INTEGER,
		avg_power       INTEGER,
		max_power       INTEGER,
		avg_speed       REAL,
		max_speed       REAL,
		calories        INTEGER,
		min_elevation   REAL,
		max_elevation   REAL,
		avg_temperature REAL
	)`,
	// Exactly one of follower_user_id / remote_actor_uri is set; the CHECK
	// constraint rejects rows where both sides are null (or both set).
	`CREATE TABLE IF NOT EXISTS follows (
		id               TEXT PRIMARY KEY,
		follower_user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		remote_actor_uri TEXT,
		following_uri    TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'ACCEPTED',
		activity_id      TEXT,
		created_at       TEXT NOT NULL,
		CHECK ((follower_user_id IS NULL) <> (remote_actor_uri IS NULL)),
		UNIQUE (follower_user_id, following_uri),
		UNIQUE (remote_actor_uri, following_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_following ON follows(following_uri, status)`,
	`CREATE INDEX IF NOT EXISTS follows_activity ON follows(activity_id)`,
	`CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri          TEXT PRIMARY KEY,
		preferred_username TEXT NOT NULL DEFAULT '',
		inbox              TEXT NOT NULL DEFAULT '',
		shared_inbox       TEXT NOT NULL DEFAULT '',
		public_key_pem     TEXT NOT NULL,
		public_key_id      TEXT NOT NULL,
		display_name       TEXT NOT NULL DEFAULT '',
		avatar_url         TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		last_fetched       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS remote_activities (
		activity_uri       TEXT PRIMARY KEY,
		actor_uri          TEXT NOT NULL,
		content            TEXT NOT NULL DEFAULT '',
		published          TEXT,
		started_at         TEXT,
		visibility         TEXT NOT NULL DEFAULT 'PUBLIC',
		activity_type      TEXT NOT NULL DEFAULT '',
		distance           REAL,
		duration_seconds   REAL,
		average_pace       REAL,
		elevation_gain     REAL,
		average_heart_rate REAL,
		map_image_url      TEXT NOT NULL DEFAULT '',
		track_geojson_url  TEXT NOT NULL DEFAULT '',
		to_json            TEXT NOT NULL DEFAULT '[]',
		cc_json            TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS remote_activities_actor ON remote_activities(actor_uri, started_at)`,
	`CREATE TABLE IF NOT EXISTS likes (
		activity_id      TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		user_id          TEXT,
		remote_actor_uri TEXT,
		created_at       TEXT NOT NULL,
		CHECK ((user_id IS NULL) <> (remote_actor_uri IS NULL)),
		UNIQUE (activity_id, user_id),
		UNIQUE (activity_id, remote_actor_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS likes_activity ON likes(activity_id)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id               TEXT PRIMARY KEY,
		activity_id      TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		user_id          TEXT,
		remote_actor_uri TEXT,
		content          TEXT NOT NULL,
		ap_id            TEXT UNIQUE,
		created_at       TEXT NOT NULL,
		CHECK ((user_id IS NULL) <> (remote_actor_uri IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS comments_activity ON comments(activity_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type               TEXT NOT NULL,
		actor_display_name TEXT NOT NULL DEFAULT '',
		actor_avatar_url   TEXT NOT NULL DEFAULT '',
		actor_uri          TEXT NOT NULL DEFAULT '',
		activity_id        TEXT,
		read               BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user ON notifications(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_heatmap_grid (
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		cell_lat     REAL NOT NULL,
		cell_lon     REAL NOT NULL,
		point_count  INTEGER NOT NULL DEFAULT 0,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (user_id, cell_lat, cell_lon)
	)`,
	`CREATE TABLE IF NOT EXISTS privacy_zones (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name       TEXT NOT NULL DEFAULT '',
		center_lat REAL NOT NULL,
		center_lon REAL NOT NULL,
		radius_m   REAL NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS batch_import_jobs (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		total_files   INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failed_count  INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		completed_at  TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS batch_import_file_results (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL REFERENCES batch_import_jobs(id) ON DELETE CASCADE,
		position      INTEGER NOT NULL,
		file_name     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		error_type    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		activity_id   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS batch_results_job ON batch_import_file_results(job_id, position)`,
	`CREATE TABLE IF NOT EXISTS personal_records (
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		activity_type TEXT NOT NULL,
		record_type   TEXT NOT NULL,
		value         REAL NOT NULL,
		activity_id   TEXT,
		achieved_at   TEXT NOT NULL,
		PRIMARY KEY (user_id, activity_type, record_type)
	)`,
	`CREATE TABLE IF NOT EXISTS achievements (
		user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		achievement_type TEXT NOT NULL,
		activity_id      TEXT,
		earned_at        TEXT NOT NULL,
		PRIMARY KEY (user_id, achievement_type)
	)`,
	`CREATE TABLE IF NOT EXISTS training_load (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		day     TEXT NOT NULL,
		tss     REAL NOT NULL DEFAULT 0,
		atl     REAL NOT NULL DEFAULT 0,
		ctl     REAL NOT NULL DEFAULT 0,
		tsb     REAL NOT NULL DEFAULT 0,
		form    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_summaries (
		user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		period_type          TEXT NOT NULL,
		period_start         TEXT NOT NULL,
		activity_count       INTEGER NOT NULL DEFAULT 0,
		total_duration       REAL NOT NULL DEFAULT 0,
		total_distance       REAL NOT NULL DEFAULT 0,
		total_elevation_gain REAL NOT NULL DEFAULT 0,
		max_speed            REAL NOT NULL DEFAULT 0,
		avg_speed            REAL NOT NULL DEFAULT 0,
		type_breakdown       TEXT NOT NULL DEFAULT '{}',
		pr_count             INTEGER NOT NULL DEFAULT 0,
		achievement_count    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, period_type, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (s *Store) migrateSQLite() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

func (s *Store) migratePostgres() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for persistent state like the last
// heatmap rebuild timestamp.
func (s *Store) SetKV(key, value string) error {
	_, err := s.db.Exec(s.q(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`), key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// timeFormat is the fixed-width RFC 3339 layout used for every stored
// timestamp. The trailing-zero-preserving fraction keeps lexicographic
// ordering identical to chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000Z"

// dayFormat is the layout for date-keyed rows (training_load, summaries).
const dayFormat = "2006-01-02"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate plain RFC 3339 written by older rows.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func now() string {
	return formatTime(time.Now())
}

// q rewrites "?" placeholders to "$1..$n" when running on PostgreSQL.
// SQLite queries pass through untouched, so every query in this package is
// written once in SQLite placeholder style.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries, for IN (...) lists.
// The result is rewritten by q() for PostgreSQL like any other query text.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either driver. Callers treat these as Conflict, not Internal.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "duplicate key value") // lib/pq
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
