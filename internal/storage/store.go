package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle that persists login sessions between app
// launches.
type Store struct {
	db *sql.DB
}

// Session is one persisted login: the bearer token the chat backend issued
// plus the push token registered for this device.
type Session struct {
	UserID    string
	Token     string
	PushToken string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatboard.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			push_token TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_visits (
			room_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			last_entered_at DATETIME NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveSession upserts the login session for a user.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(user_id, token, push_token, expires_at, updated_at)
		VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			token=excluded.token,
			push_token=excluded.push_token,
			expires_at=excluded.expires_at,
			updated_at=CURRENT_TIMESTAMP
	`, sess.UserID, sess.Token, sess.PushToken, sess.ExpiresAt.UTC())
	return err
}

// GetSession returns the persisted session for a user, or nil when none
// exists or the stored token has expired. Expired rows are removed on read.
func (s *Store) GetSession(ctx context.Context, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, token, push_token, expires_at, updated_at
		FROM sessions WHERE user_id = ?
	`, userID)
	var sess Session
	if err := row.Scan(&sess.UserID, &sess.Token, &sess.PushToken, &sess.ExpiresAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(time.Now()) {
		_ = s.DeleteSession(ctx, userID)
		return nil, nil
	}
	return &sess, nil
}

// DeleteSession removes a persisted login (used for logout).
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

// SavePushToken updates just the push token on an existing session.
func (s *Store) SavePushToken(ctx context.Context, userID, pushToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET push_token=?, updated_at=CURRENT_TIMESTAMP WHERE user_id=?
	`, pushToken, userID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordRoomVisit stamps the last time a user opened a room.
func (s *Store) RecordRoomVisit(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_visits(room_id, user_id, last_entered_at)
		VALUES(?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			user_id=excluded.user_id,
			last_entered_at=excluded.last_entered_at
	`, roomID, userID, at.UTC())
	return err
}

// LastRoomVisit returns when a room was last opened, or the zero time when
// it has never been visited.
func (s *Store) LastRoomVisit(ctx context.Context, roomID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_entered_at FROM room_visits WHERE room_id = ?`, roomID)
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return at, nil
}
