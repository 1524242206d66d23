// Package sqlite provides SQLite-backed persistence for users and their
// browser sessions. The orchestrator core reads session snapshots through
// this store; writes happen only in the login, logout, and onboarding flows.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftline/atrium/internal/platform/id"
	"github.com/driftline/atrium/internal/platform/storage/sqlitemigrate"
	"github.com/driftline/atrium/internal/session"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound indicates a missing user or session record.
var ErrNotFound = session.ErrUnknownUser

// DefaultSessionTTL bounds how long a browser session stays valid.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Store provides SQLite-backed session persistence.
type Store struct {
	sqlDB *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// Open opens a session store at the provided path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrationFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, ttl: DefaultSessionTTL, clock: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// EnsureUser creates the user record when absent.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	now := toMillis(s.now())
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, onboarding_completed, created_at, updated_at)
VALUES (?, 0, ?, ?)
ON CONFLICT(id) DO NOTHING
`, userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// CompleteOnboarding marks the user's onboarding as finished.
func (s *Store) CompleteOnboarding(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET onboarding_completed = 1, updated_at = ? WHERE id = ?
`, toMillis(s.now()), userID)
	if err != nil {
		return fmt.Errorf("complete onboarding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete onboarding: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession creates a session for the user and returns its ID.
func (s *Store) CreateSession(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return "", err
	}

	sessionID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	now := s.now()
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)
`, sessionID, userID, toMillis(now), toMillis(now.Add(s.ttl)))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

// DeleteSession removes the session record. Deleting an unknown session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Resolve returns the session snapshot for a session ID. Unknown or expired
// sessions resolve to an anonymous session rather than an error so the guard
// can redirect instead of failing the request.
func (s *Store) Resolve(ctx context.Context, sessionID string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.Anonymous(), nil
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT u.id, u.onboarding_completed, s.expires_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.id = ?
`, sessionID)

	var userID string
	var onboardingCompleted int
	var expiresAt int64
	if err := row.Scan(&userID, &onboardingCompleted, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Anonymous(), nil
		}
		return session.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	if time.UnixMilli(expiresAt).Before(s.now()) {
		return session.Anonymous(), nil
	}
	return session.ForUser(session.User{
		ID:                  userID,
		OnboardingCompleted: onboardingCompleted != 0,
	}), nil
}
