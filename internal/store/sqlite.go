package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.io/infrasutra/mailexport/internal/mailbox"
)

// ErrNotFound is returned when a session id is unknown or was deleted.
var ErrNotFound = errors.New("session not found")

type Store struct {
	db *sqlx.DB
}

// Open opens the database at path, or an in-memory database when path is
// empty, and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	var tables int
	err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	current := 0
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// CreateSession stores a new empty session and returns it.
func (s *Store) CreateSession(ctx context.Context, now time.Time) (Session, error) {
	session := Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Unix(now.Unix(), 0),
		UpdatedAt: time.Unix(now.Unix(), 0),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?);`,
		session.ID, now.Unix(), now.Unix())
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT id, user_json, account_id, auth_state, token_cache,
		last_listing, created_at, updated_at
		FROM sessions WHERE id = ?;`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	session := Session{
		ID:         row.ID,
		AccountID:  row.AccountID,
		AuthState:  row.AuthState,
		TokenCache: row.TokenCache,
		CreatedAt:  time.Unix(row.CreatedAt, 0),
		UpdatedAt:  time.Unix(row.UpdatedAt, 0),
	}
	if row.UserJSON != "" {
		var user User
		if err := json.Unmarshal([]byte(row.UserJSON), &user); err != nil {
			return Session{}, fmt.Errorf("decode session user: %w", err)
		}
		session.User = &user
	}
	if row.LastListing != "" {
		var listing mailbox.Listing
		if err := json.Unmarshal([]byte(row.LastListing), &listing); err != nil {
			return Session{}, fmt.Errorf("decode session listing: %w", err)
		}
		session.LastListing = &listing
	}
	return session, nil
}

// SaveAuthState records the state parameter of a pending login.
func (s *Store) SaveAuthState(ctx context.Context, id, state string, now time.Time) error {
	return s.update(ctx, "save auth state",
		`UPDATE sessions SET auth_state = ?, updated_at = ? WHERE id = ?;`,
		state, now.Unix(), id)
}

// SaveLogin stores the signed-in user and the account used for silent
// token lookups. The pending auth state is cleared.
func (s *Store) SaveLogin(ctx context.Context, id string, user User, accountID string, now time.Time) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}
	return s.update(ctx, "save login",
		`UPDATE sessions SET user_json = ?, account_id = ?, auth_state = '', updated_at = ? WHERE id = ?;`,
		string(data), accountID, now.Unix(), id)
}

// SaveListing replaces the last listing of the session.
func (s *Store) SaveListing(ctx context.Context, id string, listing *mailbox.Listing, now time.Time) error {
	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("encode listing: %w", err)
	}
	return s.update(ctx, "save listing",
		`UPDATE sessions SET last_listing = ?, updated_at = ? WHERE id = ?;`,
		string(data), now.Unix(), id)
}

func (s *Store) SaveTokenCache(ctx context.Context, id string, data []byte, now time.Time) error {
	return s.update(ctx, "save token cache",
		`UPDATE sessions SET token_cache = ?, updated_at = ? WHERE id = ?;`,
		data, now.Unix(), id)
}

func (s *Store) LoadTokenCache(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT token_cache FROM sessions WHERE id = ?;`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load token cache: %w", err)
	}
	return data, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions not touched since before and returns how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?;`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return rows, nil
}

func (s *Store) update(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionTokenCache is the token cache of a single session.
type SessionTokenCache struct {
	store *Store
	id    string
}

// TokenCache returns the token cache of session id.
func (s *Store) TokenCache(id string) *SessionTokenCache {
	return &SessionTokenCache{store: s, id: id}
}

func (c *SessionTokenCache) LoadTokenCache(ctx context.Context) ([]byte, error) {
	return c.store.LoadTokenCache(ctx, c.id)
}

func (c *SessionTokenCache) SaveTokenCache(ctx context.Context, data []byte) error {
	return c.store.SaveTokenCache(ctx, c.id, data, time.Now())
}
