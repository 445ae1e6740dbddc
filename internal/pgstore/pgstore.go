// Package pgstore keeps users and mutes in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chathub/internal/mute"
	"chathub/internal/protocol"
)

// Store is a postgres-backed user lookup and mute store.
type Store struct {
	pool *pgxpool.Pool
}

var _ mute.Store = (*Store)(nil)

// Connect creates a pgx connection pool for dsn, verifies it with a ping
// and ensures the schema exists.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	st := &Store{pool: pool}
	if err := st.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres store connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return st, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'USER',
	avatar TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mutes (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	channel_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expire_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutes_target ON mutes(user_id, channel_id, expire_at);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// CreateUser inserts a user and returns its identity.
func (s *Store) CreateUser(ctx context.Context, username string, role protocol.Role, avatar string) (protocol.Identity, error) {
	u := protocol.Identity{Username: strings.TrimSpace(username), Role: protocol.ParseRole(string(role)), Avatar: avatar}
	if u.Username == "" {
		return protocol.Identity{}, fmt.Errorf("username is required")
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, role, avatar) VALUES ($1, $2, $3) RETURNING id`,
		u.Username, string(u.Role), u.Avatar,
	).Scan(&u.ID)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// User returns the identity for id. ok is false when no such user exists.
func (s *Store) User(ctx context.Context, id int64) (protocol.Identity, bool, error) {
	var (
		u    protocol.Identity
		role string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, username, role, avatar FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &role, &u.Avatar)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocol.Identity{}, false, nil
		}
		return protocol.Identity{}, false, fmt.Errorf("query user: %w", err)
	}
	u.Role = protocol.ParseRole(role)
	return u, true, nil
}

// Users lists every user ordered by id.
func (s *Store) Users(ctx context.Context) ([]protocol.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, role, avatar FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []protocol.Identity
	for rows.Next() {
		var (
			u    protocol.Identity
			role string
		)
		if err := rows.Scan(&u.ID, &u.Username, &role, &u.Avatar); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = protocol.ParseRole(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserRole changes the role of user id.
func (s *Store) SetUserRole(ctx context.Context, id int64, role protocol.Role) error {
	return s.updateUser(ctx, id, `UPDATE users SET role = $1 WHERE id = $2`, string(protocol.ParseRole(string(role))))
}

// SetUserAvatar changes the avatar URL of user id.
func (s *Store) SetUserAvatar(ctx context.Context, id int64, avatar string) error {
	return s.updateUser(ctx, id, `UPDATE users SET avatar = $1 WHERE id = $2`, avatar)
}

func (s *Store) updateUser(ctx context.Context, id int64, q string, value string) error {
	tag, err := s.pool.Exec(ctx, q, value, id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", id)
	}
	return nil
}

func (s *Store) InsertMute(ctx context.Context, r mute.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mutes (user_id, channel_id, created_at, expire_at) VALUES ($1, $2, $3, $4)`,
		r.UserID, r.Channel, r.CreatedAt, r.ExpireAt)
	if err != nil {
		return fmt.Errorf("insert mute: %w", err)
	}
	return nil
}

func (s *Store) DeleteMutes(ctx context.Context, userID int64, channel string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mutes WHERE user_id = $1 AND channel_id = $2`, userID, channel); err != nil {
		return fmt.Errorf("delete mutes: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredMutes(ctx context.Context, userID int64, channel string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM mutes WHERE user_id = $1 AND channel_id = $2 AND expire_at <= $3`, userID, channel, now)
	if err != nil {
		return fmt.Errorf("delete expired mutes: %w", err)
	}
	return nil
}

func (s *Store) CountActiveMutes(ctx context.Context, userID int64, channel string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM mutes WHERE user_id = $1 AND channel_id = $2 AND expire_at > $3`,
		userID, channel, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active mutes: %w", err)
	}
	return n, nil
}

func (s *Store) FindActiveMute(ctx context.Context, userID int64, channel string, now time.Time) (mute.Record, bool, error) {
	var r mute.Record
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, channel_id, created_at, expire_at
		FROM mutes
		WHERE user_id = $1 AND channel_id = $2 AND expire_at > $3
		ORDER BY expire_at DESC
		LIMIT 1
	`, userID, channel, now).Scan(&r.UserID, &r.Channel, &r.CreatedAt, &r.ExpireAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mute.Record{}, false, nil
		}
		return mute.Record{}, false, fmt.Errorf("query active mute: %w", err)
	}
	return r, true, nil
}

func (s *Store) ActiveMutes(ctx context.Context, channel string, now time.Time) ([]mute.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, channel_id, created_at, expire_at
		FROM mutes
		WHERE channel_id = $1 AND expire_at > $2
		ORDER BY user_id, expire_at
	`, channel, now)
	if err != nil {
		return nil, fmt.Errorf("query active mutes: %w", err)
	}
	defer rows.Close()

	var out []mute.Record
	for rows.Next() {
		var r mute.Record
		if err := rows.Scan(&r.UserID, &r.Channel, &r.CreatedAt, &r.ExpireAt); err != nil {
			return nil, fmt.Errorf("scan mute: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
