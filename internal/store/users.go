package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chathub/internal/protocol"
)

// CreateUser inserts a user and returns its identity with the assigned id.
func (s *Store) CreateUser(ctx context.Context, username string, role protocol.Role, avatar string) (protocol.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return protocol.Identity{}, fmt.Errorf("username is required")
	}
	role = protocol.ParseRole(string(role))

	const q = `INSERT INTO users (username, role, avatar, created_at_unix_ms) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, username, string(role), avatar, time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return protocol.Identity{}, ErrDuplicateUser
		}
		return protocol.Identity{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("read user id: %w", err)
	}
	slog.Info("user created", "user_id", id, "username", username, "role", role)
	return protocol.Identity{ID: id, Username: username, Role: role, Avatar: avatar}, nil
}

// User returns the identity for id. ok is false when no such user exists.
func (s *Store) User(ctx context.Context, id int64) (protocol.Identity, bool, error) {
	const q = `SELECT id, username, role, avatar FROM users WHERE id = ?`
	var (
		u    protocol.Identity
		role string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Username, &role, &u.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Identity{}, false, nil
		}
		return protocol.Identity{}, false, fmt.Errorf("query user: %w", err)
	}
	u.Role = protocol.ParseRole(role)
	return u, true, nil
}

// Users lists every user ordered by id.
func (s *Store) Users(ctx context.Context) ([]protocol.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, role, avatar FROM users ORDER BY id`)
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
	return s.updateUser(ctx, id, `UPDATE users SET role = ? WHERE id = ?`, string(protocol.ParseRole(string(role))))
}

// SetUserAvatar replaces the avatar reference of user id.
func (s *Store) SetUserAvatar(ctx context.Context, id int64, avatar string) error {
	return s.updateUser(ctx, id, `UPDATE users SET avatar = ? WHERE id = ?`, avatar)
}

func (s *Store) updateUser(ctx context.Context, id int64, q string, value string) error {
	res, err := s.db.ExecContext(ctx, q, value, id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	slog.Debug("user updated", "user_id", id)
	return nil
}
