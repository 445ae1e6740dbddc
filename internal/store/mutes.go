package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chathub/internal/mute"
)

var _ mute.Store = (*Store)(nil)

// InsertMute persists one mute record.
func (s *Store) InsertMute(ctx context.Context, r mute.Record) error {
	const q = `INSERT INTO mutes (user_id, channel_id, created_at_unix_ms, expire_at_unix_ms) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, r.UserID, r.Channel, r.CreatedAt.UnixMilli(), r.ExpireAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert mute: %w", err)
	}
	return nil
}

// DeleteMutes removes every record for (userID, channel).
func (s *Store) DeleteMutes(ctx context.Context, userID int64, channel string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutes WHERE user_id = ? AND channel_id = ?`, userID, channel); err != nil {
		return fmt.Errorf("delete mutes: %w", err)
	}
	return nil
}

// DeleteExpiredMutes removes records for (userID, channel) whose expiry is at or before now.
func (s *Store) DeleteExpiredMutes(ctx context.Context, userID int64, channel string, now time.Time) error {
	const q = `DELETE FROM mutes WHERE user_id = ? AND channel_id = ? AND expire_at_unix_ms <= ?`
	if _, err := s.db.ExecContext(ctx, q, userID, channel, now.UnixMilli()); err != nil {
		return fmt.Errorf("delete expired mutes: %w", err)
	}
	return nil
}

// CountActiveMutes counts records for (userID, channel) expiring after now.
func (s *Store) CountActiveMutes(ctx context.Context, userID int64, channel string, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM mutes WHERE user_id = ? AND channel_id = ? AND expire_at_unix_ms > ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, userID, channel, now.UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active mutes: %w", err)
	}
	return n, nil
}

// FindActiveMute returns the latest-expiring active record for (userID, channel).
func (s *Store) FindActiveMute(ctx context.Context, userID int64, channel string, now time.Time) (mute.Record, bool, error) {
	const q = `
SELECT user_id, channel_id, created_at_unix_ms, expire_at_unix_ms
FROM mutes
WHERE user_id = ? AND channel_id = ? AND expire_at_unix_ms > ?
ORDER BY expire_at_unix_ms DESC
LIMIT 1
`
	r, err := scanMute(s.db.QueryRowContext(ctx, q, userID, channel, now.UnixMilli()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mute.Record{}, false, nil
		}
		return mute.Record{}, false, fmt.Errorf("query active mute: %w", err)
	}
	return r, true, nil
}

// ActiveMutes lists the records in force in channel, ordered by user id.
func (s *Store) ActiveMutes(ctx context.Context, channel string, now time.Time) ([]mute.Record, error) {
	const q = `
SELECT user_id, channel_id, created_at_unix_ms, expire_at_unix_ms
FROM mutes
WHERE channel_id = ? AND expire_at_unix_ms > ?
ORDER BY user_id, expire_at_unix_ms
`
	rows, err := s.db.QueryContext(ctx, q, channel, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query active mutes: %w", err)
	}
	defer rows.Close()

	var out []mute.Record
	for rows.Next() {
		r, err := scanMute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mute: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMute(row rowScanner) (mute.Record, error) {
	var (
		r                   mute.Record
		createdMs, expireMs int64
	)
	if err := row.Scan(&r.UserID, &r.Channel, &createdMs, &expireMs); err != nil {
		return mute.Record{}, err
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	r.ExpireAt = time.UnixMilli(expireMs).UTC()
	return r, nil
}
