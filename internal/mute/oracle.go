// Package mute decides whether a user may speak in a channel and records
// time-bounded mutes on top of a persistence store.
package mute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chathub/internal/protocol"
)

// MaxDurationMinutes caps a single mute at 24 hours.
const MaxDurationMinutes = 1440

// DefaultDurationMinutes is applied by callers that receive no duration.
const DefaultDurationMinutes = 10

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrTargetIsAdmin   = errors.New("cannot mute an administrator")
	ErrInvalidDuration = errors.New("mute duration must be between 1 and 1440 minutes")
	ErrAlreadyMuted    = errors.New("user is already muted in this channel")
)

// Record is one mute of a user in a channel. It is active while now is
// before ExpireAt.
type Record struct {
	UserID    int64     `json:"userId"`
	Channel   string    `json:"channelId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpireAt  time.Time `json:"expireAt"`
}

// Active reports whether the record still suppresses the user at now.
func (r Record) Active(now time.Time) bool {
	return now.Before(r.ExpireAt)
}

// Store is the durable mute persistence the oracle applies its policy over.
type Store interface {
	InsertMute(ctx context.Context, r Record) error
	DeleteMutes(ctx context.Context, userID int64, channel string) error
	DeleteExpiredMutes(ctx context.Context, userID int64, channel string, now time.Time) error
	CountActiveMutes(ctx context.Context, userID int64, channel string, now time.Time) (int, error)
	FindActiveMute(ctx context.Context, userID int64, channel string, now time.Time) (Record, bool, error)
	ActiveMutes(ctx context.Context, channel string, now time.Time) ([]Record, error)
}

// UserLookup resolves the identity of a mute target.
type UserLookup interface {
	User(ctx context.Context, id int64) (protocol.Identity, bool, error)
}

// Notifier pushes an event to the live connections of one user in one channel.
type Notifier interface {
	Notify(channel string, userID int64, ev protocol.Event) int
}

// Oracle answers mute queries and applies mute/unmute requests.
type Oracle struct {
	store Store
	users UserLookup
	now   func() time.Time

	mu       sync.Mutex // serialises mutations
	notifier Notifier
}

// New creates an oracle. notifier may be nil and set later with SetNotifier.
func New(store Store, users UserLookup, notifier Notifier) *Oracle {
	return &Oracle{
		store:    store,
		users:    users,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// SetNotifier sets the push target for status changes.
func (o *Oracle) SetNotifier(n Notifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// IsMuted reports whether userID has an active mute in channel.
func (o *Oracle) IsMuted(ctx context.Context, userID int64, channel string) (bool, error) {
	n, err := o.store.CountActiveMutes(ctx, userID, channel, o.now())
	if err != nil {
		return false, fmt.Errorf("count active mutes: %w", err)
	}
	return n > 0, nil
}

// Status returns the active mute of userID in channel, if any.
func (o *Oracle) Status(ctx context.Context, userID int64, channel string) (Record, bool, error) {
	r, ok, err := o.store.FindActiveMute(ctx, userID, channel, o.now())
	if err != nil {
		return Record{}, false, fmt.Errorf("find active mute: %w", err)
	}
	return r, ok, nil
}

// Active lists the mutes in force in channel.
func (o *Oracle) Active(ctx context.Context, channel string) ([]Record, error) {
	rs, err := o.store.ActiveMutes(ctx, channel, o.now())
	if err != nil {
		return nil, fmt.Errorf("list active mutes: %w", err)
	}
	return rs, nil
}

// Mute suppresses userID in channel for the given number of minutes and
// pushes the new status to the user's live connections there.
func (o *Oracle) Mute(ctx context.Context, userID int64, channel string, minutes int) (Record, error) {
	o.mu.Lock()
	rec, err := o.mute(ctx, userID, channel, minutes)
	notifier := o.notifier
	o.mu.Unlock()
	if err != nil {
		return Record{}, err
	}

	slog.Info("user muted", "user_id", userID, "channel", channel, "minutes", minutes, "expire_at", rec.ExpireAt)
	if notifier != nil {
		notifier.Notify(channel, userID, protocol.MuteStatusEvent(true, rec.ExpireAt))
	}
	return rec, nil
}

func (o *Oracle) mute(ctx context.Context, userID int64, channel string, minutes int) (Record, error) {
	target, ok, err := o.users.User(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return Record{}, ErrUserNotFound
	}
	if target.IsAdmin() {
		return Record{}, ErrTargetIsAdmin
	}
	if minutes <= 0 || minutes > MaxDurationMinutes {
		return Record{}, ErrInvalidDuration
	}

	now := o.now()
	if err := o.store.DeleteExpiredMutes(ctx, userID, channel, now); err != nil {
		return Record{}, fmt.Errorf("purge expired mutes: %w", err)
	}
	n, err := o.store.CountActiveMutes(ctx, userID, channel, now)
	if err != nil {
		return Record{}, fmt.Errorf("count active mutes: %w", err)
	}
	if n > 0 {
		return Record{}, ErrAlreadyMuted
	}

	rec := Record{
		UserID:    userID,
		Channel:   channel,
		CreatedAt: now,
		ExpireAt:  now.Add(time.Duration(minutes) * time.Minute),
	}
	if err := o.store.InsertMute(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("insert mute: %w", err)
	}
	return rec, nil
}

// Unmute clears every mute of userID in channel. Clearing a user that was
// not muted succeeds.
func (o *Oracle) Unmute(ctx context.Context, userID int64, channel string) error {
	o.mu.Lock()
	err := o.store.DeleteMutes(ctx, userID, channel)
	notifier := o.notifier
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete mutes: %w", err)
	}

	slog.Info("user unmuted", "user_id", userID, "channel", channel)
	if notifier != nil {
		notifier.Notify(channel, userID, protocol.MuteStatusEvent(false, time.Time{}))
	}
	return nil
}
