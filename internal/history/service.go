package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chathub/internal/protocol"
)

const (
	// Retention is the maximum number of entries kept per channel.
	Retention = 10000
	// ReplayLimit is how many entries a newly admitted connection receives.
	ReplayLimit = 50
	// RecallWindow is how far back a recall searches.
	RecallWindow = 200

	keyPrefix = "chat:history:"
)

// ErrNotFound is returned when no entry with the requested id is inside the
// searched window.
var ErrNotFound = errors.New("history entry not found")

// Service appends, replays and removes history entries. An unknown channel
// behaves as an empty one.
type Service struct {
	lists     ListStore
	retention int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService returns a history service over lists. retention <= 0 selects
// [Retention].
func NewService(lists ListStore, retention int) *Service {
	if retention <= 0 {
		retention = Retention
	}
	return &Service{
		lists:     lists,
		retention: int64(retention),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Key returns the list key that holds channel's history.
func Key(channel string) string {
	return keyPrefix + channel
}

func (s *Service) channelLock(channel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channel] = l
	}
	return l
}

// Append adds e at the tail of channel's history and drops the oldest
// entries beyond the retention ceiling.
func (s *Service) Append(ctx context.Context, channel string, e protocol.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	key := Key(channel)
	if err := s.lists.PushTail(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("push history entry: %w", err)
	}
	if err := s.lists.TrimToLast(ctx, key, s.retention); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	slog.Debug("history appended", "channel", channel, "message_id", e.MessageID)
	return nil
}

// Recent returns the newest limit entries of channel, oldest first.
func (s *Service) Recent(ctx context.Context, channel string, limit int) ([]protocol.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := s.lists.Range(ctx, Key(channel), -int64(limit), -1)
	if err != nil {
		return nil, fmt.Errorf("range history: %w", err)
	}
	out := make([]protocol.Entry, 0, len(raws))
	for _, raw := range raws {
		e, ok := decode(channel, raw)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Find locates messageID within the newest window entries of channel.
func (s *Service) Find(ctx context.Context, channel, messageID string, window int) (protocol.Entry, error) {
	e, _, err := s.find(ctx, channel, messageID, window)
	return e, err
}

// RemoveByID removes the first entry carrying messageID within the newest
// window entries of channel and returns it.
func (s *Service) RemoveByID(ctx context.Context, channel, messageID string, window int) (protocol.Entry, error) {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	e, raw, err := s.find(ctx, channel, messageID, window)
	if err != nil {
		return protocol.Entry{}, err
	}
	removed, err := s.lists.RemoveFirst(ctx, Key(channel), raw)
	if err != nil {
		return protocol.Entry{}, fmt.Errorf("remove history entry: %w", err)
	}
	if !removed {
		return protocol.Entry{}, ErrNotFound
	}
	slog.Debug("history entry removed", "channel", channel, "message_id", messageID)
	return e, nil
}

func (s *Service) find(ctx context.Context, channel, messageID string, window int) (protocol.Entry, string, error) {
	if messageID == "" || window <= 0 {
		return protocol.Entry{}, "", ErrNotFound
	}
	raws, err := s.lists.Range(ctx, Key(channel), -int64(window), -1)
	if err != nil {
		return protocol.Entry{}, "", fmt.Errorf("range history: %w", err)
	}
	for _, raw := range raws {
		e, ok := decode(channel, raw)
		if ok && e.MessageID == messageID {
			return e, raw, nil
		}
	}
	return protocol.Entry{}, "", ErrNotFound
}

func decode(channel, raw string) (protocol.Entry, bool) {
	var e protocol.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		slog.Warn("skipping malformed history entry", "channel", channel, "err", err)
		return protocol.Entry{}, false
	}
	return e, true
}
