package mute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps mute records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InsertMute(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteMutes(_ context.Context, userID int64, channel string) error {
	m.filter(func(r Record) bool { return r.UserID == userID && r.Channel == channel })
	return nil
}

func (m *MemoryStore) DeleteExpiredMutes(_ context.Context, userID int64, channel string, now time.Time) error {
	m.filter(func(r Record) bool {
		return r.UserID == userID && r.Channel == channel && !r.Active(now)
	})
	return nil
}

func (m *MemoryStore) CountActiveMutes(_ context.Context, userID int64, channel string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.UserID == userID && r.Channel == channel && r.Active(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindActiveMute(_ context.Context, userID int64, channel string, now time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Record
		found bool
	)
	for _, r := range m.records {
		if r.UserID != userID || r.Channel != channel || !r.Active(now) {
			continue
		}
		if !found || r.ExpireAt.After(best.ExpireAt) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) ActiveMutes(_ context.Context, channel string, now time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Channel == channel && r.Active(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Len returns the number of stored records, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) filter(drop func(Record) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if !drop(r) {
			kept = append(kept, r)
		}
	}
	m.records = kept
}
