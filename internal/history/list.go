// Package history keeps the bounded rolling chat log of every channel.
//
// Storage is an ordered list of JSON-encoded entries per channel key,
// reached through [ListStore]. Two backends exist: [MemoryList] for a
// single process and tests, and [RedisList] for a shared redis instance.
package history

import (
	"context"
	"sync"
)

// ListStore is the ordered-list persistence the history service relies on.
// Indices follow redis list semantics: inclusive, negative values count
// back from the tail (-1 is the last element).
type ListStore interface {
	PushTail(ctx context.Context, key, value string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	RemoveFirst(ctx context.Context, key, value string) (bool, error)
	TrimToLast(ctx context.Context, key string, n int64) error
}

// MemoryList is an in-process ListStore.
type MemoryList struct {
	mu    sync.RWMutex
	lists map[string][]string
}

// NewMemoryList returns an empty in-memory list store.
func NewMemoryList() *MemoryList {
	return &MemoryList{lists: make(map[string][]string)}
}

var _ ListStore = (*MemoryList)(nil)

// PushTail appends value to the list at key.
func (m *MemoryList) PushTail(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], value)
	m.mu.Unlock()
	return nil
}

// Range returns a copy of the elements between start and stop inclusive.
func (m *MemoryList) Range(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	lo, hi, ok := clampRange(int64(len(list)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

// RemoveFirst deletes the first element equal to value, scanning from the head.
func (m *MemoryList) RemoveFirst(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	for i, v := range list {
		if v == value {
			m.lists[key] = append(list[:i:i], list[i+1:]...)
			if len(m.lists[key]) == 0 {
				delete(m.lists, key)
			}
			return true, nil
		}
	}
	return false, nil
}

// TrimToLast keeps only the newest n elements of the list.
func (m *MemoryList) TrimToLast(_ context.Context, key string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if n <= 0 {
		delete(m.lists, key)
		return nil
	}
	if int64(len(list)) <= n {
		return nil
	}
	kept := make([]string, n)
	copy(kept, list[int64(len(list))-n:])
	m.lists[key] = kept
	return nil
}

// Len reports the number of elements stored under key.
func (m *MemoryList) Len(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[key])
}

func clampRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
