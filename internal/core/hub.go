package core

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"chathub/internal/protocol"
)

// DefaultSendBuffer is the outbound queue depth used when none is configured.
const DefaultSendBuffer = 64

// Session represents one admitted connection. Its identity and channel are
// fixed for its lifetime.
type Session struct {
	ID       string
	Identity protocol.Identity
	Channel  string

	send chan protocol.Event
	done chan struct{}
}

// Outbound is drained by the transport writer.
func (s *Session) Outbound() <-chan protocol.Event {
	return s.send
}

// Done is closed once the session has been removed from the hub.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type presenceKey struct {
	channel string
	userID  int64
}

// Hub is the process-wide session registry. It starts empty and holds every
// live connection grouped by channel.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]map[string]*Session // channel -> session id -> session
	presence map[presenceKey]int            // live connections per (channel, user)
	sendBuf  int

	announced atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub returns an empty hub whose sessions buffer sendBuf outbound events.
func NewHub(sendBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}
	return &Hub{
		sessions: make(map[string]*Session),
		channels: make(map[string]map[string]*Session),
		presence: make(map[presenceKey]int),
		sendBuf:  sendBuf,
	}
}

// Admit registers a new connection for identity in channel. The returned
// count is the number of live connections for (identity, channel) after
// admission, so 1 means this is the user's first connection there.
func (h *Hub) Admit(identity protocol.Identity, channel string) (*Session, int) {
	s := &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		Channel:  channel,
		send:     make(chan protocol.Event, h.sendBuf),
		done:     make(chan struct{}),
	}
	key := presenceKey{channel: channel, userID: identity.ID}

	h.mu.Lock()
	h.sessions[s.ID] = s
	members := h.channels[channel]
	if members == nil {
		members = make(map[string]*Session)
		h.channels[channel] = members
	}
	members[s.ID] = s
	h.presence[key]++
	count := h.presence[key]
	total := len(h.sessions)
	h.mu.Unlock()

	slog.Info("session admitted", "session_id", s.ID, "user_id", identity.ID, "channel", channel, "user_connections", count, "total_sessions", total)
	return s, count
}

// Remove unregisters a session and closes its Done channel. The returned
// count is the number of live connections left for (identity, channel); 0
// means the user has left the channel. ok is false if the session was
// already removed.
func (h *Hub) Remove(sessionID string) (*Session, int, bool) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, 0, false
	}
	delete(h.sessions, sessionID)
	if members := h.channels[s.Channel]; members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.channels, s.Channel)
		}
	}
	key := presenceKey{channel: s.Channel, userID: s.Identity.ID}
	h.presence[key]--
	count := h.presence[key]
	if count <= 0 {
		delete(h.presence, key)
		count = 0
	}
	total := len(h.sessions)
	close(s.done)
	h.mu.Unlock()

	slog.Info("session removed", "session_id", sessionID, "user_id", s.Identity.ID, "channel", s.Channel, "user_connections", count, "total_sessions", total)
	return s, count, true
}

// MembersOf returns a snapshot of the live sessions in channel.
func (h *Hub) MembersOf(channel string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.channels[channel]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Present returns the distinct identities connected to channel, ordered by
// user id.
func (h *Hub) Present(channel string) []protocol.Identity {
	h.mu.RLock()
	seen := make(map[int64]protocol.Identity)
	for _, s := range h.channels[channel] {
		if _, ok := seen[s.Identity.ID]; !ok {
			seen[s.Identity.ID] = s.Identity
		}
	}
	h.mu.RUnlock()

	out := make([]protocol.Identity, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelPresence is one channel's entry in a hub snapshot.
type ChannelPresence struct {
	Channel     string              `json:"channel"`
	Connections int                 `json:"connections"`
	Users       []protocol.Identity `json:"users"`
}

// Snapshot returns presence for every channel with at least one session,
// ordered by channel name.
func (h *Hub) Snapshot() []ChannelPresence {
	h.mu.RLock()
	names := make([]string, 0, len(h.channels))
	conns := make(map[string]int, len(h.channels))
	for name, members := range h.channels {
		names = append(names, name)
		conns[name] = len(members)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	out := make([]ChannelPresence, 0, len(names))
	for _, name := range names {
		out = append(out, ChannelPresence{Channel: name, Connections: conns[name], Users: h.Present(name)})
	}
	return out
}

// Stats returns live session and channel counts plus lifetime delivery counters.
func (h *Hub) Stats() (sessions, channels int, delivered, dropped uint64) {
	h.mu.RLock()
	sessions = len(h.sessions)
	channels = len(h.channels)
	h.mu.RUnlock()
	return sessions, channels, h.announced.Load(), h.dropped.Load()
}

// ChannelCount returns the number of channels with live sessions.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close removes every session. Transports observe Done and terminate their
// connections.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Remove(id)
	}
	slog.Info("hub closed", "sessions", len(ids))
}
