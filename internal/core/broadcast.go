package core

import (
	"log/slog"
	"time"

	"chathub/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// Announce delivers ev to every session in channel as of call time and
// returns how many accepted it. Dead or saturated sessions are skipped.
func (h *Hub) Announce(channel string, ev protocol.Event) int {
	targets := h.MembersOf(channel)

	sent := 0
	for _, s := range targets {
		if h.deliver(s, ev) {
			sent++
		}
	}
	slog.Debug("announce", "type", ev.Type, "channel", channel, "recipients", sent, "total", len(targets))
	return sent
}

// Notify delivers ev only to the sessions of userID inside channel. It is a
// no-op when the user has no live connection there.
func (h *Hub) Notify(channel string, userID int64, ev protocol.Event) int {
	sent := 0
	for _, s := range h.MembersOf(channel) {
		if s.Identity.ID != userID {
			continue
		}
		if h.deliver(s, ev) {
			sent++
		}
	}
	slog.Debug("notify", "type", ev.Type, "channel", channel, "user_id", userID, "recipients", sent)
	return sent
}

// SendTo sends one event to one session.
func (h *Hub) SendTo(s *Session, ev protocol.Event) bool {
	return h.deliver(s, ev)
}

func (h *Hub) deliver(s *Session, ev protocol.Event) bool {
	if trySend(s, ev) {
		h.announced.Add(1)
		return true
	}
	h.dropped.Add(1)
	slog.Debug("delivery skipped", "session_id", s.ID, "type", ev.Type)
	return false
}

func trySend(s *Session, ev protocol.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
	}

	t := time.NewTimer(SendTimeout)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case s.send <- ev:
		return true
	case <-t.C:
		return false
	}
}
