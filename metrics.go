package main

import (
	"context"
	"log/slog"
	"time"

	"chathub/internal/chat"
	"chathub/internal/core"
)

// RunMetrics logs hub and chat stats every interval until ctx is canceled.
// Quiet intervals are skipped.
func RunMetrics(ctx context.Context, hub *core.Hub, svc *chat.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastChats, lastRecalls uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, channels, delivered, dropped := hub.Stats()
			c := svc.Counters()
			chats, recalls := c.Chats-lastChats, c.Recalls-lastRecalls
			lastChats, lastRecalls = c.Chats, c.Recalls
			if sessions == 0 && chats == 0 && recalls == 0 {
				continue
			}
			slog.Info("stats",
				"sessions", sessions,
				"channels", channels,
				"chats", chats,
				"recalls", recalls,
				"muted_rejections", c.Muted,
				"delivered", delivered,
				"dropped", dropped,
				"chats_per_sec", float64(chats)/interval.Seconds(),
			)
		}
	}
}
