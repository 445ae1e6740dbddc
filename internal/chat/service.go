// Package chat runs the per-connection protocol: admission, inbound
// dispatch of chat and recall payloads, and disconnect cleanup. It is
// transport agnostic; websocket and WebTransport adapters supply a [Conn].
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chathub/internal/core"
	"chathub/internal/history"
	"chathub/internal/mute"
	"chathub/internal/protocol"
)

// Admission failures. The transport closes the connection with the
// matching code from [CloseStatus].
var (
	ErrBadRequest      = errors.New("bad request")
	ErrPolicyViolation = errors.New("policy violation")
)

// Messages sent in private ERROR events.
const (
	MsgMuted       = "you are muted in this channel"
	MsgRateLimited = "sending too fast, message dropped"
)

// Conn is one bidirectional client connection as seen by the handler.
// Close must be safe to call more than once and concurrently with
// WriteEvent, and must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage(ctx context.Context) (string, error)
	WriteEvent(ev protocol.Event) error
	Close(code int, reason string) error
}

// Params are the connection request parameters.
type Params struct {
	Channel string
	Token   string
}

// TokenVerifier validates a credential and resolves the user it names.
type TokenVerifier interface {
	UserID(token string) (int64, error)
}

// UserLookup resolves a user id into an identity.
type UserLookup interface {
	User(ctx context.Context, id int64) (protocol.Identity, bool, error)
}

// MuteChecker is the read side of the mute oracle.
type MuteChecker interface {
	IsMuted(ctx context.Context, userID int64, channel string) (bool, error)
	Status(ctx context.Context, userID int64, channel string) (mute.Record, bool, error)
}

// Options tune per-connection behaviour.
type Options struct {
	// RatePerSecond limits inbound payloads per connection. Zero, the
	// default, disables it.
	RatePerSecond float64
	// Burst is the token bucket size. Defaults to 1 when a rate is set.
	Burst int
}

// Counters are running totals since start.
type Counters struct {
	Chats   uint64
	Recalls uint64
	Muted   uint64
}

// Service serves chat connections against a shared hub.
type Service struct {
	hub     *core.Hub
	mutes   MuteChecker
	history *history.Service
	tokens  TokenVerifier
	users   UserLookup
	opts    Options
	now     func() time.Time

	seqMu sync.Mutex
	seq   map[string]*sequencer

	chats   atomic.Uint64
	recalls atomic.Uint64
	muted   atomic.Uint64
}

// NewService wires the handler to its collaborators.
func NewService(hub *core.Hub, mutes MuteChecker, hist *history.Service, tokens TokenVerifier, users UserLookup, opts Options) *Service {
	if opts.RatePerSecond > 0 && opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Service{
		hub:     hub,
		mutes:   mutes,
		history: hist,
		tokens:  tokens,
		users:   users,
		opts:    opts,
		now:     time.Now,
		seq:     make(map[string]*sequencer),
	}
}

// Counters returns a snapshot of the running totals.
func (s *Service) Counters() Counters {
	return Counters{Chats: s.chats.Load(), Recalls: s.recalls.Load(), Muted: s.muted.Load()}
}

// CloseStatus maps a Serve error to the close code and reason sent to the client.
func CloseStatus(err error) (int, string) {
	switch {
	case err == nil:
		return protocol.CloseNormal, ""
	case errors.Is(err, ErrBadRequest):
		return protocol.CloseBadRequest, "channel and token are required"
	case errors.Is(err, ErrPolicyViolation):
		return protocol.ClosePolicyViolation, "authentication failed"
	default:
		return protocol.CloseInternalError, "internal error"
	}
}

// Authenticate resolves the identity behind p.
func (s *Service) Authenticate(ctx context.Context, p Params) (protocol.Identity, error) {
	if strings.TrimSpace(p.Channel) == "" || strings.TrimSpace(p.Token) == "" {
		return protocol.Identity{}, ErrBadRequest
	}
	userID, err := s.tokens.UserID(p.Token)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	who, ok, err := s.users.User(ctx, userID)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("lookup user %d: %w", userID, err)
	}
	if !ok {
		return protocol.Identity{}, fmt.Errorf("%w: unknown user %d", ErrPolicyViolation, userID)
	}
	return who, nil
}

// Serve runs one connection until the client leaves, ctx is cancelled or a
// persistence failure forces it closed. The connection is always closed on
// return.
func (s *Service) Serve(ctx context.Context, conn Conn, p Params) error {
	who, err := s.Authenticate(ctx, p)
	if err != nil {
		code, reason := CloseStatus(err)
		slog.Info("chat admission rejected", "channel", p.Channel, "code", code, "err", err)
		_ = conn.Close(code, reason)
		return err
	}

	sess, count := s.hub.Admit(who, p.Channel)
	log := slog.With("session_id", sess.ID, "channel", sess.Channel, "user_id", who.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, sess, log)
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(protocol.CloseNormal, "server shutting down")
	})

	err = s.welcome(ctx, sess, count)
	if err == nil {
		err = s.readLoop(ctx, conn, sess, log)
	}

	stop()
	code, reason := CloseStatus(err)
	if err != nil {
		log.Error("chat connection failed", "err", err)
	}
	_ = conn.Close(code, reason)
	s.leave(sess)
	<-writerDone
	return err
}

func (s *Service) welcome(ctx context.Context, sess *core.Session, count int) error {
	who := sess.Identity
	if count == 1 {
		s.hub.Announce(sess.Channel, protocol.PresenceEvent(protocol.TypeJoin, who, s.now()))
	}

	s.hub.SendTo(sess, protocol.Event{Type: protocol.TypeInitialList, Users: s.hub.Present(sess.Channel)})

	recent, err := s.history.Recent(ctx, sess.Channel, history.ReplayLimit)
	if err != nil {
		return fmt.Errorf("replay history: %w", err)
	}
	if len(recent) > 0 {
		s.hub.SendTo(sess, protocol.Event{Type: protocol.TypeHistory, Messages: recent})
	}

	rec, muted, err := s.mutes.Status(ctx, who.ID, sess.Channel)
	if err != nil {
		return fmt.Errorf("mute status: %w", err)
	}
	s.hub.SendTo(sess, protocol.MuteStatusEvent(muted, rec.ExpireAt))
	return nil
}

func (s *Service) leave(sess *core.Session) {
	_, remaining, ok := s.hub.Remove(sess.ID)
	if ok && remaining == 0 {
		s.hub.Announce(sess.Channel, protocol.PresenceEvent(protocol.TypeLeave, sess.Identity, s.now()))
	}
}

func (s *Service) writeLoop(conn Conn, sess *core.Session, log *slog.Logger) {
	for {
		select {
		case <-sess.Done():
			// Removed elsewhere, e.g. by Hub.Close during shutdown.
			_ = conn.Close(protocol.CloseNormal, "session closed")
			return
		case ev := <-sess.Outbound():
			if err := conn.WriteEvent(ev); err != nil {
				log.Debug("chat write failed", "type", ev.Type, "err", err)
				_ = conn.Close(protocol.CloseNormal, "")
				return
			}
		}
	}
}

func (s *Service) readLoop(ctx context.Context, conn Conn, sess *core.Session, log *slog.Logger) error {
	var limiter *rate.Limiter
	if s.opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RatePerSecond), s.opts.Burst)
	}
	for {
		payload, err := conn.ReadMessage(ctx)
		if err != nil {
			log.Debug("chat read ended", "err", err)
			return nil
		}
		if err := s.handle(ctx, sess, limiter, payload, log); err != nil {
			return err
		}
	}
}

func (s *Service) handle(ctx context.Context, sess *core.Session, limiter *rate.Limiter, payload string, log *slog.Logger) error {
	muted, err := s.mutes.IsMuted(ctx, sess.Identity.ID, sess.Channel)
	if err != nil {
		return fmt.Errorf("mute check: %w", err)
	}
	if muted {
		s.muted.Add(1)
		s.hub.SendTo(sess, protocol.ErrorEvent(MsgMuted))
		return nil
	}
	if limiter != nil && !limiter.Allow() {
		log.Debug("chat payload rate limited")
		s.hub.SendTo(sess, protocol.ErrorEvent(MsgRateLimited))
		return nil
	}

	if id, ok := parseRecall(payload); ok {
		return s.recall(ctx, sess, id, log)
	}
	return s.chat(ctx, sess, payload)
}

// parseRecall reports whether payload is a recall command. Every other
// payload, other JSON included, is chat content. A non-string messageId is
// taken in its JSON text form.
func parseRecall(payload string) (string, bool) {
	var cmd protocol.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return "", false
	}
	if cmd.Type != protocol.TypeRecall {
		return "", false
	}
	raw := bytes.TrimSpace(cmd.MessageID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, true
	}
	return string(raw), true
}

func (s *Service) chat(ctx context.Context, sess *core.Session, content string) error {
	who := sess.Identity
	entry := protocol.Entry{
		Type:      protocol.TypeChat,
		MessageID: uuid.NewString(),
		UserID:    who.ID,
		Username:  who.Username,
		Avatar:    who.Avatar,
		Role:      who.Role,
		Content:   content,
		Time:      s.now().UTC(),
	}

	seq := s.sequencer(sess.Channel)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if err := s.history.Append(ctx, sess.Channel, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	seq.publish(protocol.ChatEvent(entry))
	s.chats.Add(1)
	return nil
}

func (s *Service) recall(ctx context.Context, sess *core.Session, messageID string, log *slog.Logger) error {
	if messageID == "" {
		return nil
	}

	seq := s.sequencer(sess.Channel)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	target, err := s.history.Find(ctx, sess.Channel, messageID, history.RecallWindow)
	if errors.Is(err, history.ErrNotFound) {
		log.Debug("recall ignored", "message_id", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find recall target: %w", err)
	}
	if !CanRecall(sess.Identity, target) {
		log.Debug("recall ignored", "message_id", messageID)
		return nil
	}

	if _, err := s.history.RemoveByID(ctx, sess.Channel, messageID, history.RecallWindow); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("remove recall target: %w", err)
	}
	seq.publish(protocol.RecallEvent(messageID))
	s.recalls.Add(1)
	log.Info("message recalled", "message_id", messageID, "author_id", target.UserID)
	return nil
}

// CanRecall reports whether requester may remove e: authors always may,
// admins may remove anything not written by another admin.
func CanRecall(requester protocol.Identity, e protocol.Entry) bool {
	if requester.ID == e.UserID {
		return true
	}
	return requester.IsAdmin() && e.Role != protocol.RoleAdmin
}

func (s *Service) sequencer(channel string) *sequencer {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	q, ok := s.seq[channel]
	if !ok {
		q = &sequencer{hub: s.hub, channel: channel}
		s.seq[channel] = q
	}
	return q
}

// sequencer orders one channel's chat and recall events. mu is held across
// the history write and publish, so events leave in history order. Fan-out
// runs on a drain goroutine, so a slow receiver delays delivery but never
// the sender.
type sequencer struct {
	hub     *core.Hub
	channel string
	mu      sync.Mutex

	qmu      sync.Mutex
	pending  []protocol.Event
	draining bool
}

func (q *sequencer) publish(ev protocol.Event) {
	q.qmu.Lock()
	q.pending = append(q.pending, ev)
	start := !q.draining
	q.draining = true
	q.qmu.Unlock()
	if start {
		go q.drain()
	}
}

func (q *sequencer) drain() {
	for {
		q.qmu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.qmu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = protocol.Event{}
		q.pending = q.pending[1:]
		q.qmu.Unlock()
		q.hub.Announce(q.channel, ev)
	}
}
