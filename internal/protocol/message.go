package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types used by the chat protocol.
const (
	TypeJoin        = "JOIN"
	TypeLeave       = "LEAVE"
	TypeChat        = "CHAT"
	TypeRecall      = "RECALL"
	TypeInitialList = "INITIAL_LIST"
	TypeHistory     = "HISTORY"
	TypeMuteStatus  = "MUTE_STATUS"
	TypeError       = "ERROR"
)

// Close codes sent when the hub terminates a connection.
const (
	CloseNormal          = 1000
	CloseBadRequest      = 1007
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Role governs recall authorization.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleVIP   Role = "VIP"
	RoleUser  Role = "USER"
)

// ParseRole normalises a stored role string. Unknown values become USER.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleVIP:
		return RoleVIP
	default:
		return RoleUser
	}
}

// Identity is the display bundle attached to a connection at admission.
// Avatar is opaque: a URL or data URI, never inspected.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the identity holds the ADMIN role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Entry is one chat message as broadcast and as retained in history.
// Author fields are snapshotted at send time.
type Entry struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Time      time.Time `json:"time"`
}

// Author reconstructs the snapshotted author identity.
func (e Entry) Author() Identity {
	return Identity{ID: e.UserID, Username: e.Username, Avatar: e.Avatar, Role: e.Role}
}

// Event is the JSON envelope pushed to clients. Type selects which of the
// remaining fields are meaningful.
type Event struct {
	Type       string     `json:"type"`
	MessageID  string     `json:"messageId,omitempty"`
	UserID     int64      `json:"userId,omitempty"`
	Username   string     `json:"username,omitempty"`
	Avatar     string     `json:"avatar,omitempty"`
	Role       Role       `json:"role,omitempty"`
	Content    string     `json:"content,omitempty"`
	Time       time.Time  `json:"time,omitzero"`
	Users      []Identity `json:"users,omitempty"`
	Messages   []Entry    `json:"messages,omitempty"`
	Muted      *bool      `json:"muted,omitempty"`
	ExpireTime time.Time  `json:"expireTime,omitzero"`
}

// Command is the structured inbound shape recognised besides plain chat text.
// MessageID is kept raw because clients may send it as a number.
type Command struct {
	Type      string          `json:"type"`
	MessageID json.RawMessage `json:"messageId"`
}

// PresenceEvent builds a JOIN or LEAVE announcement for one identity.
func PresenceEvent(typ string, who Identity, at time.Time) Event {
	return Event{
		Type:     typ,
		UserID:   who.ID,
		Username: who.Username,
		Avatar:   who.Avatar,
		Role:     who.Role,
		Time:     at,
	}
}

// ChatEvent builds the CHAT broadcast for a history entry.
func ChatEvent(e Entry) Event {
	return Event{
		Type:      TypeChat,
		MessageID: e.MessageID,
		UserID:    e.UserID,
		Username:  e.Username,
		Avatar:    e.Avatar,
		Role:      e.Role,
		Content:   e.Content,
		Time:      e.Time,
	}
}

// RecallEvent carries only the removed message id.
func RecallEvent(messageID string) Event {
	return Event{Type: TypeRecall, MessageID: messageID}
}

// MuteStatusEvent reports the current mute state of the receiving user.
func MuteStatusEvent(muted bool, expireAt time.Time) Event {
	ev := Event{Type: TypeMuteStatus, Muted: &muted}
	if muted {
		ev.ExpireTime = expireAt
	}
	return ev
}

// ErrorEvent is a private error notice.
func ErrorEvent(content string) Event {
	return Event{Type: TypeError, Content: content}
}
