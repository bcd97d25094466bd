package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types exchanged over the connection.
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeChat           = "chat"
	TypeHistory        = "history"
	TypeHistoryMore    = "history_more"
	TypeTyping         = "typing"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSystem         = "system"
	TypeJoined         = "joined"
	TypePresenceState  = "presence_state"
	TypePresenceDiff   = "presence_diff"
	TypeMessageUpdated = "message_updated"
	TypeMessageDeleted = "message_deleted"
	TypeMemberUpdate   = "member_update"
	TypeError          = "error"
)

// FieldOrigin carries the id of the server process that published an event.
const FieldOrigin = "srv"

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrMissingType = errors.New("envelope type is required")
)

// Envelope is the uniform wrapper for every frame. Fields other than the
// well-known header are kept raw in Extra, so a decoded envelope re-encodes
// with unknown fields untouched.
type Envelope struct {
	Type    string
	Version int
	Topic   string
	MsgID   string
	Payload map[string]any
	Extra   map[string]json.RawMessage
}

var headerKeys = map[string]struct{}{
	"type": {}, "version": {}, "topic": {}, "msgId": {}, "payload": {},
}

// NewEnvelope builds an envelope of the given type with flat fields.
func NewEnvelope(typ string, fields map[string]any) Envelope {
	e := Envelope{Type: typ}
	for k, v := range fields {
		e = e.With(k, v)
	}
	return e
}

// Decode parses one text frame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrMissingType) {
			return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingType)
	}
	return e, nil
}

// Encode renders the envelope as a single JSON text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Extra)+5)
	for k, v := range e.Extra {
		out[k] = v
	}
	put := func(k string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = raw
		return nil
	}
	if err := put("type", e.Type); err != nil {
		return nil, err
	}
	if e.Version != 0 {
		if err := put("version", e.Version); err != nil {
			return nil, err
		}
	}
	if e.Topic != "" {
		if err := put("topic", e.Topic); err != nil {
			return nil, err
		}
	}
	if e.MsgID != "" {
		if err := put("msgId", e.MsgID); err != nil {
			return nil, err
		}
	}
	if e.Payload != nil {
		if err := put("payload", e.Payload); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var typ string
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &typ); err != nil {
			return fmt.Errorf("type: %w", err)
		}
	}
	if typ == "" {
		return ErrMissingType
	}
	*e = Envelope{Type: typ}
	if v, ok := raw["version"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &e.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}
	if v, ok := raw["topic"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &e.Topic); err != nil {
			return fmt.Errorf("topic: %w", err)
		}
	}
	if v, ok := raw["msgId"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &e.MsgID); err != nil {
			return fmt.Errorf("msgId: %w", err)
		}
	}
	if v, ok := raw["payload"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &e.Payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	for k, v := range raw {
		if _, header := headerKeys[k]; header {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// With returns a copy of e with the flat field k set to v. The receiver is
// never modified.
func (e Envelope) With(k string, v any) Envelope {
	raw, err := json.Marshal(v)
	if err != nil {
		return e
	}
	extra := make(map[string]json.RawMessage, len(e.Extra)+1)
	for ek, ev := range e.Extra {
		extra[ek] = ev
	}
	extra[k] = raw
	e.Extra = extra
	return e
}

// Without returns a copy of e with the flat field k removed.
func (e Envelope) Without(k string) Envelope {
	if _, ok := e.Extra[k]; !ok {
		return e
	}
	extra := make(map[string]json.RawMessage, len(e.Extra))
	for ek, ev := range e.Extra {
		if ek != k {
			extra[ek] = ev
		}
	}
	e.Extra = extra
	return e
}

// Has reports whether the flat field k is present.
func (e Envelope) Has(k string) bool {
	_, ok := e.Extra[k]
	return ok
}

// Field decodes the flat field k into dst.
func (e Envelope) Field(k string, dst any) error {
	raw, ok := e.Extra[k]
	if !ok {
		return fmt.Errorf("field %q missing", k)
	}
	return json.Unmarshal(raw, dst)
}

// Str returns the flat field k as a string, or "" when absent or not a string.
func (e Envelope) Str(k string) string {
	var s string
	if err := e.Field(k, &s); err != nil {
		return ""
	}
	return s
}

// Int returns the flat field k as an integer. Fractional numbers are rejected.
func (e Envelope) Int(k string) (int64, bool) {
	var n json.Number
	raw, ok := e.Extra[k]
	if !ok {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Float returns the flat field k as a number.
func (e Envelope) Float(k string) (float64, bool) {
	var f float64
	if err := e.Field(k, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Bool returns the flat field k interpreted loosely as a boolean.
func (e Envelope) Bool(k string) bool {
	var b bool
	if err := e.Field(k, &b); err == nil {
		return b
	}
	if f, ok := e.Float(k); ok {
		return f != 0
	}
	return e.Str(k) != ""
}

// Strings returns the flat field k as a list of strings.
func (e Envelope) Strings(k string) []string {
	var out []string
	if err := e.Field(k, &out); err != nil {
		return nil
	}
	return out
}

// ChatMessage is the wire shape of one persisted chat line, used both in
// live chat frames and inside history pages.
type ChatMessage struct {
	Type      string    `json:"type,omitempty"`
	Room      string    `json:"room"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	MessageID int64     `json:"message_id"`
	Ts        time.Time `json:"ts"`
	Edited    bool      `json:"edited,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// MemberUpdate describes a change to one member's moderation flags.
type MemberUpdate struct {
	Room        string `json:"room"`
	Username    string `json:"username"`
	IsModerator *bool  `json:"is_moderator,omitempty"`
	IsBanned    *bool  `json:"is_banned,omitempty"`
	IsMuted     *bool  `json:"is_muted,omitempty"`
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func System(room, message string) Envelope {
	fields := map[string]any{"message": message, "ts": now()}
	if room != "" {
		fields["room"] = room
	}
	return NewEnvelope(TypeSystem, fields)
}

func Joined(room string) Envelope {
	return NewEnvelope(TypeJoined, map[string]any{"room": room})
}

func PresenceState(room string, users []string) Envelope {
	if users == nil {
		users = []string{}
	}
	return NewEnvelope(TypePresenceState, map[string]any{"room": room, "users": users, "ts": now()})
}

// PresenceDiff omits empty sides.
func PresenceDiff(room string, join, leave []string) Envelope {
	fields := map[string]any{"room": room, "ts": now()}
	if len(join) > 0 {
		fields["join"] = join
	}
	if len(leave) > 0 {
		fields["leave"] = leave
	}
	return NewEnvelope(TypePresenceDiff, fields)
}

func Chat(m ChatMessage) Envelope {
	return NewEnvelope(TypeChat, map[string]any{
		"room":       m.Room,
		"user":       m.User,
		"message":    m.Message,
		"message_id": m.MessageID,
		"ts":         m.Ts.UTC().Format(time.RFC3339Nano),
	})
}

func History(room string, msgs []ChatMessage) Envelope {
	return NewEnvelope(TypeHistory, map[string]any{"room": room, "messages": withChatType(msgs)})
}

func HistoryMore(room string, msgs []ChatMessage, more bool) Envelope {
	return NewEnvelope(TypeHistoryMore, map[string]any{"room": room, "messages": withChatType(msgs), "more": more})
}

func withChatType(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		m.Type = TypeChat
		out[i] = m
	}
	return out
}

func Typing(room, user string, isTyping bool) Envelope {
	return NewEnvelope(TypeTyping, map[string]any{"room": room, "user": user, "isTyping": isTyping, "ts": now()})
}

func MessageUpdated(room string, id int64, content string) Envelope {
	return NewEnvelope(TypeMessageUpdated, map[string]any{"room": room, "message_id": id, "content": content, "ts": now()})
}

func MessageDeleted(room string, id int64) Envelope {
	return NewEnvelope(TypeMessageDeleted, map[string]any{"room": room, "message_id": id, "ts": now()})
}

func MemberUpdated(u MemberUpdate) Envelope {
	fields := map[string]any{"room": u.Room, "username": u.Username, "ts": now()}
	if u.IsModerator != nil {
		fields["is_moderator"] = *u.IsModerator
	}
	if u.IsBanned != nil {
		fields["is_banned"] = *u.IsBanned
	}
	if u.IsMuted != nil {
		fields["is_muted"] = *u.IsMuted
	}
	return NewEnvelope(TypeMemberUpdate, fields)
}

func Pong() Envelope {
	return NewEnvelope(TypePong, map[string]any{"ts": float64(time.Now().UnixMilli()) / 1000})
}

func Error(message string) Envelope {
	return NewEnvelope(TypeError, map[string]any{"message": message})
}

// Inbound builders used by clients.

func JoinRoom(room string) Envelope  { return NewEnvelope(TypeJoin, map[string]any{"room": room}) }
func LeaveRoom(room string) Envelope { return NewEnvelope(TypeLeave, map[string]any{"room": room}) }
func Ping() Envelope                 { return Envelope{Type: TypePing} }

func SendChat(room, message string) Envelope {
	return NewEnvelope(TypeChat, map[string]any{"room": room, "message": message})
}

func RequestHistory(room string, beforeID int64) Envelope {
	return NewEnvelope(TypeHistoryMore, map[string]any{"room": room, "before_id": beforeID})
}

func SetTyping(room string, isTyping bool) Envelope {
	return NewEnvelope(TypeTyping, map[string]any{"room": room, "isTyping": isTyping})
}
