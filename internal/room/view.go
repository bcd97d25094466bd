// Package room keeps client-side room state in step with the inbound
// envelope stream and turns local intents into outbound envelopes.
package room

import (
	"cmp"
	"slices"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/ws"
)

// Message is one chat line as the client renders it.
type Message struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
	Edited    bool
	// Deleted marks a tombstone delivered by the server; it stays visible
	// until an explicit delete event removes it.
	Deleted bool
}

// Notice is a system line.
type Notice struct {
	Room string
	Text string
	At   time.Time
}

// DebugRecord keeps an envelope of a type the handler does not know.
type DebugRecord struct {
	Envelope ws.Envelope
	At       time.Time
}

// MemberFlags mirrors the latest member_update for a user.
type MemberFlags struct {
	Moderator bool
	Banned    bool
	Muted     bool
}

// View is an immutable snapshot of one room.
type View struct {
	Room     string
	Messages []Message // newest first
	Present  []string
	Typing   []string
	Members  map[string]MemberFlags
	Notices  []Notice // newest first
	Debug    []DebugRecord
	OldestID int64
	HasMore  bool
	Loading  bool
}

// messageList is a newest-first list deduplicated by id against a seen set.
type messageList struct {
	limit int
	msgs  []Message
	seen  map[int64]struct{}
}

func newMessageList(limit int) *messageList {
	return &messageList{limit: limit, seen: make(map[int64]struct{})}
}

func (l *messageList) reset() {
	l.msgs = nil
	l.seen = make(map[int64]struct{})
}

// insert adds msgs, silently discarding ids already seen, then restores
// newest-first order and trims the oldest tail. Callers drop messages
// without an id first. It returns how many were added.
func (l *messageList) insert(msgs ...Message) int {
	added := 0
	for _, m := range msgs {
		if _, dup := l.seen[m.ID]; dup {
			continue
		}
		l.seen[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
		added++
	}
	if added == 0 {
		return 0
	}
	slices.SortStableFunc(l.msgs, func(a, b Message) int { return cmp.Compare(b.ID, a.ID) })
	if l.limit > 0 && len(l.msgs) > l.limit {
		for _, m := range l.msgs[l.limit:] {
			delete(l.seen, m.ID)
		}
		l.msgs = slices.Clip(l.msgs[:l.limit])
	}
	return added
}

func (l *messageList) update(id int64, body string) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs[i].Body = body
			l.msgs[i].Edited = true
			return true
		}
	}
	return false
}

// remove drops the message but keeps its id seen so a late page cannot
// bring it back.
func (l *messageList) remove(id int64) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs = slices.Delete(l.msgs, i, i+1)
			return true
		}
	}
	return false
}

func (l *messageList) oldestID() int64 {
	for i := len(l.msgs) - 1; i >= 0; i-- {
		if l.msgs[i].ID > 0 {
			return l.msgs[i].ID
		}
	}
	return 0
}

func (l *messageList) snapshot() []Message {
	return slices.Clone(l.msgs)
}

func fromWire(m ws.ChatMessage) Message {
	return Message{
		ID:        m.MessageID,
		Author:    m.User,
		Body:      m.Message,
		CreatedAt: m.Ts,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
	}
}
