package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryMessages keeps messages in process. It is the single writer for
// every room it holds.
type MemoryMessages struct {
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	lastID int64
	msgs   []Message // ascending id
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{now: time.Now, rooms: make(map[string]*memRoom)}
}

func byID(msg Message, id int64) int {
	switch {
	case msg.ID < id:
		return -1
	case msg.ID > id:
		return 1
	}
	return 0
}

func (m *MemoryMessages) room(name string) *memRoom {
	r, ok := m.rooms[name]
	if !ok {
		r = &memRoom{}
		m.rooms[name] = r
	}
	return r
}

func (m *MemoryMessages) Append(ctx context.Context, room, user, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	r.lastID++
	msg := Message{ID: r.lastID, Room: room, User: user, Body: body, CreatedAt: m.now().UTC()}
	r.msgs = append(r.msgs, msg)
	return msg, nil
}

func (m *MemoryMessages) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	return m.Before(ctx, room, 0, limit)
}

func (m *MemoryMessages) Before(ctx context.Context, room string, beforeID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	end := len(r.msgs)
	if beforeID > 0 {
		end, _ = slices.BinarySearchFunc(r.msgs, beforeID, byID)
	}
	start := max(end-limit, 0)
	return slices.Clone(r.msgs[start:end]), nil
}

func (m *MemoryMessages) find(room string, id int64) (*memRoom, int, error) {
	r, ok := m.rooms[room]
	if !ok {
		return nil, 0, ErrMessageNotFound
	}
	i, found := slices.BinarySearchFunc(r.msgs, id, byID)
	if !found {
		return nil, 0, ErrMessageNotFound
	}
	return r, i, nil
}

func (m *MemoryMessages) Get(ctx context.Context, room string, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, i, err := m.find(room, id)
	if err != nil {
		return Message{}, err
	}
	return r.msgs[i], nil
}

func (m *MemoryMessages) Edit(ctx context.Context, room string, id int64, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, i, err := m.find(room, id)
	if err != nil {
		return Message{}, err
	}
	r.msgs[i].Body = body
	r.msgs[i].Edited = true
	return r.msgs[i], nil
}

func (m *MemoryMessages) Delete(ctx context.Context, room string, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, i, err := m.find(room, id)
	if err != nil {
		return err
	}
	r.msgs = slices.Delete(r.msgs, i, i+1)
	return nil
}

// MemoryMembers keeps membership in process.
type MemoryMembers struct {
	now func() time.Time

	mu      sync.Mutex
	members map[string]map[string]Member
}

func NewMemoryMembers() *MemoryMembers {
	return &MemoryMembers{now: time.Now, members: make(map[string]map[string]Member)}
}

func (m *MemoryMembers) Ensure(ctx context.Context, room, user string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[room]
	if !ok {
		set = make(map[string]Member)
		m.members[room] = set
	}
	mem, ok := set[user]
	if !ok {
		mem = Member{Room: room, Username: user, Moderator: len(set) == 0, JoinedAt: m.now().UTC()}
		set[user] = mem
	}
	return mem, nil
}

func (m *MemoryMembers) Get(ctx context.Context, room, user string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.member(room, user)
}

func (m *MemoryMembers) member(room, user string) (Member, error) {
	set, ok := m.members[room]
	if !ok {
		return Member{}, ErrRoomNotFound
	}
	mem, ok := set[user]
	if !ok {
		return Member{}, ErrNotMember
	}
	return mem, nil
}

func (m *MemoryMembers) Update(ctx context.Context, room, user string, fn func(*Member)) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, err := m.member(room, user)
	if err != nil {
		return Member{}, err
	}
	fn(&mem)
	mem.Room, mem.Username = room, user
	m.members[room][user] = mem
	return mem, nil
}
