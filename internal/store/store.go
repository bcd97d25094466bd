// Package store persists chat messages and room membership.
package store

import (
	"context"
	"errors"
	"time"
)

// HistoryLimit is the page size for the join backlog and older pages.
const HistoryLimit = 50

var (
	ErrRoomNotFound    = errors.New("room missing")
	ErrNotMember       = errors.New("not a member")
	ErrMessageNotFound = errors.New("message not found")
	ErrContention      = errors.New("store: id assignment contention")
)

// Message is one persisted chat line. Ids are strictly increasing per room
// in creation order.
type Message struct {
	ID        int64
	Room      string
	User      string
	Body      string
	CreatedAt time.Time
	Edited    bool
}

// Messages is message persistence. Pages are returned oldest first.
type Messages interface {
	// Append assigns the next id and timestamp for room atomically.
	Append(ctx context.Context, room, user, body string) (Message, error)
	Recent(ctx context.Context, room string, limit int) ([]Message, error)
	// Before returns up to limit messages with id < beforeID.
	Before(ctx context.Context, room string, beforeID int64, limit int) ([]Message, error)
	Get(ctx context.Context, room string, id int64) (Message, error)
	Edit(ctx context.Context, room string, id int64, body string) (Message, error)
	Delete(ctx context.Context, room string, id int64) error
}

// Member is one user's standing in a room.
type Member struct {
	Room      string
	Username  string
	Moderator bool
	Banned    bool
	Muted     bool
	JoinedAt  time.Time
}

// Members is room membership.
type Members interface {
	// Ensure creates the room and the membership if either is missing. The
	// member that creates a room moderates it.
	Ensure(ctx context.Context, room, user string) (Member, error)
	// Get returns ErrRoomNotFound or ErrNotMember when absent.
	Get(ctx context.Context, room, user string) (Member, error)
	// Update applies fn to an existing member and saves the result.
	Update(ctx context.Context, room, user string, fn func(*Member)) (Member, error)
}

var (
	_ Messages = (*MemoryMessages)(nil)
	_ Messages = (*ScyllaMessages)(nil)
	_ Members  = (*MemoryMembers)(nil)
	_ Members  = (*ScyllaMembers)(nil)
)
