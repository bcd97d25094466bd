package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

var (
	ErrForbidden   = errors.New("not permitted")
	ErrUnknownFlag = errors.New("unknown member flag")
)

// Member flags a moderator can toggle.
const (
	FlagModerator = "moderator"
	FlagBan       = "ban"
	FlagMute      = "mute"
)

// EditMessage replaces the body of message id and announces it as
// message_updated. Only the author or a room moderator may edit.
func (s *Server) EditMessage(ctx context.Context, actor, room string, id int64, body string) (store.Message, error) {
	if err := s.mayModify(ctx, actor, room, id); err != nil {
		return store.Message{}, err
	}
	msg, err := s.messages.Edit(ctx, room, id, body)
	if err != nil {
		return store.Message{}, fmt.Errorf("edit message: %w", err)
	}
	s.broker.Broadcast(room, ws.MessageUpdated(room, msg.ID, msg.Body), "")
	return msg, nil
}

// DeleteMessage removes message id and announces it as message_deleted.
func (s *Server) DeleteMessage(ctx context.Context, actor, room string, id int64) error {
	if err := s.mayModify(ctx, actor, room, id); err != nil {
		return err
	}
	if err := s.messages.Delete(ctx, room, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.broker.Broadcast(room, ws.MessageDeleted(room, id), "")
	return nil
}

func (s *Server) mayModify(ctx context.Context, actor, room string, id int64) error {
	msg, err := s.messages.Get(ctx, room, id)
	if err != nil {
		return err
	}
	if msg.User == actor {
		return nil
	}
	return s.requireModerator(ctx, actor, room)
}

func (s *Server) requireModerator(ctx context.Context, actor, room string) error {
	m, err := s.members.Get(ctx, room, actor)
	if errors.Is(err, store.ErrNotMember) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if !m.Moderator {
		return ErrForbidden
	}
	return nil
}

// ToggleMember flips one moderation flag of username in room and announces
// the member's resulting flags as member_update. actor must moderate room.
func (s *Server) ToggleMember(ctx context.Context, actor, room, username, flag string) (store.Member, error) {
	var apply func(*store.Member)
	switch flag {
	case FlagModerator:
		apply = func(m *store.Member) { m.Moderator = !m.Moderator }
	case FlagBan:
		apply = func(m *store.Member) { m.Banned = !m.Banned }
	case FlagMute:
		apply = func(m *store.Member) { m.Muted = !m.Muted }
	default:
		return store.Member{}, fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	}
	if err := s.requireModerator(ctx, actor, room); err != nil {
		return store.Member{}, err
	}
	m, err := s.members.Update(ctx, room, username, apply)
	if err != nil {
		return store.Member{}, fmt.Errorf("toggle %s: %w", flag, err)
	}
	s.broker.Broadcast(room, ws.MemberUpdated(ws.MemberUpdate{
		Room:        room,
		Username:    username,
		IsModerator: &m.Moderator,
		IsBanned:    &m.Banned,
		IsMuted:     &m.Muted,
	}), "")
	return m, nil
}
