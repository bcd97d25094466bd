package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/presence"
	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/MobasirSarkar/roomcast/internal/ws"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Error messages sent in error envelopes. The connection stays open.
const (
	msgInvalidJSON    = "invalid json"
	msgUnknownType    = "unknown type"
	msgRoomRequired   = "room required"
	msgInvalidChat    = "invalid chat"
	msgInvalidHistory = "invalid history_more"
	msgInvalidTyping  = "invalid typing"
	msgBanned         = "banned"
	msgMuted          = "muted"
	msgRateLimited    = "rate limited"
	msgInternal       = "internal error"
	msgUnauthorized   = "unauthorized"
)

// opTimeout bounds the store and presence calls made for one frame.
const opTimeout = 5 * time.Second

func (s *Server) HandleWs(w http.ResponseWriter, r *http.Request) {
	wsConn, err := ws.Accept(w, r, s.originPatterns)
	if err != nil {
		s.log.Warn("ws accept failed", "err", err)
		return
	}

	user, err := s.verifier.Verify(r.URL.Query().Get(ws.TokenParam))
	if err != nil {
		s.log.Info("rejecting connection", "err", err)
		ctx, cancel := context.WithTimeout(r.Context(), ws.WriteTimeout)
		_ = wsConn.WriteEnvelope(ctx, ws.Error(msgUnauthorized))
		cancel()
		_ = wsConn.CloseWith(CloseUnauthorized, msgUnauthorized)
		return
	}

	c := newConn(wsConn, user, rate.NewLimiter(s.rateLimit, s.rateBurst), s.log)
	s.addConn(c)
	go c.writeLoop()
	go s.pingLoop(c)

	defer func() {
		s.leaveAll(c)
		s.removeConn(c)
		c.kill(websocket.StatusNormalClosure, "bye")
	}()

	c.send(ws.System("", "connected as "+user).
		With("heartbeatInterval", int(s.heartbeatInterval/time.Second)).
		With("presenceMode", "heartbeat"))
	c.log.Debug("ws connected")

	ctx := r.Context()
	for {
		data, err := wsConn.Read(ctx)
		if err != nil {
			if status := ws.CloseStatus(err); status != -1 {
				c.log.Debug("client closed", "status", status)
			} else {
				c.log.Debug("read ended", "err", err)
			}
			return
		}
		s.dispatch(c, data)
	}
}

// pingLoop sends protocol pings so dead peers are noticed even when the
// client never sends an application heartbeat.
func (s *Server) pingLoop(c *conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Shutdown:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.Ping(context.Background()); err != nil {
				c.log.Debug("ping failed", "err", err)
				c.kill(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) dispatch(c *conn, data []byte) {
	e, err := ws.Decode(data)
	if err != nil {
		s.metrics.Frame("invalid")
		c.send(ws.Error(msgInvalidJSON))
		return
	}
	if e.Type != ws.TypePing && !c.limiter.Allow() {
		s.metrics.RateLimited()
		c.send(ws.Error(msgRateLimited))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch e.Type {
	case ws.TypeJoin:
		s.metrics.Frame(e.Type)
		s.handleJoin(ctx, c, e)
	case ws.TypeLeave:
		s.metrics.Frame(e.Type)
		if room := e.Str("room"); room != "" {
			s.leave(ctx, c, room)
		}
	case ws.TypeChat:
		s.metrics.Frame(e.Type)
		s.handleChat(ctx, c, e)
	case ws.TypeHistoryMore:
		s.metrics.Frame(e.Type)
		s.handleHistoryMore(ctx, c, e)
	case ws.TypeTyping:
		s.metrics.Frame(e.Type)
		s.handleTyping(c, e)
	case ws.TypePing:
		s.metrics.Frame(e.Type)
		s.renew(ctx, c)
		c.send(ws.Pong())
	default:
		s.metrics.Frame("unknown")
		c.send(ws.Error(msgUnknownType))
	}
}

func (s *Server) handleJoin(ctx context.Context, c *conn, e ws.Envelope) {
	room := e.Str("room")
	if room == "" {
		c.send(ws.Error(msgRoomRequired))
		return
	}
	member, err := s.members.Ensure(ctx, room, c.user)
	if err != nil {
		c.log.Error("ensure membership failed", "room", room, "err", err)
		c.send(ws.Error(msgInternal))
		return
	}
	if member.Banned {
		c.send(ws.Error(msgBanned))
		return
	}

	if c.addRoom(room) {
		if err := s.broker.Acquire(room); err != nil {
			c.removeRoom(room)
			c.log.Error("room subscription failed", "room", room, "err", err)
			c.send(ws.Error(msgInternal))
			return
		}
		s.attach(room, c)
	}

	first, err := s.presence.Join(ctx, presence.Key{Room: room, User: c.user, Conn: c.id})
	if err != nil {
		c.log.Warn("presence join failed", "room", room, "err", err)
	}

	c.send(ws.Joined(room))

	users, err := s.presence.Users(ctx, room)
	if err != nil {
		c.log.Warn("presence scan failed", "room", room, "err", err)
		users = []string{c.user}
	}
	c.send(ws.PresenceState(room, users))

	recent, err := s.messages.Recent(ctx, room, store.HistoryLimit)
	if err != nil {
		c.log.Error("history load failed", "room", room, "err", err)
	} else if len(recent) > 0 {
		c.send(ws.History(room, toWire(recent)))
	}

	if first {
		s.metrics.PresenceDiff("join", "local")
		s.broker.Broadcast(room, ws.PresenceDiff(room, []string{c.user}, nil), c.id)
		s.broker.Broadcast(room, ws.System(room, c.user+" joined"), c.id)
	}
	c.log.Debug("joined room", "room", room, "first", first)
}

// leave detaches c from room and announces the user's departure when its
// last presence record is gone. Leaving a room not joined is a no-op.
func (s *Server) leave(ctx context.Context, c *conn, room string) {
	if !c.removeRoom(room) {
		return
	}
	empty := s.detach(room, c)
	s.broker.Release(room)

	last, err := s.presence.Leave(ctx, presence.Key{Room: room, User: c.user, Conn: c.id})
	if err != nil {
		c.log.Warn("presence leave failed", "room", room, "err", err)
	}
	if empty {
		s.presence.Forget(room)
	}
	if last {
		s.metrics.PresenceDiff("leave", "local")
		s.broker.Broadcast(room, ws.PresenceDiff(room, nil, []string{c.user}), "")
		s.broker.Broadcast(room, ws.System(room, c.user+" left"), "")
	}
}

func (s *Server) leaveAll(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, room := range c.roomList() {
		s.leave(ctx, c, room)
	}
}

func (s *Server) renew(ctx context.Context, c *conn) {
	for _, room := range c.roomList() {
		if err := s.presence.Renew(ctx, presence.Key{Room: room, User: c.user, Conn: c.id}); err != nil {
			c.log.Warn("presence renew failed", "room", room, "err", err)
		}
	}
}

func (s *Server) handleChat(ctx context.Context, c *conn, e ws.Envelope) {
	room := e.Str("room")
	var body string
	if room == "" || e.Field("message", &body) != nil || !c.inRoom(room) {
		c.send(ws.Error(msgInvalidChat))
		return
	}
	member, err := s.members.Get(ctx, room, c.user)
	if err != nil {
		c.send(ws.Error(membershipError(err)))
		return
	}
	switch {
	case member.Banned:
		c.send(ws.Error(msgBanned))
		return
	case member.Muted:
		c.send(ws.Error(msgMuted))
		return
	}

	msg, err := s.messages.Append(ctx, room, c.user, body)
	if err != nil {
		c.log.Error("persist message failed", "room", room, "err", err)
		c.send(ws.Error(msgInternal))
		return
	}
	s.metrics.MessageStored()
	s.broker.Broadcast(room, ws.Chat(wireMessage(msg)), "")
}

func (s *Server) handleHistoryMore(ctx context.Context, c *conn, e ws.Envelope) {
	room := e.Str("room")
	beforeID, ok := e.Int("before_id")
	if room == "" || !ok || !c.inRoom(room) {
		c.send(ws.Error(msgInvalidHistory))
		return
	}
	if _, err := s.members.Get(ctx, room, c.user); err != nil {
		c.send(ws.Error(membershipError(err)))
		return
	}
	older, err := s.messages.Before(ctx, room, beforeID, store.HistoryLimit)
	if err != nil {
		c.log.Error("history page failed", "room", room, "before", beforeID, "err", err)
		c.send(ws.Error(msgInternal))
		return
	}
	c.send(ws.HistoryMore(room, toWire(older), len(older) == store.HistoryLimit))
}

// handleTyping reaches every local connection in the room, the sender
// included.
func (s *Server) handleTyping(c *conn, e ws.Envelope) {
	room := e.Str("room")
	if room == "" || !c.inRoom(room) {
		c.send(ws.Error(msgInvalidTyping))
		return
	}
	s.broker.Broadcast(room, ws.Typing(room, c.user, e.Bool("isTyping")), "")
}

func membershipError(err error) string {
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, store.ErrNotMember):
		return err.Error()
	default:
		return msgInternal
	}
}

func wireMessage(m store.Message) ws.ChatMessage {
	return ws.ChatMessage{
		Room:      m.Room,
		User:      m.User,
		Message:   m.Body,
		MessageID: m.ID,
		Ts:        m.CreatedAt,
		Edited:    m.Edited,
	}
}

func toWire(msgs []store.Message) []ws.ChatMessage {
	out := make([]ws.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage(m)
	}
	return out
}
