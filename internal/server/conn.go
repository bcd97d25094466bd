package server

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/MobasirSarkar/roomcast/internal/ws"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// sendBuffer is how many outbound frames may wait on a slow connection
// before it is dropped.
const sendBuffer = 64

// conn is one authenticated websocket connection. Frames are queued and
// written by a single goroutine so that every peer sees events in the
// order they were delivered.
type conn struct {
	id      string
	user    string
	ws      *ws.Conn
	limiter *rate.Limiter
	log     *slog.Logger

	out  chan ws.Envelope
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newConn(c *ws.Conn, user string, limiter *rate.Limiter, log *slog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:      id,
		user:    user,
		ws:      c,
		limiter: limiter,
		log:     log.With("conn", id, "user", user),
		out:     make(chan ws.Envelope, sendBuffer),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
	}
}

// send queues e. It reports false when the connection is gone or its queue
// is full, in which case the connection is closed.
func (c *conn) send(e ws.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- e:
		return true
	default:
		c.log.Warn("send queue full, dropping connection", "type", e.Type)
		c.kill(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case e := <-c.out:
			if err := c.ws.WriteEnvelope(context.Background(), e); err != nil {
				c.log.Debug("write failed", "type", e.Type, "err", err)
				c.kill(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// kill stops the writer and starts the close handshake without waiting for
// it. Safe to call more than once; the first code wins.
func (c *conn) kill(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() { _ = c.ws.CloseWith(code, reason) }()
	})
}

func (c *conn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// addRoom reports whether room was newly added.
func (c *conn) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// removeRoom reports whether room was present.
func (c *conn) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *conn) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}
