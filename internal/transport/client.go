// Package transport owns the lifecycle of one persistent client connection:
// dialing, reconnecting with jittered backoff, heartbeats and send queueing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/sched"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

const (
	DefaultHeartbeat       = 25 * time.Second
	DefaultHeartbeatJitter = 0.1
	DefaultMaxPending      = 1024

	// HeartbeatHintField is the inbound field, in seconds, through which the
	// server suggests a heartbeat interval.
	HeartbeatHintField = "heartbeatInterval"
)

var ErrNoTarget = errors.New("transport: no target url")

// Conn is one physical connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebSocketDialer dials with coder/websocket.
func WebSocketDialer(d ws.Dialer) Dialer {
	return DialFunc(func(ctx context.Context, url string) (Conn, error) {
		c, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Options configures a Client.
type Options struct {
	// Target resolves the url for each connection attempt.
	Target func() (string, error)
	Dialer Dialer

	Backoff Backoff
	// NoReconnect disables automatic reconnection after unexpected closes.
	NoReconnect bool

	Heartbeat       time.Duration
	HeartbeatJitter float64
	MaxPending      int

	Clock  sched.Clock
	Rand   func() float64
	Logger *slog.Logger
}

// Client is a reconnecting connection. All exported methods are safe for
// concurrent use; listeners run one at a time, in event order, never while
// the client's lock is held, so they may call back into the client.
type Client struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	manual     bool
	exhausted  bool
	attempts   int
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	cancelRead context.CancelFunc
	queue      []ws.Envelope
	beatEvery  time.Duration

	reconnect *sched.Task
	heartbeat *sched.Task

	events         dispatcher
	onOpen         registry[OpenHandler]
	onClose        registry[CloseHandler]
	onError        registry[ErrorHandler]
	onMessage      registry[MessageHandler]
	onReconnecting registry[ReconnectingHandler]
	onResume       registry[ResumeHandler]
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = sched.Real
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer(ws.Dialer{})
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	switch {
	case opts.HeartbeatJitter < 0:
		opts.HeartbeatJitter = 0
	case opts.HeartbeatJitter == 0:
		opts.HeartbeatJitter = DefaultHeartbeatJitter
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	opts.Backoff = opts.Backoff.withDefaults()
	return &Client{
		opts:      opts,
		log:       opts.Logger.With("component", "transport"),
		state:     StateClosed,
		beatEvery: opts.Heartbeat,
		reconnect: sched.NewTask(opts.Clock),
		heartbeat: sched.NewTask(opts.Clock),
	}
}

func (c *Client) OnOpen(fn OpenHandler) func()       { return c.onOpen.add(fn) }
func (c *Client) OnClose(fn CloseHandler) func()     { return c.onClose.add(fn) }
func (c *Client) OnError(fn ErrorHandler) func()     { return c.onError.add(fn) }
func (c *Client) OnMessage(fn MessageHandler) func() { return c.onMessage.add(fn) }
func (c *Client) OnReconnecting(fn ReconnectingHandler) func() {
	return c.onReconnecting.add(fn)
}

// OnResume registers a handler that runs synchronously on each new
// connection, before the pending queue is flushed. The envelopes it returns
// are written first. It must not block.
func (c *Client) OnResume(fn ResumeHandler) func() { return c.onResume.add(fn) }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether frames are written immediately.
func (c *Client) IsOpen() bool { return c.State() == StateOpen }

// Attempts returns the reconnect-attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Pending returns the number of queued envelopes.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect starts a connection attempt. It is a no-op while connecting or open.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = false
	c.exhausted = false
	if c.state == StateConnecting || c.state == StateOpen {
		return
	}
	c.reconnect.Cancel()
	c.startAttemptLocked()
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = true
	c.reconnect.Cancel()
	c.heartbeat.Cancel()
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	wasOpen := c.state == StateOpen
	c.dropConnLocked()
	c.state = StateClosed
	c.queue = nil
	if wasOpen {
		c.emitClose(CloseInfo{Manual: true})
	}
}

// Send writes e when open, queues it while a reconnect is still possible,
// and rejects it otherwise. A write failure on an open connection is
// reported as false and the envelope is not queued.
func (c *Client) Send(e ws.Envelope) bool {
	c.mu.Lock()
	if c.state == StateOpen && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := write(conn, e); err != nil {
			c.log.Warn("send failed", "type", e.Type, "err", err)
			return false
		}
		return true
	}
	defer c.mu.Unlock()
	if !c.canReconnectLocked() {
		return false
	}
	if len(c.queue) >= c.opts.MaxPending {
		c.log.Warn("pending queue full, rejecting send", "type", e.Type, "pending", len(c.queue))
		return false
	}
	c.queue = append(c.queue, e)
	return true
}

func (c *Client) canReconnectLocked() bool {
	return !c.manual && !c.opts.NoReconnect && !c.exhausted
}

func (c *Client) startAttemptLocked() {
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	go c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	var (
		conn Conn
		err  error
	)
	url, err := c.resolveTarget()
	if err == nil {
		conn, err = c.opts.Dialer.Dial(ctx, url)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.log.Warn("connect failed", "err", err, "attempt", c.attempts)
		c.emitError(err)
		c.state = StateClosed
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	var resume []ws.Envelope
	for _, fn := range c.onResume.snapshot() {
		resume = append(resume, fn()...)
	}
	c.flush(gen, conn, resume)
}

// flush writes the resume frames and then the pending queue on a fresh
// connection. The client stays connecting until the queue is drained, so
// sends made meanwhile are queued behind it rather than written ahead.
// Failed writes are dropped.
func (c *Client) flush(gen uint64, conn Conn, batch []ws.Envelope) {
	flushed := 0
	for {
		for _, e := range batch {
			if err := write(conn, e); err != nil {
				c.log.Debug("dropping queued envelope", "type", e.Type, "err", err)
				continue
			}
			flushed++
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if len(c.queue) > 0 {
			batch = c.queue
			c.queue = nil
			c.mu.Unlock()
			continue
		}
		c.state = StateOpen
		readCtx, cancelRead := context.WithCancel(context.Background())
		c.cancelRead = cancelRead
		go c.readLoop(readCtx, conn, gen)
		c.armHeartbeatLocked(gen)
		c.log.Info("connected", "flushed", flushed)
		c.emitOpen()
		c.mu.Unlock()
		return
	}
}

// SetTarget replaces the url resolver used by subsequent attempts.
func (c *Client) SetTarget(fn func() (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Target = fn
}

func (c *Client) resolveTarget() (string, error) {
	c.mu.Lock()
	target := c.opts.Target
	c.mu.Unlock()
	if target == nil {
		return "", ErrNoTarget
	}
	url, err := target()
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", ErrNoTarget
	}
	return url, nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.connLost(gen, err)
			return
		}
		c.frame(gen, data)
	}
}

func (c *Client) frame(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	e, err := ws.Decode(data)
	if err != nil {
		c.log.Warn("dropping malformed frame", "err", err, "size", len(data))
		return
	}
	if secs, ok := e.Float(HeartbeatHintField); ok && secs > 0 {
		next := time.Duration(secs * float64(time.Second))
		if next != c.beatEvery {
			c.beatEvery = next
			c.armHeartbeatLocked(gen)
		}
	}
	c.emitMessage(e)
}

func (c *Client) connLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.gen++
	c.heartbeat.Cancel()
	c.dropConnLocked()
	c.state = StateClosed
	c.log.Info("connection lost", "err", err, "code", ws.CloseStatus(err))
	c.emitClose(CloseInfo{Err: err})
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if !c.canReconnectLocked() {
		return
	}
	next := c.attempts + 1
	if c.opts.Backoff.Exhausted(next) {
		c.exhausted = true
		c.queue = nil
		c.log.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	c.attempts = next
	delay := c.opts.Backoff.Delay(next, c.opts.Rand())
	c.state = StateReconnecting
	c.emitReconnecting(next, delay)
	c.reconnect.Schedule(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateReconnecting || !c.canReconnectLocked() {
			return
		}
		c.startAttemptLocked()
	})
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	d := jitter(c.beatEvery, c.opts.HeartbeatJitter, c.opts.Rand())
	c.heartbeat.Schedule(d, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.armHeartbeatLocked(gen)
		c.mu.Unlock()
		if err := write(conn, ws.Ping()); err != nil {
			c.log.Debug("heartbeat failed", "err", err)
		}
	})
}

func write(conn Conn, e ws.Envelope) error {
	raw, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return conn.Write(context.Background(), raw)
}

// dropConnLocked closes before cancelling the reader so the peer sees a
// normal closure rather than an aborted read.
func (c *Client) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
}

// WaitIdle blocks until every queued listener callback has run.
func (c *Client) WaitIdle() { c.events.wait() }

func (c *Client) emitOpen() {
	c.events.post(func() {
		for _, fn := range c.onOpen.snapshot() {
			fn()
		}
	})
}

func (c *Client) emitClose(info CloseInfo) {
	c.events.post(func() {
		for _, fn := range c.onClose.snapshot() {
			fn(info)
		}
	})
}

func (c *Client) emitError(err error) {
	c.events.post(func() {
		for _, fn := range c.onError.snapshot() {
			fn(err)
		}
	})
}

func (c *Client) emitMessage(e ws.Envelope) {
	c.events.post(func() {
		for _, fn := range c.onMessage.snapshot() {
			fn(e)
		}
	})
}

func (c *Client) emitReconnecting(attempt int, delay time.Duration) {
	c.events.post(func() {
		for _, fn := range c.onReconnecting.snapshot() {
			fn(attempt, delay)
		}
	})
}
