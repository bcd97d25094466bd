package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WriteTimeout bounds every frame write and ping.
const WriteTimeout = 10 * time.Second

// ErrClosed is returned by writes on a connection that was closed locally.
var ErrClosed = errors.New("connection closed")

// Conn wraps one websocket connection. Frame writes are serialized; pings
// may run concurrently with them. Reads must come from a single goroutine.
type Conn struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{conn: c, closed: make(chan struct{})}
}

// Read blocks for the next text or binary frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		return data, nil
	}
}

// Write sends one text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// WriteEnvelope encodes and sends e.
func (c *Conn) WriteEnvelope(ctx context.Context, e Envelope) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	return c.Write(ctx, raw)
}

// Ping sends a protocol-level ping and waits for the pong. It does not
// take the write lock, so frame writes proceed while the pong is awaited.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return c.conn.Ping(ctx)
}

// Close performs a normal closure handshake. Safe to call more than once.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.StatusNormalClosure, "bye")
}

// CloseWith closes with an explicit status code.
func (c *Conn) CloseWith(code websocket.StatusCode, reason string) error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close(code, reason)
	})
	return err
}

// CloseStatus extracts the close code from a read error, or -1.
func CloseStatus(err error) websocket.StatusCode {
	return websocket.CloseStatus(err)
}
