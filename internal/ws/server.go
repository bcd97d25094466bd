package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// MaxFrameSize caps inbound frames on both sides.
const MaxFrameSize = 32 << 10

// Accept upgrades an HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*Conn, error) {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(MaxFrameSize)
	return newConn(c), nil
}

// Dialer opens client connections.
type Dialer struct {
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// Dial connects to a ws:// or wss:// url.
func (d Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(url), err)
	}
	c.SetReadLimit(MaxFrameSize)
	return newConn(c), nil
}
