package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MobasirSarkar/roomcast/internal/sched"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    []ws.Envelope
	failWrites bool
	// stall, when set, holds every write until it is closed or the conn is.
	stall chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-f.closed:
		return nil, errFakeClosed
	default:
	}
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	stall := f.stall
	f.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-f.closed:
			return errFakeClosed
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	e, err := ws.Decode(data)
	if err != nil {
		return err
	}
	f.written = append(f.written, e)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) sent() []ws.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ws.Envelope(nil), f.written...)
}

func (f *fakeConn) sentTypes() []string {
	var out []string
	for _, e := range f.sent() {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeConn) push(t *testing.T, e ws.Envelope) {
	t.Helper()
	raw, err := e.Encode()
	require.NoError(t, err)
	f.in <- raw
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	fail  error
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *sched.FakeClock
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, clock: sched.NewFakeClock(time.Unix(1_700_000_000, 0))}
	opts := Options{
		Target: func() (string, error) { return "ws://test/ws", nil },
		Dialer: h.dialer,
		Clock:  h.clock,
		Rand:   func() float64 { return 0.5 },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.client = New(opts)
	t.Cleanup(h.client.Disconnect)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.State() == want }, 2*time.Second, time.Millisecond,
		"state never became %s", want)
}
