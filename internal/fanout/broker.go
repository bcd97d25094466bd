package fanout

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MobasirSarkar/roomcast/internal/metrics"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

// Deliver hands an envelope to the local connections of room, skipping the
// connection with id except when it is non-empty.
type Deliver func(room string, e ws.Envelope, except string)

// Subject is the bus subject for room. Room names are free text, so they
// are encoded to stay a single subject token.
func Subject(room string) string {
	return "room." + base64.RawURLEncoding.EncodeToString([]byte(room))
}

type roomSub struct {
	sub  Subscription
	refs int
}

// Options configures a Broker.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Broker applies locally originated events to local connections and
// publishes them, tagged with Origin, for the other processes.
type Broker struct {
	bus     Bus
	origin  string
	deliver Deliver
	metrics *metrics.Metrics
	log     *slog.Logger

	mu   sync.Mutex
	subs map[string]*roomSub
}

func NewBroker(bus Bus, origin string, deliver Deliver, opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker{
		bus:     bus,
		origin:  origin,
		deliver: deliver,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "fanout", "srv", origin),
		subs:    make(map[string]*roomSub),
	}
}

// Origin is this process's id.
func (b *Broker) Origin() string { return b.origin }

// Acquire takes a reference on room's subscription, subscribing on the
// first one.
func (b *Broker) Acquire(room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rs, ok := b.subs[room]; ok {
		rs.refs++
		return nil
	}
	sub, err := b.bus.Subscribe(Subject(room), func(data []byte) { b.receive(room, data) })
	if err != nil {
		return fmt.Errorf("fanout: subscribe %s: %w", room, err)
	}
	b.subs[room] = &roomSub{sub: sub, refs: 1}
	return nil
}

// Release drops a reference, unsubscribing on the last one. It reports
// whether the subscription is gone.
func (b *Broker) Release(room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.subs[room]
	if !ok {
		return false
	}
	rs.refs--
	if rs.refs > 0 {
		return false
	}
	if err := rs.sub.Unsubscribe(); err != nil {
		b.log.Warn("unsubscribe failed", "room", room, "err", err)
	}
	delete(b.subs, room)
	return true
}

// Rooms returns the rooms with a live subscription.
func (b *Broker) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for r := range b.subs {
		out = append(out, r)
	}
	return out
}

// Broadcast delivers e to the local connections of room and publishes it
// for the other processes.
func (b *Broker) Broadcast(room string, e ws.Envelope, except string) {
	b.deliver(room, e, except)
	b.Publish(room, e)
}

// Publish sends e to the other processes only. Publishing is fire and
// forget; a failure is logged and counted.
func (b *Broker) Publish(room string, e ws.Envelope) {
	data, err := e.With(ws.FieldOrigin, b.origin).Encode()
	if err != nil {
		b.log.Error("encoding fanout envelope", "room", room, "type", e.Type, "err", err)
		return
	}
	if err := b.bus.Publish(Subject(room), data); err != nil {
		b.metrics.Fanout(metrics.Dropped)
		b.log.Warn("publish failed", "room", room, "type", e.Type, "err", err)
		return
	}
	b.metrics.Fanout(metrics.Published)
}

// receive applies a bus envelope locally. Receipts are never published
// again, and our own publications are skipped.
func (b *Broker) receive(room string, data []byte) {
	e, err := ws.Decode(data)
	if err != nil {
		b.metrics.Fanout(metrics.Dropped)
		b.log.Warn("dropping malformed fanout frame", "room", room, "err", err)
		return
	}
	if e.Str(ws.FieldOrigin) == b.origin {
		b.metrics.Fanout(metrics.Suppressed)
		return
	}
	b.metrics.Fanout(metrics.Received)
	b.deliver(room, e.Without(ws.FieldOrigin), "")
}

// Close drops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room, rs := range b.subs {
		if err := rs.sub.Unsubscribe(); err != nil {
			b.log.Warn("unsubscribe failed", "room", room, "err", err)
		}
	}
	b.subs = make(map[string]*roomSub)
}
