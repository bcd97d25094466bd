// Package fanout relays room events between server processes over a shared
// publish/subscribe bus.
package fanout

import (
	"sync"

	"github.com/nats-io/nats.go"
)

// Subscription is one live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a fire-and-forget publish/subscribe channel.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(data []byte)) (Subscription, error)
}

// NATSBus carries envelopes over core NATS subjects.
type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus { return &NATSBus{nc: nc} }

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, fn func([]byte)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) { fn(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// MemoryBus is an in-process Bus. Several brokers sharing one MemoryBus
// behave like processes sharing a NATS server. Delivery is synchronous.
type MemoryBus struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]func([]byte)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]func([]byte))}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	fns := make([]func([]byte), 0, len(b.subs[subject]))
	for _, fn := range b.subs[subject] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, fn func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]func([]byte))
	}
	b.subs[subject][id] = fn
	return memSub{bus: b, subject: subject, id: id}, nil
}

// Subscribers returns the number of handlers on subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

type memSub struct {
	bus     *MemoryBus
	subject string
	id      uint64
}

func (s memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.subject], s.id)
	if len(s.bus.subs[s.subject]) == 0 {
		delete(s.bus.subs, s.subject)
	}
	return nil
}
