package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/ws"
)

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	Manual bool
	Err    error
}

type (
	OpenHandler         func()
	CloseHandler        func(CloseInfo)
	ErrorHandler        func(error)
	MessageHandler      func(ws.Envelope)
	ReconnectingHandler func(attempt int, delay time.Duration)
	ResumeHandler       func() []ws.Envelope
)

// registry is a set of handles; each registration returns its own
// unregister func.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]T
}

func (r *registry[T]) add(fn T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[uint64]T)
	}
	r.next++
	id := r.next
	r.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.fns, id)
			r.mu.Unlock()
		})
	}
}

// snapshot returns handlers in registration order.
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = r.fns[id]
	}
	return out
}

// dispatcher runs posted callbacks one at a time, in post order, on a
// goroutine that exists only while work is queued.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    *sync.Cond
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	d.queue = append(d.queue, f)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			if d.idle != nil {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		f()
	}
}

// wait blocks until every posted callback has run.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle == nil {
		d.idle = sync.NewCond(&d.mu)
	}
	for d.running || len(d.queue) > 0 {
		d.idle.Wait()
	}
}
