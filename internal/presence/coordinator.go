package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

const (
	DefaultInterval = 25 * time.Second
	Grace           = 5 * time.Second
)

var ErrEmptyField = errors.New("presence: room, user and conn are required")

// Diff is a join/leave change in a room's user set.
type Diff struct {
	Join  []string
	Leave []string
}

func (d Diff) Empty() bool { return len(d.Join) == 0 && len(d.Leave) == 0 }

// Options configures a Coordinator.
type Options struct {
	// Interval is the expected heartbeat period; records live Interval+Grace.
	Interval time.Duration
	Logger   *slog.Logger
}

// Coordinator owns heartbeat records for this process's connections and
// turns changes in the store into presence diffs.
type Coordinator struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger

	mu    sync.Mutex
	known map[string]map[string]struct{} // room -> users last reported
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store: store,
		ttl:   opts.Interval + Grace,
		log:   opts.Logger.With("component", "presence"),
		known: make(map[string]map[string]struct{}),
	}
}

// TTL is the lifetime of a heartbeat record.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Join writes the record for k. It reports whether k.User had no live
// record in the room before, across every process.
func (c *Coordinator) Join(ctx context.Context, k Key) (bool, error) {
	if k.Room == "" || k.User == "" || k.Conn == "" {
		return false, ErrEmptyField
	}
	existing, err := c.store.Scan(ctx, userPrefix(k.Room, k.User))
	if err != nil {
		return false, fmt.Errorf("presence: join scan: %w", err)
	}
	if err := c.store.Set(ctx, k.String(), heartbeat(), c.ttl); err != nil {
		return false, fmt.Errorf("presence: join: %w", err)
	}
	first := len(existing) == 0
	if !c.tracking(k.Room) {
		// Baseline from a full scan so peers already present elsewhere are
		// not reported again as joins.
		if users, err := c.Users(ctx, k.Room); err == nil {
			c.mu.Lock()
			if _, ok := c.known[k.Room]; !ok {
				c.known[k.Room] = toSet(users)
			}
			c.mu.Unlock()
		}
	}
	c.Observe(k.Room, Diff{Join: []string{k.User}})
	return first, nil
}

// Renew extends the record for k by another TTL.
func (c *Coordinator) Renew(ctx context.Context, k Key) error {
	if err := c.store.Set(ctx, k.String(), heartbeat(), c.ttl); err != nil {
		return fmt.Errorf("presence: renew: %w", err)
	}
	return nil
}

// Leave removes the record for k. It reports whether that was the user's
// last live record in the room.
func (c *Coordinator) Leave(ctx context.Context, k Key) (bool, error) {
	if err := c.store.Delete(ctx, k.String()); err != nil {
		return false, fmt.Errorf("presence: leave: %w", err)
	}
	left, err := c.store.Scan(ctx, userPrefix(k.Room, k.User))
	if err != nil {
		return false, fmt.Errorf("presence: leave scan: %w", err)
	}
	last := len(left) == 0
	if last {
		c.Observe(k.Room, Diff{Leave: []string{k.User}})
	}
	return last, nil
}

// Users returns the sorted distinct users with a live record in room.
func (c *Coordinator) Users(ctx context.Context, room string) ([]string, error) {
	keys, err := c.store.Scan(ctx, roomPrefix(room))
	if err != nil {
		return nil, fmt.Errorf("presence: users: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, raw := range keys {
		k, err := ParseKey(raw)
		if err != nil {
			c.log.Warn("skipping malformed presence key", "key", raw, "err", err)
			continue
		}
		set[k.User] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set)), nil
}

// Observe folds a diff announced elsewhere into the last reported set so
// that Reconcile does not repeat it.
func (c *Coordinator) Observe(room string, d Diff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.known[room]
	if !ok {
		set = make(map[string]struct{})
		c.known[room] = set
	}
	for _, u := range d.Join {
		set[u] = struct{}{}
	}
	for _, u := range d.Leave {
		delete(set, u)
	}
}

// Reconcile scans room and returns how its user set moved since the last
// report. The first call for a room only establishes the baseline.
func (c *Coordinator) Reconcile(ctx context.Context, room string) (Diff, error) {
	users, err := c.Users(ctx, room)
	if err != nil {
		return Diff{}, err
	}
	current := toSet(users)

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.known[room]
	c.known[room] = current
	if !ok {
		return Diff{}, nil
	}
	var d Diff
	for _, u := range users {
		if _, was := prev[u]; !was {
			d.Join = append(d.Join, u)
		}
	}
	for u := range prev {
		if _, still := current[u]; !still {
			d.Leave = append(d.Leave, u)
		}
	}
	slices.Sort(d.Leave)
	return d, nil
}

// Forget drops the reported set once this process no longer serves room.
func (c *Coordinator) Forget(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, room)
}

func (c *Coordinator) tracking(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[room]
	return ok
}

func toSet(users []string) map[string]struct{} {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return set
}

func heartbeat() []byte {
	return []byte(time.Now().UTC().Format(time.RFC3339Nano))
}
