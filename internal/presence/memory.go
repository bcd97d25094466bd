package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/sched"
)

// MemoryStore is a single-process Store. Records expire against its clock.
type MemoryStore struct {
	clock sched.Clock

	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore(clock sched.Clock) *MemoryStore {
	if clock == nil {
		clock = sched.Real
	}
	return &MemoryStore{clock: clock, entries: make(map[string]memEntry)}
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: slices.Clone(value), expires: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
