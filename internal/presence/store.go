// Package presence tracks which users are live in which rooms through
// expiring heartbeat records in a shared store.
package presence

import (
	"context"
	"errors"
	"strings"
	"time"
)

// KeyPrefix starts every heartbeat record key.
const KeyPrefix = "presence:hb:"

var ErrBadKey = errors.New("presence: malformed key")

// Store is the coordination store. Every operation is atomic per key and
// no key is ever written by more than one connection.
type Store interface {
	// Set writes key with a lifetime of ttl, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns the live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Key identifies one heartbeat record.
type Key struct {
	Room string
	User string
	Conn string
}

func (k Key) String() string {
	return KeyPrefix + escape(k.Room) + ":" + escape(k.User) + ":" + escape(k.Conn)
}

func roomPrefix(room string) string { return KeyPrefix + escape(room) + ":" }

func userPrefix(room, user string) string { return roomPrefix(room) + escape(user) + ":" }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, KeyPrefix)
	if !ok {
		return Key{}, ErrBadKey
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return Key{}, ErrBadKey
	}
	var k Key
	var err error
	if k.Room, err = unescape(parts[0]); err != nil {
		return Key{}, err
	}
	if k.User, err = unescape(parts[1]); err != nil {
		return Key{}, err
	}
	if k.Conn, err = unescape(parts[2]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// escape keeps segments free of the separator so that prefixes stop at
// segment boundaries.
func escape(s string) string {
	if !strings.ContainsAny(s, "%:") {
		return s
	}
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3A")
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		switch {
		case strings.HasPrefix(s[i:], "%25"):
			b.WriteByte('%')
		case strings.HasPrefix(s[i:], "%3A"):
			b.WriteByte(':')
		default:
			return "", ErrBadKey
		}
		i += 2
	}
	return b.String(), nil
}
