package presence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Bucket is the part of a JetStream key-value bucket the store uses.
type Bucket interface {
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Keys(opts ...nats.WatchOpt) ([]string, error)
}

// KVStore keeps heartbeat records in a JetStream key-value bucket whose
// MaxAge is the record TTL. Bucket keys only allow a narrow alphabet, so
// each segment is stored base64url encoded.
type KVStore struct {
	bucket Bucket
	ttl    time.Duration
}

// OpenKVStore binds to bucket, creating it with the given TTL if missing.
func OpenKVStore(nc *nats.Conn, bucket string, ttl time.Duration) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("presence: jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "room presence heartbeats",
			History:     1,
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("presence: bucket %s: %w", bucket, err)
	}
	return NewKVStore(kv, ttl), nil
}

func NewKVStore(b Bucket, ttl time.Duration) *KVStore {
	return &KVStore{bucket: b, ttl: ttl}
}

// Set writes the record. Expiry is governed by the bucket's MaxAge; a ttl
// longer than that is capped by the bucket.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl > s.ttl {
		return fmt.Errorf("presence: ttl %s exceeds bucket max age %s", ttl, s.ttl)
	}
	if _, err := s.bucket.Put(encodeKey(key), value); err != nil {
		return fmt.Errorf("presence: put: %w", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.bucket.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("presence: delete: %w", err)
	}
	return nil
}

func (s *KVStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.bucket.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: keys: %w", err)
	}
	want := encodePrefix(prefix)
	var out []string
	for _, k := range keys {
		if !strings.HasPrefix(k, want) {
			continue
		}
		logical, err := decodeKey(k)
		if err != nil {
			continue
		}
		if strings.HasPrefix(logical, prefix) {
			out = append(out, logical)
		}
	}
	return out, nil
}

var seg = base64.RawURLEncoding

func encodeKey(key string) string {
	parts := strings.Split(key, ":")
	for i, p := range parts {
		parts[i] = seg.EncodeToString([]byte(p))
	}
	return strings.Join(parts, ".")
}

// encodePrefix encodes the complete segments of prefix. A trailing partial
// segment is dropped and left to the caller's logical check.
func encodePrefix(prefix string) string {
	i := strings.LastIndex(prefix, ":")
	if i < 0 {
		return ""
	}
	return encodeKey(prefix[:i]) + "."
}

func decodeKey(k string) (string, error) {
	parts := strings.Split(k, ".")
	for i, p := range parts {
		raw, err := seg.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		parts[i] = string(raw)
	}
	return strings.Join(parts, ":"), nil
}
