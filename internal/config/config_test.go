package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "s3cret")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"*"}, cfg.OriginPatterns)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.ScyllaHosts)
	assert.Equal(t, 40, cfg.RateBurst)
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "s3cret")
	t.Setenv("ROOMCAST_ADDR", ":9000")
	t.Setenv("ROOMCAST_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("ROOMCAST_SCYLLA_HOSTS", "a:9042,b:9042")
	t.Setenv("ROOMCAST_NATS_URL", "nats://n:4222")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"a:9042", "b:9042"}, cfg.ScyllaHosts)
	assert.Equal(t, "nats://n:4222", cfg.NATSURL)
}

func TestLoadServerRequiresSecret(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "")
	_, err := LoadServer()
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestLoadServerRejectsBadDuration(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "s3cret")
	t.Setenv("ROOMCAST_HEARTBEAT_INTERVAL", "soon")
	_, err := LoadServer()
	assert.Error(t, err)
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROOMCAST_ROOM=random\nROOMCAST_USERNAME=bob\n"), 0o600))
	t.Setenv("ROOMCAST_USERNAME", "alice")
	t.Setenv("ROOMCAST_ROOM", "")
	os.Unsetenv("ROOMCAST_ROOM")

	LoadDotenv(path)
	t.Cleanup(func() { os.Unsetenv("ROOMCAST_ROOM") })

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "random", cfg.Room)
}
