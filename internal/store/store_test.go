package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// exerciseMessages runs the Messages contract against any implementation.
func exerciseMessages(t *testing.T, s Messages, room string) {
	ctx := context.Background()

	recent, err := s.Recent(ctx, room, HistoryLimit)
	require.NoError(t, err)
	assert.Empty(t, recent)

	for i := 1; i <= 120; i++ {
		m, err := s.Append(ctx, room, "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.EqualValues(t, i, m.ID)
	}

	recent, err = s.Recent(ctx, room, HistoryLimit)
	require.NoError(t, err)
	require.Len(t, recent, HistoryLimit)
	assert.EqualValues(t, 71, recent[0].ID, "pages are oldest first")
	assert.EqualValues(t, 120, recent[len(recent)-1].ID)

	older, err := s.Before(ctx, room, 71, HistoryLimit)
	require.NoError(t, err)
	require.Len(t, older, HistoryLimit)
	assert.EqualValues(t, 21, older[0].ID)
	assert.EqualValues(t, 70, older[len(older)-1].ID)

	oldest, err := s.Before(ctx, room, 21, HistoryLimit)
	require.NoError(t, err)
	assert.Len(t, oldest, 20)

	edited, err := s.Edit(ctx, room, 5, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Body)
	assert.True(t, edited.Edited)
	got, err := s.Get(ctx, room, 5)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Body)

	require.NoError(t, s.Delete(ctx, room, 5))
	_, err = s.Get(ctx, room, 5)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, s.Delete(ctx, room, 5), ErrMessageNotFound)
	_, err = s.Edit(ctx, room, 9999, "x")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func exerciseMembers(t *testing.T, s Members, room string) {
	ctx := context.Background()

	_, err := s.Get(ctx, room, "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	m, err := s.Ensure(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Username)
	assert.False(t, m.Banned)
	assert.True(t, m.Moderator, "room creator moderates")

	_, err = s.Get(ctx, room, "bob")
	assert.ErrorIs(t, err, ErrNotMember)

	carol, err := s.Ensure(ctx, room, "carol")
	require.NoError(t, err)
	assert.False(t, carol.Moderator)

	m, err = s.Update(ctx, room, "alice", func(m *Member) { m.Muted = true })
	require.NoError(t, err)
	assert.True(t, m.Muted)

	again, err := s.Ensure(ctx, room, "alice")
	require.NoError(t, err)
	assert.True(t, again.Muted, "ensure keeps existing flags")

	_, err = s.Update(ctx, room, "bob", func(m *Member) { m.Banned = true })
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestMemoryMessages(t *testing.T) {
	exerciseMessages(t, NewMemoryMessages(), "general")
}

func TestMemoryMembers(t *testing.T) {
	exerciseMembers(t, NewMemoryMembers(), "general")
}

func TestMemoryAppendIsSerializedPerRoom(t *testing.T) {
	s := NewMemoryMessages()
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, err := s.Append(ctx, "general", "alice", "x")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var all []Message
	before := int64(0)
	for {
		page, err := s.Before(ctx, "general", before, HistoryLimit)
		require.NoError(t, err)
		if before != 0 && len(page) == 0 {
			break
		}
		all = append(page, all...)
		before = page[0].ID
		if before == 1 {
			break
		}
	}
	require.Len(t, all, 400)
	for i, m := range all {
		assert.EqualValues(t, i+1, m.ID)
	}
}

func TestMemoryRoomsAreIndependent(t *testing.T) {
	s := NewMemoryMessages()
	ctx := context.Background()
	a, err := s.Append(ctx, "a", "alice", "x")
	require.NoError(t, err)
	b, err := s.Append(ctx, "b", "alice", "y")
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.ID)
	assert.EqualValues(t, 1, b.ID)
	page, err := s.Recent(ctx, "a", HistoryLimit)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(page))
}

// TestScylla runs the same contract against a live cluster when
// ROOMCAST_SCYLLA_HOSTS is set.
func TestScylla(t *testing.T) {
	hosts := os.Getenv("ROOMCAST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("ROOMCAST_SCYLLA_HOSTS not set")
	}
	session, err := Connect(ScyllaConfig{
		Hosts:    strings.Split(hosts, ","),
		Keyspace: "roomcast_test",
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	room := "test-" + uuid.NewString()
	exerciseMessages(t, NewScyllaMessages(session), room)
	exerciseMembers(t, NewScyllaMembers(session), room)
}
