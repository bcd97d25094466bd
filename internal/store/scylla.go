package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaConfig selects the cluster and keyspace.
type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Replication int
	Timeout     time.Duration
}

// maxCASRetries bounds the compare-and-set loop of id assignment.
const maxCASRetries = 16

// Connect opens a session on the keyspace, creating it and the tables if
// they do not exist.
func Connect(cfg ScyllaConfig) (*gocql.Session, error) {
	if cfg.Replication <= 0 {
		cfg.Replication = 1
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = "system"
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	boot, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	err = EnsureKeyspace(boot, cfg.Keyspace, cfg.Replication)
	boot.Close()
	if err != nil {
		return nil, err
	}

	cluster.Keyspace = cfg.Keyspace
	cluster.SerialConsistency = gocql.LocalSerial
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", cfg.Keyspace, err)
	}
	if err := Migrate(session); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func EnsureKeyspace(session *gocql.Session, keyspace string, replication int) error {
	stmt := fmt.Sprintf(`
        CREATE KEYSPACE IF NOT EXISTS %s
        WITH replication = {'class': 'SimpleStrategy', 'replication_factor' : %d}
    `, keyspace, replication)
	if err := session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("store: create keyspace: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
        name text PRIMARY KEY,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS room_counters (
        room text PRIMARY KEY,
        last_id bigint
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        room text,
        id bigint,
        author text,
        body text,
        edited boolean,
        created_at timestamp,
        PRIMARY KEY ((room), id)
    ) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS room_members (
        room text,
        username text,
        is_moderator boolean,
        is_banned boolean,
        is_muted boolean,
        joined_at timestamp,
        PRIMARY KEY ((room), username)
    )`,
}

func Migrate(session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ScyllaMessages implements Messages over a Scylla/Cassandra session. Per-room ids
// come from a lightweight-transaction counter, so any number of processes
// may append to the same room.
type ScyllaMessages struct {
	session *gocql.Session
}

func NewScyllaMessages(session *gocql.Session) *ScyllaMessages {
	return &ScyllaMessages{session: session}
}

func (s *ScyllaMessages) nextID(ctx context.Context, room string) (int64, error) {
	prev := map[string]any{}
	applied, err := s.session.Query(
		`INSERT INTO room_counters (room, last_id) VALUES (?, ?) IF NOT EXISTS`, room, int64(1),
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return 0, fmt.Errorf("store: counter init: %w", err)
	}
	if applied {
		return 1, nil
	}
	for range maxCASRetries {
		cur, _ := prev["last_id"].(int64)
		prev = map[string]any{}
		applied, err = s.session.Query(
			`UPDATE room_counters SET last_id = ? WHERE room = ? IF last_id = ?`, cur+1, room, cur,
		).WithContext(ctx).MapScanCAS(prev)
		if err != nil {
			return 0, fmt.Errorf("store: counter bump: %w", err)
		}
		if applied {
			return cur + 1, nil
		}
	}
	return 0, ErrContention
}

func (s *ScyllaMessages) Append(ctx context.Context, room, user, body string) (Message, error) {
	id, err := s.nextID(ctx, room)
	if err != nil {
		return Message{}, err
	}
	msg := Message{ID: id, Room: room, User: user, Body: body, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	if err := s.session.Query(
		`INSERT INTO messages (room, id, author, body, edited, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		room, id, user, body, false, msg.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

func (s *ScyllaMessages) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	return s.page(ctx, s.session.Query(
		`SELECT id, author, body, edited, created_at FROM messages WHERE room = ? LIMIT ?`, room, limit,
	), room)
}

func (s *ScyllaMessages) Before(ctx context.Context, room string, beforeID int64, limit int) ([]Message, error) {
	return s.page(ctx, s.session.Query(
		`SELECT id, author, body, edited, created_at FROM messages WHERE room = ? AND id < ? LIMIT ?`, room, beforeID, limit,
	), room)
}

// page reads a newest-first query and returns it oldest first.
func (s *ScyllaMessages) page(ctx context.Context, q *gocql.Query, room string) ([]Message, error) {
	iter := q.WithContext(ctx).Iter()
	var out []Message
	var m Message
	for iter.Scan(&m.ID, &m.User, &m.Body, &m.Edited, &m.CreatedAt) {
		m.Room = room
		out = append(out, m)
		m = Message{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: read page: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *ScyllaMessages) Get(ctx context.Context, room string, id int64) (Message, error) {
	m := Message{ID: id, Room: room}
	err := s.session.Query(
		`SELECT author, body, edited, created_at FROM messages WHERE room = ? AND id = ?`, room, id,
	).WithContext(ctx).Scan(&m.User, &m.Body, &m.Edited, &m.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *ScyllaMessages) Edit(ctx context.Context, room string, id int64, body string) (Message, error) {
	applied, err := s.session.Query(
		`UPDATE messages SET body = ?, edited = true WHERE room = ? AND id = ? IF EXISTS`, body, room, id,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return Message{}, fmt.Errorf("store: edit message: %w", err)
	}
	if !applied {
		return Message{}, ErrMessageNotFound
	}
	return s.Get(ctx, room, id)
}

func (s *ScyllaMessages) Delete(ctx context.Context, room string, id int64) error {
	applied, err := s.session.Query(
		`DELETE FROM messages WHERE room = ? AND id = ? IF EXISTS`, room, id,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if !applied {
		return ErrMessageNotFound
	}
	return nil
}

// ScyllaMembers implements Members over the same session.
type ScyllaMembers struct {
	session *gocql.Session
}

func NewScyllaMembers(session *gocql.Session) *ScyllaMembers {
	return &ScyllaMembers{session: session}
}

func (s *ScyllaMembers) Ensure(ctx context.Context, room, user string) (Member, error) {
	now := time.Now().UTC()
	created, err := s.session.Query(
		`INSERT INTO rooms (name, created_at) VALUES (?, ?) IF NOT EXISTS`, room, now,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return Member{}, fmt.Errorf("store: ensure room: %w", err)
	}
	if _, err := s.session.Query(
		`INSERT INTO room_members (room, username, is_moderator, is_banned, is_muted, joined_at)
         VALUES (?, ?, ?, false, false, ?) IF NOT EXISTS`, room, user, created, now,
	).WithContext(ctx).MapScanCAS(map[string]any{}); err != nil {
		return Member{}, fmt.Errorf("store: ensure member: %w", err)
	}
	return s.Get(ctx, room, user)
}

func (s *ScyllaMembers) Get(ctx context.Context, room, user string) (Member, error) {
	var name string
	err := s.session.Query(`SELECT name FROM rooms WHERE name = ?`, room).WithContext(ctx).Scan(&name)
	if errors.Is(err, gocql.ErrNotFound) {
		return Member{}, ErrRoomNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("store: get room: %w", err)
	}
	m := Member{Room: room, Username: user}
	err = s.session.Query(
		`SELECT is_moderator, is_banned, is_muted, joined_at FROM room_members WHERE room = ? AND username = ?`, room, user,
	).WithContext(ctx).Scan(&m.Moderator, &m.Banned, &m.Muted, &m.JoinedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return Member{}, ErrNotMember
	}
	if err != nil {
		return Member{}, fmt.Errorf("store: get member: %w", err)
	}
	return m, nil
}

func (s *ScyllaMembers) Update(ctx context.Context, room, user string, fn func(*Member)) (Member, error) {
	m, err := s.Get(ctx, room, user)
	if err != nil {
		return Member{}, err
	}
	fn(&m)
	if err := s.session.Query(
		`UPDATE room_members SET is_moderator = ?, is_banned = ?, is_muted = ? WHERE room = ? AND username = ?`,
		m.Moderator, m.Banned, m.Muted, room, user,
	).WithContext(ctx).Exec(); err != nil {
		return Member{}, fmt.Errorf("store: update member: %w", err)
	}
	m.Room, m.Username = room, user
	return m, nil
}
