package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MobasirSarkar/roomcast/internal/auth"
	"github.com/MobasirSarkar/roomcast/internal/fanout"
	"github.com/MobasirSarkar/roomcast/internal/logging"
	"github.com/MobasirSarkar/roomcast/internal/metrics"
	"github.com/MobasirSarkar/roomcast/internal/presence"
	"github.com/MobasirSarkar/roomcast/internal/sched"
	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

const readTimeout = 2 * time.Second

// cluster is the shared state of one deployment: everything a server
// process talks to besides its own connections.
type cluster struct {
	verifier *auth.Verifier
	bus      *fanout.MemoryBus
	messages *store.MemoryMessages
	members  *store.MemoryMembers
	hb       *presence.MemoryStore
	clock    *sched.FakeClock
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", "roomcast")
	require.NoError(t, err)
	clock := sched.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return &cluster{
		verifier: v,
		bus:      fanout.NewMemoryBus(),
		messages: store.NewMemoryMessages(),
		members:  store.NewMemoryMembers(),
		hb:       presence.NewMemoryStore(clock),
		clock:    clock,
	}
}

type node struct {
	srv     *Server
	http    *httptest.Server
	metrics *metrics.Metrics
}

func (cl *cluster) start(t *testing.T, mutate ...func(*Options)) *node {
	t.Helper()
	log := logging.Discard()
	m := metrics.New()
	opts := Options{
		Verifier: cl.verifier,
		Messages: cl.messages,
		Members:  cl.members,
		Presence: presence.NewCoordinator(cl.hb, presence.Options{Logger: log}),
		Bus:      cl.bus,

		ReconcileInterval: time.Hour,
		PingInterval:      time.Hour,
		Metrics:           m,
		Logger:            log,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.ShutdownGracefully(ctx)
	})
	return &node{srv: s, http: hs, metrics: m}
}

func (cl *cluster) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := cl.verifier.Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

type peer struct {
	t    *testing.T
	conn *ws.Conn
}

func (n *node) dial(t *testing.T, token string) *peer {
	t.Helper()
	base, err := ws.NormalizeURL(n.http.URL + WebSocketEndPoint)
	require.NoError(t, err)
	target, err := ws.WithToken(base, token)
	require.NoError(t, err)
	c, err := ws.Dialer{}.Dial(context.Background(), target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &peer{t: t, conn: c}
}

// connect dials as user and consumes the greeting.
func (cl *cluster) connect(t *testing.T, n *node, user string) *peer {
	t.Helper()
	p := n.dial(t, cl.token(t, user))
	hello := p.next()
	require.Equal(t, ws.TypeSystem, hello.Type)
	require.Equal(t, "connected as "+user, hello.Str("message"))
	return p
}

func (p *peer) send(e ws.Envelope) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteEnvelope(context.Background(), e))
}

func (p *peer) sendRaw(s string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.Write(context.Background(), []byte(s)))
}

func (p *peer) next() ws.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	data, err := p.conn.Read(ctx)
	require.NoError(p.t, err)
	e, err := ws.Decode(data)
	require.NoError(p.t, err)
	return e
}

func (p *peer) expect(typ string) ws.Envelope {
	p.t.Helper()
	e := p.next()
	require.Equal(p.t, typ, e.Type, "got %s %v", e.Type, e.Extra)
	return e
}

// quiet asserts nothing else is queued for p by round-tripping a ping.
func (p *peer) quiet() {
	p.t.Helper()
	p.send(ws.Ping())
	p.expect(ws.TypePong)
}

// join sends a join and consumes joined and presence_state.
func (p *peer) join(room string) []string {
	p.t.Helper()
	p.send(ws.JoinRoom(room))
	assert.Equal(p.t, room, p.expect(ws.TypeJoined).Str("room"))
	return p.expect(ws.TypePresenceState).Strings("users")
}

func chats(t *testing.T, e ws.Envelope) []ws.ChatMessage {
	t.Helper()
	var msgs []ws.ChatMessage
	require.NoError(t, e.Field("messages", &msgs))
	return msgs
}

func TestUnauthorizedIsClosedWith4400(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)

	p := n.dial(t, "not-a-token")
	e := p.expect(ws.TypeError)
	assert.Equal(t, "unauthorized", e.Str("message"))

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	_, err := p.conn.Read(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 4400, ws.CloseStatus(err))
}

func TestGreetingCarriesHeartbeatHint(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t, func(o *Options) { o.HeartbeatInterval = 25 * time.Second })

	p := n.dial(t, cl.token(t, "alice"))
	e := p.expect(ws.TypeSystem)
	assert.Equal(t, "connected as alice", e.Str("message"))
	hint, ok := e.Int("heartbeatInterval")
	require.True(t, ok)
	assert.EqualValues(t, 25, hint)
	assert.Equal(t, "heartbeat", e.Str("presenceMode"))
}

func TestJoinEmptyRoomSendsNoHistory(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")

	assert.Equal(t, []string{"alice"}, alice.join("general"))
	alice.quiet()
}

func TestJoinAnnouncesNewUserToPeersOnly(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")

	alice.join("general")
	assert.Equal(t, []string{"alice", "bob"}, bob.join("general"))
	bob.quiet()

	diff := alice.expect(ws.TypePresenceDiff)
	assert.Equal(t, []string{"bob"}, diff.Strings("join"))
	assert.Equal(t, "bob joined", alice.expect(ws.TypeSystem).Str("message"))
	alice.quiet()
}

func TestSecondConnectionOfSameUserIsNotAnnounced(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	laptop := cl.connect(t, n, "bob")
	phone := cl.connect(t, n, "bob")

	alice.join("general")
	laptop.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	phone.join("general")
	alice.quiet()

	// bob stays present until his last connection leaves.
	laptop.send(ws.LeaveRoom("general"))
	alice.quiet()
	phone.send(ws.LeaveRoom("general"))
	assert.Equal(t, []string{"bob"}, alice.expect(ws.TypePresenceDiff).Strings("leave"))
	assert.Equal(t, "bob left", alice.expect(ws.TypeSystem).Str("message"))
}

func TestChatIsPersistedAndDeliveredOnce(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")
	alice.join("general")
	bob.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	alice.send(ws.SendChat("general", "hello"))
	for _, p := range []*peer{alice, bob} {
		e := p.expect(ws.TypeChat)
		assert.Equal(t, "alice", e.Str("user"))
		assert.Equal(t, "hello", e.Str("message"))
		id, ok := e.Int("message_id")
		require.True(t, ok)
		assert.EqualValues(t, 1, id)
		assert.False(t, e.Has(ws.FieldOrigin))
		p.quiet()
	}

	frames, _, _ := n.metrics.Collectors()
	assert.Equal(t, 1.0, testutil.ToFloat64(frames.WithLabelValues(ws.TypeChat)))

	late := cl.connect(t, n, "carol")
	late.join("general")
	hist := chats(t, late.expect(ws.TypeHistory))
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Message)
	assert.Equal(t, ws.TypeChat, hist[0].Type)
}

func TestChatRequiresJoinedRoom(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")

	alice.send(ws.SendChat("general", "hello"))
	assert.Equal(t, "invalid chat", alice.expect(ws.TypeError).Str("message"))

	alice.join("general")
	alice.send(ws.NewEnvelope(ws.TypeChat, map[string]any{"room": "general", "message": 42}))
	assert.Equal(t, "invalid chat", alice.expect(ws.TypeError).Str("message"))
	alice.quiet()
}

func TestMutedAndBannedMembersCannotChat(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")
	alice.join("general")
	bob.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	ctx := context.Background()
	_, err := n.srv.ToggleMember(ctx, "bob", "general", "alice", FlagMute)
	assert.ErrorIs(t, err, ErrForbidden)

	m, err := n.srv.ToggleMember(ctx, "alice", "general", "bob", FlagMute)
	require.NoError(t, err)
	assert.True(t, m.Muted)
	upd := bob.expect(ws.TypeMemberUpdate)
	assert.Equal(t, "bob", upd.Str("username"))
	assert.True(t, upd.Bool("is_muted"))
	assert.False(t, upd.Bool("is_banned"))
	alice.expect(ws.TypeMemberUpdate)

	bob.send(ws.SendChat("general", "let me talk"))
	assert.Equal(t, "muted", bob.expect(ws.TypeError).Str("message"))

	_, err = n.srv.ToggleMember(ctx, "alice", "general", "bob", FlagBan)
	require.NoError(t, err)
	bob.expect(ws.TypeMemberUpdate)
	bob.send(ws.SendChat("general", "still here"))
	assert.Equal(t, "banned", bob.expect(ws.TypeError).Str("message"))

	other := cl.connect(t, n, "bob")
	other.send(ws.JoinRoom("general"))
	assert.Equal(t, "banned", other.expect(ws.TypeError).Str("message"))

	_, err = n.srv.ToggleMember(ctx, "alice", "general", "bob", "promote")
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestHistoryPaging(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()
	for i := 1; i <= 120; i++ {
		_, err := cl.messages.Append(ctx, "general", "bot", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	alice.join("general")

	first := chats(t, alice.expect(ws.TypeHistory))
	require.Len(t, first, 50)
	assert.EqualValues(t, 71, first[0].MessageID)
	assert.EqualValues(t, 120, first[49].MessageID)

	alice.send(ws.RequestHistory("general", 71))
	page := alice.expect(ws.TypeHistoryMore)
	older := chats(t, page)
	require.Len(t, older, 50)
	assert.EqualValues(t, 21, older[0].MessageID)
	assert.EqualValues(t, 70, older[49].MessageID)
	assert.True(t, page.Bool("more"))

	alice.send(ws.RequestHistory("general", 21))
	page = alice.expect(ws.TypeHistoryMore)
	assert.Len(t, chats(t, page), 20)
	assert.False(t, page.Bool("more"))

	alice.send(ws.NewEnvelope(ws.TypeHistoryMore, map[string]any{"room": "general", "before_id": "soon"}))
	assert.Equal(t, "invalid history_more", alice.expect(ws.TypeError).Str("message"))

	alice.send(ws.RequestHistory("random", 10))
	assert.Equal(t, "invalid history_more", alice.expect(ws.TypeError).Str("message"))
}

func TestTypingReachesEveryoneIncludingSender(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")
	alice.join("general")
	bob.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	alice.send(ws.SetTyping("general", true))
	for _, p := range []*peer{alice, bob} {
		e := p.expect(ws.TypeTyping)
		assert.Equal(t, "alice", e.Str("user"))
		assert.True(t, e.Bool("isTyping"))
	}

	bob.send(ws.SetTyping("random", true))
	assert.Equal(t, "invalid typing", bob.expect(ws.TypeError).Str("message"))
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")
	alice.join("general")
	bob.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	require.NoError(t, bob.conn.Close())
	assert.Equal(t, []string{"bob"}, alice.expect(ws.TypePresenceDiff).Strings("leave"))
	assert.Equal(t, "bob left", alice.expect(ws.TypeSystem).Str("message"))

	users, err := n.srv.presence.Users(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")

	alice.sendRaw("{not json")
	assert.Equal(t, "invalid json", alice.expect(ws.TypeError).Str("message"))
	alice.send(ws.NewEnvelope("dance", nil))
	assert.Equal(t, "unknown type", alice.expect(ws.TypeError).Str("message"))
	alice.send(ws.NewEnvelope(ws.TypeJoin, map[string]any{"room": 7}))
	assert.Equal(t, "room required", alice.expect(ws.TypeError).Str("message"))
	alice.send(ws.LeaveRoom("never-joined"))
	alice.quiet()
}

func TestRateLimitedFramesAreRejected(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t, func(o *Options) {
		o.RateLimit = 0.01
		o.RateBurst = 1
	})
	alice := cl.connect(t, n, "alice")

	alice.send(ws.SetTyping("general", true))
	assert.Equal(t, "invalid typing", alice.expect(ws.TypeError).Str("message"))
	alice.send(ws.SetTyping("general", true))
	assert.Equal(t, "rate limited", alice.expect(ws.TypeError).Str("message"))
	alice.quiet()
}

func TestFanoutAcrossServers(t *testing.T) {
	cl := newCluster(t)
	a := cl.start(t, func(o *Options) { o.ServerID = "srv-a" })
	b := cl.start(t, func(o *Options) { o.ServerID = "srv-b" })

	alice := cl.connect(t, a, "alice")
	bob := cl.connect(t, b, "bob")
	alice.join("general")
	assert.Equal(t, []string{"alice", "bob"}, bob.join("general"))

	diff := alice.expect(ws.TypePresenceDiff)
	assert.Equal(t, []string{"bob"}, diff.Strings("join"))
	assert.False(t, diff.Has(ws.FieldOrigin))
	assert.Equal(t, "bob joined", alice.expect(ws.TypeSystem).Str("message"))

	bob.send(ws.SendChat("general", "hi from b"))
	for _, p := range []*peer{alice, bob} {
		e := p.expect(ws.TypeChat)
		assert.Equal(t, "hi from b", e.Str("message"))
		p.quiet()
	}

	_, fanoutA, _ := a.metrics.Collectors()
	assert.Equal(t, 3.0, testutil.ToFloat64(fanoutA.WithLabelValues(metrics.Received)), "diff, system line and chat from b")

	require.NoError(t, bob.conn.Close())
	assert.Equal(t, []string{"bob"}, alice.expect(ws.TypePresenceDiff).Strings("leave"))
	assert.Equal(t, "bob left", alice.expect(ws.TypeSystem).Str("message"))
}

func TestReconcileReportsUnannouncedChanges(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	alice.join("general")

	// A process that crashed before announcing anything.
	ghost := presence.NewCoordinator(cl.hb, presence.Options{Logger: logging.Discard()})
	_, err := ghost.Join(context.Background(), presence.Key{Room: "general", User: "carol", Conn: "c1"})
	require.NoError(t, err)

	n.srv.reconcile(context.Background())
	assert.Equal(t, []string{"carol"}, alice.expect(ws.TypePresenceDiff).Strings("join"))

	cl.clock.Advance(20 * time.Second)
	alice.quiet() // renews alice
	cl.clock.Advance(15 * time.Second)

	n.srv.reconcile(context.Background())
	assert.Equal(t, []string{"carol"}, alice.expect(ws.TypePresenceDiff).Strings("leave"))

	n.srv.reconcile(context.Background())
	alice.quiet()
}

func TestPresenceEndpoint(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	alice.join("general")

	resp, err := http.Get(n.http.URL + "/rooms/general/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body presenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, presenceResponse{Room: "general", Users: []string{"alice"}, Count: 1}, body)
}

func TestEditAndDeleteOverHTTP(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	alice := cl.connect(t, n, "alice")
	bob := cl.connect(t, n, "bob")
	alice.join("general")
	bob.join("general")
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)

	bob.send(ws.SendChat("general", "typo"))
	alice.expect(ws.TypeChat)
	bob.expect(ws.TypeChat)

	do := func(method, path, user, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, n.http.URL+path, bytes.NewBufferString(body))
		require.NoError(t, err)
		if user != "" {
			req.Header.Set("Authorization", "Bearer "+cl.token(t, user))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPatch, "/rooms/general/messages/1", "", `{"content":"x"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPatch, "/rooms/general/messages/9", "bob", `{"content":"x"}`).StatusCode)

	resp := do(http.MethodPatch, "/rooms/general/messages/1", "bob", `{"content":"fixed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg messageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.True(t, msg.Edited)
	assert.Equal(t, "fixed", msg.Content)

	for _, p := range []*peer{alice, bob} {
		e := p.expect(ws.TypeMessageUpdated)
		assert.Equal(t, "fixed", e.Str("content"))
	}

	carol := cl.connect(t, n, "carol")
	carol.join("general")
	carol.expect(ws.TypeHistory)
	alice.expect(ws.TypePresenceDiff)
	alice.expect(ws.TypeSystem)
	assert.Equal(t, http.StatusForbidden, do(http.MethodDelete, "/rooms/general/messages/1", "carol", "").StatusCode)

	// alice created the room, so she moderates it.
	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/rooms/general/messages/1", "alice", "").StatusCode)
	id, ok := alice.expect(ws.TypeMessageDeleted).Int("message_id")
	require.True(t, ok)
	assert.EqualValues(t, 1, id)

	resp = do(http.MethodPost, "/rooms/general/members/carol/mute", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var member memberResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&member))
	assert.True(t, member.IsMuted)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/rooms/general/members/carol/promote", "alice", "").StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	cl := newCluster(t)
	n := cl.start(t)
	cl.connect(t, n, "alice")

	resp, err := http.Get(n.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(n.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "roomcast_connections"), "connections gauge exported")
}

func TestNewRequiresVerifier(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoVerifier)
}
