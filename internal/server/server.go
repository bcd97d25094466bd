// Package server is the server side of the room protocol: the websocket
// endpoint, per-connection dispatch, moderation paths and the HTTP surface.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/auth"
	"github.com/MobasirSarkar/roomcast/internal/fanout"
	"github.com/MobasirSarkar/roomcast/internal/metrics"
	"github.com/MobasirSarkar/roomcast/internal/presence"
	"github.com/MobasirSarkar/roomcast/internal/store"
	"github.com/MobasirSarkar/roomcast/internal/ws"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	WebSocketEndPoint = "/ws"
	PingInterval      = 20 * time.Second
	// CloseUnauthorized is sent when the bearer credential is rejected.
	CloseUnauthorized websocket.StatusCode = 4400
)

var ErrNoVerifier = errors.New("server: verifier is required")

// Options wires a Server. Zero collaborators fall back to in-memory ones.
type Options struct {
	Verifier *auth.Verifier
	Messages store.Messages
	Members  store.Members
	Presence *presence.Coordinator
	Bus      fanout.Bus

	// ServerID tags published events; generated when empty.
	ServerID string

	OriginPatterns    []string
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
	PingInterval      time.Duration
	RateLimit         float64
	RateBurst         int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	ServerId string

	verifier *auth.Verifier
	messages store.Messages
	members  store.Members
	presence *presence.Coordinator
	broker   *fanout.Broker
	metrics  *metrics.Metrics
	log      *slog.Logger

	originPatterns    []string
	heartbeatInterval time.Duration
	reconcileInterval time.Duration
	pingInterval      time.Duration
	rateLimit         rate.Limit
	rateBurst         int

	mu    sync.RWMutex
	conns map[*conn]struct{}
	rooms map[string]map[*conn]struct{}

	Shutdown   chan struct{}
	wg         sync.WaitGroup
	HttpServer *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, ErrNoVerifier
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServerID == "" {
		opts.ServerID = uuid.NewString()[:8]
	}
	if opts.Messages == nil {
		opts.Messages = store.NewMemoryMessages()
	}
	if opts.Members == nil {
		opts.Members = store.NewMemoryMembers()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = presence.DefaultInterval
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewCoordinator(presence.NewMemoryStore(nil), presence.Options{
			Interval: opts.HeartbeatInterval,
			Logger:   opts.Logger,
		})
	}
	if opts.Bus == nil {
		opts.Bus = fanout.NewMemoryBus()
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = PingInterval
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}

	s := &Server{
		ServerId:          opts.ServerID,
		verifier:          opts.Verifier,
		messages:          opts.Messages,
		members:           opts.Members,
		presence:          opts.Presence,
		metrics:           opts.Metrics,
		log:               opts.Logger.With("srv", opts.ServerID),
		originPatterns:    opts.OriginPatterns,
		heartbeatInterval: opts.HeartbeatInterval,
		reconcileInterval: opts.ReconcileInterval,
		pingInterval:      opts.PingInterval,
		rateLimit:         limit,
		rateBurst:         opts.RateBurst,
		conns:             make(map[*conn]struct{}),
		rooms:             make(map[string]map[*conn]struct{}),
		Shutdown:          make(chan struct{}),
	}
	s.broker = fanout.NewBroker(opts.Bus, opts.ServerID, s.deliverToLocalRoom, fanout.Options{
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})

	s.wg.Add(1)
	go s.reconcileLoop()
	return s, nil
}

// deliverToLocalRoom queues e on every local connection in room except the
// one with id except. Presence diffs announced by any process are folded
// into the coordinator so reconciliation does not repeat them.
func (s *Server) deliverToLocalRoom(room string, e ws.Envelope, except string) {
	if e.Type == ws.TypePresenceDiff {
		s.presence.Observe(room, presence.Diff{Join: e.Strings("join"), Leave: e.Strings("leave")})
	}

	s.mu.RLock()
	peers := make([]*conn, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		peers = append(peers, c)
	}
	s.mu.RUnlock()

	for _, c := range peers {
		if c.id == except {
			continue
		}
		c.send(e)
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnOpened()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ConnClosed()
}

func (s *Server) attach(room string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*conn]struct{})
	}
	s.rooms[room][c] = struct{}{}
}

// detach reports whether room has no local connections left.
func (s *Server) detach(room string, c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.rooms[room]
	if set == nil {
		return true
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.rooms, room)
		return true
	}
	return false
}

// reconcileLoop reports presence changes nobody announced, which are
// records that expired after a crash or network loss. Each process
// reconciles for its own connections, so diffs are delivered locally only.
func (s *Server) reconcileLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Shutdown:
			return
		case <-ticker.C:
			s.reconcile(context.Background())
		}
	}
}

func (s *Server) reconcile(ctx context.Context) {
	for _, room := range s.broker.Rooms() {
		d, err := s.presence.Reconcile(ctx, room)
		if err != nil {
			s.log.Warn("presence reconcile failed", "room", room, "err", err)
			continue
		}
		if d.Empty() {
			continue
		}
		s.log.Debug("presence reconciled", "room", room, "join", d.Join, "leave", d.Leave)
		if len(d.Join) > 0 {
			s.metrics.PresenceDiff("join", "reconcile")
		}
		if len(d.Leave) > 0 {
			s.metrics.PresenceDiff("leave", "reconcile")
		}
		s.deliverToLocalRoom(room, ws.PresenceDiff(room, d.Join, d.Leave), "")
	}
}

// Handler is the HTTP surface: the websocket endpoint, presence and
// moderation routes, health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndPoint, s.HandleWs)
	mux.HandleFunc("GET /rooms/{room}/presence", s.handlePresence)
	mux.HandleFunc("PATCH /rooms/{room}/messages/{id}", s.handleEditMessage)
	mux.HandleFunc("DELETE /rooms/{room}/messages/{id}", s.handleDeleteMessage)
	mux.HandleFunc("POST /rooms/{room}/members/{username}/{flag}", s.handleToggleMember)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) Start(addr string) error {
	s.HttpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http listen failed", "addr", addr, "err", err)
		}
	}()
	s.log.Info("http server listening", "addr", addr)
	return nil
}

// ShutdownGracefully stops accepting, closes every connection with
// going-away and drops the fanout subscriptions. Presence records of
// closed connections are removed by their read loops.
func (s *Server) ShutdownGracefully(ctx context.Context) error {
	var err error
	if s.HttpServer != nil {
		err = s.HttpServer.Shutdown(ctx)
	}
	select {
	case <-s.Shutdown:
	default:
		close(s.Shutdown)
	}

	s.mu.RLock()
	for c := range s.conns {
		c.kill(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.RUnlock()

	s.wg.Wait()
	s.broker.Close()
	return err
}
