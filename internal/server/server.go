package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/chat"
	"github.com/dreamware/chatring/internal/cluster"
	"github.com/dreamware/chatring/internal/config"
	"github.com/dreamware/chatring/internal/directory"
	"github.com/dreamware/chatring/internal/exitcode"
	"github.com/dreamware/chatring/internal/logging"
	"github.com/dreamware/chatring/internal/metrics"
	"github.com/dreamware/chatring/internal/notify"
	"github.com/dreamware/chatring/internal/persist"
	"github.com/dreamware/chatring/internal/replication"
	"github.com/dreamware/chatring/internal/retry"
	"github.com/dreamware/chatring/internal/ring"
	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// Server is one ring peer.
type Server struct {
	cfg  *config.Config
	log  zerolog.Logger
	topo *ring.Topology
	self int

	ln      net.Listener
	status  *http.Server
	pool    *ants.Pool
	store   persist.Store
	dir     *directory.Directory
	chat    *chat.Service
	node    *ring.Node
	prop    *replication.Propagator
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
	links map[*feLink]struct{}
}

// Open binds the first free ring slot and restores the directory saved for
// that slot. Errors carry the exit code of their cause.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Server, error) {
	topo := ring.NewTopology(cfg.Ring.Endpoints)
	ln, self, err := transport.ListenFirst(ctx, topo.Addrs())
	if errors.Is(err, transport.ErrNoEndpoint) {
		return nil, exitcode.Wrap(exitcode.ErrBindingSocket, err)
	}
	if err != nil {
		return nil, exitcode.Wrap(exitcode.ErrOpenSocket, err)
	}
	log = log.With().Int("self", self).Logger()

	s := &Server{
		cfg:   cfg,
		log:   log,
		topo:  topo,
		self:  self,
		ln:    ln,
		dir:   directory.New(cfg.Chat.MaxSessions),
		fatal: make(chan error, 1),
		conns: make(map[*transport.Conn]struct{}),
		links: make(map[*feLink]struct{}),
	}
	if err := s.restore(); err != nil {
		ln.Close()
		return nil, exitcode.Wrap(exitcode.ErrPersistence, err)
	}

	s.pool, err = ants.NewPool(cfg.Chat.PoolSize,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error().Interface("panic", p).Msg("background task panicked")
		}))
	if err != nil {
		s.closeStore()
		ln.Close()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	s.metrics, err = metrics.NewCollector(self, func() (int, int, int) {
		st := s.dir.Stats()
		return st.Users, st.Sessions, st.Pending
	})
	if err != nil {
		s.pool.Release()
		s.closeStore()
		ln.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.node = ring.NewNode(ring.Config{
		Topology:          topo,
		Self:              self,
		Dialer:            transport.NewDialer(cfg.Ring.DialTimeout),
		KeepaliveInterval: cfg.Keepalive.Interval,
		KeepaliveTimeout:  cfg.Keepalive.Timeout,
		Logger:            logging.Component(log, "ring"),
		OnPrimaryChange:   s.primaryChanged,
		OnFollower:        s.catchUp,
		Go:                s.goTask,
	})
	s.prop = replication.New(replication.Config{
		Node: s.node,
		Apply: func(ctx context.Context, n wire.Notification) error {
			return s.chat.Apply(ctx, n)
		},
		Retry: retry.New(retry.Config{
			MaxAttempts:  cfg.Replication.MaxAttempts,
			InitialDelay: cfg.Replication.BaseDelay,
			MaxDelay:     cfg.Replication.MaxDelay,
			Jitter:       true,
		}),
		Logger:   logging.Component(log, "replication"),
		OnResult: s.metrics.Replication,
	})

	router := notify.NewRouter(s.dir, logging.Component(log, "notify"))
	router.OnDelivery = s.metrics.Delivery
	s.chat = chat.New(chat.Config{
		Directory:  s.dir,
		Router:     router,
		Replicator: s.prop,
		IsPrimary:  s.node.IsPrimary,
		Lanes:      cfg.Chat.Lanes,
		Logger:     logging.Component(log, "chat"),
		OnCommand: func(cmd wire.Command, result string) {
			s.metrics.Command(cmd.String(), result)
		},
	})

	log.Info().Str("addr", ln.Addr().String()).Int("users", s.dir.Len()).Msg("ring slot bound")
	return s, nil
}

// Self returns the bound ring index.
func (s *Server) Self() int { return s.self }

// Addr returns the ring listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Directory returns the local user directory.
func (s *Server) Directory() *directory.Directory { return s.dir }

// Node returns the ring state of this peer.
func (s *Server) Node() *ring.Node { return s.node }

// Run serves the ring until ctx is done or a fatal error occurs, then
// shuts down and saves the directory.
func (s *Server) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.chat.Start(s.ctx)
	s.prop.Start(s.ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.Status.Enabled {
		s.serveStatus()
	}
	if s.cfg.Persistence.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop(s.cfg.Persistence.SnapshotInterval)
	}

	var runErr error
	if err := s.node.Join(s.ctx); err != nil && s.ctx.Err() == nil {
		runErr = exitcode.Wrap(exitcode.ErrLookingForLeader, err)
	}
	if runErr == nil {
		select {
		case <-s.ctx.Done():
		case runErr = <-s.fatal:
		}
	}
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case s.fatal <- exitcode.Wrap(exitcode.ErrAccept, err):
			default:
			}
			return
		}
		conn := transport.NewConn(c)
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn dispatches a connection by the type of its first record.
func (s *Server) serveConn(conn *transport.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	first, err := conn.ReceiveTimeout(s.cfg.Keepalive.Interval + s.cfg.Keepalive.Timeout)
	if err != nil {
		return
	}
	ctx := s.ctx
	switch first.Type {
	case wire.TypeLeaderQuestion:
		err = s.node.HandleLeaderQuestion(conn)
	case wire.TypeElection, wire.TypeElected:
		// Tokens arrive on one-shot connections; forwarding them dials the
		// successor, so it runs on the pool.
		s.goTask(func() { s.handleToken(first) })
	case wire.TypeKeepalive:
		s.node.ServeKeepalive(ctx, conn, first)
	case wire.TypeReplication:
		s.prop.Serve(ctx, conn, first)
	case wire.TypeFEConnection:
		s.serveFrontEnd(ctx, conn, first)
	default:
		s.log.Debug().Stringer("type", first.Type).Str("remote", conn.RemoteAddr()).Msg("unexpected first record")
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Stringer("type", first.Type).Msg("ring record not handled")
	}
}

func (s *Server) handleToken(msg wire.Notification) {
	var err error
	if msg.Type == wire.TypeElection {
		err = s.node.HandleElection(s.ctx, msg)
	} else {
		err = s.node.HandleElected(s.ctx, msg)
	}
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Stringer("type", msg.Type).Int("data", int(msg.Data)).Msg("election record not handled")
	}
}

// serveFrontEnd relays requests from a front end into the chat lanes
// while this peer is primary.
func (s *Server) serveFrontEnd(ctx context.Context, conn *transport.Conn, first wire.Notification) {
	if !s.node.IsPrimary() {
		s.log.Info().Int("shard", int(first.Data)).Msg("front end connected to non-primary, closing")
		return
	}
	link := newFELink(int(first.Data), conn, logging.Component(s.log, "frontend"))
	s.addLink(link)
	defer s.removeLink(ctx, link)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		link.writer()
	}()
	link.log.Info().Str("remote", conn.RemoteAddr()).Msg("front end linked")

	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		if !s.node.IsPrimary() {
			return
		}
		switch msg.Type {
		case wire.TypeLogin, wire.TypeLogout, wire.TypeMessage:
			msg.Sender = wire.NoIndex
			if err := s.chat.Submit(ctx, msg, link); err != nil {
				return
			}
		default:
			link.log.Debug().Stringer("type", msg.Type).Msg("ignoring front-end record")
		}
	}
}

func (s *Server) addLink(l *feLink) {
	s.mu.Lock()
	s.links[l] = struct{}{}
	s.mu.Unlock()
	s.metrics.FrontEndLinks(1)
}

func (s *Server) removeLink(ctx context.Context, l *feLink) {
	l.close()
	s.mu.Lock()
	delete(s.links, l)
	s.mu.Unlock()
	s.metrics.FrontEndLinks(-1)
	gone := s.chat.DetachSink(ctx, l)
	l.log.Info().Int("sessions", len(gone)).Msg("front end unlinked")
}

// closeLinks drops every front-end link so the front ends look for the
// primary again.
func (s *Server) closeLinks() {
	s.mu.Lock()
	links := make([]*feLink, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (s *Server) track(c *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) primaryChanged(primary int, self bool) {
	s.metrics.PrimaryChanged(self)
	if self {
		s.log.Info().Msg("serving as primary")
		return
	}
	s.log.Info().Int("primary", primary).Msg("following primary")
	s.closeLinks()
}

// catchUp streams the directory to a follower that just opened its
// keepalive connection.
func (s *Server) catchUp(idx int) {
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil || !s.node.IsPrimary() {
		return
	}
	records := s.chat.CatchUp()
	if err := s.prop.SyncTo(ctx, idx, records); err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Int("peer", idx).Msg("catch-up failed")
		}
		return
	}
	s.log.Info().Int("peer", idx).Int("records", len(records)).Msg("peer caught up")
}

// goTask runs f on the worker pool, or on its own goroutine when the pool
// refuses it.
func (s *Server) goTask(f func()) {
	if err := s.pool.Submit(f); err != nil {
		go f()
	}
}

func (s *Server) serveStatus() {
	addr, err := cluster.StatusAddr(s.topo.Addr(s.self), s.cfg.Status.PortOffset)
	if err != nil {
		s.log.Warn().Err(err).Msg("status listener disabled")
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", addr).Msg("status listener disabled")
		return
	}
	s.status = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.status.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("status listener failed")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("status listening")
}

func (s *Server) shutdown() error {
	s.log.Info().Msg("shutting down")
	s.cancel()
	s.ln.Close()

	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
	s.closeLinks()

	s.node.Close()
	s.prop.Wait()
	s.chat.Stop()
	s.wg.Wait()
	s.pool.Release()

	err := s.save()
	s.closeStore()

	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if herr := s.status.Shutdown(ctx); herr != nil {
			s.log.Warn().Err(herr).Msg("status shutdown")
		}
	}
	if err != nil {
		return exitcode.Wrap(exitcode.ErrPersistence, err)
	}
	s.log.Info().Msg("stopped")
	return nil
}
