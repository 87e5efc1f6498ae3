package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/ring"
	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// ErrNoPrimary is returned when no ring peer names a primary.
var ErrNoPrimary = errors.New("frontend: no primary found")

// Config wires a FrontEnd.
type Config struct {
	Ring      *ring.Topology
	FrontEnds []string
	// Seed is a ring address asked before the configured endpoints.
	Seed   string
	Dialer ring.Dialer

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	AskTimeout        time.Duration
	ReconnectDelay    time.Duration
	QueueSize         int

	Logger zerolog.Logger
}

type session struct {
	handle   string
	username string
	conn     *transport.Conn
	accepted bool
	denied   bool
}

// FrontEnd relays client sessions to the ring primary.
type FrontEnd struct {
	cfg      Config
	log      zerolog.Logger
	registry *ShardRegistry
	ln       net.Listener
	shard    int
	outbox   chan wire.Notification

	mu       sync.Mutex
	sessions map[string]*session

	linkMu  sync.Mutex
	link    *transport.Conn
	ready   chan struct{}
	primary int

	wg sync.WaitGroup
}

// New validates cfg and returns an unbound front end.
func New(cfg Config) (*FrontEnd, error) {
	reg, err := NewShardRegistry(cfg.FrontEnds)
	if err != nil {
		return nil, err
	}
	if cfg.Ring == nil || cfg.Ring.Len() == 0 {
		return nil, errors.New("frontend: ring endpoints required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewDialer(time.Second)
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 2 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &FrontEnd{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: reg,
		shard:    -1,
		outbox:   make(chan wire.Notification, cfg.QueueSize),
		sessions: make(map[string]*session),
		ready:    make(chan struct{}),
		primary:  wire.NoIndex,
	}, nil
}

// Listen binds the first free front-end address; its index becomes the
// shard this process serves.
func (f *FrontEnd) Listen(ctx context.Context) error {
	ln, idx, err := transport.ListenFirst(ctx, f.cfg.FrontEnds)
	if err != nil {
		return err
	}
	f.ln = ln
	f.shard = idx
	f.log = f.log.With().Int("shard", idx).Logger()
	f.log.Info().Str("addr", ln.Addr().String()).Msg("front end listening")
	return nil
}

// Shard returns the bound shard index, or -1 before Listen.
func (f *FrontEnd) Shard() int { return f.shard }

// Addr returns the bound listen address.
func (f *FrontEnd) Addr() string { return f.ln.Addr().String() }

// Registry returns the shard placement used by this front end.
func (f *FrontEnd) Registry() *ShardRegistry { return f.registry }

// Primary returns the ring index of the linked primary or wire.NoIndex.
func (f *FrontEnd) Primary() int {
	f.linkMu.Lock()
	defer f.linkMu.Unlock()
	if f.link == nil {
		return wire.NoIndex
	}
	return f.primary
}

// SessionCount returns the number of connected clients.
func (f *FrontEnd) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Run serves clients until ctx is done. Listen must have succeeded.
func (f *FrontEnd) Run(ctx context.Context) error {
	if f.ln == nil {
		return errors.New("frontend: Run before Listen")
	}
	f.wg.Add(3)
	go f.maintainLink(ctx)
	go f.forward(ctx)
	go f.acceptLoop(ctx)

	<-ctx.Done()
	f.ln.Close()
	f.wipeSessions()
	f.linkMu.Lock()
	if f.link != nil {
		f.link.Close()
	}
	f.linkMu.Unlock()
	f.wg.Wait()
	f.log.Info().Msg("front end stopped")
	return nil
}

func (f *FrontEnd) acceptLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		c, err := f.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.log.Error().Err(err).Msg("accept failed")
			continue
		}
		f.wg.Add(1)
		go f.serveClient(ctx, transport.NewConn(c))
	}
}

// serveClient runs one client connection. The first record must be a
// LOGIN naming the user.
func (f *FrontEnd) serveClient(ctx context.Context, conn *transport.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	first, err := conn.Receive()
	if err != nil {
		return
	}
	username := first.Author
	if first.Type != wire.TypeLogin || username == "" {
		_ = conn.Send(wire.Info(username, "Expected a LOGIN as the first message."))
		return
	}
	if !f.registry.Owns(f.shard, username) {
		f.log.Info().Str("user", username).Msg("user belongs to another shard")
		_ = conn.Send(wire.Info(username, fmt.Sprintf("User %s is served by front end %s", username, f.registry.AddrForUser(username))))
		return
	}

	s := &session{handle: uuid.NewString(), username: username, conn: conn}
	f.mu.Lock()
	f.sessions[s.handle] = s
	f.mu.Unlock()
	defer f.closeSession(ctx, s)

	f.log.Debug().Str("user", username).Str("handle", s.handle).Msg("client connected")
	if err := f.enqueue(ctx, loginRequest(username, s.handle)); err != nil {
		return
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		switch {
		case msg.Type == wire.TypeLogout:
			return
		case msg.Command == wire.CommandSend, msg.Command == wire.CommandFollow:
			req := wire.Notification{
				Type:      wire.TypeMessage,
				Command:   msg.Command,
				Author:    username,
				Target:    msg.Target,
				Message:   msg.Message,
				Timestamp: time.Now().Unix(),
				Sender:    wire.NoIndex,
			}
			req.Bound()
			if err := f.enqueue(ctx, req); err != nil {
				return
			}
		default:
			f.log.Debug().Str("user", username).Stringer("type", msg.Type).Msg("ignoring client record")
		}
	}
}

func (f *FrontEnd) closeSession(ctx context.Context, s *session) {
	f.mu.Lock()
	delete(f.sessions, s.handle)
	denied := s.denied
	f.mu.Unlock()

	f.log.Debug().Str("user", s.username).Str("handle", s.handle).Msg("client disconnected")
	if denied || ctx.Err() != nil {
		return
	}
	_ = f.enqueue(ctx, wire.Notification{
		Type:      wire.TypeLogout,
		Command:   wire.CommandLogout,
		Author:    s.username,
		Message:   s.handle,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	})
}

// wipeSessions tells every client its session is over.
func (f *FrontEnd) wipeSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		_ = s.conn.Send(wire.Notification{Type: wire.TypeWipe, Receiver: s.username, Sender: wire.NoIndex})
		s.conn.Close()
	}
}

func (f *FrontEnd) enqueue(ctx context.Context, n wire.Notification) error {
	select {
	case f.outbox <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forward drains the outbox to the primary in order, waiting for a link
// when there is none.
func (f *FrontEnd) forward(ctx context.Context) {
	defer f.wg.Done()
	for {
		var msg wire.Notification
		select {
		case <-ctx.Done():
			return
		case msg = <-f.outbox:
		}
		for {
			link, err := f.waitLink(ctx)
			if err != nil {
				return
			}
			if err := link.Send(msg); err != nil {
				f.log.Warn().Err(err).Msg("send to primary failed")
				f.dropLink(link)
				continue
			}
			break
		}
	}
}

func (f *FrontEnd) waitLink(ctx context.Context) (*transport.Conn, error) {
	for {
		f.linkMu.Lock()
		link, ready := f.link, f.ready
		f.linkMu.Unlock()
		if link != nil {
			return link, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *FrontEnd) setLink(c *transport.Conn, primary int) {
	f.linkMu.Lock()
	defer f.linkMu.Unlock()
	f.link = c
	f.primary = primary
	close(f.ready)
}

func (f *FrontEnd) dropLink(c *transport.Conn) {
	f.linkMu.Lock()
	defer f.linkMu.Unlock()
	if f.link != c {
		return
	}
	f.link = nil
	f.ready = make(chan struct{})
	c.Close()
}

// maintainLink keeps a primary link up until ctx is done.
func (f *FrontEnd) maintainLink(ctx context.Context) {
	defer f.wg.Done()
	for ctx.Err() == nil {
		err := f.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn().Err(err).Dur("retry_in", f.cfg.ReconnectDelay).Msg("primary link down")
		t := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect links to the current primary and blocks until the link is lost.
func (f *FrontEnd) connect(ctx context.Context) error {
	primary, err := f.discover(ctx)
	if err != nil {
		return err
	}
	addr := f.cfg.Ring.Addr(primary)
	conn, err := f.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return err
	}
	if err := conn.Send(wire.Control(wire.TypeFEConnection, f.shard, wire.NoIndex)); err != nil {
		conn.Close()
		return fmt.Errorf("announce front end: %w", err)
	}
	for _, s := range f.snapshotSessions() {
		if err := conn.Send(loginRequest(s.username, s.handle)); err != nil {
			conn.Close()
			return fmt.Errorf("replay login: %w", err)
		}
	}

	lost := make(chan struct{})
	var once sync.Once
	markLost := func() { once.Do(func() { close(lost) }) }

	ka := ring.NewKeepalive(ring.KeepaliveConfig{
		Target:   addr,
		Dialer:   f.cfg.Dialer,
		Sender:   wire.NoIndex,
		Interval: f.cfg.KeepaliveInterval,
		Timeout:  f.cfg.KeepaliveTimeout,
		Logger:   f.log,
		OnLost:   markLost,
	})
	ka.Start()
	defer ka.Stop()

	f.setLink(conn, primary)
	f.log.Info().Int("primary", primary).Str("addr", addr).Msg("linked to primary")

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.readLink(conn)
		markLost()
	}()

	select {
	case <-lost:
	case <-ctx.Done():
	}
	f.dropLink(conn)
	return fmt.Errorf("link to primary %d lost", primary)
}

// discover asks the seed, then every ring endpoint from the top index
// down, for the primary.
func (f *FrontEnd) discover(ctx context.Context) (int, error) {
	topo := f.cfg.Ring
	var addrs []string
	if f.cfg.Seed != "" {
		addrs = append(addrs, f.cfg.Seed)
	}
	for _, idx := range topo.Walk(topo.Len()) {
		addrs = append(addrs, topo.Addr(idx))
	}
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return wire.NoIndex, err
		}
		p, err := ring.AskPrimary(ctx, f.cfg.Dialer, addr, wire.NoIndex, f.cfg.AskTimeout)
		if err != nil {
			continue
		}
		if topo.Valid(p) {
			return p, nil
		}
	}
	return wire.NoIndex, ErrNoPrimary
}

// readLink dispatches records from the primary until the link fails.
func (f *FrontEnd) readLink(conn *transport.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.TypeLogin:
			f.loginReply(msg)
		case wire.TypeMessage, wire.TypeInfo:
			f.deliver(msg)
		default:
			f.log.Debug().Stringer("type", msg.Type).Msg("ignoring record from primary")
		}
	}
}

func (f *FrontEnd) loginReply(msg wire.Notification) {
	f.mu.Lock()
	s, ok := f.sessions[msg.Message]
	if !ok {
		f.mu.Unlock()
		return
	}
	if msg.Data == 0 {
		s.denied = true
		f.mu.Unlock()
		f.log.Info().Str("user", s.username).Msg("login denied")
		_ = s.conn.Send(msg)
		s.conn.Close()
		return
	}
	if s.accepted {
		// Replayed login after a reconnect.
		f.mu.Unlock()
		return
	}
	s.accepted = true
	f.mu.Unlock()
	_ = s.conn.Send(msg)
}

// deliver writes msg to every local session of its receiver. Sessions
// still waiting for their login reply are included, since the primary
// drains queued notifications before it answers the login.
func (f *FrontEnd) deliver(msg wire.Notification) {
	f.mu.Lock()
	var targets []*transport.Conn
	for _, s := range f.sessions {
		if s.username == msg.Receiver && !s.denied {
			targets = append(targets, s.conn)
		}
	}
	f.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			f.log.Debug().Err(err).Str("user", msg.Receiver).Msg("client write failed")
		}
	}
}

func (f *FrontEnd) snapshotSessions() []session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session, 0, len(f.sessions))
	for _, s := range f.sessions {
		if !s.denied {
			out = append(out, session{handle: s.handle, username: s.username})
		}
	}
	return out
}

func loginRequest(username, handle string) wire.Notification {
	return wire.Notification{
		Type:      wire.TypeLogin,
		Command:   wire.CommandLogin,
		Author:    username,
		Message:   handle,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	}
}
