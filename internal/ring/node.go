package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// ErrAlone is returned by successor search when no other peer is reachable.
var ErrAlone = errors.New("ring: no reachable successor")

// Dialer opens framed connections to ring endpoints. *transport.Dialer
// satisfies it; tests substitute in-memory pipes.
type Dialer interface {
	Dial(ctx context.Context, addr string) (*transport.Conn, error)
}

// State is the election state of a node.
type State int

const (
	StateIdle State = iota
	StateElecting
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateElecting:
		return "electing"
	case StateLeader:
		return "leader"
	default:
		return "idle"
	}
}

// Config wires a Node to its environment.
type Config struct {
	Topology *Topology
	Self     int
	Dialer   Dialer

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// AskTimeout bounds the wait for an ELECTED reply to LEADER_QUESTION.
	AskTimeout time.Duration
	// ElectionTimeout restarts an election that has not resolved.
	ElectionTimeout time.Duration

	Logger zerolog.Logger

	// OnPrimaryChange runs whenever the node adopts a primary.
	OnPrimaryChange func(primary int, self bool)
	// OnFollower runs on the primary when a follower opens its keepalive
	// connection.
	OnFollower func(index int)
	// Go runs background work. Defaults to a plain goroutine.
	Go func(func())
}

// Status is a point-in-time view of a node.
type Status struct {
	Self       int
	Primary    int
	IsPrimary  bool
	InElection bool
	State      State
}

// Node is this process's ring state. Election and the failure detector are
// the only writers.
type Node struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	isPrimary  bool
	primary    int
	inElection bool
	candidate  int

	electionTimer *time.Timer
	electionEpoch uint64

	kaMu      sync.Mutex
	keepalive *Keepalive

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates a node that owns slot cfg.Self. It knows no primary until
// Join or an election completes.
func NewNode(cfg Config) *Node {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 3 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 2 * time.Second
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 2 * time.Second
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = 2 * (cfg.KeepaliveInterval + cfg.KeepaliveTimeout)
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		log:       cfg.Logger.With().Int("self", cfg.Self).Logger(),
		primary:   wire.NoIndex,
		candidate: wire.NoIndex,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Self returns the bound ring index.
func (n *Node) Self() int { return n.cfg.Self }

// Topology returns the ring endpoints.
func (n *Node) Topology() *Topology { return n.cfg.Topology }

// Primary returns the index of the known primary or wire.NoIndex.
func (n *Node) Primary() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primary
}

// IsPrimary reports whether this node believes it is the primary.
func (n *Node) IsPrimary() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isPrimary
}

// Status returns a snapshot of the election state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := StateIdle
	switch {
	case n.isPrimary:
		st = StateLeader
	case n.inElection:
		st = StateElecting
	}
	return Status{
		Self:       n.cfg.Self,
		Primary:    n.primary,
		IsPrimary:  n.isPrimary,
		InElection: n.inElection,
		State:      st,
	}
}

// Join locates the primary through the first reachable successor. A node
// with no reachable successor declares itself primary without sending
// anything. A successor that cannot name a reachable primary makes the
// node start an election.
func (n *Node) Join(ctx context.Context) error {
	topo := n.cfg.Topology
	for _, idx := range topo.Walk(n.cfg.Self) {
		primary, err := n.askPrimary(ctx, idx)
		if err != nil {
			n.log.Debug().Err(err).Int("peer", idx).Msg("peer unavailable during join")
			continue
		}
		if primary == wire.NoIndex || primary == n.cfg.Self || !topo.Valid(primary) {
			n.log.Info().Int("peer", idx).Msg("peer knows no primary, starting election")
			return n.StartElection(ctx)
		}
		n.log.Info().Int("peer", idx).Int("primary", primary).Msg("joined ring")
		n.adopt(primary)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info().Msg("alone in ring, becoming primary")
	n.becomePrimary()
	return nil
}

func (n *Node) askPrimary(ctx context.Context, idx int) (int, error) {
	return AskPrimary(ctx, n.cfg.Dialer, n.cfg.Topology.Addr(idx), n.cfg.Self, n.cfg.AskTimeout)
}

// AskPrimary sends LEADER_QUESTION to addr and returns the index named in
// the ELECTED reply, which is wire.NoIndex when the peer knows no primary.
// Front ends call it with sender wire.NoIndex.
func AskPrimary(ctx context.Context, d Dialer, addr string, sender int, timeout time.Duration) (int, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return wire.NoIndex, err
	}
	defer conn.Close()
	if err := conn.Send(wire.Control(wire.TypeLeaderQuestion, 0, sender)); err != nil {
		return wire.NoIndex, err
	}
	reply, err := conn.ReceiveTimeout(timeout)
	if err != nil {
		return wire.NoIndex, err
	}
	if reply.Type != wire.TypeElected {
		return wire.NoIndex, fmt.Errorf("unexpected %s reply to leader question", reply.Type)
	}
	return int(reply.Data), nil
}

// SendToSuccessor delivers a record to the first live successor. build is
// called with the index of the reached peer; returning false skips the
// send and ends the walk at that peer. The reached index is returned, or
// ErrAlone when every other endpoint is unreachable.
func (n *Node) SendToSuccessor(ctx context.Context, build func(next int) (wire.Notification, bool)) (int, error) {
	for _, idx := range n.cfg.Topology.Walk(n.cfg.Self) {
		if err := ctx.Err(); err != nil {
			return wire.NoIndex, err
		}
		conn, err := n.cfg.Dialer.Dial(ctx, n.cfg.Topology.Addr(idx))
		if err != nil {
			continue
		}
		msg, ok := build(idx)
		if !ok {
			conn.Close()
			return idx, nil
		}
		msg.Sender = int32(n.cfg.Self)
		err = conn.Send(msg)
		conn.Close()
		if err != nil {
			n.log.Debug().Err(err).Int("peer", idx).Msg("send to successor failed")
			continue
		}
		return idx, nil
	}
	return wire.NoIndex, ErrAlone
}

// Dial opens a framed connection to the peer at idx.
func (n *Node) Dial(ctx context.Context, idx int) (*transport.Conn, error) {
	if !n.cfg.Topology.Valid(idx) {
		return nil, fmt.Errorf("ring: invalid index %d", idx)
	}
	return n.cfg.Dialer.Dial(ctx, n.cfg.Topology.Addr(idx))
}

// SendTo delivers a single record to the peer at idx on an ephemeral
// connection.
func (n *Node) SendTo(ctx context.Context, idx int, msg wire.Notification) error {
	conn, err := n.Dial(ctx, idx)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg.Sender = int32(n.cfg.Self)
	return conn.Send(msg)
}

// HandleLeaderQuestion answers on conn with the known primary, or
// wire.NoIndex while electing or before any primary is known.
func (n *Node) HandleLeaderQuestion(conn *transport.Conn) error {
	n.mu.Lock()
	primary := n.primary
	if n.inElection {
		primary = wire.NoIndex
	}
	n.mu.Unlock()
	return conn.Send(wire.Control(wire.TypeElected, primary, n.cfg.Self))
}

// Close stops the keepalive loop and background election work.
func (n *Node) Close() {
	n.cancel()
	n.mu.Lock()
	n.disarmElectionTimer()
	n.mu.Unlock()
	n.kaMu.Lock()
	ka := n.keepalive
	n.keepalive = nil
	n.kaMu.Unlock()
	if ka != nil {
		ka.Stop()
	}
}

func (n *Node) becomePrimary() {
	n.mu.Lock()
	n.isPrimary = true
	n.primary = n.cfg.Self
	n.inElection = false
	n.candidate = n.cfg.Self
	n.disarmElectionTimer()
	n.mu.Unlock()

	n.replaceKeepalive(nil)
	if n.cfg.OnPrimaryChange != nil {
		n.cfg.OnPrimaryChange(n.cfg.Self, true)
	}
}

// adopt records primary as the current leader and points the failure
// detector at it. An unchanged view keeps the running loop. It reports
// whether the view changed.
func (n *Node) adopt(primary int) bool {
	n.mu.Lock()
	changed := n.inElection || n.isPrimary || n.primary != primary
	n.isPrimary = false
	n.primary = primary
	n.inElection = false
	n.candidate = wire.NoIndex
	n.disarmElectionTimer()
	n.mu.Unlock()

	n.kaMu.Lock()
	running := n.keepalive != nil
	n.kaMu.Unlock()
	if !changed && running {
		return false
	}

	ka := NewKeepalive(KeepaliveConfig{
		Target:   n.cfg.Topology.Addr(primary),
		Dialer:   n.cfg.Dialer,
		Sender:   n.cfg.Self,
		Interval: n.cfg.KeepaliveInterval,
		Timeout:  n.cfg.KeepaliveTimeout,
		Logger:   n.log,
		OnLost:   func() { n.primaryLost(primary) },
	})
	n.replaceKeepalive(ka)

	if changed && n.cfg.OnPrimaryChange != nil {
		n.cfg.OnPrimaryChange(primary, false)
	}
	return changed
}

// replaceKeepalive swaps the active heartbeat loop so at most one runs.
func (n *Node) replaceKeepalive(next *Keepalive) {
	n.kaMu.Lock()
	prev := n.keepalive
	n.keepalive = next
	n.kaMu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if next != nil && n.ctx.Err() == nil {
		next.Start()
	}
}

func (n *Node) primaryLost(primary int) {
	n.mu.Lock()
	stale := n.isPrimary || n.primary != primary
	n.mu.Unlock()
	if stale {
		return
	}
	n.log.Warn().Int("primary", primary).Msg("primary unreachable, starting election")
	if err := n.StartElection(n.ctx); err != nil && n.ctx.Err() == nil {
		n.log.Error().Err(err).Msg("election start failed")
	}
}
