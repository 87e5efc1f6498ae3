package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/retry"
	"github.com/dreamware/chatring/internal/ring"
	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// Continuation flag values carried in Notification.Data.
const (
	FlagStop     = 0
	FlagContinue = 1
)

// errNoHop means the walk ended without a peer to send to.
var errNoHop = errors.New("replication: revolution complete")

// Results reported to Config.OnResult.
const (
	ResultSent    = "sent"
	ResultApplied = "applied"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// Config wires a Propagator.
type Config struct {
	Node *ring.Node
	// Apply performs a replicated mutation on the local directory.
	Apply   func(ctx context.Context, n wire.Notification) error
	Retry   *retry.Retryer
	Logger  zerolog.Logger
	Queue   int           // outbound queue depth (default 1024)
	AckWait time.Duration // bound on each hop's ack (default 2s)
	// OnResult observes each send and apply outcome.
	OnResult func(result string)
}

// Propagator moves applied mutations once around the ring.
type Propagator struct {
	cfg  Config
	log  zerolog.Logger
	out  chan wire.Notification
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a Propagator. Call Start to launch its sender.
func New(cfg Config) *Propagator {
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultConfig())
	}
	return &Propagator{
		cfg: cfg,
		log: cfg.Logger,
		out: make(chan wire.Notification, cfg.Queue),
	}
}

// Start launches the sender, which drains the outbound queue until ctx is
// done. Records leave in the order they were queued; a record that exhausts
// its retries is dropped and the next one is sent.
func (p *Propagator) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Propagator) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.out:
			p.send(ctx, msg)
		}
	}
}

// Wait blocks until the sender started by Start has returned. It returns
// at once when Start was never called.
func (p *Propagator) Wait() {
	p.wg.Wait()
}

// Propagate queues a mutation the primary has just applied.
func (p *Propagator) Propagate(ctx context.Context, mutation wire.Notification) error {
	if !mutation.Command.Replicable() {
		return fmt.Errorf("replication: command %s is not replicable", mutation.Command)
	}
	rec := mutation
	rec.Type = wire.TypeReplication
	rec.Data = FlagContinue
	return p.enqueue(ctx, rec)
}

func (p *Propagator) enqueue(ctx context.Context, rec wire.Notification) error {
	select {
	case p.out <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve handles an inbound replication connection. Each record is applied,
// acknowledged and, when the revolution is not complete, queued for the
// successor. The connection may carry several records (catch-up).
func (p *Propagator) Serve(ctx context.Context, conn *transport.Conn, first wire.Notification) {
	msg := first
	for {
		p.handle(ctx, msg)
		ack := wire.Control(wire.TypeReplication, FlagStop, p.cfg.Node.Self())
		ack.ID = msg.ID
		if err := conn.Send(ack); err != nil {
			return
		}
		var err error
		if msg, err = conn.Receive(); err != nil {
			return
		}
		if msg.Type != wire.TypeReplication {
			return
		}
	}
}

func (p *Propagator) handle(ctx context.Context, msg wire.Notification) {
	node := p.cfg.Node
	if node.IsPrimary() {
		// The primary applied this mutation before sending it.
		p.result(ResultDropped)
		return
	}
	if err := p.cfg.Apply(ctx, msg); err != nil {
		p.log.Warn().Err(err).Stringer("command", msg.Command).Uint64("id", msg.ID).Msg("replicated mutation not applied")
		p.result(ResultFailed)
	} else {
		p.result(ResultApplied)
	}
	if msg.Data == FlagStop {
		return
	}
	if err := p.enqueue(ctx, msg); err != nil {
		p.log.Debug().Err(err).Msg("forward not queued")
	}
}

// send delivers rec to the live successor with retries. The walk stops
// without sending when the successor is the primary or this node.
func (p *Propagator) send(ctx context.Context, rec wire.Notification) {
	err := p.cfg.Retry.DoWithContext(ctx, func(ctx context.Context) error {
		return p.hop(ctx, rec)
	})
	switch {
	case err == nil:
		p.result(ResultSent)
	case errors.Is(err, errNoHop), errors.Is(err, ring.ErrAlone):
	default:
		if ctx.Err() == nil {
			p.log.Error().Err(err).Stringer("command", rec.Command).Uint64("id", rec.ID).Msg("replication failed")
			p.result(ResultFailed)
		}
	}
}

func (p *Propagator) hop(ctx context.Context, rec wire.Notification) error {
	node := p.cfg.Node
	topo := node.Topology()
	primary := node.Primary()
	self := node.Self()

	for _, idx := range topo.Walk(self) {
		if idx == primary {
			return retry.Permanent(errNoHop)
		}
		conn, err := node.Dial(ctx, idx)
		if err != nil {
			continue
		}
		rec.Sender = int32(self)
		rec.Data = FlagContinue
		if topo.Next(idx) == primary {
			rec.Data = FlagStop
		}
		err = p.exchange(conn, rec)
		conn.Close()
		if err != nil {
			return fmt.Errorf("replicate to %d: %w", idx, err)
		}
		return nil
	}
	return retry.Permanent(ring.ErrAlone)
}

func (p *Propagator) exchange(conn *transport.Conn, rec wire.Notification) error {
	if err := conn.Send(rec); err != nil {
		return err
	}
	ack, err := conn.ReceiveTimeout(p.cfg.AckWait)
	if err != nil {
		return err
	}
	if ack.Type != wire.TypeReplication || ack.ID != rec.ID {
		return fmt.Errorf("unexpected ack %s id=%d", ack.Type, ack.ID)
	}
	return nil
}

// SyncTo streams records straight to the peer at idx with the continuation
// flag cleared, so the peer applies them without forwarding. It is the
// primary's catch-up path for a follower that just (re)connected.
func (p *Propagator) SyncTo(ctx context.Context, idx int, records []wire.Notification) error {
	node := p.cfg.Node
	return p.cfg.Retry.DoWithContext(ctx, func(ctx context.Context) error {
		conn, err := node.Dial(ctx, idx)
		if err != nil {
			return err
		}
		defer conn.Close()
		for _, rec := range records {
			rec.Type = wire.TypeReplication
			rec.Data = FlagStop
			rec.Sender = int32(node.Self())
			if err := p.exchange(conn, rec); err != nil {
				return fmt.Errorf("sync to %d: %w", idx, err)
			}
		}
		return nil
	})
}

func (p *Propagator) result(r string) {
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(r)
	}
}
