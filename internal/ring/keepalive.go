package ring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// KeepaliveConfig configures one heartbeat loop.
type KeepaliveConfig struct {
	Target string // address of the primary
	Dialer Dialer
	// Sender is stamped on every heartbeat. Ring peers use their index so
	// the primary can resync them; front ends use wire.NoIndex.
	Sender   int
	Interval time.Duration // pause between heartbeats (reference: 3s)
	Timeout  time.Duration // bound on the ack read (reference: 2s)
	Logger   zerolog.Logger
	// OnLost runs once, on its own goroutine, when the primary stops
	// answering. It is not called after Stop.
	OnLost func()
}

// Keepalive is the follower side of the failure detector. It holds a
// single long-lived connection to the primary and declares the primary lost
// on the first failed heartbeat.
type Keepalive struct {
	cfg    KeepaliveConfig
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu          sync.Mutex
	lastHealthy time.Time
	beats       int
}

// NewKeepalive prepares a heartbeat loop. Call Start to run it.
//
// Example:
//
//	ka := NewKeepalive(KeepaliveConfig{
//	    Target:   topo.Addr(primary),
//	    Dialer:   dialer,
//	    Sender:   self,
//	    Interval: 3 * time.Second,
//	    Timeout:  2 * time.Second,
//	    OnLost:   func() { node.StartElection(ctx) },
//	})
//	ka.Start()
//	defer ka.Stop()
func NewKeepalive(cfg KeepaliveConfig) *Keepalive {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Keepalive{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("primary", cfg.Target).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the heartbeat goroutine. Calling it twice has no effect.
func (k *Keepalive) Start() {
	k.once.Do(func() {
		k.wg.Add(1)
		go k.run()
	})
}

// Stop cancels the loop and waits for it to exit.
func (k *Keepalive) Stop() {
	k.cancel()
	k.wg.Wait()
}

// Beats returns the number of acknowledged heartbeats and the time of the
// last one.
func (k *Keepalive) Beats() (int, time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.beats, k.lastHealthy
}

func (k *Keepalive) run() {
	defer k.wg.Done()

	err := k.loop()
	if k.ctx.Err() != nil {
		return
	}
	k.log.Warn().Err(err).Msg("keepalive failed")
	if k.cfg.OnLost != nil {
		go k.cfg.OnLost()
	}
}

func (k *Keepalive) loop() error {
	conn, err := k.cfg.Dialer.Dial(k.ctx, k.cfg.Target)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock a pending read when Stop is called.
	go func() {
		<-k.ctx.Done()
		conn.Close()
	}()

	k.log.Debug().Dur("interval", k.cfg.Interval).Msg("keepalive started")
	for {
		if err := conn.Send(wire.Control(wire.TypeKeepalive, 0, k.cfg.Sender)); err != nil {
			return fmt.Errorf("send heartbeat: %w", err)
		}
		ack, err := conn.ReceiveTimeout(k.cfg.Timeout)
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		if ack.Type != wire.TypeKeepalive {
			return fmt.Errorf("unexpected %s instead of keepalive ack", ack.Type)
		}

		k.mu.Lock()
		k.beats++
		k.lastHealthy = time.Now()
		k.mu.Unlock()

		t := time.NewTimer(k.cfg.Interval)
		select {
		case <-k.ctx.Done():
			t.Stop()
			return k.ctx.Err()
		case <-t.C:
		}
	}
}

// ServeKeepalive is the primary side of a heartbeat connection. first is the
// heartbeat that opened the connection. Every heartbeat is acknowledged
// until the peer goes quiet, a write fails or this node stops being primary;
// the handler then returns without starting an election.
//
// OnFollower runs only when first.Sender names another ring slot. Front
// ends send wire.NoIndex on their link heartbeat, which keeps them out of
// peer catch-up.
func (n *Node) ServeKeepalive(ctx context.Context, conn *transport.Conn, first wire.Notification) {
	if !n.IsPrimary() {
		n.log.Debug().Int("peer", int(first.Sender)).Msg("keepalive to non-primary, closing")
		return
	}
	if idx := int(first.Sender); n.cfg.Topology.Valid(idx) && idx != n.cfg.Self && n.cfg.OnFollower != nil {
		n.cfg.Go(func() { n.cfg.OnFollower(idx) })
	}

	idle := n.cfg.KeepaliveInterval + n.cfg.KeepaliveTimeout
	msg := first
	for {
		if msg.Type == wire.TypeKeepalive {
			if err := conn.Send(wire.Control(wire.TypeKeepalive, 0, n.cfg.Self)); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetIdleDeadline(idle); err != nil {
			return
		}
		var err error
		if msg, err = conn.Receive(); err != nil {
			return
		}
		if !n.IsPrimary() {
			return
		}
	}
}
