package ring

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/chatring/internal/wire"
)

// StartElection begins a ring-token election with this node as candidate.
// It is a no-op while an election is already in flight or when the node is
// primary. A node that finds no reachable successor becomes primary.
func (n *Node) StartElection(ctx context.Context) error {
	n.mu.Lock()
	if n.inElection || n.isPrimary {
		n.mu.Unlock()
		return nil
	}
	n.inElection = true
	n.candidate = n.cfg.Self
	n.armElectionTimer()
	n.mu.Unlock()

	n.log.Info().Msg("starting election")
	return n.forwardElection(ctx, n.cfg.Self)
}

// HandleElection processes an inbound ELECTION token.
func (n *Node) HandleElection(ctx context.Context, msg wire.Notification) error {
	c := int(msg.Data)
	self := n.cfg.Self

	n.mu.Lock()
	switch {
	case n.isPrimary:
		n.mu.Unlock()
		if c == self {
			return nil
		}
		// Every hop of the token is electing; the announcement has to reach
		// all of them, not only the last one.
		n.log.Info().Int("sender", int(msg.Sender)).Msg("election while primary, re-announcing")
		return n.circulateElected(ctx, self)

	case c == self:
		n.mu.Unlock()
		n.log.Info().Msg("election token returned, won election")
		n.becomePrimary()
		return n.circulateElected(ctx, self)

	case n.inElection && n.candidate >= c:
		n.mu.Unlock()
		return nil
	}

	if self > c {
		c = self
	}
	n.inElection = true
	n.candidate = c
	n.armElectionTimer()
	n.mu.Unlock()

	return n.forwardElection(ctx, c)
}

// HandleElected processes an inbound ELECTED announcement. The winner
// ignores its own echo; every other receiver adopts the winner and passes
// the announcement on.
func (n *Node) HandleElected(ctx context.Context, msg wire.Notification) error {
	w := int(msg.Data)
	if w == n.cfg.Self || !n.cfg.Topology.Valid(w) {
		return nil
	}

	if n.adopt(w) {
		n.log.Info().Int("primary", w).Msg("adopted elected primary")
	}
	return n.circulateElected(ctx, w)
}

func (n *Node) forwardElection(ctx context.Context, candidate int) error {
	_, err := n.SendToSuccessor(ctx, func(int) (wire.Notification, bool) {
		return wire.Control(wire.TypeElection, candidate, n.cfg.Self), true
	})
	if errors.Is(err, ErrAlone) {
		n.log.Info().Msg("no successor during election, becoming primary")
		n.becomePrimary()
		return nil
	}
	return err
}

// circulateElected passes ELECTED(winner) to the live successor. The
// announcement makes one revolution: it is never delivered past the
// winner, so it ends at the winner or, when the winner is down, at the
// last live peer before it.
func (n *Node) circulateElected(ctx context.Context, winner int) error {
	_, err := n.SendToSuccessor(ctx, func(next int) (wire.Notification, bool) {
		if next != winner && n.cfg.Topology.Between(n.cfg.Self, winner, next) {
			return wire.Notification{}, false
		}
		return wire.Control(wire.TypeElected, winner, n.cfg.Self), true
	})
	if errors.Is(err, ErrAlone) {
		return nil
	}
	return err
}

// armElectionTimer restarts an election that has not resolved within
// ElectionTimeout. Callers hold n.mu.
func (n *Node) armElectionTimer() {
	n.electionEpoch++
	epoch := n.electionEpoch
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.electionTimer = time.AfterFunc(n.cfg.ElectionTimeout, func() {
		n.electionExpired(epoch)
	})
}

// disarmElectionTimer stops the pending restart. Callers hold n.mu.
func (n *Node) disarmElectionTimer() {
	n.electionEpoch++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
}

func (n *Node) electionExpired(epoch uint64) {
	if n.ctx.Err() != nil {
		return
	}
	n.mu.Lock()
	if epoch != n.electionEpoch || !n.inElection {
		n.mu.Unlock()
		return
	}
	n.inElection = false
	n.candidate = wire.NoIndex
	n.electionTimer = nil
	n.mu.Unlock()

	n.log.Warn().Dur("timeout", n.cfg.ElectionTimeout).Msg("election did not resolve, restarting")
	n.cfg.Go(func() {
		if err := n.StartElection(n.ctx); err != nil && n.ctx.Err() == nil {
			n.log.Error().Err(err).Msg("election restart failed")
		}
	})
}
