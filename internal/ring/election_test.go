package ring

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatring/internal/logging"
	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

// testRing runs N nodes that talk over net.Pipe instead of TCP.
type testRing struct {
	t     *testing.T
	topo  *Topology
	nodes []*Node

	mu      sync.Mutex
	alive   []bool
	conns   map[int][]*transport.Conn
	dials   atomic.Int64
	follows []int
}

func newTestRing(t *testing.T, n int) *testRing {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("peer-%d", i)
	}
	r := &testRing{
		t:     t,
		topo:  NewTopology(addrs),
		alive: make([]bool, n),
		conns: make(map[int][]*transport.Conn),
	}
	for i := 0; i < n; i++ {
		r.alive[i] = true
		r.nodes = append(r.nodes, NewNode(Config{
			Topology:          r.topo,
			Self:              i,
			Dialer:            r,
			KeepaliveInterval: 20 * time.Millisecond,
			KeepaliveTimeout:  150 * time.Millisecond,
			AskTimeout:        200 * time.Millisecond,
			ElectionTimeout:   500 * time.Millisecond,
			Logger:            logging.Nop(),
			OnFollower: func(idx int) {
				r.mu.Lock()
				r.follows = append(r.follows, idx)
				r.mu.Unlock()
			},
		}))
	}
	t.Cleanup(func() {
		for _, n := range r.nodes {
			n.Close()
		}
	})
	return r
}

func (r *testRing) Dial(ctx context.Context, addr string) (*transport.Conn, error) {
	var idx int
	if _, err := fmt.Sscanf(addr, "peer-%d", &idx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	up := r.alive[idx]
	r.mu.Unlock()
	if !up {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	r.dials.Add(1)

	client, server := net.Pipe()
	sc := transport.NewConn(server)
	r.mu.Lock()
	r.conns[idx] = append(r.conns[idx], sc)
	r.mu.Unlock()
	go r.serve(idx, sc)
	return transport.NewConn(client), nil
}

func (r *testRing) serve(idx int, conn *transport.Conn) {
	defer conn.Close()
	node := r.nodes[idx]
	msg, err := conn.Receive()
	if err != nil {
		return
	}
	ctx := context.Background()
	switch msg.Type {
	case wire.TypeLeaderQuestion:
		_ = node.HandleLeaderQuestion(conn)
	case wire.TypeElection:
		_ = node.HandleElection(ctx, msg)
	case wire.TypeElected:
		_ = node.HandleElected(ctx, msg)
	case wire.TypeKeepalive:
		node.ServeKeepalive(ctx, conn, msg)
	}
}

// kill makes idx unreachable and drops every connection it was serving.
func (r *testRing) kill(idx int) {
	r.mu.Lock()
	r.alive[idx] = false
	conns := r.conns[idx]
	r.conns[idx] = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	r.nodes[idx].Close()
}

func (r *testRing) requireConverged(winner int, live ...int) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		for _, i := range live {
			st := r.nodes[i].Status()
			if st.Primary != winner || st.InElection || st.IsPrimary != (i == winner) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "ring did not converge on %d", winner)
}

func TestSoleNodeBecomesPrimaryWithoutHandshake(t *testing.T) {
	r := newTestRing(t, 3)
	r.kill(1)
	r.kill(2)

	require.NoError(t, r.nodes[0].Join(context.Background()))

	st := r.nodes[0].Status()
	assert.True(t, st.IsPrimary)
	assert.Equal(t, 0, st.Primary)
	assert.Equal(t, StateLeader, st.State)
	assert.Zero(t, r.dials.Load(), "no peer may be contacted")
}

func TestElectionConvergesOnHighestIndex(t *testing.T) {
	r := newTestRing(t, 5)

	require.NoError(t, r.nodes[1].StartElection(context.Background()))

	r.requireConverged(4, 0, 1, 2, 3, 4)
}

func TestElectionSkipsDeadPeers(t *testing.T) {
	r := newTestRing(t, 5)
	r.kill(4)
	r.kill(2)

	require.NoError(t, r.nodes[0].StartElection(context.Background()))

	r.requireConverged(3, 0, 1, 3)
}

func TestConcurrentElectionsElectOnePrimary(t *testing.T) {
	r := newTestRing(t, 6)

	var wg sync.WaitGroup
	for _, n := range r.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			_ = n.StartElection(context.Background())
		}(n)
	}
	wg.Wait()

	r.requireConverged(5, 0, 1, 2, 3, 4, 5)

	primaries := 0
	for _, n := range r.nodes {
		if n.IsPrimary() {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestPrimaryReannouncesAroundRing(t *testing.T) {
	r := newTestRing(t, 4)
	r.nodes[3].becomePrimary()

	err := r.nodes[3].HandleElection(context.Background(), wire.Control(wire.TypeElection, 1, 1))
	require.NoError(t, err)

	r.requireConverged(3, 0, 1, 2, 3)
}

func TestElectionAgainstLivePrimaryClearsEveryHop(t *testing.T) {
	r := newTestRing(t, 3)
	r.nodes[2].becomePrimary()
	r.nodes[0].adopt(2)
	r.nodes[1].adopt(2)

	require.NoError(t, r.nodes[1].StartElection(context.Background()))

	r.requireConverged(2, 0, 1, 2)
}

func TestReannouncementPassesUnchangedPeers(t *testing.T) {
	r := newTestRing(t, 5)
	r.nodes[4].becomePrimary()
	for _, i := range []int{0, 1, 2, 3} {
		r.nodes[i].adopt(4)
	}

	// The token travels 1, 0, 4; peers 3 and 2 sit between the primary and
	// the electing hops and never saw it.
	require.NoError(t, r.nodes[1].StartElection(context.Background()))

	r.requireConverged(4, 0, 1, 2, 3, 4)
}

func TestElectedStopsBeforeDeadWinner(t *testing.T) {
	r := newTestRing(t, 4)
	r.kill(3)

	require.NoError(t, r.nodes[0].circulateElected(context.Background(), 3))

	assert.Never(t, func() bool {
		return r.nodes[2].Primary() != wire.NoIndex
	}, 200*time.Millisecond, 10*time.Millisecond, "the announcement must not pass its winner")
}

func TestUnresolvedElectionRestarts(t *testing.T) {
	r := newTestRing(t, 3)
	r.nodes[2].becomePrimary()
	n := r.nodes[0]

	// A token that was lost in flight leaves the node electing.
	n.mu.Lock()
	n.inElection = true
	n.candidate = 0
	n.armElectionTimer()
	n.mu.Unlock()

	r.requireConverged(2, 0, 2)
}

func TestElectionDedupDropsSmallerToken(t *testing.T) {
	r := newTestRing(t, 4)
	n := r.nodes[1]

	n.mu.Lock()
	n.inElection = true
	n.candidate = 3
	n.mu.Unlock()
	before := r.dials.Load()

	require.NoError(t, n.HandleElection(context.Background(), wire.Control(wire.TypeElection, 2, 2)))

	assert.Equal(t, before, r.dials.Load(), "a dominated token must not be forwarded")
}

func TestJoinAdoptsKnownPrimary(t *testing.T) {
	r := newTestRing(t, 4)
	r.nodes[2].becomePrimary()
	r.nodes[3].adopt(2)

	require.NoError(t, r.nodes[0].Join(context.Background()))

	assert.Equal(t, 2, r.nodes[0].Primary())
	assert.False(t, r.nodes[0].IsPrimary())
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, f := range r.follows {
			if f == 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "primary must see the follower's keepalive")
}

func TestJoinWithoutKnownPrimaryElects(t *testing.T) {
	r := newTestRing(t, 3)

	require.NoError(t, r.nodes[0].Join(context.Background()))

	r.requireConverged(2, 0, 1, 2)
}

func TestPrimaryFailureTriggersReelection(t *testing.T) {
	r := newTestRing(t, 4)
	r.nodes[3].becomePrimary()
	for _, i := range []int{0, 1, 2} {
		r.nodes[i].adopt(3)
	}
	require.Eventually(t, func() bool {
		r.nodes[0].kaMu.Lock()
		ka := r.nodes[0].keepalive
		r.nodes[0].kaMu.Unlock()
		if ka == nil {
			return false
		}
		beats, _ := ka.Beats()
		return beats > 0
	}, 2*time.Second, 10*time.Millisecond)

	r.kill(3)

	r.requireConverged(2, 0, 1, 2)
}

func TestLeaderQuestionWhileElecting(t *testing.T) {
	r := newTestRing(t, 2)
	r.nodes[1].mu.Lock()
	r.nodes[1].primary = 1
	r.nodes[1].inElection = true
	r.nodes[1].mu.Unlock()

	got, err := r.nodes[0].askPrimary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, wire.NoIndex, got)
}
