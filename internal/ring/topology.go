package ring

import "fmt"

// Topology is the fixed, ordered endpoint list shared by every peer.
type Topology struct {
	addrs []string
}

// NewTopology copies addrs into a Topology.
func NewTopology(addrs []string) *Topology {
	return &Topology{addrs: append([]string(nil), addrs...)}
}

// Len returns the number of configured endpoints.
func (t *Topology) Len() int {
	return len(t.addrs)
}

// Addr returns the endpoint at index i.
func (t *Topology) Addr(i int) string {
	return t.addrs[i]
}

// Addrs returns a copy of all endpoints in index order.
func (t *Topology) Addrs() []string {
	return append([]string(nil), t.addrs...)
}

// Valid reports whether i names a configured endpoint.
func (t *Topology) Valid(i int) bool {
	return i >= 0 && i < len(t.addrs)
}

// Next returns the ring successor of index i. Indices walk downward and the
// lowest wraps to the highest. Next(Len()) is Len()-1, which lets callers
// without a ring slot start a full traversal from the top.
func (t *Topology) Next(i int) int {
	if i-1 >= 0 {
		return i - 1
	}
	return len(t.addrs) - 1
}

// Walk returns the traversal order starting after from: next(from),
// next(next(from)), ... stopping before the walk returns to from. For an
// index outside the ring every endpoint is returned once.
func (t *Topology) Walk(from int) []int {
	out := make([]int, 0, len(t.addrs))
	i := from
	for range t.addrs {
		i = t.Next(i)
		if i == from {
			break
		}
		out = append(out, i)
	}
	return out
}

// Between reports whether x is visited strictly after from and strictly
// before to on a walk that starts at from.
func (t *Topology) Between(from, x, to int) bool {
	d := t.distance(from, x)
	return d > 0 && d < t.distance(from, to)
}

// distance is the number of Next steps from a to b.
func (t *Topology) distance(a, b int) int {
	n := len(t.addrs)
	return ((a-b)%n + n) % n
}

func (t *Topology) String() string {
	return fmt.Sprintf("ring%v", t.addrs)
}
