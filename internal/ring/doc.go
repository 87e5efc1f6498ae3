// Package ring implements the coordination layer of the chat server ring:
// position discovery, successor search, leader election and the keepalive
// failure detector.
//
// # Topology
//
// The ring is a fixed, ordered list of N endpoints. A process owns the first
// endpoint it can bind. The logical successor walks backward through the
// list and wraps to the highest index:
//
//	next(i) = i-1   if i > 0
//	next(0) = N-1
//
//	   index:  4 ──▶ 3 ──▶ 2 ──▶ 1 ──▶ 0
//	           ▲                       │
//	           └───────────────────────┘
//
// Every traversal (join, election, replication) starts at the node's own
// index and walks next() until it either reaches a live peer or comes back
// to itself, in which case the node is alone.
//
// # Election
//
// Election is a ring-token maximum election. The initiator sends
// ELECTION(self) to its live successor. Each receiver, in order:
//
//  1. replies ELECTED(self) straight to the sender if it already is primary
//  2. wins if the token carries its own index (the token toured the ring)
//  3. drops the token if it is electing with a candidate at least as large
//  4. otherwise forwards ELECTION(max(token, self))
//
// The winner circulates ELECTED(winner). Receivers adopt the winner, restart
// their keepalive loop against it and forward the record only when their
// view changed, which stops the circulation even if the winner dies.
//
// # Failure detection
//
// Followers run exactly one Keepalive loop against the primary: send
// KEEPALIVE, wait for the ack within Timeout, sleep Interval. A dial error,
// a write error or a missed ack starts an election. The primary answers
// heartbeats in ServeKeepalive and never starts elections itself.
package ring
