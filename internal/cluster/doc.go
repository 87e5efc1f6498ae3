// Package cluster defines the JSON status documents ring peers publish
// over HTTP and the small client used to fetch them.
//
// # Overview
//
// Ring traffic (election, keepalive, replication) runs over the framed TCP
// protocol in internal/wire. Operators and tests observe the ring through
// a separate HTTP listener each peer opens on its ring port plus a fixed
// offset:
//
//	┌────────────┐  GET /status   ┌────────────────────┐
//	│  ringstat  │ ─────────────▶ │ peer 0  :13550     │
//	│  or tests  │                └────────────────────┘
//	│            │  GET /status   ┌────────────────────┐
//	│            │ ─────────────▶ │ peer 1  :13551     │
//	└────────────┘                └────────────────────┘
//
// # Endpoints
//
//   - GET /health  - 200 while the peer is serving
//   - GET /status  - RingStatus as JSON
//   - GET /metrics - Prometheus exposition
//
// # Status Document
//
// RingStatus reports the peer's own view only: its index, the primary it
// believes in, whether it is electing, the directory counters and the
// number of front-end links. Views of different peers can disagree while
// an election is in flight; once it completes every live peer reports the
// same primary.
package cluster
