package frontend

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ShardRegistry maps usernames to front-end shards and shards to the
// addresses clients dial, serving as the single placement rule shared by
// clients and front ends.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         ShardRegistry               │
//	├─────────────────────────────────────┤
//	│  addrs: shard index → address       │
//	├─────────────────────────────────────┤
//	│  Username → Hash → Shard → Address  │
//	│  "@alice" → 0x9f.. → 2 → :13002     │
//	└─────────────────────────────────────┘
//
// The address list is fixed at start time, so the registry is immutable
// and safe for concurrent use without locking.
//
// Performance Characteristics:
//   - ShardForUser: O(k) in the username length
//   - Addr, AddrForUser: O(1) after hashing
type ShardRegistry struct {
	// addrs lists the front-end listen addresses in shard order.
	// Shard i is served by the process bound to addrs[i].
	addrs []string
}

// NewShardRegistry creates a registry over the front-end addresses.
//
// Parameters:
//   - addrs: front-end addresses in shard order (must be non-empty)
//
// Returns:
//   - Registry with len(addrs) shards
//   - Error if addrs is empty
//
// Example:
//
//	reg, err := NewShardRegistry(cfg.FrontEnds)
//	shard := reg.ShardForUser("@alice")
func NewShardRegistry(addrs []string) (*ShardRegistry, error) {
	if len(addrs) == 0 {
		return nil, errors.New("front-end list cannot be empty")
	}
	return &ShardRegistry{addrs: append([]string(nil), addrs...)}, nil
}

// ShardForUser determines which shard serves a username.
//
// Hashing algorithm:
//   - xxHash64 of the username bytes
//   - Deterministic: every client and front end computes the same shard
//   - Uniform: usernames spread evenly across shards
//
// Returns:
//   - Shard index in range [0, NumShards)
func (r *ShardRegistry) ShardForUser(username string) int {
	return int(xxhash.Sum64String(username) % uint64(len(r.addrs)))
}

// Addr returns the address of shard, or an error for an index outside
// the registry.
func (r *ShardRegistry) Addr(shard int) (string, error) {
	if shard < 0 || shard >= len(r.addrs) {
		return "", fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shard, len(r.addrs))
	}
	return r.addrs[shard], nil
}

// AddrForUser returns the address of the front end serving username.
func (r *ShardRegistry) AddrForUser(username string) string {
	return r.addrs[r.ShardForUser(username)]
}

// Owns reports whether shard serves username.
func (r *ShardRegistry) Owns(shard int, username string) bool {
	return r.ShardForUser(username) == shard
}

// NumShards returns the number of front-end shards.
func (r *ShardRegistry) NumShards() int {
	return len(r.addrs)
}

// Addrs returns a copy of the front-end addresses in shard order.
func (r *ShardRegistry) Addrs() []string {
	return append([]string(nil), r.addrs...)
}
