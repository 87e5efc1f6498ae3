// Package replication propagates applied mutations from the primary once
// around the ring.
//
// The primary applies LOGIN, LOGOUT, FOLLOW and SEND locally and hands the
// mutation to Propagate. A single sender goroutine delivers records in
// order to the live successor; each peer applies the record, acknowledges
// it and queues it for its own successor. The continuation flag in Data is
// cleared for the hop whose successor is the primary, and a peer whose live
// successor is the primary stops on its own, so one revolution ends one hop
// before the primary:
//
//	primary(3) ──flag=1──▶ 2 ──flag=1──▶ 1 ──flag=0──▶ 0   (stop)
//
// Failed hops are retried with exponential backoff; a record that still
// cannot be delivered is logged and dropped without affecting the rest of
// the queue. SyncTo is the anti-entropy path used when a follower
// (re)connects: the primary streams its whole directory straight to it.
package replication
