// Package directory is the in-memory record of accounts, sessions, follow
// edges and undelivered notifications.
//
// A User is created on first login and never removed. Each user holds at
// most MaxSessions sessions, a set of subscriber usernames (no duplicates,
// no self edge), an append-only history of what it authored and a FIFO of
// notifications that arrived while it had no session.
//
// Pending queue invariant: the queue is non-empty only while the user has
// zero sessions. Route queues only under that condition, and Login drains
// the queue inside the same critical section that adds the first session.
//
// Delivery itself is not this package's concern; callers pass a
// DeliverFunc and the directory decides when it runs.
package directory
