package directory

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/chatring/internal/wire"
)

// Sink receives notifications for the sessions it hosts. A front-end link
// is a sink; sessions learned through replication have none.
type Sink interface {
	Deliver(n wire.Notification) error
}

// DeliverFunc hands one notification to one sink.
type DeliverFunc func(s Sink, n wire.Notification)

// Session is one active login of a user.
type Session struct {
	Handle string
	Sink   Sink
}

// User is the record kept for every username. mu guards sessions,
// subscribers and history; pendingMu guards the pending queue and is only
// taken while mu is held or on its own.
type User struct {
	name string

	mu          sync.Mutex
	sessions    []Session
	subscribers map[string]struct{}
	subOrder    []string
	history     []wire.Notification
	historyIDs  map[uint64]struct{}

	pendingMu  sync.Mutex
	pending    []wire.Notification
	pendingIDs map[uint64]struct{}
}

func newUser(name string) *User {
	return &User{
		name:        name,
		subscribers: make(map[string]struct{}),
		historyIDs:  make(map[uint64]struct{}),
		pendingIDs:  make(map[uint64]struct{}),
	}
}

// Name returns the username.
func (u *User) Name() string { return u.name }

// SessionCount returns the number of active sessions.
func (u *User) SessionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// Sessions returns the active session handles in login order.
func (u *User) Sessions() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.sessions))
	for i, s := range u.sessions {
		out[i] = s.Handle
	}
	return out
}

// Subscribers returns subscriber usernames in the order they followed.
func (u *User) Subscribers() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.subOrder...)
}

// HasSubscriber reports whether name follows u.
func (u *User) HasSubscriber(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.subscribers[name]
	return ok
}

// History returns the notifications u has authored.
func (u *User) History() []wire.Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]wire.Notification(nil), u.history...)
}

// Pending returns the undelivered notifications in FIFO order.
func (u *User) Pending() []wire.Notification {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	return append([]wire.Notification(nil), u.pending...)
}

// Route delivers n to every sink bound to u's sessions, or queues it when u
// has no session. It reports whether n was delivered.
func (u *User) Route(n wire.Notification, deliver DeliverFunc) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sessions) == 0 {
		u.enqueue(n)
		return false
	}
	u.deliverLocked(n, deliver)
	return true
}

// SeenSend reports whether a SEND with this id is already in u's history.
func (u *User) SeenSend(id uint64) bool {
	if id == 0 {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.historyIDs[id]
	return ok
}

// AppendHistory records a notification authored by u.
func (u *User) AppendHistory(n wire.Notification) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n.ID != 0 {
		if _, dup := u.historyIDs[n.ID]; dup {
			return
		}
		u.historyIDs[n.ID] = struct{}{}
	}
	u.history = append(u.history, n)
}

// addSubscriber inserts name into the subscriber set. Caller holds u.mu.
func (u *User) addSubscriber(name string) bool {
	if _, ok := u.subscribers[name]; ok {
		return false
	}
	u.subscribers[name] = struct{}{}
	u.subOrder = append(u.subOrder, name)
	return true
}

func (u *User) enqueue(n wire.Notification) {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	if n.ID != 0 {
		if _, dup := u.pendingIDs[n.ID]; dup {
			return
		}
		u.pendingIDs[n.ID] = struct{}{}
	}
	u.pending = append(u.pending, n)
}

// drainLocked empties the pending queue in FIFO order. Caller holds u.mu.
func (u *User) drainLocked(deliver DeliverFunc) int {
	u.pendingMu.Lock()
	queued := u.pending
	u.pending = nil
	u.pendingIDs = make(map[uint64]struct{})
	u.pendingMu.Unlock()

	for _, n := range queued {
		u.deliverLocked(n, deliver)
	}
	return len(queued)
}

// deliverLocked hands n once to each distinct sink. Caller holds u.mu.
func (u *User) deliverLocked(n wire.Notification, deliver DeliverFunc) {
	if deliver == nil {
		return
	}
	seen := make([]Sink, 0, len(u.sessions))
	for _, s := range u.sessions {
		if s.Sink == nil || slices.Contains(seen, s.Sink) {
			continue
		}
		seen = append(seen, s.Sink)
		deliver(s.Sink, n)
	}
}

func (u *User) sessionIndex(handle string) int {
	return slices.IndexFunc(u.sessions, func(s Session) bool { return s.Handle == handle })
}
