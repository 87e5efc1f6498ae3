package directory

import (
	"errors"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/chatring/internal/wire"
)

var (
	// ErrUnknownUser is returned when a username has never logged in.
	ErrUnknownUser = errors.New("user not found")
	// ErrSessionLimit is returned when a login would exceed MaxSessions.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrSelfFollow is returned when a user tries to follow itself.
	ErrSelfFollow = errors.New("user tried following itself")
	// ErrAlreadyFollows is returned when the follow edge already exists.
	ErrAlreadyFollows = errors.New("already follows")
)

// Directory maps usernames to User records.
//
// Lock ordering, outer to inner:
//
//	mu (directory) → followMu (follow graph) → User.mu → User.pendingMu
//
// No path takes an outer lock while holding an inner one.
type Directory struct {
	mu          sync.RWMutex
	users       map[string]*User
	followMu    sync.Mutex
	maxSessions int
}

// New creates an empty directory admitting maxSessions sessions per user.
func New(maxSessions int) *Directory {
	if maxSessions <= 0 {
		maxSessions = 2
	}
	return &Directory{
		users:       make(map[string]*User),
		maxSessions: maxSessions,
	}
}

// MaxSessions returns the per-user session limit.
func (d *Directory) MaxSessions() int { return d.maxSessions }

// Get returns the user named name or ErrUnknownUser.
func (d *Directory) Get(name string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[name]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u, nil
}

// Ensure returns the user named name, creating it without sessions.
func (d *Directory) Ensure(name string) *User {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[name]
	if !ok {
		u = newUser(name)
		d.users[name] = u
	}
	return u
}

// Len returns the number of known users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Names returns all usernames sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Login adds session s to name, creating the user on first login. When the
// session is the user's first, the pending queue is drained through
// deliver before Login returns, so no newer notification can overtake it.
// A handle that is already active is rebound to s.Sink without counting
// against the limit. Beyond MaxSessions the login fails with
// ErrSessionLimit and nothing changes.
func (d *Directory) Login(name string, s Session, deliver DeliverFunc) (*User, int, error) {
	d.mu.Lock()
	u, ok := d.users[name]
	if !ok {
		u = newUser(name)
		u.sessions = append(u.sessions, s)
		d.users[name] = u
		d.mu.Unlock()
		return u, 0, nil
	}
	u.mu.Lock()
	d.mu.Unlock()
	defer u.mu.Unlock()

	if s.Handle != "" {
		if i := u.sessionIndex(s.Handle); i >= 0 {
			u.sessions[i].Sink = s.Sink
			return u, 0, nil
		}
	}
	if len(u.sessions) >= d.maxSessions {
		return u, 0, ErrSessionLimit
	}
	u.sessions = append(u.sessions, s)
	drained := 0
	if len(u.sessions) == 1 {
		drained = u.drainLocked(deliver)
	}
	return u, drained, nil
}

// Logout removes the session with handle from name. Removing an unknown
// handle is a no-op.
func (d *Directory) Logout(name, handle string) error {
	u, err := d.Get(name)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if i := u.sessionIndex(handle); i >= 0 {
		u.sessions = slices.Delete(u.sessions, i, i+1)
	}
	return nil
}

// Detached is a session removed by DetachSink.
type Detached struct {
	Username string
	Handle   string
}

// DetachSink removes every session bound to sink, as when a front-end link
// drops, and returns what was removed.
func (d *Directory) DetachSink(sink Sink) []Detached {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Detached
	for name, u := range d.users {
		u.mu.Lock()
		kept := u.sessions[:0]
		for _, s := range u.sessions {
			if s.Sink == sink {
				out = append(out, Detached{Username: name, Handle: s.Handle})
				continue
			}
			kept = append(kept, s)
		}
		u.sessions = kept
		u.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Follow makes follower a subscriber of target.
func (d *Directory) Follow(follower, target string) error {
	if follower == target {
		return ErrSelfFollow
	}
	t, err := d.Get(target)
	if err != nil {
		return err
	}
	d.followMu.Lock()
	defer d.followMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.addSubscriber(follower) {
		return ErrAlreadyFollows
	}
	return nil
}

// FanOut resolves author and its current subscribers and calls fn with the
// follow graph locked, so the subscriber set cannot change while fn
// delivers. Subscribers that have no User record are skipped.
func (d *Directory) FanOut(author string, fn func(author *User, subscribers []*User)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.users[author]
	if !ok {
		return ErrUnknownUser
	}
	d.followMu.Lock()
	defer d.followMu.Unlock()

	a.mu.Lock()
	names := append([]string(nil), a.subOrder...)
	a.mu.Unlock()

	subs := make([]*User, 0, len(names))
	for _, name := range names {
		if u, ok := d.users[name]; ok {
			subs = append(subs, u)
		}
	}
	fn(a, subs)
	return nil
}

// Record is the portable state of one user.
type Record struct {
	Username    string
	Subscribers []string
	Sessions    []string
	Pending     []wire.Notification
}

// Snapshot copies every user, sorted by name.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	users := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	d.mu.RUnlock()

	out := make([]Record, 0, len(users))
	for _, u := range users {
		out = append(out, Record{
			Username:    u.name,
			Subscribers: u.Subscribers(),
			Sessions:    u.Sessions(),
			Pending:     u.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Restore loads users and subscriber edges. Existing users are kept and
// edges are merged. Sessions and pending notifications are not restored.
func (d *Directory) Restore(records []Record) {
	for _, r := range records {
		d.Ensure(r.Username)
	}
	for _, r := range records {
		for _, sub := range r.Subscribers {
			if sub == r.Username {
				continue
			}
			_ = d.Follow(sub, r.Username)
		}
	}
}

// Stats counts users and active sessions.
type Stats struct {
	Users    int `json:"users"`
	Sessions int `json:"sessions"`
	Pending  int `json:"pending"`
}

// Stats returns directory counters.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	users := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	d.mu.RUnlock()

	st := Stats{Users: len(users)}
	for _, u := range users {
		st.Sessions += u.SessionCount()
		u.pendingMu.Lock()
		st.Pending += len(u.pending)
		u.pendingMu.Unlock()
	}
	return st
}
