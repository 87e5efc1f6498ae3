// Package notify routes notifications to the sessions of their receiver.
//
// A receiver with at least one session gets the notification on every
// front-end link hosting one of its sessions. A receiver without sessions
// gets it queued in its pending FIFO, which Login drains before the first
// session can observe anything newer.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/directory"
	"github.com/dreamware/chatring/internal/wire"
)

// Delivery outcomes reported to Router.OnDelivery.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
)

// Router delivers notifications through the directory.
type Router struct {
	dir *directory.Directory
	log zerolog.Logger

	// OnDelivery observes each routing outcome. Optional.
	OnDelivery func(outcome string)
}

// NewRouter returns a router over dir.
func NewRouter(dir *directory.Directory, log zerolog.Logger) *Router {
	return &Router{dir: dir, log: log}
}

// SendMessage delivers n to its receiver, or queues it while the receiver
// has no session.
func (r *Router) SendMessage(n wire.Notification) error {
	u, err := r.dir.Get(n.Receiver)
	if err != nil {
		return fmt.Errorf("route to %q: %w", n.Receiver, err)
	}
	if !u.Route(n, r.Deliver) {
		r.log.Debug().Str("receiver", n.Receiver).Uint64("id", n.ID).Msg("receiver offline, queued")
		r.observe(OutcomeQueued)
	}
	return nil
}

// Login adds a session through the directory and drains the user's
// pending queue to it when it is the first session.
func (r *Router) Login(username string, s directory.Session) (*directory.User, error) {
	u, drained, err := r.dir.Login(username, s, r.Deliver)
	if err != nil {
		return u, err
	}
	if drained > 0 {
		r.log.Debug().Str("user", username).Int("count", drained).Msg("pending notifications drained")
	}
	return u, nil
}

// Deliver hands n to one sink. It is the directory.DeliverFunc used for
// every session delivery.
func (r *Router) Deliver(s directory.Sink, n wire.Notification) {
	if err := s.Deliver(n); err != nil {
		r.log.Warn().Err(err).Str("receiver", n.Receiver).Uint64("id", n.ID).Msg("delivery failed")
		r.observe(OutcomeFailed)
		return
	}
	r.observe(OutcomeDelivered)
}

func (r *Router) observe(outcome string) {
	if r.OnDelivery != nil {
		r.OnDelivery(outcome)
	}
}
