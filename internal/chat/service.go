// Package chat implements the user-facing operations of a ring peer:
// login, logout, follow and send. The primary runs them for front-end
// requests and replicates each mutation; every other peer replays the
// replicated records through Apply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/directory"
	"github.com/dreamware/chatring/internal/notify"
	"github.com/dreamware/chatring/internal/wire"
)

// Login results carried in the Data field of a LOGIN reply.
const (
	LoginDenied   = 0
	LoginAccepted = 1
)

// Command outcomes reported to Config.OnCommand.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
)

// Replicator sends an applied mutation around the ring.
// *replication.Propagator satisfies it.
type Replicator interface {
	Propagate(ctx context.Context, mutation wire.Notification) error
}

// Config wires a Service.
type Config struct {
	Directory  *directory.Directory
	Router     *notify.Router
	Replicator Replicator
	// IsPrimary reports whether mutations made here must be replicated.
	IsPrimary func() bool
	Lanes     int
	LaneDepth int
	Logger    zerolog.Logger
	// OnCommand observes the outcome of each client command.
	OnCommand func(cmd wire.Command, result string)
}

// Service applies chat commands to the directory.
type Service struct {
	cfg    Config
	dir    *directory.Directory
	router *notify.Router
	log    zerolog.Logger
	lanes  *Lanes
	lastID atomic.Uint64
}

// New creates a Service. Call Start before Submit.
func New(cfg Config) *Service {
	if cfg.IsPrimary == nil {
		cfg.IsPrimary = func() bool { return true }
	}
	if cfg.Router == nil {
		cfg.Router = notify.NewRouter(cfg.Directory, cfg.Logger)
	}
	return &Service{
		cfg:    cfg,
		dir:    cfg.Directory,
		router: cfg.Router,
		log:    cfg.Logger,
		lanes:  NewLanes(cfg.Lanes, cfg.LaneDepth),
	}
}

// Start launches the mutation lanes.
func (s *Service) Start(ctx context.Context) { s.lanes.Start(ctx) }

// Stop ends the mutation lanes.
func (s *Service) Stop() { s.lanes.Stop() }

// Directory returns the directory the service mutates.
func (s *Service) Directory() *directory.Directory { return s.dir }

// NextID returns a fresh notification ID.
func (s *Service) NextID() uint64 { return s.lastID.Add(1) }

// Observe raises the ID counter to at least id so a peer that becomes
// primary never reuses an ID it has replayed.
func (s *Service) Observe(id uint64) {
	for {
		cur := s.lastID.Load()
		if id <= cur || s.lastID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Submit queues a front-end request on its author's lane. Replies to the
// request (the LOGIN result) are written to sink.
func (s *Service) Submit(ctx context.Context, n wire.Notification, sink directory.Sink) error {
	return s.lanes.Submit(ctx, n.Author, func(ctx context.Context) {
		s.handle(ctx, n, sink)
	})
}

func (s *Service) handle(ctx context.Context, n wire.Notification, sink directory.Sink) {
	n.Bound()
	switch {
	case n.Type == wire.TypeLogin:
		reply := s.Login(ctx, n.Author, n.Message, sink)
		if sink != nil {
			if err := sink.Deliver(reply); err != nil {
				s.log.Warn().Err(err).Str("user", n.Author).Msg("login reply not delivered")
			}
		}
	case n.Type == wire.TypeLogout:
		if err := s.Logout(ctx, n.Author, n.Message); err != nil {
			s.log.Debug().Err(err).Str("user", n.Author).Msg("logout ignored")
		}
	case n.Command == wire.CommandFollow:
		if err := s.Follow(ctx, n.Author, n.Target); err != nil {
			s.log.Debug().Err(err).Str("user", n.Author).Str("target", n.Target).Msg("follow rejected")
		}
	case n.Command == wire.CommandSend:
		if _, err := s.ReceiveMessage(ctx, n.Author, n.Message); err != nil {
			s.log.Warn().Err(err).Str("user", n.Author).Msg("message not sent")
		}
	default:
		s.log.Warn().Stringer("type", n.Type).Stringer("command", n.Command).Msg("unsupported request")
	}
}

// Login opens session handle for username and returns the LOGIN reply.
// Data is LoginAccepted, or LoginDenied when the session limit is reached.
func (s *Service) Login(ctx context.Context, username, handle string, sink directory.Sink) wire.Notification {
	reply := wire.Notification{
		Type:      wire.TypeLogin,
		Command:   wire.CommandLogin,
		Author:    username,
		Receiver:  username,
		Message:   handle,
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
		Data:      LoginAccepted,
	}
	if _, err := s.router.Login(username, directory.Session{Handle: handle, Sink: sink}); err != nil {
		s.log.Info().Err(err).Str("user", username).Msg("login denied")
		s.observe(wire.CommandLogin, ResultRejected)
		reply.Data = LoginDenied
		return reply
	}
	s.log.Info().Str("user", username).Str("handle", handle).Msg("user logged in")
	s.observe(wire.CommandLogin, ResultOK)
	s.propagate(ctx, wire.Notification{
		Command:   wire.CommandLogin,
		Author:    username,
		Message:   handle,
		Timestamp: reply.Timestamp,
	})
	return reply
}

// Logout closes session handle of username.
func (s *Service) Logout(ctx context.Context, username, handle string) error {
	if err := s.dir.Logout(username, handle); err != nil {
		s.observe(wire.CommandLogout, ResultRejected)
		return err
	}
	s.log.Info().Str("user", username).Str("handle", handle).Msg("user logged out")
	s.observe(wire.CommandLogout, ResultOK)
	s.propagate(ctx, wire.Notification{
		Command:   wire.CommandLogout,
		Author:    username,
		Message:   handle,
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// Follow subscribes follower to target. The outcome is reported to the
// follower as an INFO notification; the returned error is the directory
// rule that rejected the request.
func (s *Service) Follow(ctx context.Context, follower, target string) error {
	err := s.dir.Follow(follower, target)
	var text string
	switch {
	case err == nil:
		text = fmt.Sprintf("The user '%s' was followed!", target)
	case errors.Is(err, directory.ErrSelfFollow):
		text = "User tried following itself. This is not allowed."
	case errors.Is(err, directory.ErrUnknownUser):
		text = fmt.Sprintf("Could not follow the user %s. It doesn't exist", target)
	case errors.Is(err, directory.ErrAlreadyFollows):
		text = fmt.Sprintf("The user '%s' already follows '%s'", follower, target)
	default:
		text = err.Error()
	}
	// The ID lets a catch-up replay of a queued reply be recognised.
	info := wire.Info(follower, text)
	info.ID = s.NextID()
	if rerr := s.router.SendMessage(info); rerr != nil {
		s.log.Warn().Err(rerr).Str("user", follower).Msg("follow reply not routed")
	}
	if err != nil {
		s.observe(wire.CommandFollow, ResultRejected)
		return err
	}
	s.log.Info().Str("user", follower).Str("target", target).Msg("user followed")
	s.observe(wire.CommandFollow, ResultOK)
	s.propagate(ctx, wire.Notification{
		Command:   wire.CommandFollow,
		Author:    follower,
		Target:    target,
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// ReceiveMessage publishes text from author to the author and every
// subscriber and returns the published notification.
func (s *Service) ReceiveMessage(ctx context.Context, author, text string) (wire.Notification, error) {
	msg := wire.Notification{
		Type:      wire.TypeMessage,
		Command:   wire.CommandSend,
		Author:    author,
		Message:   text,
		ID:        s.NextID(),
		Timestamp: time.Now().Unix(),
		Sender:    wire.NoIndex,
	}
	msg.Bound()
	if err := s.fanOut(msg); err != nil {
		s.observe(wire.CommandSend, ResultRejected)
		return msg, err
	}
	s.observe(wire.CommandSend, ResultOK)
	s.propagate(ctx, msg)
	return msg, nil
}

// fanOut routes msg to its author and the author's subscribers and records
// it in the author's history. A message already in the history is skipped.
func (s *Service) fanOut(msg wire.Notification) error {
	return s.dir.FanOut(msg.Author, func(author *directory.User, subs []*directory.User) {
		if author.SeenSend(msg.ID) {
			return
		}
		echo := msg
		echo.Receiver = author.Name()
		author.Route(echo, s.router.Deliver)
		for _, sub := range subs {
			out := msg
			out.Receiver = sub.Name()
			sub.Route(out, s.router.Deliver)
		}
		author.AppendHistory(msg)
	})
}

// Apply replays a replicated mutation. Replays are idempotent: a record
// applied twice leaves the directory as if applied once.
func (s *Service) Apply(_ context.Context, n wire.Notification) error {
	s.Observe(n.ID)
	switch n.Command {
	case wire.CommandLogin:
		if n.Message == "" {
			s.dir.Ensure(n.Author)
			return nil
		}
		if _, err := s.router.Login(n.Author, directory.Session{Handle: n.Message}); err != nil {
			return fmt.Errorf("apply login %s: %w", n.Author, err)
		}
	case wire.CommandLogout:
		if err := s.dir.Logout(n.Author, n.Message); err != nil {
			return fmt.Errorf("apply logout %s: %w", n.Author, err)
		}
	case wire.CommandFollow:
		s.dir.Ensure(n.Target)
		s.dir.Ensure(n.Author)
		if err := s.dir.Follow(n.Author, n.Target); err != nil && !errors.Is(err, directory.ErrAlreadyFollows) {
			return fmt.Errorf("apply follow %s->%s: %w", n.Author, n.Target, err)
		}
	case wire.CommandSend:
		msg := n
		msg.Type = wire.TypeMessage
		msg.Data = 0
		msg.Sender = wire.NoIndex
		if n.Receiver != "" {
			s.dir.Ensure(n.Receiver).Route(msg, s.router.Deliver)
			return nil
		}
		s.dir.Ensure(n.Author)
		return s.fanOut(msg)
	default:
		return fmt.Errorf("apply: unsupported command %s", n.Command)
	}
	return nil
}

// CatchUp describes the whole directory as replicable records: a LOGIN
// per session (or one with no handle for a user without sessions), a
// FOLLOW per edge and a SEND to the receiver per pending notification.
func (s *Service) CatchUp() []wire.Notification {
	records := s.dir.Snapshot()
	var out []wire.Notification
	for _, r := range records {
		if len(r.Sessions) == 0 {
			out = append(out, wire.Notification{Command: wire.CommandLogin, Author: r.Username})
			continue
		}
		for _, h := range r.Sessions {
			out = append(out, wire.Notification{Command: wire.CommandLogin, Author: r.Username, Message: h})
		}
	}
	for _, r := range records {
		for _, sub := range r.Subscribers {
			out = append(out, wire.Notification{Command: wire.CommandFollow, Author: sub, Target: r.Username})
		}
	}
	for _, r := range records {
		for _, p := range r.Pending {
			out = append(out, wire.Notification{
				Command:   wire.CommandSend,
				Author:    p.Author,
				Receiver:  r.Username,
				Message:   p.Message,
				ID:        p.ID,
				Timestamp: p.Timestamp,
			})
		}
	}
	return out
}

// DetachSink closes every session hosted by sink, as when a front-end link
// drops, and replicates the logouts. Requests already queued from sink run
// first, so none of them can bind a session after the detach.
func (s *Service) DetachSink(ctx context.Context, sink directory.Sink) []directory.Detached {
	if err := s.lanes.Flush(ctx); err != nil {
		s.log.Debug().Err(err).Msg("lanes not flushed before detach")
	}
	gone := s.dir.DetachSink(sink)
	for _, d := range gone {
		s.log.Info().Str("user", d.Username).Str("handle", d.Handle).Msg("session dropped with front end")
		s.propagate(ctx, wire.Notification{
			Command:   wire.CommandLogout,
			Author:    d.Username,
			Message:   d.Handle,
			Timestamp: time.Now().Unix(),
		})
	}
	return gone
}

func (s *Service) propagate(ctx context.Context, n wire.Notification) {
	if s.cfg.Replicator == nil || !s.cfg.IsPrimary() {
		return
	}
	if err := s.cfg.Replicator.Propagate(ctx, n); err != nil {
		s.log.Error().Err(err).Stringer("command", n.Command).Msg("mutation not replicated")
	}
}

func (s *Service) observe(cmd wire.Command, result string) {
	if s.cfg.OnCommand != nil {
		s.cfg.OnCommand(cmd, result)
	}
}
