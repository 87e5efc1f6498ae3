package server

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/chatring/internal/transport"
	"github.com/dreamware/chatring/internal/wire"
)

var errLinkClosed = errors.New("front-end link closed")

// feLink is a connected front end. It is the directory.Sink of every
// session the front end hosts; a dedicated writer keeps socket writes out
// of the callers' critical sections.
type feLink struct {
	shard int
	conn  *transport.Conn
	log   zerolog.Logger

	out  chan wire.Notification
	done chan struct{}
	once sync.Once
}

func newFELink(shard int, conn *transport.Conn, log zerolog.Logger) *feLink {
	return &feLink{
		shard: shard,
		conn:  conn,
		log:   log.With().Int("shard", shard).Logger(),
		out:   make(chan wire.Notification, 1024),
		done:  make(chan struct{}),
	}
}

// Deliver queues n for the front end. It blocks while the queue is full
// and fails once the link is closed.
func (l *feLink) Deliver(n wire.Notification) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	select {
	case l.out <- n:
		return nil
	case <-l.done:
		return errLinkClosed
	}
}

func (l *feLink) writer() {
	for {
		select {
		case <-l.done:
			return
		case n := <-l.out:
			if err := l.conn.Send(n); err != nil {
				l.log.Debug().Err(err).Msg("front-end write failed")
				l.close()
				return
			}
		}
	}
}

func (l *feLink) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}
