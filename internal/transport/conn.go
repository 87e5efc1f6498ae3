package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/chatring/internal/wire"
)

// Conn is a framed notification stream over a net.Conn.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c)}
}

// Send writes one notification. Safe for concurrent use.
func (c *Conn) Send(n wire.Notification) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteFrame(c.conn, n)
}

// Receive blocks until the next notification arrives.
func (c *Conn) Receive() (wire.Notification, error) {
	return wire.ReadFrame(c.r)
}

// ReceiveTimeout is Receive bounded by d. A timeout surfaces as a
// net.Error with Timeout() == true.
func (c *Conn) ReceiveTimeout(d time.Duration) (wire.Notification, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return wire.Notification{}, err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return wire.ReadFrame(c.r)
}

// SetIdleDeadline makes the next reads fail once d elapses without data.
func (c *Conn) SetIdleDeadline(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Dialer opens outbound connections with a bounded connect time.
type Dialer struct {
	Timeout time.Duration
}

// NewDialer returns a Dialer with the given connect timeout.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{Timeout: timeout}
}

// Dial connects to addr and returns a framed connection.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(c), nil
}
