package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoEndpoint is returned by ListenFirst when no address in the list could
// be bound.
var ErrNoEndpoint = errors.New("transport: no endpoint available")

// Listen opens a TCP listener on addr with address reuse enabled.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenFirst tries every address in order and returns the first listener
// that binds together with its position in addrs.
//
// Example:
//
//	ln, self, err := transport.ListenFirst(ctx, topology.Addrs())
//	if errors.Is(err, transport.ErrNoEndpoint) {
//	    // every ring slot is taken
//	}
func ListenFirst(ctx context.Context, addrs []string) (net.Listener, int, error) {
	for i, addr := range addrs {
		ln, err := Listen(ctx, addr)
		if err == nil {
			return ln, i, nil
		}
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
	}
	return nil, -1, ErrNoEndpoint
}
