package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatring/internal/wire"
)

func TestListenFirstSkipsTakenAddresses(t *testing.T) {
	ctx := context.Background()

	taken, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freeAddr := free.Addr().String()
	free.Close()

	ln, idx, err := ListenFirst(ctx, []string{taken.Addr().String(), freeAddr})
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, 1, idx)
	assert.Equal(t, freeAddr, ln.Addr().String())
}

func TestListenFirstExhausted(t *testing.T) {
	ctx := context.Background()

	taken, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	_, idx, err := ListenFirst(ctx, []string{taken.Addr().String()})
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.Equal(t, -1, idx)
}

func TestConnSendReceive(t *testing.T) {
	ctx := context.Background()
	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan wire.Notification, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conn := NewConn(c)
		defer conn.Close()
		n, err := conn.Receive()
		if err != nil {
			return
		}
		got <- n
		_ = conn.Send(wire.Control(wire.TypeKeepalive, 0, 1))
	}()

	conn, err := NewDialer(time.Second).Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(wire.Info("@bob", "hello")))
	select {
	case n := <-got:
		assert.Equal(t, "hello", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}

	reply, err := conn.ReceiveTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeKeepalive, reply.Type)
}

func TestReceiveTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := NewConn(a).ReceiveTimeout(50 * time.Millisecond)
	require.Error(t, err)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewDialer(200*time.Millisecond).Dial(context.Background(), addr)
	assert.Error(t, err)
}
