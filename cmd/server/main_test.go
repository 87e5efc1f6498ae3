package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatring/internal/exitcode"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func writeConfig(t *testing.T, ringAddr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatring.yaml")
	doc := fmt.Sprintf(`ring:
  endpoints: [%q]
frontends: [%q]
persistence:
  backend: file
  path: %q
status:
  enabled: false
log:
  level: error
`, ringAddr, freePort(t), filepath.Join(dir, "savefile"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestRunRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-port", "1"}},
		{"positional argument", []string{"3"}},
		{"missing config file", []string{"-config", "/nonexistent/chatring.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			code, err := run(context.Background(), tt.args, &stderr)
			assert.Error(t, err)
			assert.Equal(t, exitcode.ErrConfig, code)
		})
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	addr := freePort(t)
	path := writeConfig(t, addr)
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		code exitcode.Code
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var stderr bytes.Buffer
		code, err := run(ctx, []string{"-config", path}, &stderr)
		done <- result{code, err}
	}()

	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Equal(t, exitcode.OK, r.code)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunWithEveryEndpointTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	path := writeConfig(t, ln.Addr().String())

	var stderr bytes.Buffer
	code, err := run(context.Background(), []string{"-config", path}, &stderr)

	require.Error(t, err)
	assert.Equal(t, exitcode.ErrBindingSocket, code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, exitcode.ErrPersistence, codeOf(exitcode.Wrap(exitcode.ErrPersistence, errors.New("disk")), exitcode.ErrListen))
	assert.Equal(t, exitcode.ErrListen, codeOf(errors.New("plain"), exitcode.ErrListen))
	wrapped := fmt.Errorf("outer: %w", exitcode.Wrap(exitcode.ErrAccept, errors.New("inner")))
	assert.Equal(t, exitcode.ErrAccept, codeOf(wrapped, exitcode.ErrListen))
}
