package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatring/internal/directory"
	"github.com/dreamware/chatring/internal/logging"
	"github.com/dreamware/chatring/internal/wire"
)

type sink struct {
	mu   sync.Mutex
	got  []wire.Notification
	fail bool
}

func (s *sink) Deliver(n wire.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("link closed")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *sink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.got {
		out = append(out, n.Message)
	}
	return out
}

type outcomes struct {
	mu  sync.Mutex
	got map[string]int
}

func (o *outcomes) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got[outcome]++
}

func newRouter(t *testing.T) (*Router, *directory.Directory, *outcomes) {
	t.Helper()
	dir := directory.New(2)
	r := NewRouter(dir, logging.Nop())
	o := &outcomes{got: map[string]int{}}
	r.OnDelivery = o.record
	return r, dir, o
}

func TestSendMessageUnknownReceiver(t *testing.T) {
	r, _, _ := newRouter(t)

	err := r.SendMessage(wire.Notification{Receiver: "@ghost"})
	assert.ErrorIs(t, err, directory.ErrUnknownUser)
}

func TestSendMessageOnline(t *testing.T) {
	r, _, o := newRouter(t)
	fe := &sink{}
	_, err := r.Login("@bob", directory.Session{Handle: "h", Sink: fe})
	require.NoError(t, err)

	require.NoError(t, r.SendMessage(wire.Notification{Receiver: "@bob", Message: "hello"}))

	assert.Equal(t, []string{"hello"}, fe.texts())
	assert.Equal(t, 1, o.got[OutcomeDelivered])
}

func TestSendMessageOfflineQueuesThenDrains(t *testing.T) {
	r, dir, o := newRouter(t)
	bob := dir.Ensure("@bob")

	for _, m := range []string{"a", "b"} {
		require.NoError(t, r.SendMessage(wire.Notification{Receiver: "@bob", Message: m}))
	}
	assert.Len(t, bob.Pending(), 2)
	assert.Equal(t, 2, o.got[OutcomeQueued])

	fe := &sink{}
	_, err := r.Login("@bob", directory.Session{Handle: "h", Sink: fe})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, fe.texts())
	assert.Empty(t, bob.Pending())
}

func TestDeliverFailureIsCounted(t *testing.T) {
	r, _, o := newRouter(t)
	_, err := r.Login("@bob", directory.Session{Handle: "h", Sink: &sink{fail: true}})
	require.NoError(t, err)

	require.NoError(t, r.SendMessage(wire.Notification{Receiver: "@bob", Message: "x"}))

	assert.Equal(t, 1, o.got[OutcomeFailed])
	assert.Zero(t, o.got[OutcomeDelivered])
}

func TestLoginLimitPassesThrough(t *testing.T) {
	r, _, _ := newRouter(t)
	for _, h := range []string{"1", "2"} {
		_, err := r.Login("@bob", directory.Session{Handle: h})
		require.NoError(t, err)
	}
	_, err := r.Login("@bob", directory.Session{Handle: "3"})
	assert.ErrorIs(t, err, directory.ErrSessionLimit)
}
