package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/log"
)

// testConn is one end of an in-package message pipe.
type testConn struct {
	in    chan []byte
	out   chan []byte
	once  *sync.Once
	close chan struct{}
}

func newTestPipe() (*testConn, *testConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	once := &sync.Once{}
	done := make(chan struct{})
	return &testConn{in: a, out: b, once: once, close: done}, &testConn{in: b, out: a, once: once, close: done}
}

func (c *testConn) Send(data []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.out <- data:
		return nil
	}
}

func (c *testConn) Receive() ([]byte, error) {
	select {
	case bs := <-c.in:
		return bs, nil
	case <-c.close:
		select {
		case bs := <-c.in:
			return bs, nil
		default:
			return nil, ErrConnectionClosed
		}
	}
}

func (c *testConn) Close() error {
	c.once.Do(func() { close(c.close) })
	return nil
}

func receiveWithin(t *testing.T, s *Session) []byte {
	t.Helper()
	type result struct {
		bs  []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bs, err := s.Receive()
		ch <- result{bs, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.bs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func waitDetached(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !s.Connected()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSessionReplayAfterReattach(t *testing.T) {
	a := newSession("s", "c", time.Minute, log.Nop())
	b := newSession("s", "c", time.Minute, log.Nop())
	defer a.fail(ErrConnectionClosed)
	defer b.fail(ErrConnectionClosed)

	pa, pb := newTestPipe()
	require.NoError(t, a.Attach(pa, 0))
	require.NoError(t, b.Attach(pb, 0))

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send([]byte(m)))
	}
	for _, m := range []string{"1", "2", "3"} {
		assert.Equal(t, m, string(receiveWithin(t, b)))
	}

	pa.Close()
	waitDetached(t, a)
	waitDetached(t, b)

	// queued while detached
	require.NoError(t, a.Send([]byte("4")))

	// replay everything; the peer drops what it already has
	pa2, pb2 := newTestPipe()
	require.NoError(t, b.Attach(pb2, a.LastReceived()))
	require.NoError(t, a.Attach(pa2, 0))

	assert.Equal(t, "4", string(receiveWithin(t, b)))
	assert.Equal(t, uint64(4), b.LastReceived())
}

func TestSessionWithoutGraceClosesOnTransportLoss(t *testing.T) {
	s := newSession("s", "c", 0, log.Nop())
	pa, pb := newTestPipe()
	require.NoError(t, s.Attach(pa, 0))

	pb.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	assert.ErrorIs(t, s.Err(), ErrConnectionClosed)
	assert.ErrorIs(t, s.Send([]byte("x")), ErrConnectionClosed)
}

func TestSessionGraceExpires(t *testing.T) {
	s := newSession("s", "c", 50*time.Millisecond, log.Nop())
	detached := make(chan struct{}, 1)
	s.onDetach = func(*Session) { detached <- struct{}{} }

	pa, pb := newTestPipe()
	require.NoError(t, s.Attach(pa, 0))
	pb.Close()

	select {
	case <-detached:
	case <-time.After(5 * time.Second):
		t.Fatal("onDetach was not called")
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("grace period did not expire")
	}
	assert.ErrorIs(t, s.Err(), ErrConnectionLost)

	_, err := s.Receive()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestSessionGoodbye(t *testing.T) {
	a := newSession("s", "c", time.Minute, log.Nop())
	b := newSession("s", "c", time.Minute, log.Nop())

	pa, pb := newTestPipe()
	require.NoError(t, a.Attach(pa, 0))
	require.NoError(t, b.Attach(pb, 0))

	require.NoError(t, a.Close())
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not see goodbye")
	}
	// a graceful close is never mistaken for a lost transport
	assert.ErrorIs(t, b.Err(), ErrConnectionClosed)
}

func TestSessionSequenceGapIsFramingError(t *testing.T) {
	s := newSession("s", "c", time.Minute, log.Nop())
	pa, pb := newTestPipe()
	require.NoError(t, s.Attach(pa, 0))

	require.NoError(t, pb.Send(encodeData(1, 0, []byte("one"))))
	assert.Equal(t, "one", string(receiveWithin(t, s)))

	require.NoError(t, pb.Send(encodeData(3, 0, []byte("three"))))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived a sequence gap")
	}
	assert.ErrorIs(t, s.Err(), ErrProtocolFraming)
}

func TestSessionAcknowledgesPeriodically(t *testing.T) {
	s := newSession("s", "c", time.Minute, log.Nop())
	defer s.fail(ErrConnectionClosed)
	pa, pb := newTestPipe()
	require.NoError(t, s.Attach(pa, 0))

	for i := uint64(1); i <= ackEvery; i++ {
		require.NoError(t, pb.Send(encodeData(i, 0, []byte("m"))))
		receiveWithin(t, s)
	}

	select {
	case bs := <-pb.in:
		require.Equal(t, envelopeAck, bs[0])
	case <-time.After(5 * time.Second):
		t.Fatal("no ack sent")
	}
}

func TestServerRejectsUnsupportedVersion(t *testing.T) {
	server := NewServer(ServerConfig{})
	client, conn := newTestPipe()

	go server.handleConnection(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := clientHandshake(ctx, client, hello{version: ProtocolVersion + 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

func TestServerRefusesUnknownSessionResume(t *testing.T) {
	server := NewServer(ServerConfig{ReconnectGrace: time.Minute})
	client, conn := newTestPipe()

	go server.handleConnection(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := clientHandshake(ctx, client, hello{
		version:   ProtocolVersion,
		clientID:  "c",
		sessionID: "gone",
		resume:    true,
		reconnect: true,
	})
	require.NoError(t, err)
	assert.False(t, w.resumed)
}
