package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/value"
)

// newRawProtocol serves registry over a pipe whose other end is a bare
// session, so tests can write and read individual messages.
func newRawProtocol(t *testing.T, registry *ChannelRegistry) (*protocol, *Session) {
	t.Helper()
	a, b := newTestPipe()
	local := newSession("s", "c", 0, log.Nop())
	peer := newSession("s", "c", 0, log.Nop())
	require.NoError(t, local.Attach(a, 0))
	require.NoError(t, peer.Attach(b, 0))

	p := newProtocol(protocolConfig{registry: registry}, local)
	t.Cleanup(func() {
		_ = p.Close()
		peer.fail(ErrConnectionClosed)
	})
	return p, peer
}

func sendRaw(t *testing.T, s *Session, m Message) {
	t.Helper()
	require.NoError(t, s.Send(EncodeMessage(m)))
}

func receiveRaw(t *testing.T, s *Session) Message {
	t.Helper()
	m, err := DecodeMessage(receiveWithin(t, s))
	require.NoError(t, err)
	return m
}

type capturedListener struct {
	fn  func(value.Value)
	sub *Subscription
}

// capturingEvent hands every listener it is given to the test.
type capturingEvent struct {
	emitter  *Emitter[value.Value]
	captured chan capturedListener
}

func (e *capturingEvent) Subscribe(fn func(value.Value)) *Subscription {
	sub := e.emitter.Subscribe(fn)
	e.captured <- capturedListener{fn: fn, sub: sub}
	return sub
}

func TestUnsubscribeStopsForwarding(t *testing.T) {
	evt := &capturingEvent{
		emitter:  NewEmitter[value.Value](EmitterOptions{}),
		captured: make(chan capturedListener, 1),
	}
	registry := NewChannelRegistry()
	registry.Register("clock", NewDispatch().
		HandleEvent("onTick", func(ctx context.Context, caller CallContext, arg value.Value) (Event[value.Value], error) {
			return evt, nil
		}).
		Handle("now", func(ctx context.Context, caller CallContext, arg value.Value) (value.Value, error) {
			return value.Int(42), nil
		}))
	_, peer := newRawProtocol(t, registry)

	sendRaw(t, peer, &EventSubscribe{ID: 1, Channel: "clock", Event: "onTick", Arg: value.Null()})
	var l capturedListener
	select {
	case l = <-evt.captured:
	case <-time.After(5 * time.Second):
		t.Fatal("listen never subscribed")
	}

	l.fn(value.Int(1))
	fire, ok := receiveRaw(t, peer).(*EventFire)
	require.True(t, ok)
	assert.Equal(t, uint64(1), fire.ID)
	assert.Equal(t, value.Int(1), fire.Payload)

	sendRaw(t, peer, &EventUnsubscribe{ID: 1})
	select {
	case <-l.sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribe did not dispose the subscription")
	}

	// a producer still holding the listener after the unsubscribe
	l.fn(value.Int(2))

	sendRaw(t, peer, &Request{ID: 1, Channel: "clock", Command: "now", Arg: value.Null()})
	resp, ok := receiveRaw(t, peer).(*Response)
	require.True(t, ok, "event forwarded after unsubscribe")
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, value.Int(42), resp.Result)
}

func TestProtocolIgnoresMessagesAfterDispose(t *testing.T) {
	handled := make(chan string, 4)
	registry := NewChannelRegistry()
	registry.Register("calc", NewDispatch().
		Handle("add", func(ctx context.Context, caller CallContext, arg value.Value) (value.Value, error) {
			handled <- "add"
			return value.Null(), nil
		}).
		HandleEvent("onResult", func(ctx context.Context, caller CallContext, arg value.Value) (Event[value.Value], error) {
			handled <- "onResult"
			return NewEmitter[value.Value](EmitterOptions{}).Event(), nil
		}))
	p, peer := newRawProtocol(t, registry)

	p.dispose(ErrConnectionClosed)
	<-p.Done()

	sendRaw(t, peer, &Request{ID: 1, Channel: "calc", Command: "add", Arg: value.Null()})
	sendRaw(t, peer, &EventSubscribe{ID: 2, Channel: "calc", Event: "onResult", Arg: value.Null()})
	sendRaw(t, peer, &Request{ID: 3, Channel: "missing", Command: "add", Arg: value.Null()})

	answered := make(chan struct{}, 1)
	go func() {
		if _, err := peer.Receive(); err == nil {
			answered <- struct{}{}
		}
	}()

	assert.Never(t, func() bool {
		return len(handled) > 0 || len(answered) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}
