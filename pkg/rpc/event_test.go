package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterListenerHooks(t *testing.T) {
	first, last := 0, 0
	e := NewEmitter[int](EmitterOptions{
		OnFirstListener: func() { first++ },
		OnLastListener:  func() { last++ },
	})

	var a, b []int
	subA := e.Subscribe(func(v int) { a = append(a, v) })
	subB := e.Subscribe(func(v int) { b = append(b, v) })
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, e.ListenerCount())

	e.Fire(1)
	subA.Dispose()
	subA.Dispose()
	e.Fire(2)
	assert.Equal(t, 0, last)

	subB.Dispose()
	assert.Equal(t, 1, last)
	e.Fire(3)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)

	// subscribing again starts over
	e.Subscribe(func(int) {})
	assert.Equal(t, 2, first)
}

func TestEmitterEnd(t *testing.T) {
	last := 0
	e := NewEmitter[string](EmitterOptions{
		OnLastListener: func() { last++ },
	})

	sub := e.Subscribe(func(string) {})
	stopped := errors.New("stopped")
	e.End(stopped)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after End")
	}
	assert.Equal(t, stopped, sub.Err())
	assert.Equal(t, 0, e.ListenerCount())
	assert.Equal(t, 0, last)

	// disposing an ended subscription does nothing
	sub.Dispose()
	assert.Equal(t, 0, last)
}

func TestEmitterDispose(t *testing.T) {
	e := NewEmitter[int](EmitterOptions{})
	sub := e.Subscribe(func(int) {})

	e.Dispose(ErrConnectionClosed)
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrConnectionClosed)

	late := e.Subscribe(func(int) {
		t.Fatal("disposed emitter delivered a value")
	})
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrConnectionClosed)
	e.Fire(1)
}

func TestDisposedSubscriptionHasNoError(t *testing.T) {
	e := NewEmitter[int](EmitterOptions{})
	sub := e.Subscribe(func(int) {})
	sub.Dispose()
	<-sub.Done()
	require.NoError(t, sub.Err())
}
