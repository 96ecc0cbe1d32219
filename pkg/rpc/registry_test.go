package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/hyperipc/pkg/value"
)

func constChannel(v string) *Dispatch {
	return NewDispatch().Handle("get", func(context.Context, CallContext, value.Value) (value.Value, error) {
		return value.String(v), nil
	})
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewChannelRegistry()
	r.Register("files", constChannel("first"))
	r.Register("files", constChannel("second"))

	ch, ok := r.Lookup("files")
	require.True(t, ok)
	v, err := ch.Call(context.Background(), CallContext{}, "get", value.Null())
	require.NoError(t, err)
	assert.Equal(t, value.String("second"), v)

	r.Unregister("files")
	_, ok = r.Lookup("files")
	assert.False(t, ok)
}

func TestRegistryGroupMiddleware(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(ctx context.Context, req *Request, next Handler) (value.Value, error) {
			trace = append(trace, name)
			return next(ctx, req)
		}
	}

	r := NewChannelRegistry()
	r.Middleware(mark("root"))
	r.Register("a", constChannel("a"))
	r.Group(func() {
		r.Middleware(mark("g1"))
		r.Group(func() {
			r.Middleware(mark("g2"))
			r.Register("b", constChannel("b"))
		})
		r.Register("c", constChannel("c"))
	})
	// middleware added after a group closed belongs to the root again
	r.Middleware(mark("late"))

	run := func(name string) []string {
		trace = nil
		ch, middleware, ok := r.lookup(name)
		require.True(t, ok)
		_, err := ApplyHandlerChain(context.Background(), &Request{Channel: name, Command: "get"}, middleware, func(ctx context.Context, req *Request) (value.Value, error) {
			trace = append(trace, "handler")
			return ch.Call(ctx, CallContext{}, req.Command, req.Arg)
		})
		require.NoError(t, err)
		return trace
	}

	assert.Equal(t, []string{"root", "late", "handler"}, run("a"))
	assert.Equal(t, []string{"root", "late", "g1", "g2", "handler"}, run("b"))
	assert.Equal(t, []string{"root", "late", "g1", "handler"}, run("c"))
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	reject := func(ctx context.Context, req *Request, next Handler) (value.Value, error) {
		return value.Null(), ErrRouting
	}
	called := false
	_, err := ApplyHandlerChain(context.Background(), &Request{}, []Middleware{reject}, func(context.Context, *Request) (value.Value, error) {
		called = true
		return value.Null(), nil
	})
	assert.ErrorIs(t, err, ErrRouting)
	assert.False(t, called)
}

func TestDispatchUnknownCommandAndEvent(t *testing.T) {
	d := NewDispatch()
	_, err := d.Call(context.Background(), CallContext{}, "missing", value.Null())
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = d.Listen(context.Background(), CallContext{}, "onMissing", value.Null())
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
