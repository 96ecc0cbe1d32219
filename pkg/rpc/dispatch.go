package rpc

import (
	"context"
	"fmt"

	"github.com/kbirk/hyperipc/pkg/value"
)

type CallFunc func(ctx context.Context, caller CallContext, arg value.Value) (value.Value, error)
type ListenFunc func(ctx context.Context, caller CallContext, arg value.Value) (Event[value.Value], error)

// Dispatch is a ServerChannel backed by a table of command and event
// handlers. Build it fully before registering it.
type Dispatch struct {
	calls  map[string]CallFunc
	events map[string]ListenFunc
}

func NewDispatch() *Dispatch {
	return &Dispatch{
		calls:  make(map[string]CallFunc),
		events: make(map[string]ListenFunc),
	}
}

func (d *Dispatch) Handle(command string, fn CallFunc) *Dispatch {
	d.calls[command] = fn
	return d
}

func (d *Dispatch) HandleEvent(event string, fn ListenFunc) *Dispatch {
	d.events[event] = fn
	return d
}

// HandleEmitter exposes an emitter as a named event, ignoring the
// subscription argument.
func (d *Dispatch) HandleEmitter(event string, e *Emitter[value.Value]) *Dispatch {
	return d.HandleEvent(event, func(context.Context, CallContext, value.Value) (Event[value.Value], error) {
		return e, nil
	})
}

func (d *Dispatch) Call(ctx context.Context, caller CallContext, command string, arg value.Value) (value.Value, error) {
	fn, ok := d.calls[command]
	if !ok {
		return value.Null(), fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return fn(ctx, caller, arg)
}

func (d *Dispatch) Listen(ctx context.Context, caller CallContext, event string, arg value.Value) (Event[value.Value], error) {
	fn, ok := d.events[event]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrUnknownCommand, event)
	}
	return fn(ctx, caller, arg)
}
