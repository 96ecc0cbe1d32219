package rpc

import (
	"context"

	"github.com/kbirk/hyperipc/pkg/value"
)

// Channel is the caller's view of a named service on the other side of a
// connection.
type Channel interface {
	// Go starts a call and returns immediately. The call is delivered on
	// done (or a fresh buffered channel when done is nil) once it settles.
	Go(ctx context.Context, command string, arg value.Value, done chan *Call) *Call

	// Call starts a call and waits for it to settle. Cancelling ctx cancels
	// the remote handler.
	Call(ctx context.Context, command string, arg value.Value) (value.Value, error)

	// Listen returns a lazily subscribed remote event. Its values are
	// delivered in order on a goroutine of their own, so listeners may call
	// back over the same connection.
	Listen(event string, arg value.Value) Event[value.Value]
}

// Call represents an active call.
type Call struct {
	Channel string
	Command string
	Arg     value.Value
	Reply   value.Value
	Error   error
	Done    chan *Call
}

// NewCall returns an unsettled call for Channel implementations. A nil done
// gets a fresh buffered channel; an unbuffered one panics, as in net/rpc.
func NewCall(channel, command string, arg value.Value, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("rpc: done channel is unbuffered")
	}
	return &Call{
		Channel: channel,
		Command: command,
		Arg:     arg,
		Done:    done,
	}
}

// FailedCall returns a call that already settled with err, for Channel
// implementations that fail before sending anything.
func FailedCall(channel, command string, arg value.Value, done chan *Call, err error) *Call {
	call := NewCall(channel, command, arg, done)
	call.Error = err
	call.done()
	return call
}

// Settle records the outcome and delivers the call on Done.
func (call *Call) Settle(reply value.Value, err error) {
	call.Reply = reply
	call.Error = err
	call.done()
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// done channel full; dropped as net/rpc does
	}
}

func waitCall(call *Call) (value.Value, error) {
	call = <-call.Done
	return call.Reply, call.Error
}

// CallContext identifies the connection a server channel is serving.
type CallContext struct {
	ClientID  string
	SessionID string
}

// ServerChannel is implemented by services registered on a Server or a
// Client.
type ServerChannel interface {
	Call(ctx context.Context, caller CallContext, command string, arg value.Value) (value.Value, error)

	// Listen returns the event for a subscription. ctx is cancelled when
	// the subscriber unsubscribes or disconnects. It does not run on the
	// connection's read loop and may call the subscriber.
	Listen(ctx context.Context, caller CallContext, event string, arg value.Value) (Event[value.Value], error)
}
