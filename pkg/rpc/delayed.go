package rpc

import (
	"context"
	"sync"

	"github.com/kbirk/hyperipc/pkg/value"
)

// ChannelPromise settles once with a channel or an error.
type ChannelPromise struct {
	once sync.Once
	done chan struct{}
	ch   Channel
	err  error
}

func NewChannelPromise() *ChannelPromise {
	return &ChannelPromise{
		done: make(chan struct{}),
	}
}

// PromiseFunc runs fn in a goroutine and settles the promise with its
// result.
func PromiseFunc(fn func() (Channel, error)) *ChannelPromise {
	p := NewChannelPromise()
	go func() {
		ch, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(ch)
	}()
	return p
}

func (p *ChannelPromise) Resolve(ch Channel) {
	p.once.Do(func() {
		p.ch = ch
		close(p.done)
	})
}

func (p *ChannelPromise) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *ChannelPromise) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the promise settles or ctx ends.
func (p *ChannelPromise) Result(ctx context.Context) (Channel, error) {
	select {
	case <-p.done:
		return p.ch, p.err
	case <-ctx.Done():
		return nil, cancelledError(context.Cause(ctx))
	}
}

type queuedCall struct {
	ctx  context.Context
	call *Call
	stop func() bool
}

// DelayedChannel is a Channel whose backing channel is not available yet.
// Calls made before the promise settles are queued and issued in
// submission order once it resolves; if it rejects they all fail with the
// same error.
type DelayedChannel struct {
	name    string
	promise *ChannelPromise

	mu      sync.Mutex
	settled bool
	queue   []*queuedCall
}

func NewDelayedChannel(name string, promise *ChannelPromise) *DelayedChannel {
	d := &DelayedChannel{
		name:    name,
		promise: promise,
	}
	go func() {
		<-promise.Done()
		d.flush()
	}()
	return d
}

func (d *DelayedChannel) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.settled = true
	queue := d.queue
	d.queue = nil

	ch, err := d.promise.ch, d.promise.err
	for _, q := range queue {
		if !q.stop() {
			// dequeued by cancellation
			continue
		}
		if err != nil {
			q.call.Error = err
			q.call.done()
			continue
		}
		// issued under the lock so later calls cannot overtake queued ones
		inner := ch.Go(q.ctx, q.call.Command, q.call.Arg, make(chan *Call, 1))
		go forwardCall(inner, q.call)
	}
}

func forwardCall(inner *Call, outer *Call) {
	<-inner.Done
	outer.Reply = inner.Reply
	outer.Error = inner.Error
	outer.done()
}

func (d *DelayedChannel) Go(ctx context.Context, command string, arg value.Value, done chan *Call) *Call {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		if d.promise.err != nil {
			return FailedCall(d.name, command, arg, done, d.promise.err)
		}
		return d.promise.ch.Go(ctx, command, arg, done)
	}

	call := NewCall(d.name, command, arg, done)
	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		call.Error = cancelledError(context.Cause(ctx))
		call.done()
		return call
	}

	q := &queuedCall{ctx: ctx, call: call}
	q.stop = context.AfterFunc(ctx, func() {
		d.dequeue(q, context.Cause(ctx))
	})
	d.queue = append(d.queue, q)
	d.mu.Unlock()
	return call
}

func (d *DelayedChannel) dequeue(q *queuedCall, cause error) {
	d.mu.Lock()
	for i, existing := range d.queue {
		if existing == q {
			d.queue = append(d.queue[:i:i], d.queue[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	q.call.Error = cancelledError(cause)
	q.call.done()
}

func (d *DelayedChannel) Call(ctx context.Context, command string, arg value.Value) (value.Value, error) {
	return waitCall(d.Go(ctx, command, arg, nil))
}

// Listen subscribes to the backing channel once the promise resolves.
func (d *DelayedChannel) Listen(event string, arg value.Value) Event[value.Value] {
	return &delayedEvent{
		d:     d,
		event: event,
		arg:   arg,
	}
}

type delayedEvent struct {
	d     *DelayedChannel
	event string
	arg   value.Value
}

func (e *delayedEvent) Subscribe(fn func(value.Value)) *Subscription {
	var (
		mu       sync.Mutex
		inner    *Subscription
		disposed bool
	)
	outer := newSubscription(func() {
		mu.Lock()
		disposed = true
		in := inner
		mu.Unlock()
		if in != nil {
			in.Dispose()
		}
	})

	go func() {
		select {
		case <-e.d.promise.Done():
		case <-outer.Done():
			return
		}
		if err := e.d.promise.err; err != nil {
			outer.end(err)
			return
		}

		sub := e.d.promise.ch.Listen(e.event, e.arg).Subscribe(fn)

		mu.Lock()
		if disposed {
			mu.Unlock()
			sub.Dispose()
			return
		}
		inner = sub
		mu.Unlock()

		<-sub.Done()
		outer.end(sub.Err())
	}()

	return outer
}
