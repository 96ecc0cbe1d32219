package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/value"
)

type protocolConfig struct {
	logger     log.Logger
	registry   *ChannelRegistry
	caller     CallContext
	errHandler func(error)
}

type pendingCall struct {
	call *Call
	stop func() bool
}

type inflightCall struct {
	cancel    context.CancelFunc
	cancelled bool
}

// servedSubscription is an event the peer subscribed to. Listen runs off
// the read loop, so the peer may unsubscribe before sub is attached.
type servedSubscription struct {
	cancel context.CancelFunc

	mu      sync.RWMutex
	sub     *Subscription
	stopped bool
}

func (ss *servedSubscription) attach(sub *Subscription) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.stopped {
		return false
	}
	ss.sub = sub
	return true
}

func (ss *servedSubscription) isStopped() bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.stopped
}

// stop waits for a forward in progress, so nothing is sent once it returns.
func (ss *servedSubscription) stop() {
	ss.mu.Lock()
	ss.stopped = true
	sub := ss.sub
	ss.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
	ss.cancel()
}

// protocol multiplexes calls and event subscriptions in both directions
// over one session. Either side may call channels registered on the other.
type protocol struct {
	conf    protocolConfig
	session *Session

	// cancelled when the protocol is disposed; parent of every handler ctx
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pendingCall
	events   map[uint64]*remoteEvent
	inflight map[uint64]*inflightCall
	served   map[uint64]*servedSubscription
	closed   bool
	closeErr error
	done     chan struct{}
}

func newProtocol(conf protocolConfig, session *Session) *protocol {
	if conf.logger == nil {
		conf.logger = log.Nop()
	}
	if conf.registry == nil {
		conf.registry = NewChannelRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &protocol{
		conf:     conf,
		session:  session,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]*pendingCall),
		events:   make(map[uint64]*remoteEvent),
		inflight: make(map[uint64]*inflightCall),
		served:   make(map[uint64]*servedSubscription),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *protocol) Channel(name string) Channel {
	return &protocolChannel{
		p:    p,
		name: name,
	}
}

func (p *protocol) Done() <-chan struct{} {
	return p.done
}

func (p *protocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// Close says goodbye to the peer and fails everything outstanding with
// ErrConnectionClosed.
func (p *protocol) Close() error {
	err := p.session.Close()
	p.dispose(ErrConnectionClosed)
	return err
}

func (p *protocol) send(m Message) error {
	return p.session.Send(EncodeMessage(m))
}

func (p *protocol) handleError(err error) {
	p.conf.logger.Error("Encountered error", "error", err)
	if p.conf.errHandler != nil {
		p.conf.errHandler(err)
	}
}

func (p *protocol) readLoop() {
	for {
		bs, err := p.session.Receive()
		if err != nil {
			if errors.Is(err, ErrProtocolFraming) {
				p.handleError(err)
			}
			p.dispose(err)
			return
		}

		// nothing that arrives after dispose is handled
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		m, err := DecodeMessage(bs)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrProtocolFraming, err)
			p.handleError(err)
			p.session.fail(err)
			p.dispose(err)
			return
		}

		switch msg := m.(type) {
		case *Request:
			p.handleRequest(msg)
		case *Response:
			p.handleResponse(msg)
		case *Cancel:
			p.handleCancel(msg)
		case *EventSubscribe:
			p.handleSubscribe(msg)
		case *EventUnsubscribe:
			p.handleUnsubscribe(msg)
		case *EventFire:
			p.handleFire(msg)
		case *EventEnd:
			p.handleEnd(msg)
		}
	}
}

func (p *protocol) dispose(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	pending := p.pending
	events := p.events
	served := p.served
	p.pending = make(map[uint64]*pendingCall)
	p.events = make(map[uint64]*remoteEvent)
	p.inflight = make(map[uint64]*inflightCall)
	p.served = make(map[uint64]*servedSubscription)
	p.mu.Unlock()

	p.cancel()

	for _, pc := range pending {
		if pc.stop != nil {
			pc.stop()
		}
		pc.call.Error = err
		pc.call.done()
	}
	for _, re := range events {
		re.emitter.Dispose(err)
	}
	for _, ss := range served {
		ss.stop()
	}

	p.conf.logger.Debug("Protocol disposed", "error", err)
	close(p.done)
}

// outgoing calls

func (p *protocol) call(ctx context.Context, channel string, command string, arg value.Value, done chan *Call) *Call {
	call := NewCall(channel, command, arg, done)

	if err := ctx.Err(); err != nil {
		call.Error = cancelledError(context.Cause(ctx))
		call.done()
		return call
	}

	p.mu.Lock()
	if p.closed {
		call.Error = p.closeErr
		p.mu.Unlock()
		call.done()
		return call
	}
	p.nextID++
	id := p.nextID
	pc := &pendingCall{call: call}
	p.pending[id] = pc
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		p.cancelCall(id, context.Cause(ctx))
	})
	p.mu.Lock()
	if p.pending[id] == pc {
		pc.stop = stop
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		stop()
	}

	err := p.send(&Request{
		ID:       id,
		Channel:  channel,
		Command:  command,
		Arg:      arg,
		Metadata: GetMetadataFromContext(ctx),
	})
	if err != nil {
		p.settle(id, value.Null(), err)
	}
	return call
}

func (p *protocol) cancelCall(id uint64, cause error) {
	p.mu.Lock()
	pc, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.send(&Cancel{ID: id}); err != nil {
		p.conf.logger.Debug("Failed to send cancel", "id", id, "error", err)
	}
	pc.call.Error = cancelledError(cause)
	pc.call.done()
}

func (p *protocol) settle(id uint64, reply value.Value, err error) {
	p.mu.Lock()
	pc, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		// cancelled or already failed
		p.conf.logger.Debug("Dropping response for unknown request", "id", id)
		return
	}

	if pc.stop != nil {
		pc.stop()
	}
	pc.call.Reply = reply
	pc.call.Error = err
	pc.call.done()
}

func (p *protocol) handleResponse(msg *Response) {
	if msg.Err != nil {
		p.settle(msg.ID, value.Null(), msg.Err)
		return
	}
	p.settle(msg.ID, msg.Result, nil)
}

// outgoing event subscriptions

// remoteEvent subscribes to the peer when it gains its first listener and
// unsubscribes when it loses its last.
type remoteEvent struct {
	p       *protocol
	channel string
	event   string
	arg     value.Value
	emitter *Emitter[value.Value]

	// fires and ends are delivered here, in order, off the read loop
	queue serialQueue

	// guarded by p.mu
	id uint64
}

func (p *protocol) listen(channel string, event string, arg value.Value) Event[value.Value] {
	re := &remoteEvent{
		p:       p,
		channel: channel,
		event:   event,
		arg:     arg,
	}
	re.emitter = NewEmitter[value.Value](EmitterOptions{
		OnFirstListener: re.subscribe,
		OnLastListener:  re.unsubscribe,
	})
	return re.emitter
}

func (re *remoteEvent) subscribe() {
	p := re.p
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		re.emitter.End(err)
		return
	}
	p.nextID++
	id := p.nextID
	re.id = id
	p.events[id] = re
	p.mu.Unlock()

	err := p.send(&EventSubscribe{
		ID:      id,
		Channel: re.channel,
		Event:   re.event,
		Arg:     re.arg,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.events, id)
		re.id = 0
		p.mu.Unlock()
		re.emitter.End(err)
	}
}

func (re *remoteEvent) unsubscribe() {
	p := re.p
	p.mu.Lock()
	id := re.id
	re.id = 0
	_, ok := p.events[id]
	delete(p.events, id)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.send(&EventUnsubscribe{ID: id}); err != nil {
		p.conf.logger.Debug("Failed to send unsubscribe", "id", id, "error", err)
	}
}

func (p *protocol) handleFire(msg *EventFire) {
	p.mu.Lock()
	re, ok := p.events[msg.ID]
	p.mu.Unlock()
	if !ok {
		return
	}
	payload := msg.Payload
	re.queue.push(func() {
		re.emitter.Fire(payload)
	})
}

func (p *protocol) handleEnd(msg *EventEnd) {
	p.mu.Lock()
	re, ok := p.events[msg.ID]
	if ok {
		delete(p.events, msg.ID)
		re.id = 0
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if msg.Err != nil {
		err = msg.Err
	}
	re.queue.push(func() {
		re.emitter.End(err)
	})
}

// incoming calls

func (p *protocol) handleRequest(req *Request) {
	ch, middleware, ok := p.conf.registry.lookup(req.Channel)
	if !ok {
		p.respond(req.ID, value.Null(), fmt.Errorf("%w: %s", ErrUnknownChannel, req.Channel))
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	if req.Metadata != nil {
		ctx = NewContextWithMetadata(ctx, req.Metadata)
	}
	ctx = withCallContext(ctx, p.conf.caller)

	ic := &inflightCall{cancel: cancel}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	p.inflight[req.ID] = ic
	p.mu.Unlock()

	go func() {
		defer cancel()

		result, err := p.invoke(ctx, ch, middleware, req)

		p.mu.Lock()
		delete(p.inflight, req.ID)
		cancelled := ic.cancelled
		p.mu.Unlock()

		if cancelled {
			result, err = value.Null(), ErrCancelled
		}
		p.respond(req.ID, result, err)
	}()
}

func (p *protocol) invoke(ctx context.Context, ch ServerChannel, middleware []Middleware, req *Request) (result value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.conf.logger.Error("Channel handler panicked", "channel", req.Channel, "command", req.Command, "panic", r)
			result = value.Null()
			err = &RemoteError{
				Name:    "Panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	return ApplyHandlerChain(ctx, req, middleware, func(ctx context.Context, req *Request) (value.Value, error) {
		return ch.Call(ctx, p.conf.caller, req.Command, req.Arg)
	})
}

func (p *protocol) respond(id uint64, result value.Value, err error) {
	resp := &Response{
		ID:     id,
		Result: result,
		Err:    toRemoteError(err),
	}
	if sendErr := p.send(resp); sendErr != nil {
		p.conf.logger.Debug("Failed to send response", "id", id, "error", sendErr)
	}
}

func (p *protocol) handleCancel(msg *Cancel) {
	p.mu.Lock()
	ic, ok := p.inflight[msg.ID]
	if ok {
		ic.cancelled = true
	}
	p.mu.Unlock()
	if ok {
		ic.cancel()
	}
}

// incoming event subscriptions

func (p *protocol) handleSubscribe(msg *EventSubscribe) {
	ch, _, ok := p.conf.registry.lookup(msg.Channel)
	if !ok {
		p.endServed(msg.ID, fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel))
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	ctx = withCallContext(ctx, p.conf.caller)

	// registered before Listen runs so that a following unsubscribe finds it
	ss := &servedSubscription{cancel: cancel}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	p.served[msg.ID] = ss
	p.mu.Unlock()

	go p.serveSubscription(ctx, ch, msg, ss)
}

func (p *protocol) serveSubscription(ctx context.Context, ch ServerChannel, msg *EventSubscribe, ss *servedSubscription) {
	id := msg.ID
	if ss.isStopped() {
		return
	}

	evt, err := p.listenServed(ctx, ch, msg)
	if err != nil {
		if p.removeServed(id, ss) {
			p.endServed(id, err)
		}
		ss.cancel()
		return
	}

	sub := evt.Subscribe(func(v value.Value) {
		ss.mu.RLock()
		defer ss.mu.RUnlock()
		if ss.stopped {
			return
		}
		if err := p.send(&EventFire{ID: id, Payload: v}); err != nil {
			p.conf.logger.Debug("Failed to forward event", "id", id, "error", err)
		}
	})
	if !ss.attach(sub) {
		sub.Dispose()
		return
	}

	<-sub.Done()

	// unsubscribed by the peer or disposed with the protocol
	if !p.removeServed(id, ss) {
		return
	}
	ss.cancel()
	p.endServed(id, sub.Err())
}

func (p *protocol) removeServed(id uint64, ss *servedSubscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.served[id]
	if !ok || cur != ss {
		return false
	}
	delete(p.served, id)
	return true
}

func (p *protocol) listenServed(ctx context.Context, ch ServerChannel, msg *EventSubscribe) (evt Event[value.Value], err error) {
	defer func() {
		if r := recover(); r != nil {
			p.conf.logger.Error("Channel listen panicked", "channel", msg.Channel, "event", msg.Event, "panic", r)
			evt = nil
			err = &RemoteError{
				Name:    "Panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return ch.Listen(ctx, p.conf.caller, msg.Event, msg.Arg)
}

func (p *protocol) endServed(id uint64, err error) {
	if sendErr := p.send(&EventEnd{ID: id, Err: toRemoteError(err)}); sendErr != nil {
		p.conf.logger.Debug("Failed to send event end", "id", id, "error", sendErr)
	}
}

func (p *protocol) handleUnsubscribe(msg *EventUnsubscribe) {
	p.mu.Lock()
	ss, ok := p.served[msg.ID]
	delete(p.served, msg.ID)
	p.mu.Unlock()
	if !ok {
		return
	}
	ss.stop()
}

type protocolChannel struct {
	p    *protocol
	name string
}

func (c *protocolChannel) Go(ctx context.Context, command string, arg value.Value, done chan *Call) *Call {
	return c.p.call(ctx, c.name, command, arg, done)
}

func (c *protocolChannel) Call(ctx context.Context, command string, arg value.Value) (value.Value, error) {
	return waitCall(c.Go(ctx, command, arg, nil))
}

func (c *protocolChannel) Listen(event string, arg value.Value) Event[value.Value] {
	return c.p.listen(c.name, event, arg)
}
