package rpc

import (
	"sync"
)

// Event is a subscribable stream of values.
type Event[T any] interface {
	Subscribe(fn func(T)) *Subscription
}

// Subscription is the handle returned by Event.Subscribe. Done is closed
// when the subscription is disposed locally or when the event stream ends;
// in the latter case Err reports why (nil for a normal end).
type Subscription struct {
	once    sync.Once
	release func()
	done    chan struct{}
	mu      sync.Mutex
	err     error
}

func newSubscription(release func()) *Subscription {
	return &Subscription{
		release: release,
		done:    make(chan struct{}),
	}
}

// EndedSubscription returns a subscription that already ended with err.
func EndedSubscription(err error) *Subscription {
	s := newSubscription(nil)
	s.end(err)
	return s
}

func (s *Subscription) Dispose() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type EmitterOptions struct {
	// OnFirstListener runs when the listener count goes from zero to one.
	OnFirstListener func()
	// OnLastListener runs when the last listener disposes its subscription.
	OnLastListener func()
}

type emitterListener[T any] struct {
	fn  func(T)
	sub *Subscription
}

// Emitter is the producing side of an Event. Listener hooks run
// serialized with respect to each other.
type Emitter[T any] struct {
	opts EmitterOptions

	hookMu sync.Mutex

	mu         sync.Mutex
	listeners  []*emitterListener[T]
	disposed   bool
	disposeErr error
}

func NewEmitter[T any](opts EmitterOptions) *Emitter[T] {
	return &Emitter[T]{opts: opts}
}

func (e *Emitter[T]) Event() Event[T] {
	return e
}

func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	e.mu.Lock()
	if e.disposed {
		err := e.disposeErr
		e.mu.Unlock()
		return EndedSubscription(err)
	}
	l := &emitterListener[T]{fn: fn}
	l.sub = newSubscription(func() {
		e.remove(l)
	})
	listeners := make([]*emitterListener[T], 0, len(e.listeners)+1)
	listeners = append(listeners, e.listeners...)
	e.listeners = append(listeners, l)
	first := len(e.listeners) == 1
	e.mu.Unlock()

	if first && e.opts.OnFirstListener != nil {
		e.opts.OnFirstListener()
	}
	return l.sub
}

func (e *Emitter[T]) remove(l *emitterListener[T]) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	e.mu.Lock()
	idx := -1
	for i, existing := range e.listeners {
		if existing == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	listeners := make([]*emitterListener[T], 0, len(e.listeners)-1)
	listeners = append(listeners, e.listeners[:idx]...)
	e.listeners = append(listeners, e.listeners[idx+1:]...)
	last := len(e.listeners) == 0
	e.mu.Unlock()

	if last && e.opts.OnLastListener != nil {
		e.opts.OnLastListener()
	}
}

// Fire delivers v to every current listener on the calling goroutine.
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()

	for _, l := range listeners {
		l.fn(v)
	}
}

// End finishes the current listeners' subscriptions with err without
// running OnLastListener. A later Subscribe starts over and runs
// OnFirstListener again.
func (e *Emitter[T]) End(err error) {
	e.mu.Lock()
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	for _, l := range listeners {
		l.sub.end(err)
	}
}

// Dispose ends all listeners and makes every later Subscribe return an
// already ended subscription.
func (e *Emitter[T]) Dispose(err error) {
	e.mu.Lock()
	e.disposed = true
	e.disposeErr = err
	e.mu.Unlock()

	e.End(err)
}

func (e *Emitter[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
