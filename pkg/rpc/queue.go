package rpc

import (
	"sync"
)

// serialQueue runs funcs one at a time in push order. The goroutine that
// drains it only lives while the queue is non-empty.
type serialQueue struct {
	mu      sync.Mutex
	fns     []func()
	running bool
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()

		fn()
	}
}
