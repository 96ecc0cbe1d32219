package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

const pipeBuffer = 256

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// Connection is one end of an in-process message pipe.
type Connection struct {
	in    chan []byte
	out   chan []byte
	state *pipeState
}

// NewPipe returns two connected ends. Closing either end closes both;
// messages already sent are still received before ErrConnectionClosed.
func NewPipe() (*Connection, *Connection) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	return &Connection{in: a, out: b, state: state}, &Connection{in: b, out: a, state: state}
}

func (c *Connection) Send(data []byte) error {
	bs := make([]byte, len(data))
	copy(bs, data)

	select {
	case <-c.state.done:
		return rpc.ErrConnectionClosed
	default:
	}

	select {
	case c.out <- bs:
		return nil
	case <-c.state.done:
		return rpc.ErrConnectionClosed
	}
}

func (c *Connection) Receive() ([]byte, error) {
	select {
	case bs := <-c.in:
		return bs, nil
	case <-c.state.done:
		select {
		case bs := <-c.in:
			return bs, nil
		default:
			return nil, rpc.ErrConnectionClosed
		}
	}
}

func (c *Connection) Close() error {
	c.state.once.Do(func() {
		close(c.state.done)
	})
	return nil
}

// Network is an in-process address space of named listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*ServerTransport
}

func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*ServerTransport),
	}
}

// ServerTransport accepts connections dialed to its name.
type ServerTransport struct {
	network *Network
	name    string

	mu      sync.Mutex
	bound   bool
	closed  bool
	connCh  chan rpc.Connection
	closeCh chan struct{}
}

func (n *Network) NewServerTransport(name string) *ServerTransport {
	return &ServerTransport{
		network: n,
		name:    name,
		connCh:  make(chan rpc.Connection, 16),
		closeCh: make(chan struct{}),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrConnectionClosed
	}
	if t.bound {
		return nil
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, ok := t.network.listeners[t.name]; ok {
		return fmt.Errorf("%w: %s", rpc.ErrAddressInUse, t.name)
	}
	t.network.listeners[t.name] = t
	t.bound = true
	return nil
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	select {
	case conn := <-t.connCh:
		return conn, nil
	case <-t.closeCh:
		return nil, rpc.ErrConnectionClosed
	}
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)

	if t.bound {
		t.network.mu.Lock()
		if t.network.listeners[t.name] == t {
			delete(t.network.listeners, t.name)
		}
		t.network.mu.Unlock()
	}
	return nil
}

// Dial connects to the listener bound to name.
func (n *Network) Dial(ctx context.Context, name string) (rpc.Connection, error) {
	n.mu.Lock()
	t, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, name)
	}

	client, server := NewPipe()
	select {
	case t.connCh <- server:
		return client, nil
	case <-t.closeCh:
		return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClientTransport dials a fixed name on a Network.
type ClientTransport struct {
	network *Network
	name    string
}

func (n *Network) NewClientTransport(name string) *ClientTransport {
	return &ClientTransport{
		network: n,
		name:    name,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	return t.network.Dial(ctx, t.name)
}
