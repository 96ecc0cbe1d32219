package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

const defaultSubject = "hyperipc"

// connection is a duplex pipe over two subjects: the peer publishes to in
// and we publish to out. One NATS message carries one frame; an empty
// message closes the pipe.
type connection struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	out    string
	framer *rpc.Framer
	inCh   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(nc *nats.Conn, in string, out string, conf rpc.FramerConfig) (*connection, error) {
	c := &connection{
		nc:     nc,
		out:    out,
		framer: rpc.NewFramer(conf),
		inCh:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	sub, err := nc.Subscribe(in, func(msg *nats.Msg) {
		if len(msg.Data) == 0 {
			c.closeLocal()
			return
		}
		select {
		case c.inCh <- msg.Data:
		case <-c.closed:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", in, err)
	}
	c.sub = sub
	return c, nil
}

func (c *connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return rpc.ErrConnectionClosed
	default:
	}
	if err := c.nc.Publish(c.out, c.framer.Encode(data)); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return rpc.ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *connection) Receive() ([]byte, error) {
	select {
	case data := <-c.inCh:
		body, err := c.framer.DecodeFrame(data)
		if err != nil {
			c.Close()
			return nil, err
		}
		return body, nil
	case <-c.closed:
		return nil, rpc.ErrConnectionClosed
	}
}

func (c *connection) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sub.Unsubscribe()
	})
}

func (c *connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	// tell the peer
	_ = c.nc.Publish(c.out, nil)
	c.closeLocal()
	return nil
}

// ServerTransport accepts connections announced on <Subject>.connect.
type ServerTransport struct {
	conf    ServerTransportConfig
	nc      *nats.Conn
	ownsNC  bool
	sub     *nats.Subscription
	connCh  chan rpc.Connection
	closeCh chan struct{}
	mu      *sync.Mutex
	closed  bool
}

type ServerTransportConfig struct {
	URL     string
	Conn    *nats.Conn // used instead of dialing URL when set
	Subject string     // defaults to hyperipc
	Framer  rpc.FramerConfig
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	if config.Subject == "" {
		config.Subject = defaultSubject
	}
	return &ServerTransport{
		conf:    config,
		connCh:  make(chan rpc.Connection, 16),
		closeCh: make(chan struct{}),
		mu:      &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrConnectionClosed
	}
	if t.nc != nil {
		return nil
	}

	nc := t.conf.Conn
	if nc == nil {
		var err error
		nc, err = nats.Connect(t.conf.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		t.ownsNC = true
	}

	sub, err := nc.Subscribe(t.conf.Subject+".connect", t.handleConnect)
	if err != nil {
		if t.ownsNC {
			nc.Close()
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	t.nc = nc
	t.sub = sub
	return nil
}

func (t *ServerTransport) handleConnect(msg *nats.Msg) {
	clientSubject := string(msg.Data)
	if clientSubject == "" || msg.Reply == "" {
		return
	}

	serverSubject := fmt.Sprintf("%s.conn.%s", t.conf.Subject, uuid.NewString())
	conn, err := newConnection(t.nc, serverSubject, clientSubject, t.conf.Framer)
	if err != nil {
		return
	}

	select {
	case t.connCh <- conn:
	case <-t.closeCh:
		conn.closeLocal()
		return
	}
	_ = msg.Respond([]byte(serverSubject))
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

	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.nc != nil && t.ownsNC {
		t.nc.Close()
	}
	return nil
}

type ClientTransport struct {
	conf ClientTransportConfig
	nc   *nats.Conn
	mu   *sync.Mutex
}

type ClientTransportConfig struct {
	URL     string
	Conn    *nats.Conn
	Subject string
	Framer  rpc.FramerConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	if config.Subject == "" {
		config.Subject = defaultSubject
	}
	return &ClientTransport{
		conf: config,
		nc:   config.Conn,
		mu:   &sync.Mutex{},
	}
}

func (t *ClientTransport) conn() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc == nil {
		nc, err := nats.Connect(t.conf.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		t.nc = nc
	}
	return t.nc, nil
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	nc, err := t.conn()
	if err != nil {
		return nil, err
	}

	// Create inbox and subscription for this connection
	inbox := nats.NewInbox()
	msg, err := nc.RequestWithContext(ctx, t.conf.Subject+".connect", []byte(inbox))
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, t.conf.Subject)
		}
		return nil, err
	}

	return newConnection(nc, inbox, string(msg.Data), t.conf.Framer)
}
