package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/value"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Reconnecting
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Client struct {
	conf      ClientConfig
	mu        *sync.Mutex
	transport ClientTransport
	registry  *ChannelRegistry
	logger    log.Logger
	protocol  *protocol
	state     ConnectionState
	closed    bool

	stateChanged *Emitter[ConnectionState]
}

type ClientConfig struct {
	Transport ClientTransport

	// ClientID is the context string the server routes by.
	ClientID string

	ErrHandler func(error)
	Logger     log.Logger

	// ReconnectGrace enables transparent reconnection when positive: a
	// dropped transport is re-established and unacknowledged messages are
	// replayed, as long as that succeeds within the grace period.
	ReconnectGrace time.Duration

	// MaxRetryInterval caps the backoff between reconnection attempts.
	MaxRetryInterval time.Duration

	HandshakeTimeout time.Duration
}

func NewClient(conf ClientConfig) *Client {
	logger := conf.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if conf.MaxRetryInterval <= 0 {
		conf.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Client{
		conf:         conf,
		transport:    conf.Transport,
		mu:           &sync.Mutex{},
		registry:     NewChannelRegistry(),
		logger:       logger.With("component", "client", "client", conf.ClientID),
		stateChanged: NewEmitter[ConnectionState](EmitterOptions{}),
	}
}

// RegisterChannel exposes ch to the server under name.
func (c *Client) RegisterChannel(name string, ch ServerChannel) {
	c.registry.Register(name, ch)
}

func (c *Client) UnregisterChannel(name string) {
	c.registry.Unregister(name)
}

// Middleware wraps calls the server makes into channels registered on this
// client.
func (c *Client) Middleware(m Middleware) {
	c.registry.Middleware(m)
}

func (c *Client) OnDidChangeState() Event[ConnectionState] {
	return c.stateChanged
}

func (c *Client) ClientID() string {
	return c.conf.ClientID
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current session, or "" when not
// connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protocol == nil {
		return ""
	}
	return c.protocol.session.ID()
}

func (c *Client) setState(p *protocol, state ConnectionState) {
	c.mu.Lock()
	if p != nil && c.protocol != p {
		c.mu.Unlock()
		return
	}
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.logger.Debug("Connection state changed", "state", state.String())
		c.stateChanged.Fire(state)
	}
}

// Connect establishes the session now instead of on the first call.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (*protocol, error) {
	c.mu.Lock()
	existing := c.protocol
	p, err := c.connectUnsafe(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if p != existing {
		c.setState(p, Connected)
	}
	return p, nil
}

func (c *Client) connectUnsafe(ctx context.Context) (*protocol, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.protocol != nil {
		return c.protocol, nil
	}

	// connect using transport
	c.logger.Debug("Connecting to server")
	conn, err := c.transport.Connect(ctx)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.conf.HandshakeTimeout)
	defer cancel()
	w, err := clientHandshake(hctx, conn, hello{
		version:   ProtocolVersion,
		clientID:  c.conf.ClientID,
		reconnect: c.conf.ReconnectGrace > 0,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	// the server decides whether the session can be resumed
	grace := time.Duration(0)
	if w.reconnect {
		grace = c.conf.ReconnectGrace
	}

	session := newSession(w.sessionID, c.conf.ClientID, grace, c.logger.With("session", w.sessionID))
	p := newProtocol(protocolConfig{
		logger:     c.logger.With("session", w.sessionID),
		registry:   c.registry,
		caller:     CallContext{ClientID: c.conf.ClientID, SessionID: w.sessionID},
		errHandler: c.conf.ErrHandler,
	}, session)
	session.onDetach = func(*Session) {
		c.reconnect(p)
	}
	if err := session.Attach(conn, 0); err != nil {
		return nil, err
	}
	c.protocol = p

	go func() {
		<-p.Done()
		c.mu.Lock()
		current := c.protocol == p
		if current {
			c.protocol = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if current && !closed {
			c.logger.Info("Disconnected from server", "error", p.Err())
			c.setState(nil, Disconnected)
		}
	}()

	c.logger.Info("Connected to server", "session", w.sessionID)
	return p, nil
}

// reconnect retries the transport with exponential backoff until the
// session is resumed or ends.
func (c *Client) reconnect(p *protocol) {
	s := p.session
	c.setState(p, Reconnecting)

	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    c.conf.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-s.Done():
			return
		default:
		}
		if s.Connected() {
			return
		}

		err := c.resume(s)
		if err == nil {
			c.logger.Info("Resumed session", "session", s.ID(), "attempts", b.Attempt()+1)
			c.setState(p, Connected)
			return
		}
		if errors.Is(err, ErrConnectionLost) {
			s.fail(ErrConnectionLost)
			return
		}

		d := b.Duration()
		c.logger.Warn("Reconnection attempt failed", "attempt", b.Attempt(), "retry_in", d, "error", err)

		select {
		case <-time.After(d):
		case <-s.Done():
			return
		}
	}
}

func (c *Client) resume(s *Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.HandshakeTimeout)
	defer cancel()

	conn, err := c.transport.Connect(ctx)
	if err != nil {
		return err
	}
	w, err := clientHandshake(ctx, conn, hello{
		version:   ProtocolVersion,
		clientID:  c.conf.ClientID,
		sessionID: s.ID(),
		resume:    true,
		reconnect: true,
		lastSeq:   s.LastReceived(),
	})
	if err != nil {
		conn.Close()
		return err
	}
	if !w.resumed {
		conn.Close()
		return ErrConnectionLost
	}
	return s.Attach(conn, w.lastSeq)
}

// Close ends the session. Outstanding calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.protocol
	c.protocol = nil
	c.mu.Unlock()

	var err error
	if p != nil {
		err = p.Close()
	}
	c.setState(nil, Closed)
	c.stateChanged.Dispose(nil)
	return err
}

// Channel returns a proxy for the server channel name. The first call
// connects.
func (c *Client) Channel(name string) Channel {
	return &clientChannel{
		client: c,
		name:   name,
	}
}

type clientChannel struct {
	client *Client
	name   string
}

func (ch *clientChannel) Go(ctx context.Context, command string, arg value.Value, done chan *Call) *Call {
	p, err := ch.client.connect(ctx)
	if err != nil {
		return FailedCall(ch.name, command, arg, done, err)
	}
	return p.call(ctx, ch.name, command, arg, done)
}

func (ch *clientChannel) Call(ctx context.Context, command string, arg value.Value) (value.Value, error) {
	return waitCall(ch.Go(ctx, command, arg, nil))
}

func (ch *clientChannel) Listen(event string, arg value.Value) Event[value.Value] {
	return &lazyEvent{
		client:  ch.client,
		channel: ch.name,
		event:   event,
		arg:     arg,
	}
}

// lazyEvent connects on first subscribe and keeps one remote subscription
// per session.
type lazyEvent struct {
	client  *Client
	channel string
	event   string
	arg     value.Value

	mu    sync.Mutex
	p     *protocol
	inner Event[value.Value]
}

func (e *lazyEvent) Subscribe(fn func(value.Value)) *Subscription {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.conf.HandshakeTimeout)
	defer cancel()

	p, err := e.client.connect(ctx)
	if err != nil {
		return EndedSubscription(err)
	}

	e.mu.Lock()
	if e.p != p {
		e.p = p
		e.inner = p.listen(e.channel, e.event, e.arg)
	}
	inner := e.inner
	e.mu.Unlock()

	return inner.Subscribe(fn)
}
