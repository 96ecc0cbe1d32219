package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/websocket"
	"github.com/kbirk/hyperipc/pkg/value"
)

const DefaultIdleTimeout = 5 * time.Second

type PoolConfig struct {
	Resolver AuthorityResolver

	// IdleTimeout is how long a client with no calls or subscriptions in
	// flight is kept before it is closed.
	IdleTimeout time.Duration

	// NewTransport builds the transport for a resolved authority. Defaults
	// to a websocket transport on the default path.
	NewTransport func(ResolvedAuthority) rpc.ClientTransport

	// Client is the template for every pooled client; Transport is
	// replaced.
	Client rpc.ClientConfig

	Logger log.Logger
}

type entry struct {
	authority string
	ready     chan struct{}
	client    *rpc.Client
	err       error

	// guarded by Pool.mu
	refs  int
	timer *time.Timer
}

// Pool keeps at most one client per authority. Clients are created on
// first use and closed once idle for IdleTimeout; the next use creates a
// new one.
type Pool struct {
	conf   PoolConfig
	logger log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewPool(conf PoolConfig) *Pool {
	if conf.IdleTimeout <= 0 {
		conf.IdleTimeout = DefaultIdleTimeout
	}
	if conf.Resolver == nil {
		conf.Resolver = AddressResolver{}
	}
	if conf.NewTransport == nil {
		conf.NewTransport = func(r ResolvedAuthority) rpc.ClientTransport {
			return websocket.NewClientTransport(websocket.ClientTransportConfig{
				Host: r.Host,
				Port: r.Port,
			})
		}
	}
	logger := conf.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		conf:    conf,
		logger:  logger.With("component", "remote-pool"),
		entries: make(map[string]*entry),
	}
}

// Len returns the number of authorities with a live or pending client.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) acquire(ctx context.Context, authority string) (*entry, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpc.ErrConnectionClosed
	}
	e, ok := p.entries[authority]
	if ok {
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			p.release(e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			p.release(e)
			return nil, e.err
		}
		return e, nil
	}

	e = &entry{
		authority: authority,
		ready:     make(chan struct{}),
		refs:      1,
	}
	p.entries[authority] = e
	p.mu.Unlock()

	e.client, e.err = p.dial(ctx, authority)
	close(e.ready)
	if e.err != nil {
		// forget it so the next use resolves again
		p.mu.Lock()
		if p.entries[authority] == e {
			delete(p.entries, authority)
		}
		p.mu.Unlock()
		return nil, e.err
	}
	return e, nil
}

func (p *Pool) dial(ctx context.Context, authority string) (*rpc.Client, error) {
	resolved, err := p.conf.Resolver.Resolve(ctx, authority)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", authority, err)
	}
	conf := p.conf.Client
	conf.Transport = p.conf.NewTransport(resolved)
	if conf.Logger == nil {
		conf.Logger = p.logger.With("authority", authority)
	}

	client := rpc.NewClient(conf)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	p.logger.Info("Connected to remote authority", "authority", authority, "address", resolved.Address())
	return client, nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.refs--
	if e.refs > 0 || p.closed || e.client == nil {
		return
	}
	e.timer = time.AfterFunc(p.conf.IdleTimeout, func() {
		p.mu.Lock()
		if e.refs > 0 || p.entries[e.authority] != e {
			p.mu.Unlock()
			return
		}
		delete(p.entries, e.authority)
		p.mu.Unlock()

		p.logger.Debug("Closing idle remote client", "authority", e.authority)
		_ = e.client.Close()
	})
}

// Channel returns a channel on authority. Each call holds the pooled
// client until it settles.
func (p *Pool) Channel(authority string, name string) rpc.Channel {
	return &pooledChannel{
		pool:      p,
		authority: authority,
		name:      name,
	}
}

// Close closes every pooled client.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.client != nil {
			_ = e.client.Close()
		}
	}
	return nil
}

type pooledChannel struct {
	pool      *Pool
	authority string
	name      string
}

func (c *pooledChannel) Go(ctx context.Context, command string, arg value.Value, done chan *rpc.Call) *rpc.Call {
	// checked before acquiring so that a bad done channel holds no client
	outer := rpc.NewCall(c.name, command, arg, done)
	e, err := c.pool.acquire(ctx, c.authority)
	if err != nil {
		outer.Settle(value.Null(), err)
		return outer
	}

	inner := e.client.Channel(c.name).Go(ctx, command, arg, make(chan *rpc.Call, 1))
	go func() {
		<-inner.Done
		c.pool.release(e)
		outer.Settle(inner.Reply, inner.Error)
	}()
	return outer
}

func (c *pooledChannel) Call(ctx context.Context, command string, arg value.Value) (value.Value, error) {
	call := <-c.Go(ctx, command, arg, nil).Done
	return call.Reply, call.Error
}

// Listen holds the pooled client for as long as the subscription lives.
func (c *pooledChannel) Listen(event string, arg value.Value) rpc.Event[value.Value] {
	return &pooledEvent{
		channel: c,
		event:   event,
		arg:     arg,
	}
}

type pooledEvent struct {
	channel *pooledChannel
	event   string
	arg     value.Value
}

func (e *pooledEvent) Subscribe(fn func(value.Value)) *rpc.Subscription {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultHandshakeTimeout)
	defer cancel()

	c := e.channel
	pe, err := c.pool.acquire(ctx, c.authority)
	if err != nil {
		return rpc.EndedSubscription(err)
	}
	sub := pe.client.Channel(c.name).Listen(e.event, e.arg).Subscribe(fn)
	go func() {
		<-sub.Done()
		c.pool.release(pe)
	}()
	return sub
}
