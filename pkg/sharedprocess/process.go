package sharedprocess

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/rpc/childproc"
)

// ClientID is the id the shared process connects to its parent with.
const ClientID = "shared-process"

type ParentConfig struct {
	Init   InitData
	Framer rpc.FramerConfig
	Logger log.Logger
}

// Parent serves the handshake to the shared process.
type Parent struct {
	Server    *rpc.Server
	Handshake *Handshake

	child  *childproc.ServerTransport
	logger log.Logger
	served chan error
}

// Spawn starts cmd as the shared process and serves the handshake over the
// inherited socket.
func Spawn(cmd *exec.Cmd, conf ParentConfig) (*Parent, error) {
	st, err := childproc.Spawn(cmd, conf.Framer)
	if err != nil {
		return nil, err
	}
	p, err := NewParent(st, conf)
	if err != nil {
		_ = st.Kill()
		return nil, err
	}
	p.child = st
	return p, nil
}

// NewParent serves the handshake on an arbitrary transport.
func NewParent(transport rpc.ServerTransport, conf ParentConfig) (*Parent, error) {
	logger := conf.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.With("component", "shared-process")

	server := rpc.NewServer(rpc.ServerConfig{
		Transport: transport,
		Logger:    logger,
	})
	hs := NewHandshake(conf.Init)
	server.RegisterChannel(ChannelName, hs)

	if err := server.Listen(); err != nil {
		return nil, err
	}

	p := &Parent{
		Server:    server,
		Handshake: hs,
		logger:    logger,
		served:    make(chan error, 1),
	}
	go func() {
		p.served <- server.ListenAndServe()
	}()
	return p, nil
}

// Channel returns a channel the shared process registered.
func (p *Parent) Channel(name string) rpc.Channel {
	return p.Server.Channel(name, rpc.ClientIDRouter(ClientID))
}

// Exited is closed when the spawned process exits, or nil when the parent
// was not created by Spawn.
func (p *Parent) Exited() <-chan struct{} {
	if p.child == nil {
		return nil
	}
	return p.child.Exited()
}

// Shutdown says goodbye, closes the connection and waits for the child to
// exit. The child is killed if ctx ends first.
func (p *Parent) Shutdown(ctx context.Context) error {
	p.Handshake.Goodbye()

	err := p.Server.Shutdown(ctx)
	if err != nil {
		p.logger.Warn("Shared process connection did not close cleanly", "error", err)
	}
	<-p.served

	if p.child == nil {
		return err
	}
	if werr := p.child.Wait(ctx); werr != nil {
		if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
			p.logger.Warn("Killing shared process")
			_ = p.child.Kill()
			return fmt.Errorf("shared process did not exit: %w", werr)
		}
		return fmt.Errorf("shared process exited: %w", werr)
	}
	return err
}

type ChildConfig struct {
	Framer rpc.FramerConfig
	Logger log.Logger
}

// Child is the shared process's connection to its parent.
type Child struct {
	Client *rpc.Client
	Init   InitData

	handshake *Client
}

// Join connects to the parent over the inherited descriptor and says hello.
func Join(ctx context.Context, conf ChildConfig) (*Child, error) {
	conn, err := childproc.Inherited(conf.Framer)
	if err != nil {
		return nil, err
	}
	return JoinTransport(ctx, childproc.NewClientTransport(conn), conf)
}

// JoinTransport is Join over an explicit transport.
func JoinTransport(ctx context.Context, transport rpc.ClientTransport, conf ChildConfig) (*Child, error) {
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: transport,
		ClientID:  ClientID,
		Logger:    conf.Logger,
	})
	hs := NewClient(client.Channel(ChannelName))
	init, err := hs.Hello(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return &Child{
		Client:    client,
		Init:      init,
		handshake: hs,
	}, nil
}

// Ready tells the parent that every channel is registered.
func (c *Child) Ready(ctx context.Context) error {
	return c.handshake.Ready(ctx)
}

// OnGoodbye runs fn when the parent announces shutdown.
func (c *Child) OnGoodbye(fn func()) *rpc.Subscription {
	return c.handshake.OnGoodbye(fn)
}

func (c *Child) Close() error {
	return c.Client.Close()
}
