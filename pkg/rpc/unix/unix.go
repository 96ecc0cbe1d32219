package unix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

// how long a check of an existing socket waits for the owner to answer
const staleCheckTimeout = time.Second

// Listen binds path. A live owner yields rpc.ErrAddressInUse, a socket
// node nobody accepts on yields rpc.ErrStaleSocket, and a node that is not
// a socket is never touched.
func Listen(path string) (*net.UnixListener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err == nil {
		return l, nil
	}
	if isPermission(err) {
		return nil, fmt.Errorf("%w: %s", rpc.ErrPermission, path)
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	fi, statErr := os.Lstat(path)
	if statErr == nil && fi.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("%w: %s exists and is not a socket", rpc.ErrAddressInUse, path)
	}

	conn, dialErr := net.DialTimeout("unix", path, staleCheckTimeout)
	if dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", rpc.ErrAddressInUse, path)
	}
	if isPermission(dialErr) {
		return nil, fmt.Errorf("%w: %s", rpc.ErrPermission, path)
	}
	return nil, fmt.Errorf("%w: %s", rpc.ErrStaleSocket, path)
}

// ListenWithRecovery is Listen that deletes a stale socket node and
// retries once.
func ListenWithRecovery(path string) (*net.UnixListener, error) {
	l, err := Listen(path)
	if !errors.Is(err, rpc.ErrStaleSocket) {
		return l, err
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", rmErr)
	}
	return Listen(path)
}

// Dial connects to path. Nothing listening yields rpc.ErrConnectionRefused
// and an access failure rpc.ErrPermission.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", path)
	if err == nil {
		return conn, nil
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT):
		return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, path)
	case isPermission(err):
		return nil, fmt.Errorf("%w: %s", rpc.ErrPermission, path)
	}
	return nil, err
}

func isPermission(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

// ServerTransport implements ServerTransport for Unix sockets
type ServerTransport struct {
	SocketPath string
	conf       ServerTransportConfig
	listener   *net.UnixListener
	connCh     chan rpc.Connection
	closeCh    chan struct{}
	mu         sync.Mutex
	closed     bool
}

type ServerTransportConfig struct {
	SocketPath string // Path to the Unix socket file

	// RecoverStale deletes a stale socket node and retries once.
	RecoverStale bool

	Framer rpc.FramerConfig
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath: config.SocketPath,
		conf:       config,
		connCh:     make(chan rpc.Connection, 16),
		closeCh:    make(chan struct{}),
	}
}

// NewServerTransportFromListener wraps an already bound listener.
func NewServerTransportFromListener(l *net.UnixListener, framer rpc.FramerConfig) *ServerTransport {
	t := NewServerTransport(ServerTransportConfig{
		SocketPath: l.Addr().String(),
		Framer:     framer,
	})
	t.listener = l
	go t.acceptLoop()
	return t
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrConnectionClosed
	}
	if t.listener != nil {
		return nil
	}

	var l *net.UnixListener
	var err error
	if t.conf.RecoverStale {
		l, err = ListenWithRecovery(t.SocketPath)
	} else {
		l, err = Listen(t.SocketPath)
	}
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

func (t *ServerTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.closeCh:
				return
			default:
				continue
			}
		}

		select {
		case t.connCh <- rpc.NewStreamConnection(conn, t.conf.Framer):
		case <-t.closeCh:
			conn.Close()
			return
		}
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	select {
	case conn := <-t.connCh:
		return conn, nil
	case <-t.closeCh:
		return nil, rpc.ErrConnectionClosed
	}
}

// Close stops listening. The socket node is unlinked by the listener.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for Unix sockets
type ClientTransport struct {
	SocketPath string
	conf       ClientTransportConfig
}

type ClientTransportConfig struct {
	SocketPath string // Path to the Unix socket file
	Framer     rpc.FramerConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath: config.SocketPath,
		conf:       config,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	conn, err := Dial(ctx, t.SocketPath)
	if err != nil {
		return nil, err
	}
	return rpc.NewStreamConnection(conn, t.conf.Framer), nil
}
