package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// ServerTransport implements ServerTransport for TCP, optionally over TLS
type ServerTransport struct {
	conf     ServerTransportConfig
	listener net.Listener
	connCh   chan rpc.Connection
	closeCh  chan struct{}
	mu       sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Host    string
	Port    int  // 0 picks a free port, see Addr
	NoDelay bool // Disable Nagle's algorithm for better latency
	TLS     *TLSConfig
	Framer  rpc.FramerConfig
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		conf:    config,
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
	if t.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(t.conf.Host, strconv.Itoa(t.conf.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", rpc.ErrAddressInUse, addr)
		}
		return err
	}
	if t.conf.TLS != nil {
		tlsConfig, err := t.conf.TLS.serverConfig()
		if err != nil {
			l.Close()
			return err
		}
		l = tls.NewListener(l, tlsConfig)
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

// Addr returns the bound address, or nil before Listen.
func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
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

		// Set TCP_NODELAY option
		if err := setNoDelay(conn, t.conf.NoDelay); err != nil {
			conn.Close()
			continue
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

// ClientTransport implements ClientTransport for TCP, optionally over TLS
type ClientTransport struct {
	conf ClientTransportConfig
}

type ClientTransportConfig struct {
	Host    string
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
	TLS     *TLSConfig
	Framer  rpc.FramerConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		conf: config,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	addr := net.JoinHostPort(t.conf.Host, strconv.Itoa(t.conf.Port))

	var conn net.Conn
	var err error
	if t.conf.TLS != nil {
		tlsConfig, cerr := t.conf.TLS.clientConfig(t.conf.Host)
		if cerr != nil {
			return nil, cerr
		}
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, addr)
		}
		return nil, err
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.conf.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return rpc.NewStreamConnection(conn, t.conf.Framer), nil
}
