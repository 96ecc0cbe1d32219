package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kbirk/hyperipc/pkg/rpc"
)

const defaultPath = "/ipc"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// Connection carries one frame per binary websocket message.
type Connection struct {
	conn   *websocket.Conn
	framer *rpc.Framer
	mu     *sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, conf rpc.FramerConfig) *Connection {
	maxSize := conf.MaxFrameSize
	if maxSize <= 0 {
		maxSize = rpc.DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxSize + rpc.FrameHeaderSize))
	return &Connection{
		conn:   conn,
		framer: rpc.NewFramer(conf),
		mu:     &sync.Mutex{},
		closed: make(chan struct{}),
	}
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return rpc.ErrConnectionClosed
	default:
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, c.framer.Encode(data))
}

func (c *Connection) Receive() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, rpc.ErrConnectionClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, rpc.ErrConnectionClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, rpc.ErrConnectionClosed
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		body, err := c.framer.DecodeFrame(data)
		if err != nil {
			c.Close()
			return nil, err
		}
		return body, nil
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		defer c.mu.Unlock()

		// Send a proper close frame before closing the connection
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		err = c.conn.Close()
	})
	return err
}

// ServerTransport implements ServerTransport for WebSocket
type ServerTransport struct {
	conf     ServerTransportConfig
	server   *http.Server
	listener net.Listener
	connCh   chan rpc.Connection
	closeCh  chan struct{}
	mu       *sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Host     string
	Port     int    // 0 picks a free port, see Addr
	Path     string // defaults to /ipc
	CertFile string // Optional: for TLS
	KeyFile  string // Optional: for TLS
	Framer   rpc.FramerConfig
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	if config.Path == "" {
		config.Path = defaultPath
	}
	return &ServerTransport{
		conf:    config,
		connCh:  make(chan rpc.Connection, 16),
		closeCh: make(chan struct{}),
		mu:      &sync.Mutex{},
	}
}

// Handler upgrades requests into connections for Accept. It can be mounted
// on an existing HTTP server instead of calling Listen.
func (t *ServerTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.conf.Path, t.handleWebSocket)
	return mux
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return rpc.ErrConnectionClosed
	}
	if t.server != nil {
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
	t.listener = l
	t.server = &http.Server{
		Handler: t.Handler(),
	}

	go func() {
		if t.conf.CertFile != "" && t.conf.KeyFile != "" {
			_ = t.server.ServeTLS(l, t.conf.CertFile, t.conf.KeyFile)
		} else {
			_ = t.server.Serve(l)
		}
	}()

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

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case t.connCh <- newConnection(conn, t.conf.Framer):
	case <-t.closeCh:
		conn.Close()
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

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for WebSocket
type ClientTransport struct {
	conf ClientTransportConfig
}

type ClientTransportConfig struct {
	// URL overrides Host, Port and Path, e.g. ws://127.0.0.1:8080/ipc
	URL       string
	Host      string
	Port      int
	Path      string
	TLSConfig *tls.Config
	Framer    rpc.FramerConfig
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	if config.Path == "" {
		config.Path = defaultPath
	}
	return &ClientTransport{
		conf: config,
	}
}

func (t *ClientTransport) url() string {
	if t.conf.URL != "" {
		return t.conf.URL
	}
	scheme := "ws"
	if t.conf.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(t.conf.Host, strconv.Itoa(t.conf.Port)),
		Path:   t.conf.Path,
	}
	return u.String()
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  t.conf.TLSConfig,
		HandshakeTimeout: rpc.DefaultHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.url(), nil)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", rpc.ErrConnectionRefused, t.url())
		}
		return nil, err
	}

	return newConnection(conn, t.conf.Framer), nil
}
