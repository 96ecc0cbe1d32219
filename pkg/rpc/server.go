package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbirk/hyperipc/pkg/log"
)

type Server struct {
	conf      ServerConfig
	transport ServerTransport
	registry  *ChannelRegistry
	logger    log.Logger
	running   bool
	mu        *sync.Mutex

	sessions map[string]*ClientConnection
	conns    []*ClientConnection
	wg       sync.WaitGroup

	added   *Emitter[*ClientConnection]
	removed *Emitter[*ClientConnection]
}

type ServerConfig struct {
	Transport  ServerTransport
	ErrHandler func(error)
	Logger     log.Logger

	// ReconnectGrace is how long a session whose transport dropped is kept
	// for the client to resume it. Zero disables resumption.
	ReconnectGrace time.Duration

	// HandshakeTimeout bounds the wait for a new connection's hello.
	HandshakeTimeout time.Duration
}

// ClientConnection is one connected client as seen by the server. Its
// Channel calls channels the client registered.
type ClientConnection struct {
	ClientID  string
	SessionID string

	// announced is the client id from the hello, which may be empty
	announced string
	session   *Session
	protocol  *protocol
}

func (c *ClientConnection) Channel(name string) Channel {
	return c.protocol.Channel(name)
}

// Close ends the session. The client sees ErrConnectionClosed.
func (c *ClientConnection) Close() error {
	return c.protocol.Close()
}

// Done is closed once the connection is gone for good.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.protocol.Done()
}

func (c *ClientConnection) Err() error {
	return c.protocol.Err()
}

func NewServer(conf ServerConfig) *Server {
	logger := conf.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = DefaultHandshakeTimeout
	}

	return &Server{
		conf:      conf,
		transport: conf.Transport,
		registry:  NewChannelRegistry(),
		logger:    logger.With("component", "server"),
		mu:        &sync.Mutex{},
		sessions:  make(map[string]*ClientConnection),
		added:     NewEmitter[*ClientConnection](EmitterOptions{}),
		removed:   NewEmitter[*ClientConnection](EmitterOptions{}),
	}
}

// RegisterChannel makes ch callable by every client under name. A second
// registration under the same name replaces the first.
func (s *Server) RegisterChannel(name string, ch ServerChannel) {
	s.registry.Register(name, ch)
}

func (s *Server) UnregisterChannel(name string) {
	s.registry.Unregister(name)
}

func (s *Server) Middleware(m Middleware) {
	s.registry.Middleware(m)
}

// Group scopes middleware added inside fn to the channels registered
// inside fn.
func (s *Server) Group(fn func(*Server)) {
	s.registry.Group(func() {
		fn(s)
	})
}

func (s *Server) OnDidAddConnection() Event[*ClientConnection] {
	return s.added
}

func (s *Server) OnDidRemoveConnection() Event[*ClientConnection] {
	return s.removed
}

// Connections returns the live connections in the order they connected.
func (s *Server) Connections() []*ClientConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*ClientConnection, len(s.conns))
	copy(conns, s.conns)
	return conns
}

// Channel returns a channel whose calls go to the client the router
// picks.
func (s *Server) Channel(name string, router Router) Channel {
	return RouteChannel(s, name, router)
}

func (s *Server) handleError(err error) {
	if errors.Is(err, ErrConnectionClosed) {
		s.logger.Info("Client disconnected")
		return
	}
	s.logger.Error("Encountered error", "error", err)
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *Server) handleConnection(conn Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.HandshakeTimeout)
	bs, err := receiveContext(ctx, conn)
	cancel()
	if err != nil {
		s.logger.Warn("Handshake failed", "error", err)
		conn.Close()
		return
	}

	h, err := decodeHello(bs)
	if err != nil {
		s.handleError(fmt.Errorf("%w: %v", ErrProtocolFraming, err))
		conn.Close()
		return
	}

	if h.version != ProtocolVersion {
		s.logger.Warn("Rejecting client with unsupported protocol version", "version", h.version)
		_ = conn.Send(encodeReject(fmt.Sprintf("unsupported protocol version %d", h.version)))
		conn.Close()
		return
	}

	if h.resume {
		s.resumeSession(conn, h)
		return
	}

	grace := time.Duration(0)
	if h.reconnect {
		grace = s.conf.ReconnectGrace
	}

	id := uuid.NewString()
	clientID := h.clientID
	if clientID == "" {
		clientID = id
	}
	logger := s.logger.With("client", clientID, "session", id)

	session := newSession(id, clientID, grace, logger)
	if err := conn.Send(encodeWelcome(welcome{sessionID: id, reconnect: grace > 0})); err != nil {
		s.logger.Warn("Failed to send welcome", "error", err)
		conn.Close()
		session.fail(ErrConnectionClosed)
		return
	}
	if err := session.Attach(conn, 0); err != nil {
		return
	}

	cc := &ClientConnection{
		ClientID:  clientID,
		SessionID: id,
		announced: h.clientID,
		session:   session,
	}
	cc.protocol = newProtocol(protocolConfig{
		logger:     logger,
		registry:   s.registry,
		caller:     CallContext{ClientID: clientID, SessionID: id},
		errHandler: s.conf.ErrHandler,
	}, session)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		cc.Close()
		return
	}
	s.sessions[id] = cc
	s.conns = append(s.conns, cc)
	s.wg.Add(1)
	s.mu.Unlock()

	logger.Info("Client connected")
	s.added.Fire(cc)

	go func() {
		defer s.wg.Done()
		<-cc.protocol.Done()
		s.removeConnection(cc)
		logger.Info("Client connection removed", "error", cc.protocol.Err())
		s.removed.Fire(cc)
	}()
}

func (s *Server) resumeSession(conn Connection, h hello) {
	s.mu.Lock()
	cc, ok := s.sessions[h.sessionID]
	s.mu.Unlock()

	if !ok || cc.announced != h.clientID {
		s.logger.Info("Client tried to resume an unknown session", "session", h.sessionID)
		_ = conn.Send(encodeWelcome(welcome{sessionID: h.sessionID, resumed: false}))
		conn.Close()
		return
	}

	err := conn.Send(encodeWelcome(welcome{
		sessionID: h.sessionID,
		resumed:   true,
		reconnect: true,
		lastSeq:   cc.session.LastReceived(),
	}))
	if err != nil {
		conn.Close()
		return
	}
	if err := cc.session.Attach(conn, h.lastSeq); err != nil {
		s.logger.Info("Session ended before it could be resumed", "session", h.sessionID, "error", err)
		return
	}
	s.logger.Info("Client resumed session", "client", cc.ClientID, "session", h.sessionID)
}

func (s *Server) removeConnection(cc *ClientConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, cc.SessionID)
	for i, c := range s.conns {
		if c == cc {
			s.conns = append(s.conns[:i:i], s.conns[i+1:]...)
			break
		}
	}
}

// Listen binds the transport without accepting connections yet.
func (s *Server) Listen() error {
	return s.transport.Listen()
}

func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting server")

	err := s.transport.Listen()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()

		if !running {
			break
		}

		conn, err := s.transport.Accept()
		if err != nil {
			// the transport is closed during shutdown
			if errors.Is(err, ErrConnectionClosed) {
				break
			}
			s.handleError(err)
			continue
		}

		go s.handleConnection(conn)
	}

	return nil
}

// Shutdown stops accepting, closes every connection and waits for them to
// be removed or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	conns := make([]*ClientConnection, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	err := s.transport.Close()

	for _, cc := range conns {
		cc.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.added.Dispose(nil)
	s.removed.Dispose(nil)
	return err
}
