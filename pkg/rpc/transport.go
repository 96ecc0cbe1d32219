package rpc

import "context"

// Connection is an ordered, reliable, bidirectional message pipe. Each Send
// delivers exactly one body to the peer's Receive.
type Connection interface {
	// Send sends a message to the remote peer
	Send(data []byte) error

	// Receive blocks until a message is received from the remote peer.
	// It returns ErrConnectionClosed once the connection is closed.
	Receive() ([]byte, error)

	// Close closes the connection and releases its OS handles
	Close() error
}

// ServerTransport handles incoming connections for the server
type ServerTransport interface {
	// Listen starts listening for incoming connections. It is a no-op on a
	// transport that is already bound.
	Listen() error

	// Accept blocks until a new connection is available
	Accept() (Connection, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect(ctx context.Context) (Connection, error)
}
