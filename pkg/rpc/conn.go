package rpc

import (
	"errors"
	"io"
	"net"
	"sync"
)

// StreamConnection adapts a byte stream (unix socket, tcp, socketpair) to a
// Connection by running it through a Framer.
type StreamConnection struct {
	rwc    io.ReadWriteCloser
	framer *Framer

	wmu sync.Mutex

	rmu     sync.Mutex
	pending [][]byte

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewStreamConnection(rwc io.ReadWriteCloser, conf FramerConfig) *StreamConnection {
	return &StreamConnection{
		rwc:    rwc,
		framer: NewFramer(conf),
		closed: make(chan struct{}),
	}
}

func (c *StreamConnection) Send(data []byte) error {
	frame := c.framer.Encode(data)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}
	if _, err := c.rwc.Write(frame); err != nil {
		if c.isClosed() {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *StreamConnection) Receive() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) > 0 {
		return c.pop(), nil
	}

	chunk := getChunk()
	defer putChunk(chunk)

	for len(c.pending) == 0 {
		n, err := c.rwc.Read(*chunk)
		if n > 0 {
			bodies, ferr := c.framer.Push((*chunk)[:n])
			if ferr != nil {
				c.Close()
				return nil, ferr
			}
			c.pending = append(c.pending, bodies...)
		}
		if err != nil {
			if len(c.pending) > 0 {
				break
			}
			if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
	}
	return c.pop(), nil
}

func (c *StreamConnection) pop() []byte {
	body := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return body
}

func (c *StreamConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func (c *StreamConnection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
