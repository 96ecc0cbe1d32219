package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kbirk/hyperipc/pkg/log"
	"github.com/kbirk/hyperipc/pkg/serialize"
)

// acknowledge after this many data envelopes without outgoing traffic
const ackEvery = 16

type sessionState int

const (
	sessionConnected sessionState = iota
	sessionDetached
	sessionClosed
)

type outFrame struct {
	seq  uint64
	body []byte
}

// Session is one logical connection that can outlive its transport. While
// detached it queues outgoing messages; when a new transport is attached
// the peer's unacknowledged messages are replayed. With a zero grace period
// losing the transport closes the session.
type Session struct {
	id       string
	clientID string
	grace    time.Duration
	logger   log.Logger

	// wmu orders writes on the transport; mu guards the state below
	wmu sync.Mutex

	mu         sync.Mutex
	conn       Connection
	gen        uint64
	state      sessionState
	sendSeq    uint64
	recvSeq    uint64
	unacked    []outFrame
	sinceAck   int
	closeErr   error
	graceTimer *time.Timer

	inbox  chan []byte
	ackCh  chan struct{}
	closed chan struct{}

	onDetach func(*Session)
}

func newSession(id string, clientID string, grace time.Duration, logger log.Logger) *Session {
	s := &Session{
		id:       id,
		clientID: clientID,
		grace:    grace,
		logger:   logger,
		state:    sessionDetached,
		inbox:    make(chan []byte, 64),
		ackCh:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if grace > 0 {
		go s.ackLoop()
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) LastReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvSeq
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionConnected
}

// Send queues body for delivery. While detached the body is held for
// replay and Send succeeds.
func (s *Session) Send(body []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.state == sessionClosed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.sendSeq++
	seq := s.sendSeq
	if s.grace > 0 {
		s.unacked = append(s.unacked, outFrame{seq: seq, body: body})
	}
	conn := s.conn
	gen := s.gen
	ack := s.recvSeq
	s.sinceAck = 0
	connected := s.state == sessionConnected
	s.mu.Unlock()

	if !connected {
		if s.grace > 0 {
			return nil
		}
		return ErrConnectionClosed
	}

	if err := conn.Send(encodeData(seq, ack, body)); err != nil {
		s.transportLost(gen, err)
		if s.grace > 0 {
			return nil
		}
		return err
	}
	return nil
}

// Receive returns the next message body in order.
func (s *Session) Receive() ([]byte, error) {
	select {
	case bs := <-s.inbox:
		return bs, nil
	case <-s.closed:
		return nil, s.Err()
	}
}

// Attach binds a transport and replays everything the peer has not
// acknowledged. peerLastSeq is the last sequence number the peer received.
func (s *Session) Attach(conn Connection, peerLastSeq uint64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.state == sessionClosed {
		err := s.closeErr
		s.mu.Unlock()
		conn.Close()
		return err
	}
	old := s.conn
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = sessionConnected
	s.trimLocked(peerLastSeq)
	replay := make([]outFrame, len(s.unacked))
	copy(replay, s.unacked)
	ack := s.recvSeq
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go s.readLoop(conn, gen)

	if len(replay) > 0 {
		s.logger.Debug("Replaying unacknowledged messages", "session", s.id, "count", len(replay))
	}
	for _, f := range replay {
		if err := conn.Send(encodeData(f.seq, ack, f.body)); err != nil {
			s.transportLost(gen, err)
			return nil
		}
	}
	return nil
}

func (s *Session) trimLocked(ack uint64) {
	i := 0
	for i < len(s.unacked) && s.unacked[i].seq <= ack {
		i++
	}
	if i > 0 {
		s.unacked = append(s.unacked[:0:0], s.unacked[i:]...)
	}
}

func (s *Session) readLoop(conn Connection, gen uint64) {
	for {
		bs, err := conn.Receive()
		if err != nil {
			if isFramingError(err) {
				s.fail(err)
				return
			}
			s.transportLost(gen, err)
			return
		}

		reader := serialize.NewReader(bs)
		var kind uint8
		if err := serialize.DeserializeUInt8(&kind, reader); err != nil {
			s.fail(fmt.Errorf("%w: empty envelope", ErrProtocolFraming))
			return
		}

		switch kind {
		case envelopeData:
			var seq, ack uint64
			if err := serialize.DeserializeUInt64(&seq, reader); err != nil {
				s.fail(fmt.Errorf("%w: %v", ErrProtocolFraming, err))
				return
			}
			if err := serialize.DeserializeUInt64(&ack, reader); err != nil {
				s.fail(fmt.Errorf("%w: %v", ErrProtocolFraming, err))
				return
			}
			body, _ := reader.Read(reader.Remaining())

			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.trimLocked(ack)
			if seq <= s.recvSeq {
				// duplicate from a replay
				s.mu.Unlock()
				continue
			}
			if seq != s.recvSeq+1 {
				s.mu.Unlock()
				s.fail(fmt.Errorf("%w: sequence gap, expected %d got %d", ErrProtocolFraming, s.recvSeq+1, seq))
				return
			}
			s.recvSeq = seq
			s.sinceAck++
			needAck := s.grace > 0 && s.sinceAck >= ackEvery
			s.mu.Unlock()

			if needAck {
				select {
				case s.ackCh <- struct{}{}:
				default:
				}
			}

			select {
			case s.inbox <- body:
			case <-s.closed:
				return
			}

		case envelopeAck:
			var ack uint64
			if err := serialize.DeserializeUInt64(&ack, reader); err != nil {
				s.fail(fmt.Errorf("%w: %v", ErrProtocolFraming, err))
				return
			}
			s.mu.Lock()
			if gen == s.gen {
				s.trimLocked(ack)
			}
			s.mu.Unlock()

		case envelopeGoodbye:
			s.fail(ErrConnectionClosed)
			return

		default:
			s.fail(fmt.Errorf("%w: unexpected envelope %d", ErrProtocolFraming, kind))
			return
		}
	}
}

func (s *Session) ackLoop() {
	for {
		select {
		case <-s.ackCh:
		case <-s.closed:
			return
		}

		s.wmu.Lock()
		s.mu.Lock()
		conn := s.conn
		gen := s.gen
		ack := s.recvSeq
		connected := s.state == sessionConnected
		s.sinceAck = 0
		s.mu.Unlock()
		if connected {
			if err := conn.Send(encodeAck(ack)); err != nil {
				s.wmu.Unlock()
				s.transportLost(gen, err)
				continue
			}
		}
		s.wmu.Unlock()
	}
}

func (s *Session) transportLost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != sessionConnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	if s.grace <= 0 {
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug("Transport closed", "session", s.id, "error", err)
		s.fail(ErrConnectionClosed)
		return
	}
	s.state = sessionDetached
	s.graceTimer = time.AfterFunc(s.grace, func() {
		s.expire(gen)
	})
	onDetach := s.onDetach
	s.mu.Unlock()

	conn.Close()
	s.logger.Info("Transport lost, waiting for reconnection", "session", s.id, "grace", s.grace, "error", err)
	if onDetach != nil {
		go onDetach(s)
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	expired := s.state == sessionDetached && s.gen == gen
	s.mu.Unlock()
	if expired {
		s.logger.Warn("Reconnection grace period expired", "session", s.id)
		s.fail(ErrConnectionLost)
	}
}

// Close says goodbye to the peer and closes the session.
func (s *Session) Close() error {
	s.wmu.Lock()
	s.mu.Lock()
	conn := s.conn
	connected := s.state == sessionConnected
	s.mu.Unlock()
	if connected {
		_ = conn.Send(encodeGoodbye())
	}
	s.wmu.Unlock()

	s.fail(ErrConnectionClosed)
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	s.closeErr = err
	conn := s.conn
	s.conn = nil
	s.unacked = nil
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	close(s.closed)
	if conn != nil {
		conn.Close()
	}
}

func isFramingError(err error) bool {
	return err != nil && errors.Is(err, ErrProtocolFraming)
}
