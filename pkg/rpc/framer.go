package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Frame layout:
//
//	[4 byte big-endian length][1 byte version][1 byte flags][body]
//
// The length covers version, flags and body.
const (
	FrameLengthSize = 4
	FrameHeaderSize = FrameLengthSize + 2

	flagCompressed = uint8(1 << 0)
)

type FramerConfig struct {
	// MaxFrameSize bounds the length field. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
	// CompressThreshold enables S2 compression of bodies at least this
	// large. Zero disables compression.
	CompressThreshold int
}

// Framer splits a byte stream into frames. Push buffers partial frames
// across calls; Encode is safe for concurrent use.
type Framer struct {
	maxFrameSize      int
	compressThreshold int
	buf               []byte
	err               error
}

func NewFramer(conf FramerConfig) *Framer {
	maxSize := conf.MaxFrameSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{
		maxFrameSize:      maxSize,
		compressThreshold: conf.CompressThreshold,
	}
}

func (f *Framer) Encode(body []byte) []byte {
	flags := uint8(0)
	if f.compressThreshold > 0 && len(body) >= f.compressThreshold {
		compressed := s2.Encode(nil, body)
		if len(compressed) < len(body) {
			body = compressed
			flags |= flagCompressed
		}
	}

	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(2+len(body)))
	frame[FrameLengthSize] = ProtocolVersion
	frame[FrameLengthSize+1] = flags
	copy(frame[FrameHeaderSize:], body)
	return frame
}

// Push feeds raw bytes and returns the bodies of every frame completed so
// far. After an error the framer is unusable.
func (f *Framer) Push(chunk []byte) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buf = append(f.buf, chunk...)

	var bodies [][]byte
	for len(f.buf) >= FrameLengthSize {
		n := int(binary.BigEndian.Uint32(f.buf))
		if n < 2 || n > f.maxFrameSize {
			return nil, f.fail(fmt.Errorf("%w: invalid frame length %d", ErrProtocolFraming, n))
		}
		if len(f.buf) < FrameLengthSize+n {
			break
		}
		frame := f.buf[FrameLengthSize : FrameLengthSize+n]
		body, err := f.decodeFrame(frame)
		if err != nil {
			return nil, f.fail(err)
		}
		bodies = append(bodies, body)
		f.buf = f.buf[FrameLengthSize+n:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return bodies, nil
}

// Buffered reports bytes held for an incomplete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) decodeFrame(frame []byte) ([]byte, error) {
	version := frame[0]
	flags := frame[1]
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProtocolFraming, version)
	}
	payload := frame[2:]
	if flags&flagCompressed != 0 {
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
		}
		if n > f.maxFrameSize {
			return nil, fmt.Errorf("%w: decompressed size %d exceeds limit", ErrProtocolFraming, n)
		}
		body, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
		}
		return body, nil
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	return body, nil
}

func (f *Framer) fail(err error) error {
	f.err = err
	f.buf = nil
	return err
}

// DecodeFrame decodes a packet that must hold exactly one frame. Used by
// message oriented transports.
func (f *Framer) DecodeFrame(packet []byte) ([]byte, error) {
	if len(packet) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: short frame of %d bytes", ErrProtocolFraming, len(packet))
	}
	n := int(binary.BigEndian.Uint32(packet))
	if n != len(packet)-FrameLengthSize || n > f.maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d does not match packet of %d bytes", ErrProtocolFraming, n, len(packet))
	}
	return f.decodeFrame(packet[FrameLengthSize:])
}
