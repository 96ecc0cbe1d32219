package rpc

import "time"

// ProtocolVersion is carried by every frame and by the session hello.
const ProtocolVersion = uint8(1)

const (
	KindRequest          = uint8(0x01)
	KindResponse         = uint8(0x02)
	KindEventSubscribe   = uint8(0x03)
	KindEventFire        = uint8(0x04)
	KindEventUnsubscribe = uint8(0x05)
	KindCancel           = uint8(0x06)
	KindEventEnd         = uint8(0x07)
)

const (
	ErrorResponse   = uint8(0x01)
	MessageResponse = uint8(0x02)
)

// optional trailer field tags
const (
	fieldEnd      = uint8(0x00)
	fieldMetadata = uint8(0x01)
)

const (
	DefaultMaxFrameSize     = 64 << 20
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectGrace   = 30 * time.Second
	DefaultMaxRetryInterval = 5 * time.Second
)
