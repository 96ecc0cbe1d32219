package rpc

import (
	"context"
	"fmt"

	"github.com/kbirk/hyperipc/pkg/serialize"
)

// Every Connection body is an envelope. Data envelopes carry protocol
// messages with session sequence numbers; the rest drive the handshake.
const (
	envelopeHello   = uint8(0x01)
	envelopeWelcome = uint8(0x02)
	envelopeData    = uint8(0x03)
	envelopeAck     = uint8(0x04)
	envelopeGoodbye = uint8(0x05)
	envelopeReject  = uint8(0x06)
)

type hello struct {
	version   uint8
	clientID  string
	sessionID string
	resume    bool
	reconnect bool
	lastSeq   uint64
}

type welcome struct {
	sessionID string
	resumed   bool
	reconnect bool
	lastSeq   uint64
}

func encodeHello(h hello) []byte {
	writer := serialize.NewFixedSizeWriter(
		serialize.ByteSizeUInt8(envelopeHello) +
			serialize.ByteSizeUInt8(h.version) +
			serialize.ByteSizeString(h.clientID) +
			serialize.ByteSizeString(h.sessionID) +
			serialize.ByteSizeBool(h.resume) +
			serialize.ByteSizeBool(h.reconnect) +
			serialize.ByteSizeUInt64(h.lastSeq))
	serialize.SerializeUInt8(writer, envelopeHello)
	serialize.SerializeUInt8(writer, h.version)
	serialize.SerializeString(writer, h.clientID)
	serialize.SerializeString(writer, h.sessionID)
	serialize.SerializeBool(writer, h.resume)
	serialize.SerializeBool(writer, h.reconnect)
	serialize.SerializeUInt64(writer, h.lastSeq)
	return writer.Bytes()
}

func decodeHello(bs []byte) (hello, error) {
	reader := serialize.NewReader(bs)
	var h hello
	var kind uint8
	if err := serialize.DeserializeUInt8(&kind, reader); err != nil {
		return h, err
	}
	if kind != envelopeHello {
		return h, fmt.Errorf("%w: expected hello, got envelope %d", ErrProtocolFraming, kind)
	}
	if err := serialize.DeserializeUInt8(&h.version, reader); err != nil {
		return h, err
	}
	if err := serialize.DeserializeString(&h.clientID, reader); err != nil {
		return h, err
	}
	if err := serialize.DeserializeString(&h.sessionID, reader); err != nil {
		return h, err
	}
	if err := serialize.DeserializeBool(&h.resume, reader); err != nil {
		return h, err
	}
	if err := serialize.DeserializeBool(&h.reconnect, reader); err != nil {
		return h, err
	}
	if err := serialize.DeserializeUInt64(&h.lastSeq, reader); err != nil {
		return h, err
	}
	return h, nil
}

func encodeWelcome(w welcome) []byte {
	writer := serialize.NewFixedSizeWriter(
		serialize.ByteSizeUInt8(envelopeWelcome) +
			serialize.ByteSizeString(w.sessionID) +
			serialize.ByteSizeBool(w.resumed) +
			serialize.ByteSizeBool(w.reconnect) +
			serialize.ByteSizeUInt64(w.lastSeq))
	serialize.SerializeUInt8(writer, envelopeWelcome)
	serialize.SerializeString(writer, w.sessionID)
	serialize.SerializeBool(writer, w.resumed)
	serialize.SerializeBool(writer, w.reconnect)
	serialize.SerializeUInt64(writer, w.lastSeq)
	return writer.Bytes()
}

func decodeWelcome(bs []byte) (welcome, error) {
	reader := serialize.NewReader(bs)
	var w welcome
	var kind uint8
	if err := serialize.DeserializeUInt8(&kind, reader); err != nil {
		return w, err
	}
	if kind == envelopeReject {
		var reason string
		_ = serialize.DeserializeString(&reason, reader)
		return w, fmt.Errorf("handshake rejected: %s", reason)
	}
	if kind != envelopeWelcome {
		return w, fmt.Errorf("%w: expected welcome, got envelope %d", ErrProtocolFraming, kind)
	}
	if err := serialize.DeserializeString(&w.sessionID, reader); err != nil {
		return w, err
	}
	if err := serialize.DeserializeBool(&w.resumed, reader); err != nil {
		return w, err
	}
	if err := serialize.DeserializeBool(&w.reconnect, reader); err != nil {
		return w, err
	}
	if err := serialize.DeserializeUInt64(&w.lastSeq, reader); err != nil {
		return w, err
	}
	return w, nil
}

func encodeReject(reason string) []byte {
	writer := serialize.NewFixedSizeWriter(serialize.ByteSizeUInt8(envelopeReject) + serialize.ByteSizeString(reason))
	serialize.SerializeUInt8(writer, envelopeReject)
	serialize.SerializeString(writer, reason)
	return writer.Bytes()
}

func encodeData(seq uint64, ack uint64, body []byte) []byte {
	writer := serialize.NewFixedSizeWriter(
		serialize.ByteSizeUInt8(envelopeData) +
			serialize.ByteSizeUInt64(seq) +
			serialize.ByteSizeUInt64(ack) +
			len(body))
	serialize.SerializeUInt8(writer, envelopeData)
	serialize.SerializeUInt64(writer, seq)
	serialize.SerializeUInt64(writer, ack)
	copy(writer.Next(len(body)), body)
	return writer.Bytes()
}

func encodeAck(ack uint64) []byte {
	writer := serialize.NewFixedSizeWriter(serialize.ByteSizeUInt8(envelopeAck) + serialize.ByteSizeUInt64(ack))
	serialize.SerializeUInt8(writer, envelopeAck)
	serialize.SerializeUInt64(writer, ack)
	return writer.Bytes()
}

func encodeGoodbye() []byte {
	return []byte{envelopeGoodbye}
}

// receiveContext waits for one body, closing conn if ctx ends first.
func receiveContext(ctx context.Context, conn Connection) ([]byte, error) {
	type result struct {
		bs  []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bs, err := conn.Receive()
		ch <- result{bs, err}
	}()
	select {
	case r := <-ch:
		return r.bs, r.err
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

func clientHandshake(ctx context.Context, conn Connection, h hello) (welcome, error) {
	if err := conn.Send(encodeHello(h)); err != nil {
		return welcome{}, err
	}
	bs, err := receiveContext(ctx, conn)
	if err != nil {
		return welcome{}, err
	}
	return decodeWelcome(bs)
}
