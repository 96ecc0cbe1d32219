package rpc

import (
	"fmt"

	"github.com/kbirk/hyperipc/pkg/serialize"
	"github.com/kbirk/hyperipc/pkg/value"
)

// Message is one protocol message. Every message ends with a trailer of
// optional tagged fields so that newer peers can add fields older peers
// skip.
type Message interface {
	MessageKind() uint8
	RequestID() uint64
	ByteSize() int
	Serialize(*serialize.FixedSizeWriter)
	Deserialize(*serialize.Reader) error
}

type Request struct {
	ID       uint64
	Channel  string
	Command  string
	Arg      value.Value
	Metadata map[string]string
}

type Response struct {
	ID     uint64
	Result value.Value
	Err    *RemoteError
}

type EventSubscribe struct {
	ID      uint64
	Channel string
	Event   string
	Arg     value.Value
}

type EventFire struct {
	ID      uint64
	Payload value.Value
}

type EventUnsubscribe struct {
	ID uint64
}

// EventEnd tells the subscriber the event stream finished on the server.
type EventEnd struct {
	ID  uint64
	Err *RemoteError
}

type Cancel struct {
	ID uint64
}

func (m *Request) MessageKind() uint8          { return KindRequest }
func (m *Response) MessageKind() uint8         { return KindResponse }
func (m *EventSubscribe) MessageKind() uint8   { return KindEventSubscribe }
func (m *EventFire) MessageKind() uint8        { return KindEventFire }
func (m *EventUnsubscribe) MessageKind() uint8 { return KindEventUnsubscribe }
func (m *EventEnd) MessageKind() uint8         { return KindEventEnd }
func (m *Cancel) MessageKind() uint8           { return KindCancel }

func (m *Request) RequestID() uint64          { return m.ID }
func (m *Response) RequestID() uint64         { return m.ID }
func (m *EventSubscribe) RequestID() uint64   { return m.ID }
func (m *EventFire) RequestID() uint64        { return m.ID }
func (m *EventUnsubscribe) RequestID() uint64 { return m.ID }
func (m *EventEnd) RequestID() uint64         { return m.ID }
func (m *Cancel) RequestID() uint64           { return m.ID }

func (m *Request) ByteSize() int {
	size := serialize.ByteSizeUInt64(m.ID) +
		serialize.ByteSizeString(m.Channel) +
		serialize.ByteSizeString(m.Command) +
		value.ByteSize(m.Arg)
	if len(m.Metadata) > 0 {
		size += byteSizeField(serialize.ByteSizeStringMap(m.Metadata))
	}
	return size + byteSizeTrailerEnd()
}

func (m *Request) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	serialize.SerializeString(writer, m.Channel)
	serialize.SerializeString(writer, m.Command)
	value.Serialize(writer, m.Arg)
	if len(m.Metadata) > 0 {
		serializeFieldHeader(writer, fieldMetadata, serialize.ByteSizeStringMap(m.Metadata))
		serialize.SerializeStringMap(writer, m.Metadata)
	}
	serializeTrailerEnd(writer)
}

func (m *Request) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&m.Channel, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&m.Command, reader); err != nil {
		return err
	}
	if err := value.Deserialize(&m.Arg, reader); err != nil {
		return err
	}
	return deserializeTrailer(reader, func(tag uint8, field *serialize.Reader) error {
		if tag == fieldMetadata {
			return serialize.DeserializeStringMap(&m.Metadata, field)
		}
		return nil
	})
}

func (m *Response) ByteSize() int {
	size := serialize.ByteSizeUInt64(m.ID) + serialize.ByteSizeUInt8(0)
	if m.Err != nil {
		size += byteSizeRemoteError(m.Err)
	} else {
		size += value.ByteSize(m.Result)
	}
	return size + byteSizeTrailerEnd()
}

func (m *Response) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	if m.Err != nil {
		serialize.SerializeUInt8(writer, ErrorResponse)
		serializeRemoteError(writer, m.Err)
	} else {
		serialize.SerializeUInt8(writer, MessageResponse)
		value.Serialize(writer, m.Result)
	}
	serializeTrailerEnd(writer)
}

func (m *Response) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	var responseType uint8
	if err := serialize.DeserializeUInt8(&responseType, reader); err != nil {
		return err
	}
	switch responseType {
	case MessageResponse:
		if err := value.Deserialize(&m.Result, reader); err != nil {
			return err
		}
	case ErrorResponse:
		m.Err = &RemoteError{}
		if err := deserializeRemoteError(m.Err, reader); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unexpected response type: %d", responseType)
	}
	return deserializeTrailer(reader, nil)
}

func (m *EventSubscribe) ByteSize() int {
	return serialize.ByteSizeUInt64(m.ID) +
		serialize.ByteSizeString(m.Channel) +
		serialize.ByteSizeString(m.Event) +
		value.ByteSize(m.Arg) +
		byteSizeTrailerEnd()
}

func (m *EventSubscribe) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	serialize.SerializeString(writer, m.Channel)
	serialize.SerializeString(writer, m.Event)
	value.Serialize(writer, m.Arg)
	serializeTrailerEnd(writer)
}

func (m *EventSubscribe) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&m.Channel, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&m.Event, reader); err != nil {
		return err
	}
	if err := value.Deserialize(&m.Arg, reader); err != nil {
		return err
	}
	return deserializeTrailer(reader, nil)
}

func (m *EventFire) ByteSize() int {
	return serialize.ByteSizeUInt64(m.ID) + value.ByteSize(m.Payload) + byteSizeTrailerEnd()
}

func (m *EventFire) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	value.Serialize(writer, m.Payload)
	serializeTrailerEnd(writer)
}

func (m *EventFire) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	if err := value.Deserialize(&m.Payload, reader); err != nil {
		return err
	}
	return deserializeTrailer(reader, nil)
}

func (m *EventEnd) ByteSize() int {
	size := serialize.ByteSizeUInt64(m.ID) + serialize.ByteSizeBool(false)
	if m.Err != nil {
		size += byteSizeRemoteError(m.Err)
	}
	return size + byteSizeTrailerEnd()
}

func (m *EventEnd) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	serialize.SerializeBool(writer, m.Err != nil)
	if m.Err != nil {
		serializeRemoteError(writer, m.Err)
	}
	serializeTrailerEnd(writer)
}

func (m *EventEnd) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	var hasErr bool
	if err := serialize.DeserializeBool(&hasErr, reader); err != nil {
		return err
	}
	if hasErr {
		m.Err = &RemoteError{}
		if err := deserializeRemoteError(m.Err, reader); err != nil {
			return err
		}
	}
	return deserializeTrailer(reader, nil)
}

func (m *EventUnsubscribe) ByteSize() int {
	return serialize.ByteSizeUInt64(m.ID) + byteSizeTrailerEnd()
}

func (m *EventUnsubscribe) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	serializeTrailerEnd(writer)
}

func (m *EventUnsubscribe) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	return deserializeTrailer(reader, nil)
}

func (m *Cancel) ByteSize() int {
	return serialize.ByteSizeUInt64(m.ID) + byteSizeTrailerEnd()
}

func (m *Cancel) Serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt64(writer, m.ID)
	serializeTrailerEnd(writer)
}

func (m *Cancel) Deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUInt64(&m.ID, reader); err != nil {
		return err
	}
	return deserializeTrailer(reader, nil)
}

// EncodeMessage writes the kind byte followed by the message fields.
func EncodeMessage(m Message) []byte {
	writer := serialize.NewFixedSizeWriter(serialize.ByteSizeUInt8(0) + m.ByteSize())
	serialize.SerializeUInt8(writer, m.MessageKind())
	m.Serialize(writer)
	return writer.Bytes()
}

func DecodeMessage(bs []byte) (Message, error) {
	reader := serialize.NewReader(bs)

	var kind uint8
	if err := serialize.DeserializeUInt8(&kind, reader); err != nil {
		return nil, err
	}

	var m Message
	switch kind {
	case KindRequest:
		m = &Request{}
	case KindResponse:
		m = &Response{}
	case KindEventSubscribe:
		m = &EventSubscribe{}
	case KindEventFire:
		m = &EventFire{}
	case KindEventUnsubscribe:
		m = &EventUnsubscribe{}
	case KindEventEnd:
		m = &EventEnd{}
	case KindCancel:
		m = &Cancel{}
	default:
		return nil, fmt.Errorf("unknown message kind: %d", kind)
	}

	if err := m.Deserialize(reader); err != nil {
		return nil, fmt.Errorf("malformed message of kind %d: %w", kind, err)
	}
	return m, nil
}

func byteSizeRemoteError(e *RemoteError) int {
	return serialize.ByteSizeString(e.Name) +
		serialize.ByteSizeString(e.Message) +
		serialize.ByteSizeString(e.Stack)
}

func serializeRemoteError(writer *serialize.FixedSizeWriter, e *RemoteError) {
	serialize.SerializeString(writer, e.Name)
	serialize.SerializeString(writer, e.Message)
	serialize.SerializeString(writer, e.Stack)
}

func deserializeRemoteError(e *RemoteError, reader *serialize.Reader) error {
	if err := serialize.DeserializeString(&e.Name, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&e.Message, reader); err != nil {
		return err
	}
	return serialize.DeserializeString(&e.Stack, reader)
}

func byteSizeField(n int) int {
	return serialize.ByteSizeUInt8(0) + serialize.ByteSizeUInt32(0) + n
}

func byteSizeTrailerEnd() int {
	return serialize.ByteSizeUInt8(fieldEnd)
}

func serializeFieldHeader(writer *serialize.FixedSizeWriter, tag uint8, n int) {
	serialize.SerializeUInt8(writer, tag)
	serialize.SerializeUInt32(writer, uint32(n))
}

func serializeTrailerEnd(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUInt8(writer, fieldEnd)
}

// deserializeTrailer walks the optional fields. A missing trailer is
// accepted, and fields the handler does not know are skipped.
func deserializeTrailer(reader *serialize.Reader, handle func(tag uint8, field *serialize.Reader) error) error {
	for reader.Remaining() > 0 {
		var tag uint8
		if err := serialize.DeserializeUInt8(&tag, reader); err != nil {
			return err
		}
		if tag == fieldEnd {
			return nil
		}
		var n uint32
		if err := serialize.DeserializeUInt32(&n, reader); err != nil {
			return err
		}
		bs, err := reader.Read(int(n))
		if err != nil {
			return err
		}
		if handle != nil {
			if err := handle(tag, serialize.NewReader(bs)); err != nil {
				return fmt.Errorf("field %d: %w", tag, err)
			}
		}
	}
	return nil
}
