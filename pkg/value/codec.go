package value

import (
	"fmt"

	"github.com/kbirk/hyperipc/pkg/serialize"
)

// MaxDepth bounds list/map nesting accepted by Deserialize.
const MaxDepth = 64

func ByteSize(v Value) int {
	size := serialize.ByteSizeUInt8(uint8(v.kind))
	switch v.kind {
	case KindBool:
		size += serialize.ByteSizeBool(v.b)
	case KindInt:
		size += serialize.ByteSizeInt64(v.i)
	case KindFloat:
		size += serialize.ByteSizeFloat64(v.f)
	case KindString:
		size += serialize.ByteSizeString(v.s)
	case KindBytes:
		size += serialize.ByteSizeBytes(v.bs)
	case KindList:
		size += serialize.ByteSizeUInt32(uint32(len(v.list)))
		for _, item := range v.list {
			size += ByteSize(item)
		}
	case KindMap:
		size += serialize.ByteSizeUInt32(uint32(len(v.m)))
		for k, item := range v.m {
			size += serialize.ByteSizeString(k)
			size += ByteSize(item)
		}
	case KindURI:
		size += serialize.ByteSizeString(v.uri.Scheme)
		size += serialize.ByteSizeString(v.uri.Authority)
		size += serialize.ByteSizeString(v.uri.Path)
		size += serialize.ByteSizeString(v.uri.Query)
		size += serialize.ByteSizeString(v.uri.Fragment)
	}
	return size
}

func Serialize(writer *serialize.FixedSizeWriter, v Value) {
	serialize.SerializeUInt8(writer, uint8(v.kind))
	switch v.kind {
	case KindBool:
		serialize.SerializeBool(writer, v.b)
	case KindInt:
		serialize.SerializeInt64(writer, v.i)
	case KindFloat:
		serialize.SerializeFloat64(writer, v.f)
	case KindString:
		serialize.SerializeString(writer, v.s)
	case KindBytes:
		serialize.SerializeBytes(writer, v.bs)
	case KindList:
		serialize.SerializeUInt32(writer, uint32(len(v.list)))
		for _, item := range v.list {
			Serialize(writer, item)
		}
	case KindMap:
		serialize.SerializeUInt32(writer, uint32(len(v.m)))
		for _, k := range v.Keys() {
			serialize.SerializeString(writer, k)
			Serialize(writer, v.m[k])
		}
	case KindURI:
		serialize.SerializeString(writer, v.uri.Scheme)
		serialize.SerializeString(writer, v.uri.Authority)
		serialize.SerializeString(writer, v.uri.Path)
		serialize.SerializeString(writer, v.uri.Query)
		serialize.SerializeString(writer, v.uri.Fragment)
	}
}

func Deserialize(v *Value, reader *serialize.Reader) error {
	return deserialize(v, reader, 0)
}

func deserialize(v *Value, reader *serialize.Reader, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("value nesting exceeds %d levels", MaxDepth)
	}

	var tag uint8
	err := serialize.DeserializeUInt8(&tag, reader)
	if err != nil {
		return err
	}

	switch Kind(tag) {
	case KindNull:
		*v = Null()
	case KindBool:
		var b bool
		if err := serialize.DeserializeBool(&b, reader); err != nil {
			return err
		}
		*v = Bool(b)
	case KindInt:
		var i int64
		if err := serialize.DeserializeInt64(&i, reader); err != nil {
			return err
		}
		*v = Int(i)
	case KindFloat:
		var f float64
		if err := serialize.DeserializeFloat64(&f, reader); err != nil {
			return err
		}
		*v = Float(f)
	case KindString:
		var s string
		if err := serialize.DeserializeString(&s, reader); err != nil {
			return err
		}
		*v = String(s)
	case KindBytes:
		var bs []byte
		if err := serialize.DeserializeBytes(&bs, reader); err != nil {
			return err
		}
		*v = Bytes(bs)
	case KindList:
		var n uint32
		if err := serialize.DeserializeUInt32(&n, reader); err != nil {
			return err
		}
		// every element needs at least its tag byte
		if int(n) > reader.Remaining() {
			return fmt.Errorf("list length %d exceeds remaining %d bytes", n, reader.Remaining())
		}
		items := make([]Value, n)
		for i := range items {
			if err := deserialize(&items[i], reader, depth+1); err != nil {
				return err
			}
		}
		*v = List(items...)
	case KindMap:
		var n uint32
		if err := serialize.DeserializeUInt32(&n, reader); err != nil {
			return err
		}
		if int(n) > reader.Remaining() {
			return fmt.Errorf("map length %d exceeds remaining %d bytes", n, reader.Remaining())
		}
		m := make(map[string]Value, n)
		for i := 0; i < int(n); i++ {
			var k string
			if err := serialize.DeserializeString(&k, reader); err != nil {
				return err
			}
			var item Value
			if err := deserialize(&item, reader, depth+1); err != nil {
				return err
			}
			m[k] = item
		}
		*v = Map(m)
	case KindURI:
		var u URI
		for _, field := range []*string{&u.Scheme, &u.Authority, &u.Path, &u.Query, &u.Fragment} {
			if err := serialize.DeserializeString(field, reader); err != nil {
				return err
			}
		}
		*v = FromURI(u)
	default:
		return fmt.Errorf("unknown value tag: %d", tag)
	}
	return nil
}

// Marshal encodes v into a standalone byte slice.
func Marshal(v Value) []byte {
	writer := serialize.NewFixedSizeWriter(ByteSize(v))
	Serialize(writer, v)
	return writer.Bytes()
}

func Unmarshal(bs []byte) (Value, error) {
	var v Value
	reader := serialize.NewReader(bs)
	err := Deserialize(&v, reader)
	if err != nil {
		return Null(), err
	}
	if reader.Remaining() != 0 {
		return Null(), fmt.Errorf("%d trailing bytes after value", reader.Remaining())
	}
	return v, nil
}

