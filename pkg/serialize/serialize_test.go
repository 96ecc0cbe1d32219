package serialize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeString(t *testing.T) {

	input := "Hello, World! This is my test string 12312341234! \\@#$%@&^&%^\n newline \t _yay 世界"

	writer := NewFixedSizeWriter(ByteSizeString(input))
	SerializeString(writer, input)

	bs := writer.Bytes()
	reader := NewReader(bs)

	var output string
	err := DeserializeString(&output, reader)
	require.NoError(t, err)

	assert.Equal(t, input, output)
	assert.Equal(t, 0, reader.Remaining())
}

func TestSerializeBytes(t *testing.T) {

	input := []byte{0x00, 0x01, 0xfe, 0xff}

	writer := NewFixedSizeWriter(ByteSizeBytes(input))
	SerializeBytes(writer, input)

	bs := writer.Bytes()
	reader := NewReader(bs)

	var output []byte
	err := DeserializeBytes(&output, reader)
	require.NoError(t, err)

	assert.Equal(t, input, output)

	// output must not alias the frame buffer
	bs[4] = 0x42
	assert.Equal(t, byte(0x00), output[0])
}

func TestSerializeStringMap(t *testing.T) {

	input := map[string]string{
		"token":   "1234",
		"traceID": "abcd",
		"":        "empty-key",
	}

	writer := NewFixedSizeWriter(ByteSizeStringMap(input))
	SerializeStringMap(writer, input)

	bs := writer.Bytes()
	reader := NewReader(bs)

	var output map[string]string
	err := DeserializeStringMap(&output, reader)
	require.NoError(t, err)

	assert.Equal(t, input, output)
}

func TestSerializeStringMapDeterministic(t *testing.T) {

	input := map[string]string{"b": "2", "a": "1", "c": "3"}

	first := NewFixedSizeWriter(ByteSizeStringMap(input))
	SerializeStringMap(first, input)

	for i := 0; i < 10; i++ {
		w := NewFixedSizeWriter(ByteSizeStringMap(input))
		SerializeStringMap(w, input)
		assert.Equal(t, first.Bytes(), w.Bytes())
	}
}

func TestSerializeBool(t *testing.T) {

	for _, input := range []bool{true, false} {
		writer := NewFixedSizeWriter(ByteSizeBool(input))
		SerializeBool(writer, input)

		reader := NewReader(writer.Bytes())

		var output bool
		err := DeserializeBool(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}
}

func TestSerializeUInt8(t *testing.T) {

	numSteps := 256
	for i := 0; i < numSteps; i++ {
		input := uint8(i)

		writer := NewFixedSizeWriter(ByteSizeUInt8(input))
		SerializeUInt8(writer, input)

		reader := NewReader(writer.Bytes())

		var output uint8
		err := DeserializeUInt8(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}
}

func TestSerializeUInt32(t *testing.T) {

	inputs := []uint32{0, 1, 255, 256, 65535, 1 << 24, math.MaxUint32}
	for _, input := range inputs {
		writer := NewFixedSizeWriter(ByteSizeUInt32(input))
		SerializeUInt32(writer, input)

		reader := NewReader(writer.Bytes())

		var output uint32
		err := DeserializeUInt32(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}
}

func TestSerializeUInt32BigEndian(t *testing.T) {

	writer := NewFixedSizeWriter(4)
	SerializeUInt32(writer, 0x01020304)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, writer.Bytes())
}

func TestSerializeUInt64(t *testing.T) {

	inputs := []uint64{0, 1, math.MaxUint32, math.MaxUint32 + 1, math.MaxUint64}
	for _, input := range inputs {
		writer := NewFixedSizeWriter(ByteSizeUInt64(input))
		SerializeUInt64(writer, input)

		reader := NewReader(writer.Bytes())

		var output uint64
		err := DeserializeUInt64(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}
}

func TestSerializeInt64(t *testing.T) {

	inputs := []int64{0, -1, 1, math.MinInt64, math.MaxInt64, -4242}
	for _, input := range inputs {
		writer := NewFixedSizeWriter(ByteSizeInt64(input))
		SerializeInt64(writer, input)

		reader := NewReader(writer.Bytes())

		var output int64
		err := DeserializeInt64(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}
}

func TestSerializeFloat64(t *testing.T) {

	inputs := []float64{0, -0.5, 3.14159, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1)}
	for _, input := range inputs {
		writer := NewFixedSizeWriter(ByteSizeFloat64(input))
		SerializeFloat64(writer, input)

		reader := NewReader(writer.Bytes())

		var output float64
		err := DeserializeFloat64(&output, reader)
		require.NoError(t, err)

		assert.Equal(t, input, output)
	}

	writer := NewFixedSizeWriter(8)
	SerializeFloat64(writer, math.NaN())

	var output float64
	err := DeserializeFloat64(&output, NewReader(writer.Bytes()))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(output))
}

func TestDeserializeShortBuffer(t *testing.T) {

	var u32 uint32
	err := DeserializeUInt32(&u32, NewReader([]byte{0x00, 0x01}))
	assert.Error(t, err)

	var s string
	err = DeserializeString(&s, NewReader([]byte{0x00, 0x00, 0x00, 0x05, 'a'}))
	assert.Error(t, err)
}

func TestWriterPanicsOnOverflow(t *testing.T) {

	writer := NewFixedSizeWriter(2)
	assert.Panics(t, func() {
		SerializeUInt32(writer, 1)
	})
}

func TestWriterPanicsOnLeftover(t *testing.T) {

	writer := NewFixedSizeWriter(8)
	SerializeUInt32(writer, 1)
	assert.Panics(t, func() {
		writer.Bytes()
	})
}
