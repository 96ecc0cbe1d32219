package value

import (
	"testing"
)

func benchValue() Value {
	return Map(map[string]Value{
		"id":      String("b3c1a8f2-8d5e-4a55-9d0e-6a1f2e3d4c5b"),
		"count":   Int(42),
		"ratio":   Float(0.75),
		"enabled": Bool(true),
		"tags":    Strings("alpha", "beta", "gamma"),
		"payload": Bytes(make([]byte, 256)),
		"nested": Map(map[string]Value{
			"list": List(Int(1), Int(2), Int(3), Null()),
		}),
	})
}

func BenchmarkMarshal(b *testing.B) {
	v := benchValue()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Marshal(v)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	bs := Marshal(benchValue())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Unmarshal(bs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkByteSize(b *testing.B) {
	v := benchValue()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = ByteSize(v)
	}
}
