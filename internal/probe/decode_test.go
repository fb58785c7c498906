package probe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Reading
	}{
		{"zero", []byte{0x00, 0x00}, Reading{Celsius: 0, Present: true}},
		{"one tenth", []byte{0x01, 0x00}, Reading{Celsius: 0.1, Present: true}},
		{"little endian", []byte{0xE8, 0x03}, Reading{Celsius: 100, Present: true}},
		{"largest real value", []byte{0xFE, 0xFF}, Reading{Celsius: 6553.4, Present: true}},
		{"absent", []byte{0xFF, 0xFF}, Reading{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.in)
			assert.Equal(t, tt.want.Present, got.Present)
			assert.InDelta(t, tt.want.Celsius, got.Celsius, 1e-9)
		})
	}
}

func TestDecodeAllValues(t *testing.T) {
	b := make([]byte, 2)
	for v := 0; v < absentRaw; v++ {
		binary.LittleEndian.PutUint16(b, uint16(v))
		got := Decode(b)
		if !got.Present || got.Celsius != float64(v)/10 {
			t.Fatalf("Decode(%#04x) = %+v, want %v", v, got, float64(v)/10)
		}
	}
}

func TestDecodeIsPure(t *testing.T) {
	b := []byte{0x2A, 0x01}
	first := Decode(b)
	second := Decode(b)

	assert.Equal(t, first, second)
	assert.Equal(t, []byte{0x2A, 0x01}, b)
}

func TestReadingValue(t *testing.T) {
	assert.Equal(t, 0.0, Reading{Celsius: 42, Present: false}.Value())
	assert.Equal(t, 21.5, Reading{Celsius: 21.5, Present: true}.Value())
}
