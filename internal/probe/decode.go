// Package probe decodes the thermometer's notification frames and hands the
// readings to a metrics sink.
package probe

import "encoding/binary"

// absentRaw is reported by the thermometer when no probe is plugged in.
const absentRaw = 0xFFFF

// Reading is one decoded probe temperature.
type Reading struct {
	Celsius float64
	Present bool
}

// Value returns the value exported as the temperature gauge. An absent probe
// reads as 0.
func (r Reading) Value() float64 {
	if !r.Present {
		return 0
	}
	return r.Celsius
}

// Decode converts a 2 byte little-endian frame window, in tenths of a degree,
// into a Reading. b must hold at least 2 bytes.
func Decode(b []byte) Reading {
	raw := binary.LittleEndian.Uint16(b)
	if raw == absentRaw {
		return Reading{}
	}
	return Reading{Celsius: float64(raw) / 10, Present: true}
}
