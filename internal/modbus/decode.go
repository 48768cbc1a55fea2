// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RegisterLayout selects how a register payload maps to temperatures.
type RegisterLayout int

const (
	// LayoutScaledInt16: one register, signed, tenths of a degree.
	LayoutScaledInt16 RegisterLayout = iota
	// LayoutFloat32: two registers, big-endian IEEE-754 across both.
	LayoutFloat32
	// LayoutScaledPair: two registers, each signed tenths; the second
	// carries the ambient temperature.
	LayoutScaledPair
)

func (l RegisterLayout) String() string {
	switch l {
	case LayoutScaledInt16:
		return "scaled-int16"
	case LayoutFloat32:
		return "float32"
	case LayoutScaledPair:
		return "scaled-pair"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// LayoutForCount derives the default layout from a device's register count.
func LayoutForCount(count uint16) RegisterLayout {
	if count >= 2 {
		return LayoutFloat32
	}
	return LayoutScaledInt16
}

// Physical sanity bounds in °C. Pyrometers in this class read between
// ambient and furnace temperatures; anything outside is a decode fault,
// not a measurement.
const (
	SanityMin = -50.0
	SanityMax = 1500.0
)

// ErrDecodeRange marks a structurally valid payload whose value is
// physically impossible.
var ErrDecodeRange = errors.New("modbus: value out of physical range")

// Temperature is a decoded measurement. Ambient is present only for
// layouts that carry it.
type Temperature struct {
	Value   float64
	Ambient *float64
}

// DecodeTemperature interprets a register payload under the given layout.
func DecodeTemperature(raw []byte, layout RegisterLayout) (Temperature, error) {
	switch layout {
	case LayoutScaledInt16:
		if len(raw) < 2 {
			return Temperature{}, fmt.Errorf("%w: need 2 bytes, have %d", ErrFrameShort, len(raw))
		}
		value := float64(int16(binary.BigEndian.Uint16(raw[:2]))) / 10.0
		return checkRange(Temperature{Value: value})

	case LayoutFloat32:
		if len(raw) < 4 {
			return Temperature{}, fmt.Errorf("%w: need 4 bytes, have %d", ErrFrameShort, len(raw))
		}
		bits := binary.BigEndian.Uint32(raw[:4])
		value := float64(math.Float32frombits(bits))
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Temperature{}, fmt.Errorf("%w: non-finite float %08X", ErrDecodeRange, bits)
		}
		return checkRange(Temperature{Value: value})

	case LayoutScaledPair:
		if len(raw) < 4 {
			return Temperature{}, fmt.Errorf("%w: need 4 bytes, have %d", ErrFrameShort, len(raw))
		}
		value := float64(int16(binary.BigEndian.Uint16(raw[:2]))) / 10.0
		ambient := float64(int16(binary.BigEndian.Uint16(raw[2:4]))) / 10.0
		return checkRange(Temperature{Value: value, Ambient: &ambient})

	default:
		return Temperature{}, fmt.Errorf("modbus: unknown register layout %d", int(layout))
	}
}

// EncodeTemperature is the inverse of DecodeTemperature, used by the
// loopback tests and device simulators.
func EncodeTemperature(t Temperature, layout RegisterLayout) ([]byte, error) {
	switch layout {
	case LayoutScaledInt16:
		raw := make([]byte, 2)
		binary.BigEndian.PutUint16(raw, uint16(int16(math.Round(t.Value*10))))
		return raw, nil

	case LayoutFloat32:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, math.Float32bits(float32(t.Value)))
		return raw, nil

	case LayoutScaledPair:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint16(raw[:2], uint16(int16(math.Round(t.Value*10))))
		ambient := 0.0
		if t.Ambient != nil {
			ambient = *t.Ambient
		}
		binary.BigEndian.PutUint16(raw[2:4], uint16(int16(math.Round(ambient*10))))
		return raw, nil

	default:
		return nil, fmt.Errorf("modbus: unknown register layout %d", int(layout))
	}
}

func checkRange(t Temperature) (Temperature, error) {
	if t.Value < SanityMin || t.Value > SanityMax {
		return Temperature{}, fmt.Errorf("%w: %.1f°C outside [%.0f, %.0f]", ErrDecodeRange, t.Value, SanityMin, SanityMax)
	}
	if t.Ambient != nil && (*t.Ambient < SanityMin || *t.Ambient > SanityMax) {
		return Temperature{}, fmt.Errorf("%w: ambient %.1f°C outside [%.0f, %.0f]", ErrDecodeRange, *t.Ambient, SanityMin, SanityMax)
	}
	return t, nil
}
