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

package model

import (
	"fmt"
	"strings"
)

// Device is one configured pyrometer on an RS-485 bus.
type Device struct {
	ID            int64     `json:"id"`             // Store-assigned identity
	Name          string    `json:"name"`           // Unique display name
	ComPort       string    `json:"com_port"`       // OS serial port name, upper-cased
	BaudRate      int       `json:"baud_rate"`      // One of AllowedBaudRates
	SlaveID       uint8     `json:"slave_id"`       // Modbus unit address 1..247
	StartRegister uint16    `json:"start_register"` // First register of the temperature window
	FunctionCode  uint8     `json:"function_code"`  // 3 (holding) or 4 (input)
	RegisterCount uint16    `json:"register_count"` // 1 (scaled int16) or 2 (big-endian float32)
	ShowInGraph   bool      `json:"show_in_graph"`
	GraphYMin     float64   `json:"graph_y_min"`
	GraphYMax     float64   `json:"graph_y_max"`
	Enabled       bool      `json:"enabled"` // Only enabled devices are polled
	CreatedAt     Timestamp `json:"created_at"`
	UpdatedAt     Timestamp `json:"updated_at"`
}

// AllowedBaudRates is the enumerated set a device may be configured with.
var AllowedBaudRates = map[int]bool{
	1200:   true,
	2400:   true,
	4800:   true,
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
}

const (
	MaxNameLength = 100
	MinSlaveID    = 1
	MaxSlaveID    = 247
)

// FieldError locates a single invalid input field.
type FieldError struct {
	Loc string `json:"loc"`
	Msg string `json:"msg"`
}

// ValidationError aggregates the field errors of one rejected payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Loc+": "+f.Msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(loc, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Loc: loc, Msg: fmt.Sprintf(format, args...)})
}

// NewValidationError builds a single-field validation error.
func NewValidationError(loc, format string, args ...any) *ValidationError {
	e := &ValidationError{}
	e.add(loc, format, args...)
	return e
}

// Validate normalises the device in place and reports every invalid field.
func (d *Device) Validate() error {
	e := &ValidationError{}

	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		e.add("name", "must not be empty")
	} else if len(d.Name) > MaxNameLength {
		e.add("name", "must be at most %d characters", MaxNameLength)
	}

	d.ComPort = strings.ToUpper(strings.TrimSpace(d.ComPort))
	if d.ComPort == "" {
		e.add("com_port", "must not be empty")
	}

	if !AllowedBaudRates[d.BaudRate] {
		e.add("baud_rate", "must be one of 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200")
	}
	if d.SlaveID < MinSlaveID || d.SlaveID > MaxSlaveID {
		e.add("slave_id", "must be between %d and %d", MinSlaveID, MaxSlaveID)
	}
	if d.FunctionCode != 3 && d.FunctionCode != 4 {
		e.add("function_code", "must be 3 (read holding) or 4 (read input)")
	}
	if d.RegisterCount != 1 && d.RegisterCount != 2 {
		e.add("register_count", "must be 1 or 2")
	}
	if d.GraphYMin >= d.GraphYMax {
		e.add("graph_y_min", "must be less than graph_y_max")
	}

	if len(e.Fields) > 0 {
		return e
	}
	return nil
}
