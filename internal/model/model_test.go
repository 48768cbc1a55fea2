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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDevice() Device {
	return Device{
		Name:          "Furnace 1",
		ComPort:       "COM3",
		BaudRate:      9600,
		SlaveID:       1,
		StartRegister: 0,
		FunctionCode:  3,
		RegisterCount: 2,
		GraphYMin:     0,
		GraphYMax:     1200,
		Enabled:       true,
	}
}

func TestDeviceValidateNormalises(t *testing.T) {
	d := validDevice()
	d.Name = "  Furnace 1  "
	d.ComPort = " com3 "

	require.NoError(t, d.Validate())
	assert.Equal(t, "Furnace 1", d.Name)
	assert.Equal(t, "COM3", d.ComPort)
}

func TestDeviceValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Device)
		loc    string
	}{
		{"empty name", func(d *Device) { d.Name = "   " }, "name"},
		{"long name", func(d *Device) { d.Name = strings.Repeat("x", MaxNameLength+1) }, "name"},
		{"empty port", func(d *Device) { d.ComPort = "" }, "com_port"},
		{"odd baud", func(d *Device) { d.BaudRate = 14400 }, "baud_rate"},
		{"zero baud", func(d *Device) { d.BaudRate = 0 }, "baud_rate"},
		{"slave zero", func(d *Device) { d.SlaveID = 0 }, "slave_id"},
		{"slave high", func(d *Device) { d.SlaveID = 248 }, "slave_id"},
		{"bad function", func(d *Device) { d.FunctionCode = 6 }, "function_code"},
		{"bad count", func(d *Device) { d.RegisterCount = 3 }, "register_count"},
		{"inverted graph range", func(d *Device) { d.GraphYMin, d.GraphYMax = 500, 100 }, "graph_y_min"},
		{"equal graph bounds", func(d *Device) { d.GraphYMin, d.GraphYMax = 100, 100 }, "graph_y_min"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDevice()
			tc.mutate(&d)

			err := d.Validate()
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			locs := make([]string, 0, len(vErr.Fields))
			for _, f := range vErr.Fields {
				locs = append(locs, f.Loc)
			}
			assert.Contains(t, locs, tc.loc)
		})
	}
}

func TestDeviceValidateAggregatesFields(t *testing.T) {
	d := Device{} // everything wrong at once
	err := d.Validate()
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.GreaterOrEqual(t, len(vErr.Fields), 5)
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "baud_rate")
}

func TestTimestampJSONRoundTrip(t *testing.T) {
	ts := At(time.Date(2024, 6, 1, 12, 30, 45, 123456789, time.UTC))

	raw, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2024-06-01T12:30:45.123456"`, string(raw))

	var back Timestamp
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Equal(ts.Time), "microsecond truncation must survive the round trip")
}

func TestTimestampFormats(t *testing.T) {
	ts := At(time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC))
	assert.Equal(t, "2024-06-01T12:30:45.000000", ts.String())
	assert.Equal(t, "2024-06-01 12:30:45", ts.CSV())
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, s := range []string{
		"2024-06-01T12:30:45.123456",
		"2024-06-01T12:30:45",
		"2024-06-01T12:30:45Z",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2024, ts.Year())
	}

	_, err := ParseTimestamp("01/06/2024")
	assert.Error(t, err)

	_, err = ParseQueryTime("not-a-date")
	assert.Error(t, err)
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("slave_id", "must be between %d and %d", 1, 247)
	assert.Equal(t, "validation failed: slave_id: must be between 1 and 247", err.Error())
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
}
