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

// Status classifies the outcome of one acquisition attempt.
type Status string

const (
	StatusOK    Status = "OK"    // decoded and within physical range
	StatusStale Status = "Stale" // soft failure with no recent success
	StatusErr   Status = "Err"   // the attempt failed at some layer
)

// Reading is one append-only acquisition record. Once persisted it is
// immutable. Temperature is absent on failed attempts.
type Reading struct {
	ID           int64     `json:"id,omitempty"`
	DeviceID     int64     `json:"device_id"`
	DeviceName   string    `json:"device_name,omitempty"` // denormalised for export
	Timestamp    Timestamp `json:"timestamp"`
	Temperature  *float64  `json:"value"`
	AmbientTemp  *float64  `json:"ambient_temp,omitempty"`
	Status       Status    `json:"status"`
	RawHex       string    `json:"raw_hex,omitempty"` // verbatim response bytes
	ErrorMessage string    `json:"error_message,omitempty"`
}

// DeviceWithReading is a device joined with its most recent reading, if any.
type DeviceWithReading struct {
	Device
	LatestReading *Reading `json:"latest_reading"`
}

// ReadingStats summarises the reading store.
type ReadingStats struct {
	TotalReadings    int64            `json:"total_readings"`
	ReadingsByStatus map[string]int64 `json:"readings_by_status"`
	Earliest         *Timestamp       `json:"earliest"`
	Latest           *Timestamp       `json:"latest"`
}

// Float64Ptr is a convenience for optional numeric fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
