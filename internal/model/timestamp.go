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
	"time"
)

// Wire layouts for instants. Everything is UTC and rendered without a
// timezone suffix; clients must treat the values as UTC.
const (
	JSONLayout  = "2006-01-02T15:04:05.000000" // JSON bodies and stored text
	CSVLayout   = "2006-01-02 15:04:05"        // CSV export rows
	QueryLayout = "2006-01-02T15:04:05"        // start_date / end_date query params
)

// Timestamp is a UTC instant that marshals as YYYY-MM-DDTHH:MM:SS.ffffff.
type Timestamp struct {
	time.Time
}

// Now returns the current instant truncated to microseconds.
func Now() Timestamp {
	return At(time.Now())
}

// At wraps a time.Time as a Timestamp, normalising to UTC microseconds.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(JSONLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed.Time
	return nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(JSONLayout)
}

// CSV renders the instant in the export row format.
func (t Timestamp) CSV() string {
	return t.UTC().Format(CSVLayout)
}

// ParseTimestamp accepts the JSON layout as well as the shorter query layout.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range []string{JSONLayout, QueryLayout, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return At(parsed), nil
		}
	}
	return Timestamp{}, fmt.Errorf("model: unparseable timestamp %q", s)
}

// ParseQueryTime parses a start_date/end_date query parameter.
func ParseQueryTime(s string) (time.Time, error) {
	ts, err := ParseTimestamp(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time, nil
}
