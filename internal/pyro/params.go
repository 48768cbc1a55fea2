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

// Package pyro exposes the pyrometer's runtime parameters over the
// polling bus. Every operation pauses the scheduler, runs its control
// transactions and resumes, so parameter traffic never interleaves
// with temperature polls.
package pyro

import (
	"math"
	"sort"

	"github.com/hootrhino/pyrowatch/internal/model"
)

// Parameter registers of the pyrometer's holding-register map.
const (
	regSlope      uint16 = 3
	regEmissivity uint16 = 4
	regMode       uint16 = 6
	regInterval   uint16 = 7
	regLowerLimit uint16 = 8
	regUpperLimit uint16 = 9
)

// Param describes one writable device parameter.
type Param struct {
	Name     string
	Register uint16

	scale    float64 // raw = round(value * scale)
	min, max float64
	integer  bool
}

var params = map[string]Param{
	"emissivity": {
		Name: "emissivity", Register: regEmissivity,
		scale: 100, min: 0.20, max: 1.00,
	},
	"slope": {
		Name: "slope", Register: regSlope,
		scale: 100, min: 0.20, max: 1.00,
	},
	"measurement_mode": {
		Name: "measurement_mode", Register: regMode,
		scale: 1, min: 0, max: 1, integer: true,
	},
	"time_interval": {
		Name: "time_interval", Register: regInterval,
		scale: 1, min: 1, max: 3600, integer: true,
	},
	"temp_lower_limit": {
		Name: "temp_lower_limit", Register: regLowerLimit,
		scale: 1, min: 0, max: 3000, integer: true,
	},
	"temp_upper_limit": {
		Name: "temp_upper_limit", Register: regUpperLimit,
		scale: 1, min: 0, max: 3000, integer: true,
	},
}

// Lookup resolves a parameter by its canonical name.
func Lookup(name string) (Param, bool) {
	p, ok := params[name]
	return p, ok
}

// Names lists the known parameters, sorted.
func Names() []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// encode validates v against the parameter's range and converts it to
// the register representation.
func (p Param) encode(v float64) (uint16, error) {
	if v < p.min || v > p.max {
		return 0, model.NewValidationError("value",
			"%s must be between %g and %g", p.Name, p.min, p.max)
	}
	if p.integer && v != math.Trunc(v) {
		return 0, model.NewValidationError("value",
			"%s must be a whole number", p.Name)
	}
	return uint16(math.Round(v * p.scale)), nil
}

// decode converts a register word back into the parameter's unit.
func (p Param) decode(raw uint16) float64 {
	return float64(raw) / p.scale
}
