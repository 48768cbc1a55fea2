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

package api

import (
	"fmt"
	"math"

	"github.com/gofiber/fiber/v2"
)

// paramRoutes maps the dashed route segments onto parameter names.
var paramRoutes = []struct {
	path string
	name string
}{
	{"emissivity", "emissivity"},
	{"slope", "slope"},
	{"measurement-mode", "measurement_mode"},
	{"time-interval", "time_interval"},
	{"temp-lower-limit", "temp_lower_limit"},
	{"temp-upper-limit", "temp_upper_limit"},
}

// readParam serves GET /pyrometer/<param>?slave_id&com_port, answering
// {<param>: value}.
func (s *Server) readParam(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		v, err := s.params.Read(c.Context(),
			c.Query("com_port"), asSlaveID(c.QueryInt("slave_id", 1)), name)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{name: v.Value})
	}
}

// writeParam serves POST /pyrometer/<param> with body
// {<param>: value, slave_id, com_port}, echoing {<param>: value}.
func (s *Server) writeParam(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body map[string]any
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		value, ok := body[name].(float64)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest,
				fmt.Sprintf("missing numeric %q field", name))
		}
		slaveID := 1
		if raw, ok := body["slave_id"].(float64); ok {
			slaveID = int(raw)
		}
		comPort, _ := body["com_port"].(string)
		v, err := s.params.Write(c.Context(), comPort, asSlaveID(slaveID), name, value)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{name: v.Value})
	}
}

func (s *Server) allParameters(c *fiber.Ctx) error {
	settings, err := s.params.ReadAll(c.Context(),
		c.Query("com_port"), asSlaveID(c.QueryInt("slave_id", 1)))
	if err != nil {
		return err
	}
	return c.JSON(settings)
}

// asSlaveID narrows an int without wrapping; out-of-range inputs map to
// 0, which the parameter service rejects as an invalid slave id.
func asSlaveID(v int) uint8 {
	if v < 0 || v > math.MaxUint8 {
		return 0
	}
	return uint8(v)
}
