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
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/serialbus"
)

func (s *Server) listComPorts(c *fiber.Ctx) error {
	ports, err := serialbus.ListAvailablePorts()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ports": ports})
}

func (s *Server) verifyPIN(c *fiber.Ctx) error {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	valid := subtle.ConstantTimeCompare([]byte(body.PIN), []byte(s.pin)) == 1
	return c.JSON(fiber.Map{"valid": valid})
}

func (s *Server) clearSettings(c *fiber.Ctx) error {
	n, err := s.store.DeleteAllDevices(c.Context())
	if err != nil {
		return err
	}
	s.log.Warn("device registry cleared", zap.Int64("devices", n))
	return c.JSON(fiber.Map{"ok": true})
}
