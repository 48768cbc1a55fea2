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
	"github.com/gofiber/fiber/v2"

	"github.com/hootrhino/pyrowatch/internal/model"
)

func (s *Server) listDevices(c *fiber.Ctx) error {
	devices, err := s.store.ListDevices(c.Context(), c.QueryBool("enabled_only"))
	if err != nil {
		return err
	}
	return c.JSON(devices)
}

func (s *Server) getDevice(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := s.store.GetDevice(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) createDevice(c *fiber.Ctx) error {
	var d model.Device
	if err := c.BodyParser(&d); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	d.ID = 0
	if err := s.store.CreateDevice(c.Context(), &d); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (s *Server) updateDevice(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var d model.Device
	if err := c.BodyParser(&d); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	d.ID = id
	if err := s.store.UpdateDevice(c.Context(), &d); err != nil {
		return err
	}
	// Re-fetch so the response carries the stored created_at.
	stored, err := s.store.GetDevice(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(stored)
}

func (s *Server) deleteDevice(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDevice(c.Context(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) devicesWithReadings(c *fiber.Ctx) error {
	devices, err := s.store.DevicesWithLatest(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(devices)
}

func (s *Server) testConnection(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := s.params.TestConnection(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
