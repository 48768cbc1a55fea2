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
)

func (s *Server) pollingStats(c *fiber.Ctx) error {
	return c.JSON(s.poller.Stats())
}

func (s *Server) restartPolling(c *fiber.Ctx) error {
	if err := s.poller.Restart(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) pausePolling(c *fiber.Ctx) error {
	lease, err := s.poller.Pause()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.opLease = lease
	s.mu.Unlock()
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) resumePolling(c *fiber.Ctx) error {
	s.mu.Lock()
	lease := s.opLease
	s.opLease = ""
	s.mu.Unlock()
	if err := s.poller.Resume(lease); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}
