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
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

const exportTimeout = 2 * time.Minute

func (s *Server) latestReadings(c *fiber.Ctx) error {
	readings, err := s.store.Latest(c.Context())
	if err != nil {
		return err
	}
	type entry struct {
		DeviceID      int64         `json:"device_id"`
		DeviceName    string        `json:"device_name"`
		LatestReading model.Reading `json:"latest_reading"`
	}
	out := make([]entry, 0, len(readings))
	for _, r := range readings {
		out = append(out, entry{DeviceID: r.DeviceID, DeviceName: r.DeviceName, LatestReading: r})
	}
	return c.JSON(out)
}

func (s *Server) recentReadings(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetDevice(c.Context(), id); err != nil {
		return err
	}
	readings, err := s.store.Recent(c.Context(), id, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(readings)
}

func (s *Server) filterReadings(c *fiber.Ctx) error {
	deviceID, start, end, err := queryWindow(c)
	if err != nil {
		return err
	}
	readings, err := s.store.History(c.Context(), deviceID, start, end, 0)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"readings": readings})
}

func (s *Server) exportCSV(c *fiber.Ctx) error {
	deviceID, start, end, err := queryWindow(c)
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("readings_%s.csv", time.Now().UTC().Format("20060102_150405"))
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	// The stream writer runs after this handler returns, outside the
	// request context.
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		n, err := s.store.ExportCSV(ctx, w, deviceID, start, end)
		if err != nil {
			s.log.Warn("csv export aborted", zap.Int("rows", n), zap.Error(err))
			return
		}
		s.log.Info("csv export served", zap.Int("rows", n))
	})
	return nil
}

func (s *Server) readingStats(c *fiber.Ctx) error {
	stats, err := s.store.ReadingStats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// queryWindow parses the device_id/start_date/end_date filter triple
// shared by /reading/filter and /reading/export/csv.
func queryWindow(c *fiber.Ctx) (*int64, *model.Timestamp, *model.Timestamp, error) {
	var deviceID *int64
	if raw := c.Query("device_id"); raw != "" {
		id := int64(c.QueryInt("device_id"))
		if id < 1 {
			return nil, nil, nil, fiber.NewError(fiber.StatusBadRequest, "invalid device_id")
		}
		deviceID = &id
	}
	start, err := queryTime(c, "start_date")
	if err != nil {
		return nil, nil, nil, err
	}
	end, err := queryTime(c, "end_date")
	if err != nil {
		return nil, nil, nil, err
	}
	return deviceID, start, end, nil
}

func queryTime(c *fiber.Ctx, key string) (*model.Timestamp, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := model.ParseQueryTime(raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("invalid %s, expected YYYY-MM-DDTHH:MM:SS", key))
	}
	ts := model.At(t)
	return &ts, nil
}
