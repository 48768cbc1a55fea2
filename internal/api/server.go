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

// Package api is the HTTP surface of the service: a fiber app serving
// the JSON routes under /api plus the websocket live stream. Handlers
// validate inputs, call the services and format results; they never
// touch the serial bus directly.
package api

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/buffer"
	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/modbus"
	"github.com/hootrhino/pyrowatch/internal/poll"
	"github.com/hootrhino/pyrowatch/internal/pyro"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
	"github.com/hootrhino/pyrowatch/internal/store"
	"github.com/hootrhino/pyrowatch/internal/stream"
)

// Version is reported by the service banner.
const Version = "1.0.0"

// Poller is the polling control surface behind /api/polling.
type Poller interface {
	Pause() (string, error)
	Resume(lease string) error
	Restart(ctx context.Context) error
	Stats() poll.Stats
}

// Params runs parameter transactions behind the polling pause.
type Params interface {
	Read(ctx context.Context, comPort string, slaveID uint8, name string) (pyro.Value, error)
	Write(ctx context.Context, comPort string, slaveID uint8, name string, value float64) (pyro.Value, error)
	ReadAll(ctx context.Context, comPort string, slaveID uint8) (pyro.Settings, error)
	TestConnection(ctx context.Context, deviceID int64) (pyro.TestResult, error)
}

// Server owns the fiber app and its route handlers.
type Server struct {
	app    *fiber.App
	log    *zap.Logger
	store  *store.Store
	poller Poller
	params Params
	hub    *stream.Broadcaster
	pin    string

	// The pause lease of the most recent /polling/pause, spent by the
	// matching /polling/resume.
	mu      sync.Mutex
	opLease string
}

func NewServer(st *store.Store, poller Poller, params Params, hub *stream.Broadcaster, pin string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:    log.Named("api"),
		store:  st,
		poller: poller,
		params: params,
		hub:    hub,
		pin:    pin,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "pyrowatch",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)
	s.routes()
	return s
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	api := s.app.Group("/api")
	api.Get("/", s.banner)
	api.Get("/health", s.health)

	api.Get("/devices", s.listDevices)
	api.Post("/devices", s.createDevice)
	api.Get("/devices/with-readings", s.devicesWithReadings)
	api.Get("/devices/:id", s.getDevice)
	api.Put("/devices/:id", s.updateDevice)
	api.Delete("/devices/:id", s.deleteDevice)
	api.Post("/devices/:id/test-connection", s.testConnection)

	api.Get("/reading/latest", s.latestReadings)
	api.Get("/reading/device/:id", s.recentReadings)
	api.Get("/reading/filter", s.filterReadings)
	api.Get("/reading/export/csv", s.exportCSV)
	api.Get("/reading/stats", s.readingStats)

	api.Get("/polling/stats", s.pollingStats)
	api.Post("/polling/restart", s.restartPolling)
	api.Post("/polling/pause", s.pausePolling)
	api.Post("/polling/resume", s.resumePolling)

	api.Get("/config/com-ports", s.listComPorts)
	api.Post("/config/verify-pin", s.verifyPIN)
	api.Post("/config/clear-settings", s.clearSettings)

	meter := api.Group("/pyrometer")
	for _, r := range paramRoutes {
		meter.Get("/"+r.path, s.readParam(r.name))
		meter.Post("/"+r.path, s.writeParam(r.name))
	}
	meter.Get("/all-parameters", s.allParameters)

	api.Get("/ws", s.wsUpgrade, s.wsBridge())
}

func (s *Server) banner(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "pyrowatch",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// errorHandler maps service errors onto the wire contract. Every body
// is {detail: ...}; validation failures carry the field list.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var verr *model.ValidationError
	var exc *modbus.ExceptionError
	var ferr *fiber.Error
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"detail": verr.Fields})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": err.Error()})
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, poll.ErrRunning),
		errors.Is(err, poll.ErrNotRunning),
		errors.Is(err, poll.ErrLease),
		errors.Is(err, serialbus.ErrBaudConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"detail": err.Error()})
	case errors.Is(err, poll.ErrBusy),
		errors.Is(err, buffer.ErrBufferFull),
		errors.Is(err, serialbus.ErrTimeout),
		errors.Is(err, serialbus.ErrIO),
		errors.Is(err, serialbus.ErrOpen),
		errors.As(err, &exc):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"detail": err.Error()})
	case errors.As(err, &ferr):
		return c.Status(ferr.Code).JSON(fiber.Map{"detail": ferr.Message})
	default:
		s.log.Error("unhandled request error",
			zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "internal server error"})
	}
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		s.log.Debug("request failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("request", append(fields, zap.Int("status", c.Response().StatusCode()))...)
	}
	return err
}

// pathID parses the :id segment.
func pathID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid device id")
	}
	return id, nil
}
