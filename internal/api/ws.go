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
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

// wsFrame is one live-stream message.
type wsFrame struct {
	Type string    `json:"type"`
	Data wsReading `json:"data"`
}

type wsReading struct {
	DeviceID     int64           `json:"device_id"`
	DeviceName   string          `json:"device_name"`
	Temperature  *float64        `json:"temperature"`
	AmbientTemp  *float64        `json:"ambient_temp"`
	Status       model.Status    `json:"status"`
	Timestamp    model.Timestamp `json:"timestamp"`
	RawHex       string          `json:"raw_hex"`
	ErrorMessage string          `json:"error_message"`
}

func readingFrame(r model.Reading) wsFrame {
	return wsFrame{
		Type: "reading_update",
		Data: wsReading{
			DeviceID:     r.DeviceID,
			DeviceName:   r.DeviceName,
			Temperature:  r.Temperature,
			AmbientTemp:  r.AmbientTemp,
			Status:       r.Status,
			Timestamp:    r.Timestamp,
			RawHex:       r.RawHex,
			ErrorMessage: r.ErrorMessage,
		},
	}
}

func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) wsBridge() fiber.Handler {
	return websocket.New(s.handleWS)
}

// handleWS bridges one subscription onto one client. The handler
// goroutine drains the event queue; a reader goroutine discards
// anything the client sends and signals teardown on close or error.
func (s *Server) handleWS(conn *websocket.Conn) {
	sub := s.hub.Subscribe()
	log := s.log.With(zap.String("subscription", sub.ID()))
	log.Debug("websocket client connected")
	defer func() {
		sub.Close()
		conn.Close()
		log.Debug("websocket client disconnected")
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(readingFrame(r)); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-gone:
			return
		}
	}
}
