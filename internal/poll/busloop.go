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

package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/modbus"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
)

// deviceHealth feeds the Err-versus-Stale decision. Owned by the loop
// goroutine, no locking.
type deviceHealth struct {
	firstSeen time.Time
	lastOK    time.Time
}

// busLoop polls the devices of one COM port. Devices are visited in
// slave-id order; a cycle starts every PollInterval unless the previous
// one overran, in which case the next starts immediately.
type busLoop struct {
	s    *Scheduler
	port string
	baud int
	arb  *serialbus.Arbiter
	log  *zap.Logger

	devices []model.Device
	health  map[int64]*deviceHealth
	pending atomic.Pointer[[]model.Device]

	deviceCount atomic.Int32
	cycles      atomic.Uint64
	ok          atomic.Uint64
	errs        atomic.Uint64
	dropped     atomic.Uint64

	quit chan struct{}
	done chan struct{}
}

func newBusLoop(s *Scheduler, port string, baud int, arb *serialbus.Arbiter, devs []model.Device) *busLoop {
	l := &busLoop{
		s:       s,
		port:    port,
		baud:    baud,
		arb:     arb,
		log:     s.log.With(zap.String("port", port)),
		devices: devs,
		health:  make(map[int64]*deviceHealth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.deviceCount.Store(int32(len(devs)))
	return l
}

func (l *busLoop) run() {
	defer close(l.done)
	l.log.Info("bus loop started", zap.Int("devices", len(l.devices)))
	for {
		select {
		case <-l.quit:
			return
		default:
		}
		l.adoptPending()

		cycleStart := time.Now()
		for _, d := range l.devices {
			l.s.gate.enter()
			// The gate may have held us through a pause; recheck quit
			// before touching the bus.
			select {
			case <-l.quit:
				l.s.gate.exit()
				return
			default:
			}
			r := l.pollDevice(d, l.deadlineFor(cycleStart))
			l.s.gate.exit()
			l.record(r)
		}
		l.cycles.Add(1)
		l.s.totalCycles.Add(1)

		elapsed := time.Since(cycleStart)
		wait := l.s.cfg.PollInterval - elapsed
		if wait <= 0 {
			l.s.slowCycles.Add(1)
			l.log.Warn("cycle overran the poll interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", l.s.cfg.PollInterval))
			continue
		}
		select {
		case <-l.quit:
			return
		case <-time.After(wait):
		}
	}
}

// adoptPending installs a reloaded device list at the cycle boundary
// and drops health entries for devices that left the bus.
func (l *busLoop) adoptPending() {
	p := l.pending.Swap(nil)
	if p == nil {
		return
	}
	l.devices = *p
	l.deviceCount.Store(int32(len(l.devices)))
	keep := make(map[int64]bool, len(l.devices))
	for _, d := range l.devices {
		keep[d.ID] = true
	}
	for id := range l.health {
		if !keep[id] {
			delete(l.health, id)
		}
	}
	l.log.Info("device list refreshed", zap.Int("devices", len(l.devices)))
}

// deadlineFor budgets one device's transaction: never more than the
// configured Modbus timeout, never more than what is left of the cycle,
// but always at least minDeviceTimeout.
func (l *busLoop) deadlineFor(cycleStart time.Time) time.Time {
	budget := l.s.cfg.PollInterval - time.Since(cycleStart)
	if budget < minDeviceTimeout {
		budget = minDeviceTimeout
	}
	if budget > l.s.cfg.ModbusTimeout {
		budget = l.s.cfg.ModbusTimeout
	}
	return time.Now().Add(budget)
}

func (l *busLoop) pollDevice(d model.Device, deadline time.Time) model.Reading {
	r := model.Reading{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Status:     model.StatusErr,
	}
	req, err := modbus.BuildRequest(d.SlaveID, d.FunctionCode, d.StartRegister, d.RegisterCount)
	if err != nil {
		r.Timestamp = model.Now()
		r.ErrorMessage = err.Error()
		return r
	}
	reply, err := l.arb.Submit(context.Background(), serialbus.Transaction{
		Kind:     serialbus.TxnPoll,
		Request:  req,
		ReplyLen: modbus.ReadReplyLen(d.RegisterCount),
		Deadline: deadline,
	})
	r.Timestamp = model.Now()
	if err != nil {
		r.Status = l.classify(d.ID, err)
		r.ErrorMessage = err.Error()
		return r
	}
	r.RawHex = modbus.HexBytes(reply)
	payload, err := modbus.ParseReadResponse(reply, d.SlaveID, d.FunctionCode, d.RegisterCount)
	if err != nil {
		r.ErrorMessage = err.Error()
		return r
	}
	temp, err := modbus.DecodeTemperature(payload, modbus.LayoutForCount(d.RegisterCount))
	if err != nil {
		r.ErrorMessage = err.Error()
		return r
	}
	r.Status = model.StatusOK
	r.Temperature = model.Float64Ptr(temp.Value)
	r.AmbientTemp = temp.Ambient
	r.RawHex = modbus.HexRegisters(payload)
	l.healthFor(d.ID).lastOK = time.Now()
	return r
}

// classify separates a transient failure (Err) from a device gone
// silent (Stale). Only timeouts can be Stale, and only once the device
// has not answered for three straight intervals; a device that never
// answered counts from when the loop first saw it.
func (l *busLoop) classify(id int64, err error) model.Status {
	if !errors.Is(err, serialbus.ErrTimeout) {
		return model.StatusErr
	}
	h := l.healthFor(id)
	ref := h.lastOK
	if ref.IsZero() {
		ref = h.firstSeen
	}
	if time.Since(ref) > 3*l.s.cfg.PollInterval {
		return model.StatusStale
	}
	return model.StatusErr
}

func (l *busLoop) healthFor(id int64) *deviceHealth {
	h, ok := l.health[id]
	if !ok {
		h = &deviceHealth{firstSeen: time.Now()}
		l.health[id] = h
	}
	return h
}

// record pushes the reading to the buffer and then the broadcaster.
// Both see per-bus readings in the same order.
func (l *busLoop) record(r model.Reading) {
	if r.Status == model.StatusOK {
		l.ok.Add(1)
	} else {
		l.errs.Add(1)
	}
	if err := l.s.sink.Append(r); err != nil {
		l.dropped.Add(1)
		l.log.Warn("reading dropped", zap.Int64("device", r.DeviceID), zap.Error(err))
	}
	l.s.pub.Publish(r)
}
