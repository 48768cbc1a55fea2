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

package pyro

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/modbus"
	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/poll"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
)

// defaultBaud applies when the target (port, slave) pair matches no
// registered device.
const defaultBaud = 9600

// Pauser suspends and resumes the polling scheduler.
type Pauser interface {
	Pause() (string, error)
	Resume(lease string) error
}

// Registry resolves devices for baud lookup and connection tests.
type Registry interface {
	ListDevices(ctx context.Context, enabledOnly bool) ([]model.Device, error)
	GetDevice(ctx context.Context, id int64) (model.Device, error)
}

// BusProvider resolves COM ports to arbiters.
type BusProvider interface {
	Get(port string, baud int) (*serialbus.Arbiter, error)
	Has(port string) bool
	Release(port string)
}

// Value is one decoded parameter.
type Value struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Raw       uint16  `json:"raw"`
}

// Settings is the full parameter block of one pyrometer.
type Settings struct {
	Emissivity      float64 `json:"emissivity"`
	Slope           float64 `json:"slope"`
	MeasurementMode uint16  `json:"measurement_mode"`
	TimeInterval    uint16  `json:"time_interval"`
	TempLowerLimit  uint16  `json:"temp_lower_limit"`
	TempUpperLimit  uint16  `json:"temp_upper_limit"`
}

// TestResult reports a one-off connectivity check.
type TestResult struct {
	Success     bool     `json:"success"`
	Temperature *float64 `json:"temperature,omitempty"`
	AmbientTemp *float64 `json:"ambient_temp,omitempty"`
	RawHex      string   `json:"raw_hex,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Service runs parameter transactions against pyrometers.
type Service struct {
	pauser  Pauser
	reg     Registry
	buses   BusProvider
	timeout time.Duration
	log     *zap.Logger
}

func NewService(pauser Pauser, reg Registry, buses BusProvider, timeout time.Duration, log *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pauser:  pauser,
		reg:     reg,
		buses:   buses,
		timeout: timeout,
		log:     log.Named("pyro"),
	}
}

// Read fetches one parameter from the device at (comPort, slaveID).
func (s *Service) Read(ctx context.Context, comPort string, slaveID uint8, name string) (Value, error) {
	p, err := resolveParam(name)
	if err != nil {
		return Value{}, err
	}
	if err := validateTarget(comPort, slaveID); err != nil {
		return Value{}, err
	}
	var out Value
	err = s.withBus(ctx, comPort, slaveID, func(arb *serialbus.Arbiter, lease string) error {
		raw, err := s.readWord(ctx, arb, lease, slaveID, p.Register)
		if err != nil {
			return err
		}
		out = Value{Parameter: p.Name, Value: p.decode(raw), Raw: raw}
		return nil
	})
	return out, err
}

// Write sets one parameter. The device's echo is the confirmation; no
// read-back follows.
func (s *Service) Write(ctx context.Context, comPort string, slaveID uint8, name string, value float64) (Value, error) {
	p, err := resolveParam(name)
	if err != nil {
		return Value{}, err
	}
	if err := validateTarget(comPort, slaveID); err != nil {
		return Value{}, err
	}
	raw, err := p.encode(value)
	if err != nil {
		return Value{}, err
	}
	err = s.withBus(ctx, comPort, slaveID, func(arb *serialbus.Arbiter, lease string) error {
		if err := s.checkLimitOrder(ctx, arb, lease, slaveID, p.Register, raw); err != nil {
			return err
		}
		return s.writeWord(ctx, arb, lease, slaveID, p.Register, raw)
	})
	if err != nil {
		return Value{}, err
	}
	s.log.Info("parameter written",
		zap.String("port", normalizePort(comPort)), zap.Uint8("slave", slaveID),
		zap.String("parameter", p.Name), zap.Float64("value", value))
	return Value{Parameter: p.Name, Value: p.decode(raw), Raw: raw}, nil
}

// ReadAll fetches the whole parameter block in five transactions under
// one pause bracket: emissivity, slope, mode, interval, then both limit
// registers as a single two-register read.
func (s *Service) ReadAll(ctx context.Context, comPort string, slaveID uint8) (Settings, error) {
	if err := validateTarget(comPort, slaveID); err != nil {
		return Settings{}, err
	}
	var out Settings
	err := s.withBus(ctx, comPort, slaveID, func(arb *serialbus.Arbiter, lease string) error {
		em, err := s.readWord(ctx, arb, lease, slaveID, regEmissivity)
		if err != nil {
			return fmt.Errorf("emissivity: %w", err)
		}
		sl, err := s.readWord(ctx, arb, lease, slaveID, regSlope)
		if err != nil {
			return fmt.Errorf("slope: %w", err)
		}
		mode, err := s.readWord(ctx, arb, lease, slaveID, regMode)
		if err != nil {
			return fmt.Errorf("measurement_mode: %w", err)
		}
		interval, err := s.readWord(ctx, arb, lease, slaveID, regInterval)
		if err != nil {
			return fmt.Errorf("time_interval: %w", err)
		}
		limits, err := s.readWords(ctx, arb, lease, slaveID, regLowerLimit, 2)
		if err != nil {
			return fmt.Errorf("temp limits: %w", err)
		}
		out = Settings{
			Emissivity:      params["emissivity"].decode(em),
			Slope:           params["slope"].decode(sl),
			MeasurementMode: mode,
			TimeInterval:    interval,
			TempLowerLimit:  limits[0],
			TempUpperLimit:  limits[1],
		}
		return nil
	})
	return out, err
}

// TestConnection runs one control read of the device's configured
// register window. Bus-level failures land in the result, not the
// error; the error is for unknown devices and pause refusals.
func (s *Service) TestConnection(ctx context.Context, deviceID int64) (TestResult, error) {
	d, err := s.reg.GetDevice(ctx, deviceID)
	if err != nil {
		return TestResult{}, err
	}
	var out TestResult
	err = s.withBus(ctx, d.ComPort, d.SlaveID, func(arb *serialbus.Arbiter, lease string) error {
		req, err := modbus.BuildRequest(d.SlaveID, d.FunctionCode, d.StartRegister, d.RegisterCount)
		if err != nil {
			return err
		}
		reply, err := arb.Submit(ctx, serialbus.Transaction{
			Kind:     serialbus.TxnControl,
			Request:  req,
			ReplyLen: modbus.ReadReplyLen(d.RegisterCount),
			Deadline: time.Now().Add(s.timeout),
			Lease:    lease,
		})
		if err != nil {
			out = TestResult{Success: false, Error: err.Error()}
			return nil
		}
		out.RawHex = modbus.HexBytes(reply)
		payload, err := modbus.ParseReadResponse(reply, d.SlaveID, d.FunctionCode, d.RegisterCount)
		if err != nil {
			out.Error = err.Error()
			return nil
		}
		temp, err := modbus.DecodeTemperature(payload, modbus.LayoutForCount(d.RegisterCount))
		if err != nil {
			out.Error = err.Error()
			return nil
		}
		out.Success = true
		out.Temperature = model.Float64Ptr(temp.Value)
		out.AmbientTemp = temp.Ambient
		out.RawHex = modbus.HexRegisters(payload)
		return nil
	})
	if err != nil {
		return TestResult{}, err
	}
	return out, nil
}

// withBus pauses polling, resolves the arbiter and runs fn. A stopped
// scheduler needs no pause; any other pause failure aborts before any
// bus traffic. A port first registered here over which no exchange ever
// completed is released again, so a mistyped com_port does not hold a
// dead handle until shutdown.
func (s *Service) withBus(ctx context.Context, comPort string, slaveID uint8, fn func(arb *serialbus.Arbiter, lease string) error) (err error) {
	port := normalizePort(comPort)
	fresh := !s.buses.Has(port)
	arb, err := s.buses.Get(port, s.baudFor(ctx, port, slaveID))
	if err != nil {
		return err
	}
	if fresh {
		defer func() {
			if err == nil {
				return
			}
			// An exception reply still counts as a working bus; only a
			// port that never carried a reply is forgotten.
			if st := arb.Stats(); st.Executed <= st.Timeouts+st.Faults {
				s.buses.Release(port)
			}
		}()
	}
	lease, err := s.pauser.Pause()
	switch {
	case err == nil:
		defer func() {
			if rerr := s.pauser.Resume(lease); rerr != nil {
				s.log.Warn("resume after parameter access failed", zap.Error(rerr))
			}
		}()
	case errors.Is(err, poll.ErrNotRunning):
		lease = ""
	default:
		return err
	}
	return fn(arb, lease)
}

// baudFor picks the baud rate for a target: its registered device, any
// sibling on the same port, or the default.
func (s *Service) baudFor(ctx context.Context, port string, slaveID uint8) int {
	devices, err := s.reg.ListDevices(ctx, false)
	if err != nil {
		s.log.Warn("baud lookup failed, using default", zap.Error(err))
		return defaultBaud
	}
	portBaud := 0
	for _, d := range devices {
		if d.ComPort != port {
			continue
		}
		if d.SlaveID == slaveID {
			return d.BaudRate
		}
		if portBaud == 0 {
			portBaud = d.BaudRate
		}
	}
	if portBaud != 0 {
		return portBaud
	}
	return defaultBaud
}

// checkLimitOrder keeps the two temperature limits ordered: writing one
// first reads the other under the same pause bracket and rejects a value
// that would leave lower >= upper. A sibling the device cannot report,
// or an upper limit still at its unset zero, skips the check.
func (s *Service) checkLimitOrder(ctx context.Context, arb *serialbus.Arbiter, lease string, slaveID uint8, register uint16, raw uint16) error {
	var sibling uint16
	switch register {
	case regLowerLimit:
		sibling = regUpperLimit
	case regUpperLimit:
		sibling = regLowerLimit
	default:
		return nil
	}
	cur, err := s.readWord(ctx, arb, lease, slaveID, sibling)
	if err != nil {
		s.log.Debug("limit cross-check skipped, sibling unreadable",
			zap.Uint8("slave", slaveID), zap.Uint16("register", sibling), zap.Error(err))
		return nil
	}
	if register == regLowerLimit && cur > 0 && raw >= cur {
		return model.NewValidationError("value",
			"temp_lower_limit %d must be less than temp_upper_limit %d", raw, cur)
	}
	if register == regUpperLimit && raw <= cur {
		return model.NewValidationError("value",
			"temp_upper_limit %d must be greater than temp_lower_limit %d", raw, cur)
	}
	return nil
}

func (s *Service) readWord(ctx context.Context, arb *serialbus.Arbiter, lease string, slaveID uint8, register uint16) (uint16, error) {
	words, err := s.readWords(ctx, arb, lease, slaveID, register, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

func (s *Service) readWords(ctx context.Context, arb *serialbus.Arbiter, lease string, slaveID uint8, register uint16, count uint16) ([]uint16, error) {
	req, err := modbus.BuildRequest(slaveID, modbus.FuncReadHolding, register, count)
	if err != nil {
		return nil, err
	}
	reply, err := arb.Submit(ctx, serialbus.Transaction{
		Kind:     serialbus.TxnControl,
		Request:  req,
		ReplyLen: modbus.ReadReplyLen(count),
		Deadline: time.Now().Add(s.timeout),
		Lease:    lease,
	})
	if err != nil {
		return nil, err
	}
	payload, err := modbus.ParseReadResponse(reply, slaveID, modbus.FuncReadHolding, count)
	if err != nil {
		return nil, err
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return words, nil
}

func (s *Service) writeWord(ctx context.Context, arb *serialbus.Arbiter, lease string, slaveID uint8, register uint16, value uint16) error {
	req, err := modbus.BuildWriteSingle(slaveID, register, value)
	if err != nil {
		return err
	}
	reply, err := arb.Submit(ctx, serialbus.Transaction{
		Kind:     serialbus.TxnControl,
		Request:  req,
		ReplyLen: modbus.WriteReplyLen,
		Deadline: time.Now().Add(s.timeout),
		Lease:    lease,
	})
	if err != nil {
		return err
	}
	return modbus.ParseWriteResponse(reply, slaveID, register, value)
}

func resolveParam(name string) (Param, error) {
	p, ok := Lookup(name)
	if !ok {
		return Param{}, model.NewValidationError("parameter",
			"unknown parameter %q, expected one of %s",
			name, strings.Join(Names(), ", "))
	}
	return p, nil
}

func validateTarget(comPort string, slaveID uint8) error {
	if strings.TrimSpace(comPort) == "" {
		return model.NewValidationError("com_port", "com_port must not be empty")
	}
	if slaveID < modbus.MinSlaveID || slaveID > modbus.MaxSlaveID {
		return model.NewValidationError("slave_id",
			"slave_id must be between %d and %d", modbus.MinSlaveID, modbus.MaxSlaveID)
	}
	return nil
}

func normalizePort(port string) string {
	return strings.ToUpper(strings.TrimSpace(port))
}
