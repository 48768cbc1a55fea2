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

// Package poll drives the acquisition cycle: one loop per COM port
// walks its devices in a fixed order every interval, classifies each
// outcome and hands the reading to the buffer and the broadcaster.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
)

var (
	ErrRunning    = errors.New("poll: already running")
	ErrNotRunning = errors.New("poll: not running")
	ErrBusy       = errors.New("poll: bus busy")
	ErrLease      = errors.New("poll: unknown pause lease")
)

const (
	// maxPauseWait bounds how long a control caller may wait for the
	// bus loops to drain before getting ErrBusy.
	maxPauseWait = 2 * time.Second
	// minDeviceTimeout keeps late-cycle devices from being starved to
	// sub-reply deadlines.
	minDeviceTimeout = 200 * time.Millisecond
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DeviceSource yields the devices to poll.
type DeviceSource interface {
	ListDevices(ctx context.Context, enabledOnly bool) ([]model.Device, error)
}

// ReadingSink accepts readings for persistence.
type ReadingSink interface {
	Append(model.Reading) error
	Stats() map[string]any
}

// Publisher pushes readings to live subscribers.
type Publisher interface {
	Publish(model.Reading)
}

// BusProvider resolves COM ports to arbiters.
type BusProvider interface {
	Get(port string, baud int) (*serialbus.Arbiter, error)
	Release(port string)
}

// Config carries the two acquisition knobs.
type Config struct {
	PollInterval  time.Duration
	ModbusTimeout time.Duration
}

// Scheduler owns the bus loops. All methods are safe for concurrent use.
type Scheduler struct {
	cfg   Config
	src   DeviceSource
	sink  ReadingSink
	pub   Publisher
	buses BusProvider
	log   *zap.Logger

	state atomic.Int32
	gate  pauseGate

	mu        sync.Mutex
	loops     map[string]*busLoop
	lease     string
	startedAt time.Time

	totalCycles atomic.Uint64
	slowCycles  atomic.Uint64
}

func NewScheduler(cfg Config, src DeviceSource, sink ReadingSink, pub Publisher, buses BusProvider, log *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ModbusTimeout <= 0 {
		cfg.ModbusTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:   cfg,
		src:   src,
		sink:  sink,
		pub:   pub,
		buses: buses,
		log:   log.Named("poll"),
		loops: make(map[string]*busLoop),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start snapshots the registry and spawns one loop per COM port.
// Starting a running scheduler is ErrRunning.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrRunning
	}
	devices, err := s.src.ListDevices(ctx, true)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("poll: start: %w", err)
	}
	groups := groupByPort(devices)
	s.mu.Lock()
	s.startedAt = time.Now()
	for port, devs := range groups {
		s.spawnLocked(port, devs)
	}
	n := len(s.loops)
	s.mu.Unlock()
	s.log.Info("polling started",
		zap.Int("buses", n), zap.Int("devices", len(devices)),
		zap.Duration("interval", s.cfg.PollInterval))
	return nil
}

// Stop tears every loop down and waits for them. Safe while paused: the
// gate reopens first so blocked loops can observe quit.
func (s *Scheduler) Stop() {
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return
	}
	s.mu.Lock()
	if s.lease != "" {
		s.lease = ""
		s.gate.resume()
	}
	loops := make([]*busLoop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.loops = make(map[string]*busLoop)
	s.mu.Unlock()

	for _, l := range loops {
		close(l.quit)
	}
	for _, l := range loops {
		<-l.done
	}
	s.log.Info("polling stopped")
}

// Pause drains in-flight transactions and closes the gate, returning a
// lease the caller must hand back to Resume. A second pause before the
// first resume, or a gate that will not drain within maxPauseWait, is
// ErrBusy.
func (s *Scheduler) Pause() (string, error) {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		if s.State() == StatePaused {
			return "", fmt.Errorf("%w: already paused", ErrBusy)
		}
		return "", ErrNotRunning
	}
	if err := s.gate.pause(maxPauseWait); err != nil {
		// CAS, not Store: a concurrent Stop must stay stopped.
		s.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
		return "", err
	}
	// The lease must be visible before the stopped-state recheck: a
	// concurrent Stop either sees it here and reopens the gate, or we
	// observe the stop below and reopen it ourselves. Exactly one side
	// resumes.
	lease := uuid.NewString()
	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()
	if s.State() == StateStopped {
		s.mu.Lock()
		if s.lease == lease {
			s.lease = ""
			s.gate.resume()
		}
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	s.log.Info("polling paused", zap.String("lease", lease))
	return lease, nil
}

// Resume validates the lease and reopens the gate.
func (s *Scheduler) Resume(lease string) error {
	s.mu.Lock()
	if s.lease == "" || s.lease != lease {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrLease, lease)
	}
	s.lease = ""
	s.mu.Unlock()
	s.gate.resume()
	s.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
	s.log.Info("polling resumed")
	return nil
}

// Reload re-snapshots the registry: existing loops pick their new
// device list up at the next cycle boundary, loops for vanished ports
// wind down, new ports get loops. Wired to the store's config-changed
// callback.
func (s *Scheduler) Reload(ctx context.Context) error {
	if s.State() == StateStopped {
		return nil
	}
	devices, err := s.src.ListDevices(ctx, true)
	if err != nil {
		return fmt.Errorf("poll: reload: %w", err)
	}
	groups := groupByPort(devices)

	type respawn struct {
		loop    *busLoop
		port    string
		devices []model.Device
	}
	var respawns []respawn

	s.mu.Lock()
	for port, l := range s.loops {
		devs, keep := groups[port]
		if keep && l.baud == devs[0].BaudRate {
			d := devs
			l.pending.Store(&d)
			delete(groups, port)
			continue
		}
		// Port vanished or its baud changed; the loop must go. A baud
		// change additionally needs the arbiter rebuilt, which can only
		// happen after the old loop has drained.
		delete(s.loops, port)
		close(l.quit)
		job := respawn{loop: l, port: port}
		if keep {
			job.devices = devs
			delete(groups, port)
		}
		respawns = append(respawns, job)
	}
	for port, devs := range groups {
		s.spawnLocked(port, devs)
	}
	n := len(s.loops)
	s.mu.Unlock()

	for _, job := range respawns {
		go func(job respawn) {
			<-job.loop.done
			s.buses.Release(job.port)
			if job.devices == nil {
				return
			}
			s.mu.Lock()
			if _, exists := s.loops[job.port]; !exists && s.State() != StateStopped {
				s.spawnLocked(job.port, job.devices)
			}
			s.mu.Unlock()
		}(job)
	}
	s.log.Info("registry reloaded",
		zap.Int("buses", n), zap.Int("devices", len(devices)))
	return nil
}

// Restart brings polling back no matter the current state, except while
// paused: yanking the bus from under a parameter operation is ErrBusy.
func (s *Scheduler) Restart(ctx context.Context) error {
	switch s.State() {
	case StateStopped:
		return s.Start(ctx)
	case StatePaused:
		return fmt.Errorf("%w: paused for parameter access", ErrBusy)
	default:
		return s.Reload(ctx)
	}
}

// spawnLocked creates and starts a loop; the caller holds s.mu. A stale
// arbiter at the wrong baud rate is recycled once.
func (s *Scheduler) spawnLocked(port string, devs []model.Device) {
	baud := devs[0].BaudRate
	for _, d := range devs[1:] {
		if d.BaudRate != baud {
			s.log.Warn("device baud rate differs from its bus",
				zap.String("port", port), zap.Int64("device", d.ID),
				zap.Int("bus_baud", baud), zap.Int("device_baud", d.BaudRate))
		}
	}
	arb, err := s.buses.Get(port, baud)
	if errors.Is(err, serialbus.ErrBaudConflict) {
		s.buses.Release(port)
		arb, err = s.buses.Get(port, baud)
	}
	if err != nil {
		s.log.Error("bus unavailable", zap.String("port", port), zap.Error(err))
		return
	}
	l := newBusLoop(s, port, baud, arb, devs)
	s.loops[port] = l
	go l.run()
}

// groupByPort buckets devices by COM port, each bucket ordered by
// slave id so every cycle walks a bus in the same sequence.
func groupByPort(devices []model.Device) map[string][]model.Device {
	groups := make(map[string][]model.Device)
	for _, d := range devices {
		groups[d.ComPort] = append(groups[d.ComPort], d)
	}
	for port := range groups {
		devs := groups[port]
		sort.Slice(devs, func(i, j int) bool {
			if devs[i].SlaveID != devs[j].SlaveID {
				return devs[i].SlaveID < devs[j].SlaveID
			}
			return devs[i].ID < devs[j].ID
		})
	}
	return groups
}

// BusStats is one loop's counters.
type BusStats struct {
	Port    string `json:"port"`
	Devices int    `json:"devices"`
	Cycles  uint64 `json:"cycles"`
	OK      uint64 `json:"ok"`
	Errors  uint64 `json:"errors"`
	Dropped uint64 `json:"dropped"`
}

// Stats is the /polling/stats payload.
type Stats struct {
	State       string           `json:"state"`
	Running     bool             `json:"is_running"`
	Paused      bool             `json:"is_paused"`
	StartedAt   *model.Timestamp `json:"started_at"`
	TotalCycles uint64           `json:"cycle_count"`
	SlowCycles  uint64           `json:"slow_cycles"`
	Buses       []BusStats       `json:"buses"`
	Buffer      map[string]any   `json:"buffer_stats"`
}

func (s *Scheduler) Stats() Stats {
	state := s.State()
	st := Stats{
		State:       state.String(),
		Running:     state != StateStopped,
		Paused:      state == StatePaused,
		TotalCycles: s.totalCycles.Load(),
		SlowCycles:  s.slowCycles.Load(),
		Buffer:      s.sink.Stats(),
	}
	s.mu.Lock()
	if !s.startedAt.IsZero() && state != StateStopped {
		at := model.At(s.startedAt)
		st.StartedAt = &at
	}
	loops := make([]*busLoop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()
	for _, l := range loops {
		st.Buses = append(st.Buses, BusStats{
			Port:    l.port,
			Devices: int(l.deviceCount.Load()),
			Cycles:  l.cycles.Load(),
			OK:      l.ok.Load(),
			Errors:  l.errs.Load(),
			Dropped: l.dropped.Load(),
		})
	}
	sort.Slice(st.Buses, func(i, j int) bool { return st.Buses[i].Port < st.Buses[j].Port })
	return st
}
