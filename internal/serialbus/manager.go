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

package serialbus

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Manager hands out one Arbiter per COM port. Devices sharing a port
// share its arbiter, which is what makes multi-drop RS-485 work; the
// first device to claim a port fixes its baud rate.
type Manager struct {
	log *zap.Logger

	// Opener replaces the real serial opener. Set it before the first
	// Get; tests point it at in-process fakes.
	Opener PortOpener

	mu       sync.Mutex
	arbiters map[string]*Arbiter
	bauds    map[string]int
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		arbiters: make(map[string]*Arbiter),
		bauds:    make(map[string]int),
	}
}

// Get returns the arbiter for port, creating it on first use. Asking
// for an existing port at a different baud rate is ErrBaudConflict.
func (m *Manager) Get(port string, baud int) (*Arbiter, error) {
	key := normalizePort(port)
	if key == "" {
		return nil, fmt.Errorf("%w: empty port name", ErrOpen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.arbiters[key]; ok {
		if m.bauds[key] != baud {
			return nil, fmt.Errorf("%w: %s is open at %d baud", ErrBaudConflict, key, m.bauds[key])
		}
		return a, nil
	}
	a := NewArbiter(NewTransport(key, baud, m.Opener, m.log), m.log)
	m.arbiters[key] = a
	m.bauds[key] = baud
	m.log.Info("bus registered", zap.String("port", key), zap.Int("baud", baud))
	return a, nil
}

// Has reports whether port already has a registered arbiter.
func (m *Manager) Has(port string) bool {
	key := normalizePort(port)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.arbiters[key]
	return ok
}

// Release closes and forgets the arbiter for port, if any.
func (m *Manager) Release(port string) {
	key := normalizePort(port)
	m.mu.Lock()
	a, ok := m.arbiters[key]
	if ok {
		delete(m.arbiters, key)
		delete(m.bauds, key)
	}
	m.mu.Unlock()
	if ok {
		a.Close()
		m.log.Info("bus released", zap.String("port", key))
	}
}

// Ports lists the currently registered COM ports.
func (m *Manager) Ports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]string, 0, len(m.arbiters))
	for key := range m.arbiters {
		ports = append(ports, key)
	}
	return ports
}

// Stats snapshots every registered arbiter.
func (m *Manager) Stats() []ArbiterStats {
	m.mu.Lock()
	arbiters := make([]*Arbiter, 0, len(m.arbiters))
	for _, a := range m.arbiters {
		arbiters = append(arbiters, a)
	}
	m.mu.Unlock()
	stats := make([]ArbiterStats, 0, len(arbiters))
	for _, a := range arbiters {
		stats = append(stats, a.Stats())
	}
	return stats
}

// CloseAll tears down every arbiter. Used on shutdown and reload.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	arbiters := make([]*Arbiter, 0, len(m.arbiters))
	for _, a := range m.arbiters {
		arbiters = append(arbiters, a)
	}
	m.arbiters = make(map[string]*Arbiter)
	m.bauds = make(map[string]int)
	m.mu.Unlock()
	for _, a := range arbiters {
		a.Close()
	}
}

// normalizePort canonicalises names so "com3" and "COM3" share a bus.
func normalizePort(port string) string {
	return strings.ToUpper(strings.TrimSpace(port))
}
