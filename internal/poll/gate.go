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
	"sync"
	"time"
)

// pauseGate suspends polling for operator parameter traffic. Bus loops
// hold the read side for exactly one transaction; pausing takes the
// write side, so it waits for in-flight transactions and blocks new
// ones. Go's RWMutex prefers writers, which keeps the wait short even
// on a busy bus.
type pauseGate struct {
	mu sync.RWMutex
}

func (g *pauseGate) enter() { g.mu.RLock() }

func (g *pauseGate) exit() { g.mu.RUnlock() }

// pause acquires the write side, giving up after wait. On timeout the
// helper goroutine releases the lock the moment it finally gets it.
func (g *pauseGate) pause(wait time.Duration) error {
	acquired := make(chan struct{})
	go func() {
		g.mu.Lock()
		select {
		case acquired <- struct{}{}:
		default:
			g.mu.Unlock()
		}
	}()
	select {
	case <-acquired:
		return nil
	case <-time.After(wait):
		return ErrBusy
	}
}

// resume releases the write side taken by pause. RWMutex does not track
// ownership, so releasing from a different goroutine is fine.
func (g *pauseGate) resume() { g.mu.Unlock() }
