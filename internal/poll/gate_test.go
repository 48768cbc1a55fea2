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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatePauseWaitsForReaders(t *testing.T) {
	var g pauseGate

	g.enter()
	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		g.exit()
		close(released)
	}()

	require.NoError(t, g.pause(time.Second))
	<-released
	g.resume()
}

func TestGatePauseTimesOut(t *testing.T) {
	var g pauseGate

	g.enter()
	err := g.pause(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
	g.exit()

	// The abandoned waiter lets go once it finally acquires the lock,
	// so a later pause succeeds.
	require.Eventually(t, func() bool {
		if err := g.pause(10 * time.Millisecond); err != nil {
			return false
		}
		g.resume()
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestGateBlocksNewReaders(t *testing.T) {
	var g pauseGate

	require.NoError(t, g.pause(time.Second))
	entered := make(chan struct{})
	go func() {
		g.enter()
		close(entered)
		g.exit()
	}()

	select {
	case <-entered:
		t.Fatal("reader entered a paused gate")
	case <-time.After(30 * time.Millisecond):
	}

	g.resume()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("reader never entered after resume")
	}
}
