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

// Package buffer decouples reading producers from SQLite with a
// ping-pong pair of in-memory slots. Producers append to the active
// slot; a single flusher goroutine writes the standby slot out in
// batches. A database stall therefore never blocks a poll cycle.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

var (
	// ErrBufferFull rejects appends once the active slot has absorbed a
	// whole threshold of overflow on top of its own.
	ErrBufferFull = errors.New("buffer: full, reading dropped")
	ErrClosed     = errors.New("buffer: closed")
)

const (
	flushAttempts = 3
	retryBase     = 100 * time.Millisecond
	flushTimeout  = 30 * time.Second
)

// Sink persists one batch atomically. All-or-nothing, so a failed batch
// can be retried intact.
type Sink interface {
	AppendBatch(ctx context.Context, batch []model.Reading) error
}

// Buffer is the ping-pong accumulator. Safe for concurrent appenders.
type Buffer struct {
	threshold int
	maxHold   time.Duration
	sink      Sink
	log       *zap.Logger

	mu       sync.Mutex
	done     *sync.Cond // signalled after every flush completion
	slots    [2][]model.Reading
	active   int
	flushing bool
	closed   bool

	totalSaved   uint64
	totalDropped uint64

	kick chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New starts the flusher. threshold is the batch size that triggers a
// swap; maxHold bounds how long a partial batch may sit unflushed.
func New(threshold int, maxHold time.Duration, sink Sink, log *zap.Logger) *Buffer {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Buffer{
		threshold: threshold,
		maxHold:   maxHold,
		sink:      sink,
		log:       log.Named("buffer"),
		kick:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	b.done = sync.NewCond(&b.mu)
	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// Append adds one reading to the active slot. Reaching the threshold
// hands the slot to the flusher when it is free. Once the slot holds
// twice the threshold the reading is rejected with ErrBufferFull; the
// caller owns that accounting.
func (b *Buffer) Append(r model.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.slots[b.active]) >= 2*b.threshold {
		return ErrBufferFull
	}
	b.slots[b.active] = append(b.slots[b.active], r)
	if len(b.slots[b.active]) >= b.threshold && b.trySwapLocked() {
		b.kickFlusher()
	}
	return nil
}

// trySwapLocked promotes the standby slot to active. Only legal while
// the flusher is idle and the standby slot is already drained; swapping
// an empty active slot is pointless and skipped.
func (b *Buffer) trySwapLocked() bool {
	standby := 1 - b.active
	if b.flushing || len(b.slots[standby]) != 0 || len(b.slots[b.active]) == 0 {
		return false
	}
	b.active = standby
	return true
}

func (b *Buffer) kickFlusher() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.maxHold)
	defer ticker.Stop()
	for {
		select {
		case <-b.kick:
		case <-ticker.C:
			// Hold expired: swap out whatever has accumulated.
			b.mu.Lock()
			b.trySwapLocked()
			b.mu.Unlock()
		case <-b.quit:
			return
		}
		b.flushPending()
	}
}

// flushPending drains the standby slot, re-swapping as long as the
// completion rules hand it more work.
func (b *Buffer) flushPending() {
	for {
		b.mu.Lock()
		standby := 1 - b.active
		batch := b.slots[standby]
		if len(batch) == 0 {
			b.mu.Unlock()
			return
		}
		b.flushing = true
		b.mu.Unlock()

		err := b.writeWithRetry(batch)

		b.mu.Lock()
		b.slots[standby] = b.slots[standby][:0]
		if err == nil {
			b.totalSaved += uint64(len(batch))
		} else {
			// The slot must come back into rotation even when the
			// database stays down; the batch is gone.
			b.totalDropped += uint64(len(batch))
			b.log.Error("batch dropped after retries",
				zap.Int("size", len(batch)), zap.Error(err))
		}
		b.flushing = false
		if len(b.slots[b.active]) >= b.threshold || b.closed {
			b.trySwapLocked()
		}
		b.done.Broadcast()
		b.mu.Unlock()
	}
}

func (b *Buffer) writeWithRetry(batch []model.Reading) error {
	backoff := retryBase
	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = b.sink.AppendBatch(ctx, batch)
		cancel()
		if err == nil {
			if attempt > 1 {
				b.log.Info("flush recovered", zap.Int("attempt", attempt))
			}
			return nil
		}
		b.log.Warn("flush failed", zap.Int("attempt", attempt),
			zap.Int("size", len(batch)), zap.Error(err))
		if attempt < flushAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// Close swaps out the remainder, waits for the flusher to drain both
// slots and stops it. Further appends fail with ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	b.trySwapLocked()
	b.kickFlusher()
	for len(b.slots[0]) > 0 || len(b.slots[1]) > 0 || b.flushing {
		b.done.Wait()
	}
	saved, dropped := b.totalSaved, b.totalDropped
	b.mu.Unlock()

	close(b.quit)
	b.wg.Wait()
	b.log.Info("buffer closed",
		zap.Uint64("saved", saved), zap.Uint64("dropped", dropped))
}

// Stats snapshots the slot fill levels and lifetime counters.
func (b *Buffer) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := [2]string{"a", "b"}
	return map[string]any{
		"active_buffer":   names[b.active],
		"buffer_a_size":   len(b.slots[0]),
		"buffer_b_size":   len(b.slots[1]),
		"max_size":        2 * b.threshold,
		"total_saved":     b.totalSaved,
		"total_dropped":   b.totalDropped,
		"flush_in_flight": b.flushing,
	}
}
