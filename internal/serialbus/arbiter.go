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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TxnKind labels who asked for bus time.
type TxnKind int

const (
	TxnPoll    TxnKind = iota // scheduler temperature read
	TxnControl                // operator parameter traffic
)

func (k TxnKind) String() string {
	switch k {
	case TxnPoll:
		return "poll"
	case TxnControl:
		return "control"
	default:
		return fmt.Sprintf("TxnKind(%d)", int(k))
	}
}

// Transaction is one request/reply exchange on the bus.
type Transaction struct {
	Kind     TxnKind
	Request  []byte
	ReplyLen int       // expected reply length including CRC
	Deadline time.Time // hard limit covering queue wait plus bus I/O
	Lease    string    // pause lease for control traffic, diagnostic only
}

type txnResult struct {
	reply []byte
	err   error
}

type pendingTxn struct {
	txn  Transaction
	done chan txnResult
}

// Arbiter serialises all bus access for one port. RS-485 is half-duplex
// with a single master, so exactly one transaction may be in flight; a
// single goroutine owns the Transport and works a FIFO queue.
type Arbiter struct {
	port string
	tr   *Transport
	log  *zap.Logger

	queue     chan pendingTxn
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	executed atomic.Uint64
	timeouts atomic.Uint64
	faults   atomic.Uint64
}

// NewArbiter starts the owner goroutine for tr.
func NewArbiter(tr *Transport, log *zap.Logger) *Arbiter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Arbiter{
		port:  tr.portName,
		tr:    tr,
		log:   log.Named("arbiter").With(zap.String("port", tr.portName)),
		queue: make(chan pendingTxn, 16),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// Port reports which COM port this arbiter owns.
func (a *Arbiter) Port() string {
	return a.port
}

// Submit queues txn and blocks until its result is ready. Transactions
// execute strictly in arrival order. A cancelled context abandons the
// result but never aborts a transaction already on the wire; the bus
// would be left mid-frame otherwise.
func (a *Arbiter) Submit(ctx context.Context, txn Transaction) ([]byte, error) {
	p := pendingTxn{txn: txn, done: make(chan txnResult, 1)}
	select {
	case a.queue <- p:
	case <-a.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-p.done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		// The loop may have delivered our result just before exiting.
		select {
		case r := <-p.done:
			return r.reply, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (a *Arbiter) loop() {
	defer close(a.done)
	for {
		select {
		case p := <-a.queue:
			p.done <- a.execute(p.txn)
		case <-a.quit:
			for {
				select {
				case p := <-a.queue:
					p.done <- txnResult{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (a *Arbiter) execute(txn Transaction) txnResult {
	timeout := time.Until(txn.Deadline)
	if timeout <= 0 {
		a.timeouts.Add(1)
		return txnResult{err: fmt.Errorf("%w: deadline expired before bus access", ErrTimeout)}
	}
	reply, err := a.tr.Transaction(txn.Request, txn.ReplyLen, timeout)
	a.executed.Add(1)
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		a.timeouts.Add(1)
	default:
		a.faults.Add(1)
	}
	if err != nil {
		a.log.Debug("transaction failed", zap.Stringer("kind", txn.Kind), zap.Error(err))
	}
	return txnResult{reply: reply, err: err}
}

// Close stops the owner goroutine, fails queued transactions with
// ErrClosed and releases the port. Safe to call more than once.
func (a *Arbiter) Close() {
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.done
		if err := a.tr.Close(); err != nil {
			a.log.Warn("close port", zap.Error(err))
		}
	})
}

// ArbiterStats is a point-in-time counter snapshot.
type ArbiterStats struct {
	Port     string `json:"port"`
	Executed uint64 `json:"executed"`
	Timeouts uint64 `json:"timeouts"`
	Faults   uint64 `json:"faults"`
}

func (a *Arbiter) Stats() ArbiterStats {
	return ArbiterStats{
		Port:     a.port,
		Executed: a.executed.Load(),
		Timeouts: a.timeouts.Load(),
		Faults:   a.faults.Load(),
	}
}
