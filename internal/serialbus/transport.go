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

// Package serialbus owns the RS-485 side of the service: one Transport
// per COM port for raw request/reply exchanges, one Arbiter per port to
// serialise every transaction, and a Manager that hands out arbiters to
// the polling scheduler and the parameter service.
package serialbus

import (
	"errors"
	"fmt"
	"io"
	"time"

	goserial "github.com/hootrhino/goserial"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/modbus"
)

var (
	ErrOpen         = errors.New("serialbus: open failed")
	ErrIO           = errors.New("serialbus: io failure")
	ErrTimeout      = errors.New("serialbus: reply timeout")
	ErrClosed       = errors.New("serialbus: closed")
	ErrBaudConflict = errors.New("serialbus: port already open at a different baud rate")
)

const maxFrameSize = 256

// PortOpener opens the OS handle behind a transport. The default opener
// speaks 8N1 through goserial; tests substitute an in-process pipe.
type PortOpener func(port string, baud int) (io.ReadWriteCloser, error)

func defaultOpener(port string, baud int) (io.ReadWriteCloser, error) {
	return goserial.Open(&goserial.Config{
		Address:  port,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  time.Second,
	})
}

type rxChunk struct {
	data []byte
	err  error
}

// Transport owns one serial handle. It is NOT safe for concurrent use;
// the Arbiter guarantees single-caller access.
//
// A receive pump goroutine moves bytes from the port into a channel so
// reads can observe deadlines and the intra-frame idle cutoff without
// depending on driver timeout support.
type Transport struct {
	portName string
	baud     int
	opener   PortOpener
	log      *zap.Logger

	port     io.ReadWriteCloser
	rx       chan rxChunk
	pumpStop chan struct{}

	frameGap     time.Duration // 3.5 char times of required bus silence
	idleCutoff   time.Duration // 1.5 char times closes a partial frame
	lastActivity time.Time
}

// NewTransport prepares a transport for the given port. The handle is
// opened lazily on the first transaction. A nil opener selects goserial.
func NewTransport(portName string, baud int, opener PortOpener, log *zap.Logger) *Transport {
	if opener == nil {
		opener = defaultOpener
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		portName:   portName,
		baud:       baud,
		opener:     opener,
		log:        log.Named("transport").With(zap.String("port", portName)),
		frameGap:   frameGapFor(baud),
		idleCutoff: idleCutoffFor(baud),
	}
}

// charTime is the wire time of one character: start bit, 8 data bits,
// stop bit, plus margin for the parity slot. 11 bits is the RTU figure.
func charTime(baud int) time.Duration {
	return time.Duration(11 * int64(time.Second) / int64(baud))
}

func frameGapFor(baud int) time.Duration {
	// Above 19200 baud the standard fixes the inter-frame gap at 1750us
	// instead of 3.5 char times.
	if baud > 19200 {
		return 1750 * time.Microsecond
	}
	return charTime(baud) * 7 / 2
}

func idleCutoffFor(baud int) time.Duration {
	cutoff := charTime(baud) * 3 / 2
	if baud > 19200 {
		cutoff = 750 * time.Microsecond
	}
	// USB serial adapters batch bytes on internal latency timers, so the
	// theoretical 1.5 char times would split frames mid-reply.
	if cutoff < 50*time.Millisecond {
		cutoff = 50 * time.Millisecond
	}
	return cutoff
}

// Open is idempotent. It starts the receive pump alongside the handle.
func (t *Transport) Open() error {
	if t.port != nil {
		return nil
	}
	port, err := t.opener(t.portName, t.baud)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpen, t.portName, err)
	}
	t.port = port
	t.rx = make(chan rxChunk, 16)
	t.pumpStop = make(chan struct{})
	go pump(port, t.rx, t.pumpStop)
	t.log.Info("port opened", zap.Int("baud", t.baud))
	return nil
}

// Close is idempotent. A closed transport reopens on the next transaction.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	close(t.pumpStop)
	err := t.port.Close()
	t.port = nil
	t.log.Info("port closed")
	return err
}

func pump(port io.ReadWriteCloser, rx chan<- rxChunk, stop <-chan struct{}) {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case rx <- rxChunk{data: data}:
			case <-stop:
				return
			}
		}
		if err != nil {
			if errors.Is(err, goserial.ErrTimeout) {
				continue // idle tick from the driver
			}
			select {
			case rx <- rxChunk{err: err}:
			case <-stop:
			}
			return
		}
	}
}

// Transaction writes one request and reads the reply.
//
// The input is drained first, then the inter-frame gap since the last
// bus activity is enforced. The read accumulates until expectLen bytes
// arrive, the intra-frame idle cutoff fires (short frame, returned as-is
// for the codec to reject), or the timeout elapses with nothing received
// (ErrTimeout). I/O faults close the handle; the next transaction reopens.
func (t *Transport) Transaction(request []byte, expectLen int, timeout time.Duration) ([]byte, error) {
	if len(request) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrIO)
	}
	if err := t.Open(); err != nil {
		return nil, err
	}
	if err := t.drainInput(); err != nil {
		return nil, err
	}
	t.waitFrameGap()

	if _, err := t.port.Write(request); err != nil {
		t.fault("write", err)
		return nil, fmt.Errorf("%w: write %s: %v", ErrIO, t.portName, err)
	}
	t.lastActivity = time.Now()
	t.log.Debug("tx", zap.String("frame", modbus.HexBytes(request)))

	reply, err := t.readReply(expectLen, timeout)
	if err != nil {
		return nil, err
	}
	t.log.Debug("rx", zap.String("frame", modbus.HexBytes(reply)))
	return reply, nil
}

// drainInput discards bytes left over from aborted or late replies.
func (t *Transport) drainInput() error {
	dropped := 0
	for {
		select {
		case chunk := <-t.rx:
			if chunk.err != nil {
				t.fault("drain", chunk.err)
				return fmt.Errorf("%w: %s: %v", ErrIO, t.portName, chunk.err)
			}
			dropped += len(chunk.data)
		default:
			if dropped > 0 {
				t.log.Debug("drained stale bytes", zap.Int("count", dropped))
			}
			return nil
		}
	}
}

func (t *Transport) waitFrameGap() {
	if t.lastActivity.IsZero() {
		return
	}
	if elapsed := time.Since(t.lastActivity); elapsed < t.frameGap {
		time.Sleep(t.frameGap - elapsed)
	}
}

func (t *Transport) readReply(expectLen int, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var idle *time.Timer
	var idleC <-chan time.Time
	frame := make([]byte, 0, expectLen)

	for len(frame) < expectLen {
		select {
		case chunk := <-t.rx:
			if chunk.err != nil {
				t.fault("read", chunk.err)
				return nil, fmt.Errorf("%w: read %s: %v", ErrIO, t.portName, chunk.err)
			}
			frame = append(frame, chunk.data...)
			t.lastActivity = time.Now()
			// An exception reply is shorter than the requested window.
			if len(frame) >= 2 && frame[1]&0x80 != 0 && expectLen > modbus.ExceptionReplyLen {
				expectLen = modbus.ExceptionReplyLen
			}
			if idle == nil {
				idle = time.NewTimer(t.idleCutoff)
				defer idle.Stop()
				idleC = idle.C
			} else {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(t.idleCutoff)
			}
		case <-idleC: // nil until the first bytes arrive
			return frame, nil
		case <-deadline.C:
			if len(frame) == 0 {
				return nil, ErrTimeout
			}
			return frame, nil
		}
	}
	return frame, nil
}

func (t *Transport) fault(op string, err error) {
	t.log.Warn("port fault, closing for reopen", zap.String("op", op), zap.Error(err))
	t.Close()
}
