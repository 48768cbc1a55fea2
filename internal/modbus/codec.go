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

// Package modbus builds and parses Modbus RTU frames for the pyrometer
// register windows this service polls: function 3/4 reads of one or two
// registers and function 6 single-register writes.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Supported function codes.
const (
	FuncReadHolding = 0x03
	FuncReadInput   = 0x04
	FuncWriteSingle = 0x06

	exceptionFlag = 0x80
)

const (
	// MinSlaveID and MaxSlaveID bound valid unit addresses.
	MinSlaveID = 1
	MaxSlaveID = 247

	// maxReadCount is the protocol ceiling for one read request.
	maxReadCount = 125

	// ExceptionReplyLen is the fixed size of an exception response:
	// slave + func|0x80 + exception code + CRC.
	ExceptionReplyLen = 5

	// WriteReplyLen is the fixed size of a function-6 echo.
	WriteReplyLen = 8

	readReplyOverhead = 5 // slave + func + byte count + CRC
)

var (
	ErrFrameShort   = errors.New("modbus: frame too short")
	ErrCRCMismatch  = errors.New("modbus: crc mismatch")
	ErrEchoMismatch = errors.New("modbus: response does not echo request")
)

// BuildRequest emits a read request frame: slave, function, start register,
// register count, CRC. The frame is 8 bytes on the wire.
func BuildRequest(slaveID uint8, funcCode uint8, startReg uint16, count uint16) ([]byte, error) {
	if slaveID < MinSlaveID || slaveID > MaxSlaveID {
		return nil, fmt.Errorf("modbus: invalid slave id %d (must be 1-247)", slaveID)
	}
	if funcCode != FuncReadHolding && funcCode != FuncReadInput {
		return nil, fmt.Errorf("modbus: unsupported read function 0x%02X", funcCode)
	}
	if count == 0 || count > maxReadCount {
		return nil, fmt.Errorf("modbus: invalid register count %d", count)
	}
	frame := make([]byte, 6, 8)
	frame[0] = slaveID
	frame[1] = funcCode
	binary.BigEndian.PutUint16(frame[2:4], startReg)
	binary.BigEndian.PutUint16(frame[4:6], count)
	return AppendCRC(frame), nil
}

// BuildWriteSingle emits a function-6 write of one holding register.
func BuildWriteSingle(slaveID uint8, register uint16, value uint16) ([]byte, error) {
	if slaveID < MinSlaveID || slaveID > MaxSlaveID {
		return nil, fmt.Errorf("modbus: invalid slave id %d (must be 1-247)", slaveID)
	}
	frame := make([]byte, 6, 8)
	frame[0] = slaveID
	frame[1] = FuncWriteSingle
	binary.BigEndian.PutUint16(frame[2:4], register)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return AppendCRC(frame), nil
}

// ReadReplyLen returns the full reply length for a read of count registers.
func ReadReplyLen(count uint16) int {
	return readReplyOverhead + 2*int(count)
}

// ParseReadResponse validates a read reply against the request it answers
// and returns the raw register payload. The checks run cheapest-first:
// length, CRC, slave echo, exception bit, function echo, byte count.
func ParseReadResponse(frame []byte, slaveID uint8, funcCode uint8, count uint16) ([]byte, error) {
	if len(frame) < ExceptionReplyLen {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrFrameShort, len(frame), ExceptionReplyLen)
	}
	if !VerifyCRC(frame) {
		return nil, fmt.Errorf("%w: frame % X", ErrCRCMismatch, frame)
	}
	if frame[0] != slaveID {
		return nil, fmt.Errorf("%w: slave %d replied, expected %d", ErrEchoMismatch, frame[0], slaveID)
	}
	if frame[1] == funcCode|exceptionFlag {
		return nil, &ExceptionError{Code: frame[2]}
	}
	if frame[1] != funcCode {
		return nil, fmt.Errorf("%w: function 0x%02X replied, expected 0x%02X", ErrEchoMismatch, frame[1], funcCode)
	}
	byteCount := int(frame[2])
	if byteCount != 2*int(count) {
		return nil, fmt.Errorf("%w: byte count %d, expected %d", ErrEchoMismatch, byteCount, 2*int(count))
	}
	if len(frame) != readReplyOverhead+byteCount {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrFrameShort, len(frame), readReplyOverhead+byteCount)
	}
	raw := make([]byte, byteCount)
	copy(raw, frame[3:3+byteCount])
	return raw, nil
}

// ParseWriteResponse validates a function-6 echo. A matching echo is the
// device's confirmation that the register took the value.
func ParseWriteResponse(frame []byte, slaveID uint8, register uint16, value uint16) error {
	if len(frame) < ExceptionReplyLen {
		return fmt.Errorf("%w: got %d bytes, need at least %d", ErrFrameShort, len(frame), ExceptionReplyLen)
	}
	if !VerifyCRC(frame) {
		return fmt.Errorf("%w: frame % X", ErrCRCMismatch, frame)
	}
	if frame[0] != slaveID {
		return fmt.Errorf("%w: slave %d replied, expected %d", ErrEchoMismatch, frame[0], slaveID)
	}
	if frame[1] == FuncWriteSingle|exceptionFlag {
		return &ExceptionError{Code: frame[2]}
	}
	if frame[1] != FuncWriteSingle {
		return fmt.Errorf("%w: function 0x%02X replied, expected 0x%02X", ErrEchoMismatch, frame[1], FuncWriteSingle)
	}
	if len(frame) != WriteReplyLen {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrFrameShort, len(frame), WriteReplyLen)
	}
	echoReg := binary.BigEndian.Uint16(frame[2:4])
	echoVal := binary.BigEndian.Uint16(frame[4:6])
	if echoReg != register || echoVal != value {
		return fmt.Errorf("%w: echoed register=%d value=%d, wrote register=%d value=%d",
			ErrEchoMismatch, echoReg, echoVal, register, value)
	}
	return nil
}

// HexRegisters renders a register payload as space-joined %04X words,
// e.g. "012C" or "41F0 0000". An odd trailing byte is rendered as %02X.
func HexRegisters(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i+1 < len(raw); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%04X", binary.BigEndian.Uint16(raw[i:i+2]))
	}
	if len(raw)%2 != 0 {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", raw[len(raw)-1])
	}
	return sb.String()
}

// HexBytes renders a whole frame as space-joined bytes for diagnostics.
func HexBytes(frame []byte) string {
	return fmt.Sprintf("% X", frame)
}
