// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package drtioaux implements the DRTIO auxiliary channel wire protocol:
// the tagged-union packet vocabulary exchanged between the master and the
// satellites, its binary codec and the framed point-to-point transport.
package drtioaux // import "github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"

import (
	"errors"
	"fmt"
)

const (
	// MaxPacket is the size of an aux frame buffer, fixed by the link
	// gateware.
	MaxPacket = 1024

	// SatPayloadMaxSize bounds arbitrary payloads flowing from a
	// satellite up to the master (analyzer dumps, log and config value
	// slices): frame minus CRC (4), discriminant (1), last marker (1)
	// and length (2).
	SatPayloadMaxSize = MaxPacket - 4 - 1 - 1 - 2

	// MasterPayloadMaxSize bounds payloads that carry the extra source,
	// destination and id fields (DMA traces, kernel binaries, interkernel
	// messages).
	MasterPayloadMaxSize = SatPayloadMaxSize - 1 - 1 - 4

	// CXPPayloadMaxSize bounds CoaXPress register data tunneled over the
	// aux channel. It is kept divisible by 8 so pixel data can be moved
	// as 64-bit words.
	CXPPayloadMaxSize = SatPayloadMaxSize
)

var (
	// ErrLinkDown is reported when the peer's receiver is not locked.
	ErrLinkDown = errors.New("drtioaux: link down")

	// ErrTimeout is reported when no frame arrived within the caller's
	// receive deadline.
	ErrTimeout = errors.New("drtioaux: timeout")

	// ErrCorrupted is reported when a frame fails its CRC check.
	ErrCorrupted = errors.New("drtioaux: corrupted frame")
)

// UnknownTypeError is reported by the decoder when the discriminant byte
// does not name any known packet variant.
type UnknownTypeError struct {
	Type byte
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("drtioaux: unknown packet type 0x%02x", e.Type)
}

// PayloadStatus marks the position of a chunk within a payload that spans
// several packets. A new First chunk resets the receiver's accumulation
// state, which is also how a partially sent payload is abandoned.
type PayloadStatus uint8

const (
	PayloadMiddle PayloadStatus = 0
	PayloadFirst  PayloadStatus = 1
	PayloadLast   PayloadStatus = 2
	PayloadOnly   PayloadStatus = PayloadFirst | PayloadLast
)

// IsFirst reports whether this chunk starts a new payload.
func (st PayloadStatus) IsFirst() bool { return st&PayloadFirst != 0 }

// IsLast reports whether this chunk completes the payload.
func (st PayloadStatus) IsLast() bool { return st&PayloadLast != 0 }

func (st PayloadStatus) String() string {
	switch st {
	case PayloadMiddle:
		return "middle"
	case PayloadFirst:
		return "first"
	case PayloadLast:
		return "last"
	case PayloadOnly:
		return "only"
	}
	return fmt.Sprintf("PayloadStatus(%d)", uint8(st))
}
