// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cxp implements the CoaXPress control-packet engine of the
// camera grabber: the byte-exact control packet codec with 4x character
// duplication and majority voting, the tagged request/reply transaction
// layer, and the camera discovery and link bring-up state machine.
package cxp // import "github.com/QuantumQuadrate/madmax-artiq-zynq/cxp"

import (
	"errors"
	"fmt"
)

const (
	// CtrlPacketMaxSize keeps control packets compatible with version
	// 1.x compliant devices.
	CtrlPacketMaxSize = 128

	// DataMaxSize bounds the data field of a control packet: the frame
	// minus start codes, packet type, command, tag, address, CRC and end
	// code characters.
	DataMaxSize = CtrlPacketMaxSize - 4*7
)

var (
	ErrCorrupted       = errors.New("cxp: received packet fails CRC test")
	ErrTagMismatch     = errors.New("cxp: received tag differs from the transmitted tag")
	ErrTimeout         = errors.New("cxp: transaction timed out")
	ErrUnexpectedReply = errors.New("cxp: unexpected reply")

	ErrCameraNotDetected  = errors.New("cxp: camera not detected")
	ErrConnectionLost     = errors.New("cxp: channel #0 cannot be detected")
	ErrUnstableRX         = errors.New("cxp: RX connection test failed")
	ErrUnstableTX         = errors.New("cxp: TX connection test failed")
	ErrUnsupportedTopology = errors.New("cxp: channel #0 is not connected to the master channel")
	ErrUnsupportedVersion  = errors.New("cxp: no compatible protocol version between grabber and camera")
)

// AckError is a structured NACK reported by the peer.
type AckError struct {
	Code uint8
}

func (e *AckError) Error() string {
	var reason string
	switch e.Code {
	case 0x40:
		reason = "invalid address"
	case 0x41:
		reason = "invalid data for the address"
	case 0x42:
		reason = "invalid operation code"
	case 0x43:
		reason = "write attempted to a read-only address"
	case 0x44:
		reason = "read attempted from a write-only address"
	case 0x45:
		reason = "size field too large, exceeds packet size limit"
	case 0x46:
		reason = "message size is inconsistent with size field"
	case 0x47:
		reason = "malformed packet"
	case 0x80:
		reason = "failed CRC test in last received command"
	default:
		return fmt.Sprintf("cxp: ack error: unknown ack code 0x%02x", e.Code)
	}
	return fmt.Sprintf("cxp: ack error: %s", reason)
}

// LengthError reports a data length outside 1..DataMaxSize.
type LengthError struct {
	Length uint32
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("cxp: message length %d is not between 1 and %d", e.Length, DataMaxSize)
}

// UnknownPacketError reports an unrecognized control packet type byte.
type UnknownPacketError struct {
	Type uint8
}

func (e *UnknownPacketError) Error() string {
	return fmt.Sprintf("cxp: unknown packet type 0x%02x", e.Type)
}

// UnsupportedSpeedError reports a line-rate code the grabber cannot run.
type UnsupportedSpeedError struct {
	Code uint32
}

func (e *UnsupportedSpeedError) Error() string {
	return fmt.Sprintf("cxp: line-rate code 0x%02x is not supported", e.Code)
}

// Speed is a CoaXPress physical line rate.
type Speed uint8

const (
	CXP1 Speed = iota + 1 // 1.25 Gbps
	CXP2                  // 2.5 Gbps
	CXP3                  // 3.125 Gbps
	CXP5                  // 5 Gbps
	CXP6                  // 6.25 Gbps
	CXP10                 // 10 Gbps
	CXP12                 // 12.5 Gbps
)

func (s Speed) String() string {
	switch s {
	case CXP1:
		return "CXP_1"
	case CXP2:
		return "CXP_2"
	case CXP3:
		return "CXP_3"
	case CXP5:
		return "CXP_5"
	case CXP6:
		return "CXP_6"
	case CXP10:
		return "CXP_10"
	case CXP12:
		return "CXP_12"
	}
	return fmt.Sprintf("Speed(%d)", uint8(s))
}

// speedFromCode maps a ConnectionConfigDefault line-rate code to a Speed.
func speedFromCode(code uint32) (Speed, bool) {
	switch code {
	case 0x28:
		return CXP1, true
	case 0x30:
		return CXP2, true
	case 0x38:
		return CXP3, true
	case 0x40:
		return CXP5, true
	case 0x48:
		return CXP6, true
	case 0x50:
		return CXP10, true
	case 0x58:
		return CXP12, true
	}
	return 0, false
}
