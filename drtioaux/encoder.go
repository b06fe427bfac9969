// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encoder writes aux packets to an output stream.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
	}
}

// Encode writes the wire form of p: the discriminant byte followed by the
// variant's fields in canonical order, multi-byte fields big-endian.
func (enc *Encoder) Encode(p Packet) error {
	if p == nil {
		return nil
	}

	enc.err = nil
	enc.writeU8(uint8(p.Type()))
	if enc.err != nil {
		return fmt.Errorf("drtioaux: could not write packet discriminant: %w", enc.err)
	}

	switch p := p.(type) {
	case EchoRequest, EchoReply, ResetRequest, ResetAck, TSCAck,
		DestinationDownReply, DestinationOkReply, RoutingAck,
		CXPWrite32Reply, CXPROIViewerSetupReply, CXPWaitReply:
		// no payload

	case DestinationStatusRequest:
		enc.writeU8(p.Destination)
	case DestinationSequenceErrorReply:
		enc.writeU16(p.Channel)
	case DestinationCollisionReply:
		enc.writeU16(p.Channel)
	case DestinationBusyReply:
		enc.writeU16(p.Channel)

	case RoutingSetPath:
		enc.writeU8(p.Destination)
		enc.write(p.Hops[:])
	case RoutingSetRank:
		enc.writeU8(p.Rank)

	case MonitorRequest:
		enc.writeU8(p.Destination)
		enc.writeU16(p.Channel)
		enc.writeU8(p.Probe)
	case MonitorReply:
		enc.writeU64(p.Value)

	case InjectionRequest:
		enc.writeU8(p.Destination)
		enc.writeU16(p.Channel)
		enc.writeU8(p.Overrd)
		enc.writeU8(p.Value)
	case InjectionStatusRequest:
		enc.writeU8(p.Destination)
		enc.writeU16(p.Channel)
		enc.writeU8(p.Overrd)
	case InjectionStatusReply:
		enc.writeU8(p.Value)

	case I2cStartRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
	case I2cRestartRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
	case I2cStopRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
	case I2cWriteRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
		enc.writeU8(p.Data)
	case I2cWriteReply:
		enc.writeBool(p.Succeeded)
		enc.writeBool(p.Ack)
	case I2cReadRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
		enc.writeBool(p.Ack)
	case I2cReadReply:
		enc.writeBool(p.Succeeded)
		enc.writeU8(p.Data)
	case I2cBasicReply:
		enc.writeBool(p.Succeeded)
	case I2cSwitchSelectRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
		enc.writeU8(p.Address)
		enc.writeU8(p.Mask)

	case SpiSetConfigRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
		enc.writeU8(p.Flags)
		enc.writeU8(p.Length)
		enc.writeU8(p.Div)
		enc.writeU8(p.CS)
	case SpiWriteRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
		enc.writeU32(p.Data)
	case SpiReadRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.BusNo)
	case SpiReadReply:
		enc.writeBool(p.Succeeded)
		enc.writeU32(p.Data)
	case SpiBasicReply:
		enc.writeBool(p.Succeeded)

	case AnalyzerHeaderRequest:
		enc.writeU8(p.Destination)
	case AnalyzerHeader:
		enc.writeU32(p.SentBytes)
		enc.writeU64(p.TotalByteCount)
		enc.writeBool(p.Overflow)
	case AnalyzerDataRequest:
		enc.writeU8(p.Destination)
	case AnalyzerData:
		enc.writeBool(p.Last)
		enc.writeBytes(p.Data, SatPayloadMaxSize)

	case DmaAddTraceRequest:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeU8(uint8(p.Status))
		enc.writeBytes(p.Trace, MasterPayloadMaxSize)
	case DmaAddTraceReply:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeBool(p.Succeeded)
	case DmaRemoveTraceRequest:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
	case DmaRemoveTraceReply:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Succeeded)
	case DmaPlaybackRequest:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeU64(p.Timestamp)
	case DmaPlaybackReply:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Succeeded)
	case DmaPlaybackStatus:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeU8(p.Error)
		enc.writeU32(p.Channel)
		enc.writeU64(p.Timestamp)

	case SubkernelAddDataRequest:
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeU8(uint8(p.Status))
		enc.writeBytes(p.Data, MasterPayloadMaxSize)
	case SubkernelAddDataReply:
		enc.writeBool(p.Succeeded)
	case SubkernelLoadRunRequest:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeBool(p.Run)
		enc.writeU64(p.Timestamp)
	case SubkernelLoadRunReply:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Succeeded)
	case SubkernelFinished:
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeBool(p.WithException)
		enc.writeU8(p.ExceptionSrc)
	case SubkernelExceptionRequest:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
	case SubkernelException:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Last)
		enc.writeBytes(p.Data, SatPayloadMaxSize)
	case SubkernelMessage:
		enc.writeU8(p.Source)
		enc.writeU8(p.Destination)
		enc.writeU32(p.ID)
		enc.writeU8(uint8(p.Status))
		enc.writeBytes(p.Data, MasterPayloadMaxSize)
	case SubkernelMessageAck:
		enc.writeU8(p.Destination)

	case CoreMgmtGetLogRequest:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Clear)
	case CoreMgmtClearLogRequest:
		enc.writeU8(p.Destination)
	case CoreMgmtSetLogLevelRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.Level)
	case CoreMgmtSetUartLogLevelRequest:
		enc.writeU8(p.Destination)
		enc.writeU8(p.Level)
	case CoreMgmtConfigReadRequest:
		enc.writeU8(p.Destination)
		enc.writeBytes(p.Key, MasterPayloadMaxSize)
	case CoreMgmtConfigReadContinue:
		enc.writeU8(p.Destination)
	case CoreMgmtConfigWriteRequest:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Last)
		enc.writeBytes(p.Data, MasterPayloadMaxSize)
	case CoreMgmtConfigRemoveRequest:
		enc.writeU8(p.Destination)
		enc.writeBytes(p.Key, MasterPayloadMaxSize)
	case CoreMgmtConfigEraseRequest:
		enc.writeU8(p.Destination)
	case CoreMgmtRebootRequest:
		enc.writeU8(p.Destination)
	case CoreMgmtAllocatorDebugRequest:
		enc.writeU8(p.Destination)
	case CoreMgmtFlashRequest:
		enc.writeU8(p.Destination)
		enc.writeU32(p.PayloadLength)
	case CoreMgmtFlashAddDataRequest:
		enc.writeU8(p.Destination)
		enc.writeBool(p.Last)
		enc.writeBytes(p.Data, MasterPayloadMaxSize)
	case CoreMgmtDropLink:
		enc.writeU8(p.Destination)
	case CoreMgmtDropLinkAck:
		enc.writeU8(p.Destination)
	case CoreMgmtGetLogReply:
		enc.writeBool(p.Last)
		enc.writeBytes(p.Data, SatPayloadMaxSize)
	case CoreMgmtConfigReadReply:
		enc.writeBool(p.Last)
		enc.writeBytes(p.Value, SatPayloadMaxSize)
	case CoreMgmtReply:
		enc.writeBool(p.Succeeded)

	case CXPReadRequest:
		enc.writeU8(p.Destination)
		enc.writeU32(p.Address)
		enc.writeU16(p.Length)
	case CXPReadReply:
		enc.writeBytes(p.Data, CXPPayloadMaxSize)
	case CXPWrite32Request:
		enc.writeU8(p.Destination)
		enc.writeU32(p.Address)
		enc.writeU32(p.Value)
	case CXPROIViewerSetupRequest:
		enc.writeU8(p.Destination)
		enc.writeU16(p.X0)
		enc.writeU16(p.Y0)
		enc.writeU16(p.X1)
		enc.writeU16(p.Y1)
	case CXPROIViewerDataRequest:
		enc.writeU8(p.Destination)
	case CXPROIViewerFrameDataReply:
		enc.writeU16(p.Width)
		enc.writeU16(p.Height)
		enc.writeU16(p.PixelCode)
	case CXPROIViewerPixelDataReply:
		enc.writeBytes(p.Data, CXPPayloadMaxSize)
	case CXPError:
		enc.writeBytes(p.Message, CXPPayloadMaxSize)

	default:
		return fmt.Errorf("drtioaux: could not encode packet type 0x%02x", uint8(p.Type()))
	}

	if enc.err != nil {
		return fmt.Errorf("drtioaux: could not encode packet 0x%02x: %w", uint8(p.Type()), enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}

func (enc *Encoder) writeU8(v uint8) {
	const n = 1
	enc.buf[0] = v
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU16(v uint16) {
	const n = 2
	binary.BigEndian.PutUint16(enc.buf[:n], v)
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU32(v uint32) {
	const n = 4
	binary.BigEndian.PutUint32(enc.buf[:n], v)
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU64(v uint64) {
	const n = 8
	binary.BigEndian.PutUint64(enc.buf[:n], v)
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeBool(v bool) {
	switch v {
	case true:
		enc.writeU8(1)
	case false:
		enc.writeU8(0)
	}
}

// writeBytes writes a length-prefixed variable payload, bounded by max.
func (enc *Encoder) writeBytes(p []byte, max int) {
	if enc.err != nil {
		return
	}
	if len(p) > max {
		enc.err = fmt.Errorf("payload too large (got=%d, max=%d)", len(p), max)
		return
	}
	enc.writeU16(uint16(len(p)))
	enc.write(p)
}
