// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Decoder reads (and validates) aux packets from an underlying data
// source. Payload lengths are checked against the payload bounds before
// any allocation takes place.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
}

// NewDecoder creates a decoder that reads and validates packets from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
	}
}

// Decode reads one packet from the stream.
// An unrecognized discriminant yields *UnknownTypeError.
func (dec *Decoder) Decode() (Packet, error) {
	dec.err = nil

	typ := dec.readU8()
	if dec.err != nil {
		return nil, xerrors.Errorf("drtioaux: could not read packet discriminant: %w", dec.err)
	}

	var p Packet
	switch Type(typ) {
	case TypeEchoRequest:
		p = EchoRequest{}
	case TypeEchoReply:
		p = EchoReply{}
	case TypeResetRequest:
		p = ResetRequest{}
	case TypeResetAck:
		p = ResetAck{}
	case TypeTSCAck:
		p = TSCAck{}

	case TypeDestinationStatusRequest:
		p = DestinationStatusRequest{Destination: dec.readU8()}
	case TypeDestinationDownReply:
		p = DestinationDownReply{}
	case TypeDestinationOkReply:
		p = DestinationOkReply{}
	case TypeDestinationSequenceErrorReply:
		p = DestinationSequenceErrorReply{Channel: dec.readU16()}
	case TypeDestinationCollisionReply:
		p = DestinationCollisionReply{Channel: dec.readU16()}
	case TypeDestinationBusyReply:
		p = DestinationBusyReply{Channel: dec.readU16()}

	case TypeRoutingSetPath:
		v := RoutingSetPath{Destination: dec.readU8()}
		dec.read(v.Hops[:])
		p = v
	case TypeRoutingSetRank:
		p = RoutingSetRank{Rank: dec.readU8()}
	case TypeRoutingAck:
		p = RoutingAck{}

	case TypeMonitorRequest:
		p = MonitorRequest{
			Destination: dec.readU8(),
			Channel:     dec.readU16(),
			Probe:       dec.readU8(),
		}
	case TypeMonitorReply:
		p = MonitorReply{Value: dec.readU64()}

	case TypeInjectionRequest:
		p = InjectionRequest{
			Destination: dec.readU8(),
			Channel:     dec.readU16(),
			Overrd:      dec.readU8(),
			Value:       dec.readU8(),
		}
	case TypeInjectionStatusRequest:
		p = InjectionStatusRequest{
			Destination: dec.readU8(),
			Channel:     dec.readU16(),
			Overrd:      dec.readU8(),
		}
	case TypeInjectionStatusReply:
		p = InjectionStatusReply{Value: dec.readU8()}

	case TypeI2cStartRequest:
		p = I2cStartRequest{Destination: dec.readU8(), BusNo: dec.readU8()}
	case TypeI2cRestartRequest:
		p = I2cRestartRequest{Destination: dec.readU8(), BusNo: dec.readU8()}
	case TypeI2cStopRequest:
		p = I2cStopRequest{Destination: dec.readU8(), BusNo: dec.readU8()}
	case TypeI2cWriteRequest:
		p = I2cWriteRequest{
			Destination: dec.readU8(),
			BusNo:       dec.readU8(),
			Data:        dec.readU8(),
		}
	case TypeI2cWriteReply:
		p = I2cWriteReply{Succeeded: dec.readBool(), Ack: dec.readBool()}
	case TypeI2cReadRequest:
		p = I2cReadRequest{
			Destination: dec.readU8(),
			BusNo:       dec.readU8(),
			Ack:         dec.readBool(),
		}
	case TypeI2cReadReply:
		p = I2cReadReply{Succeeded: dec.readBool(), Data: dec.readU8()}
	case TypeI2cBasicReply:
		p = I2cBasicReply{Succeeded: dec.readBool()}
	case TypeI2cSwitchSelectRequest:
		p = I2cSwitchSelectRequest{
			Destination: dec.readU8(),
			BusNo:       dec.readU8(),
			Address:     dec.readU8(),
			Mask:        dec.readU8(),
		}

	case TypeSpiSetConfigRequest:
		p = SpiSetConfigRequest{
			Destination: dec.readU8(),
			BusNo:       dec.readU8(),
			Flags:       dec.readU8(),
			Length:      dec.readU8(),
			Div:         dec.readU8(),
			CS:          dec.readU8(),
		}
	case TypeSpiWriteRequest:
		p = SpiWriteRequest{
			Destination: dec.readU8(),
			BusNo:       dec.readU8(),
			Data:        dec.readU32(),
		}
	case TypeSpiReadRequest:
		p = SpiReadRequest{Destination: dec.readU8(), BusNo: dec.readU8()}
	case TypeSpiReadReply:
		p = SpiReadReply{Succeeded: dec.readBool(), Data: dec.readU32()}
	case TypeSpiBasicReply:
		p = SpiBasicReply{Succeeded: dec.readBool()}

	case TypeAnalyzerHeaderRequest:
		p = AnalyzerHeaderRequest{Destination: dec.readU8()}
	case TypeAnalyzerHeader:
		p = AnalyzerHeader{
			SentBytes:      dec.readU32(),
			TotalByteCount: dec.readU64(),
			Overflow:       dec.readBool(),
		}
	case TypeAnalyzerDataRequest:
		p = AnalyzerDataRequest{Destination: dec.readU8()}
	case TypeAnalyzerData:
		p = AnalyzerData{
			Last: dec.readBool(),
			Data: dec.readBytes(SatPayloadMaxSize),
		}

	case TypeDmaAddTraceRequest:
		p = DmaAddTraceRequest{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Status:      PayloadStatus(dec.readU8()),
			Trace:       dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeDmaAddTraceReply:
		p = DmaAddTraceReply{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Succeeded:   dec.readBool(),
		}
	case TypeDmaRemoveTraceRequest:
		p = DmaRemoveTraceRequest{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
		}
	case TypeDmaRemoveTraceReply:
		p = DmaRemoveTraceReply{
			Destination: dec.readU8(),
			Succeeded:   dec.readBool(),
		}
	case TypeDmaPlaybackRequest:
		p = DmaPlaybackRequest{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Timestamp:   dec.readU64(),
		}
	case TypeDmaPlaybackReply:
		p = DmaPlaybackReply{
			Destination: dec.readU8(),
			Succeeded:   dec.readBool(),
		}
	case TypeDmaPlaybackStatus:
		p = DmaPlaybackStatus{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Error:       dec.readU8(),
			Channel:     dec.readU32(),
			Timestamp:   dec.readU64(),
		}

	case TypeSubkernelAddDataRequest:
		p = SubkernelAddDataRequest{
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Status:      PayloadStatus(dec.readU8()),
			Data:        dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeSubkernelAddDataReply:
		p = SubkernelAddDataReply{Succeeded: dec.readBool()}
	case TypeSubkernelLoadRunRequest:
		p = SubkernelLoadRunRequest{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Run:         dec.readBool(),
			Timestamp:   dec.readU64(),
		}
	case TypeSubkernelLoadRunReply:
		p = SubkernelLoadRunReply{
			Destination: dec.readU8(),
			Succeeded:   dec.readBool(),
		}
	case TypeSubkernelFinished:
		p = SubkernelFinished{
			Destination:   dec.readU8(),
			ID:            dec.readU32(),
			WithException: dec.readBool(),
			ExceptionSrc:  dec.readU8(),
		}
	case TypeSubkernelExceptionRequest:
		p = SubkernelExceptionRequest{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
		}
	case TypeSubkernelException:
		p = SubkernelException{
			Destination: dec.readU8(),
			Last:        dec.readBool(),
			Data:        dec.readBytes(SatPayloadMaxSize),
		}
	case TypeSubkernelMessage:
		p = SubkernelMessage{
			Source:      dec.readU8(),
			Destination: dec.readU8(),
			ID:          dec.readU32(),
			Status:      PayloadStatus(dec.readU8()),
			Data:        dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeSubkernelMessageAck:
		p = SubkernelMessageAck{Destination: dec.readU8()}

	case TypeCoreMgmtGetLogRequest:
		p = CoreMgmtGetLogRequest{
			Destination: dec.readU8(),
			Clear:       dec.readBool(),
		}
	case TypeCoreMgmtClearLogRequest:
		p = CoreMgmtClearLogRequest{Destination: dec.readU8()}
	case TypeCoreMgmtSetLogLevelRequest:
		p = CoreMgmtSetLogLevelRequest{
			Destination: dec.readU8(),
			Level:       dec.readU8(),
		}
	case TypeCoreMgmtSetUartLogLevelRequest:
		p = CoreMgmtSetUartLogLevelRequest{
			Destination: dec.readU8(),
			Level:       dec.readU8(),
		}
	case TypeCoreMgmtConfigReadRequest:
		p = CoreMgmtConfigReadRequest{
			Destination: dec.readU8(),
			Key:         dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeCoreMgmtConfigReadContinue:
		p = CoreMgmtConfigReadContinue{Destination: dec.readU8()}
	case TypeCoreMgmtConfigWriteRequest:
		p = CoreMgmtConfigWriteRequest{
			Destination: dec.readU8(),
			Last:        dec.readBool(),
			Data:        dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeCoreMgmtConfigRemoveRequest:
		p = CoreMgmtConfigRemoveRequest{
			Destination: dec.readU8(),
			Key:         dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeCoreMgmtConfigEraseRequest:
		p = CoreMgmtConfigEraseRequest{Destination: dec.readU8()}
	case TypeCoreMgmtRebootRequest:
		p = CoreMgmtRebootRequest{Destination: dec.readU8()}
	case TypeCoreMgmtAllocatorDebugRequest:
		p = CoreMgmtAllocatorDebugRequest{Destination: dec.readU8()}
	case TypeCoreMgmtFlashRequest:
		p = CoreMgmtFlashRequest{
			Destination:   dec.readU8(),
			PayloadLength: dec.readU32(),
		}
	case TypeCoreMgmtFlashAddDataRequest:
		p = CoreMgmtFlashAddDataRequest{
			Destination: dec.readU8(),
			Last:        dec.readBool(),
			Data:        dec.readBytes(MasterPayloadMaxSize),
		}
	case TypeCoreMgmtDropLink:
		p = CoreMgmtDropLink{Destination: dec.readU8()}
	case TypeCoreMgmtDropLinkAck:
		p = CoreMgmtDropLinkAck{Destination: dec.readU8()}
	case TypeCoreMgmtGetLogReply:
		p = CoreMgmtGetLogReply{
			Last: dec.readBool(),
			Data: dec.readBytes(SatPayloadMaxSize),
		}
	case TypeCoreMgmtConfigReadReply:
		p = CoreMgmtConfigReadReply{
			Last:  dec.readBool(),
			Value: dec.readBytes(SatPayloadMaxSize),
		}
	case TypeCoreMgmtReply:
		p = CoreMgmtReply{Succeeded: dec.readBool()}

	case TypeCXPReadRequest:
		p = CXPReadRequest{
			Destination: dec.readU8(),
			Address:     dec.readU32(),
			Length:      dec.readU16(),
		}
	case TypeCXPReadReply:
		p = CXPReadReply{Data: dec.readBytes(CXPPayloadMaxSize)}
	case TypeCXPWrite32Request:
		p = CXPWrite32Request{
			Destination: dec.readU8(),
			Address:     dec.readU32(),
			Value:       dec.readU32(),
		}
	case TypeCXPWrite32Reply:
		p = CXPWrite32Reply{}
	case TypeCXPROIViewerSetupRequest:
		p = CXPROIViewerSetupRequest{
			Destination: dec.readU8(),
			X0:          dec.readU16(),
			Y0:          dec.readU16(),
			X1:          dec.readU16(),
			Y1:          dec.readU16(),
		}
	case TypeCXPROIViewerSetupReply:
		p = CXPROIViewerSetupReply{}
	case TypeCXPROIViewerDataRequest:
		p = CXPROIViewerDataRequest{Destination: dec.readU8()}
	case TypeCXPROIViewerFrameDataReply:
		p = CXPROIViewerFrameDataReply{
			Width:     dec.readU16(),
			Height:    dec.readU16(),
			PixelCode: dec.readU16(),
		}
	case TypeCXPROIViewerPixelDataReply:
		p = CXPROIViewerPixelDataReply{Data: dec.readBytes(CXPPayloadMaxSize)}
	case TypeCXPError:
		p = CXPError{Message: dec.readBytes(CXPPayloadMaxSize)}
	case TypeCXPWaitReply:
		p = CXPWaitReply{}

	default:
		return nil, &UnknownTypeError{Type: typ}
	}

	if dec.err != nil {
		return nil, xerrors.Errorf("drtioaux: could not decode packet 0x%02x: %w", typ, dec.err)
	}
	return p, nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func (dec *Decoder) load(n int) []byte {
	dec.read(dec.buf[:n])
	return dec.buf[:n]
}

func (dec *Decoder) readU8() uint8 {
	v := dec.load(1)
	if dec.err != nil {
		return 0
	}
	return v[0]
}

func (dec *Decoder) readU16() uint16 {
	v := dec.load(2)
	if dec.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(v)
}

func (dec *Decoder) readU32() uint32 {
	v := dec.load(4)
	if dec.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func (dec *Decoder) readU64() uint64 {
	v := dec.load(8)
	if dec.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (dec *Decoder) readBool() bool {
	return dec.readU8() != 0
}

// readBytes reads a length-prefixed variable payload, bounded by max.
// A zero length yields a nil slice.
func (dec *Decoder) readBytes(max int) []byte {
	n := int(dec.readU16())
	if dec.err != nil {
		return nil
	}
	if n > max {
		dec.err = xerrors.Errorf("payload too large (got=%d, max=%d)", n, max)
		return nil
	}
	if n == 0 {
		return nil
	}
	p := make([]byte, n)
	dec.read(p)
	return p
}
