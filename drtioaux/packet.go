// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

// Type is the wire discriminant of an aux packet variant.
type Type uint8

const (
	TypeEchoRequest  Type = 0x00
	TypeEchoReply    Type = 0x01
	TypeResetRequest Type = 0x02
	TypeResetAck     Type = 0x03
	TypeTSCAck       Type = 0x04

	TypeDestinationStatusRequest       Type = 0x20
	TypeDestinationDownReply           Type = 0x21
	TypeDestinationOkReply             Type = 0x22
	TypeDestinationSequenceErrorReply  Type = 0x23
	TypeDestinationCollisionReply      Type = 0x24
	TypeDestinationBusyReply           Type = 0x25

	TypeRoutingSetPath Type = 0x30
	TypeRoutingSetRank Type = 0x31
	TypeRoutingAck     Type = 0x32

	TypeMonitorRequest Type = 0x40
	TypeMonitorReply   Type = 0x41

	TypeInjectionRequest       Type = 0x50
	TypeInjectionStatusRequest Type = 0x51
	TypeInjectionStatusReply   Type = 0x52

	TypeI2cStartRequest        Type = 0x80
	TypeI2cRestartRequest      Type = 0x81
	TypeI2cStopRequest         Type = 0x82
	TypeI2cWriteRequest        Type = 0x83
	TypeI2cWriteReply          Type = 0x84
	TypeI2cReadRequest         Type = 0x85
	TypeI2cReadReply           Type = 0x86
	TypeI2cBasicReply          Type = 0x87
	TypeI2cSwitchSelectRequest Type = 0x88

	TypeSpiSetConfigRequest Type = 0x90
	TypeSpiWriteRequest     Type = 0x92
	TypeSpiReadRequest      Type = 0x93
	TypeSpiReadReply        Type = 0x94
	TypeSpiBasicReply       Type = 0x95

	TypeAnalyzerHeaderRequest Type = 0xa0
	TypeAnalyzerHeader        Type = 0xa1
	TypeAnalyzerDataRequest   Type = 0xa2
	TypeAnalyzerData          Type = 0xa3

	TypeDmaAddTraceRequest    Type = 0xb0
	TypeDmaAddTraceReply      Type = 0xb1
	TypeDmaRemoveTraceRequest Type = 0xb2
	TypeDmaRemoveTraceReply   Type = 0xb3
	TypeDmaPlaybackRequest    Type = 0xb4
	TypeDmaPlaybackReply      Type = 0xb5
	TypeDmaPlaybackStatus     Type = 0xb6

	TypeSubkernelAddDataRequest    Type = 0xc0
	TypeSubkernelAddDataReply      Type = 0xc1
	TypeSubkernelLoadRunRequest    Type = 0xc4
	TypeSubkernelLoadRunReply      Type = 0xc5
	TypeSubkernelFinished          Type = 0xc8
	TypeSubkernelExceptionRequest  Type = 0xc9
	TypeSubkernelException         Type = 0xca
	TypeSubkernelMessage           Type = 0xcb
	TypeSubkernelMessageAck        Type = 0xcc

	TypeCoreMgmtGetLogRequest          Type = 0xd0
	TypeCoreMgmtClearLogRequest        Type = 0xd1
	TypeCoreMgmtSetLogLevelRequest     Type = 0xd2
	TypeCoreMgmtSetUartLogLevelRequest Type = 0xd3
	TypeCoreMgmtConfigReadRequest      Type = 0xd4
	TypeCoreMgmtConfigReadContinue     Type = 0xd5
	TypeCoreMgmtConfigWriteRequest     Type = 0xd6
	TypeCoreMgmtConfigRemoveRequest    Type = 0xd7
	TypeCoreMgmtConfigEraseRequest     Type = 0xd8
	TypeCoreMgmtRebootRequest          Type = 0xd9
	TypeCoreMgmtAllocatorDebugRequest  Type = 0xda
	TypeCoreMgmtFlashRequest           Type = 0xdb
	TypeCoreMgmtFlashAddDataRequest    Type = 0xdc
	TypeCoreMgmtDropLink               Type = 0xdd
	TypeCoreMgmtDropLinkAck            Type = 0xde
	TypeCoreMgmtGetLogReply            Type = 0xdf
	TypeCoreMgmtConfigReadReply        Type = 0xe0
	TypeCoreMgmtReply                  Type = 0xe1

	TypeCXPReadRequest               Type = 0xf0
	TypeCXPReadReply                 Type = 0xf1
	TypeCXPWrite32Request            Type = 0xf2
	TypeCXPWrite32Reply              Type = 0xf3
	TypeCXPROIViewerSetupRequest     Type = 0xf4
	TypeCXPROIViewerSetupReply       Type = 0xf5
	TypeCXPROIViewerDataRequest      Type = 0xf6
	TypeCXPROIViewerFrameDataReply   Type = 0xf7
	TypeCXPROIViewerPixelDataReply   Type = 0xf8
	TypeCXPError                     Type = 0xf9
	TypeCXPWaitReply                 Type = 0xfa
)

// Packet is one aux protocol packet.
// The concrete type carries the variant's payload fields.
type Packet interface {
	Type() Type
}

// Routable is implemented by packet variants that carry an explicit
// destination and may thus be forwarded across hops by the router.
type Routable interface {
	Packet
	Dest() uint8
}

type EchoRequest struct{}
type EchoReply struct{}
type ResetRequest struct{}
type ResetAck struct{}

// TSCAck acknowledges a timestamp-counter load. It is sent spontaneously
// by a satellite after the gateware latched the new time.
type TSCAck struct{}

func (EchoRequest) Type() Type  { return TypeEchoRequest }
func (EchoReply) Type() Type    { return TypeEchoReply }
func (ResetRequest) Type() Type { return TypeResetRequest }
func (ResetAck) Type() Type     { return TypeResetAck }
func (TSCAck) Type() Type       { return TypeTSCAck }

type DestinationStatusRequest struct {
	Destination uint8
}

type DestinationDownReply struct{}
type DestinationOkReply struct{}

type DestinationSequenceErrorReply struct {
	Channel uint16
}

type DestinationCollisionReply struct {
	Channel uint16
}

type DestinationBusyReply struct {
	Channel uint16
}

func (DestinationStatusRequest) Type() Type      { return TypeDestinationStatusRequest }
func (p DestinationStatusRequest) Dest() uint8   { return p.Destination }
func (DestinationDownReply) Type() Type          { return TypeDestinationDownReply }
func (DestinationOkReply) Type() Type            { return TypeDestinationOkReply }
func (DestinationSequenceErrorReply) Type() Type { return TypeDestinationSequenceErrorReply }
func (DestinationCollisionReply) Type() Type     { return TypeDestinationCollisionReply }
func (DestinationBusyReply) Type() Type          { return TypeDestinationBusyReply }

// MaxHops is the maximum length of a routing path.
const MaxHops = 32

type RoutingSetPath struct {
	Destination uint8
	Hops        [MaxHops]uint8
}

type RoutingSetRank struct {
	Rank uint8
}

type RoutingAck struct{}

func (RoutingSetPath) Type() Type    { return TypeRoutingSetPath }
func (p RoutingSetPath) Dest() uint8 { return p.Destination }
func (RoutingSetRank) Type() Type    { return TypeRoutingSetRank }
func (RoutingAck) Type() Type        { return TypeRoutingAck }

type MonitorRequest struct {
	Destination uint8
	Channel     uint16
	Probe       uint8
}

type MonitorReply struct {
	Value uint64
}

func (MonitorRequest) Type() Type    { return TypeMonitorRequest }
func (p MonitorRequest) Dest() uint8 { return p.Destination }
func (MonitorReply) Type() Type      { return TypeMonitorReply }

type InjectionRequest struct {
	Destination uint8
	Channel     uint16
	Overrd      uint8
	Value       uint8
}

type InjectionStatusRequest struct {
	Destination uint8
	Channel     uint16
	Overrd      uint8
}

type InjectionStatusReply struct {
	Value uint8
}

func (InjectionRequest) Type() Type          { return TypeInjectionRequest }
func (p InjectionRequest) Dest() uint8       { return p.Destination }
func (InjectionStatusRequest) Type() Type    { return TypeInjectionStatusRequest }
func (p InjectionStatusRequest) Dest() uint8 { return p.Destination }
func (InjectionStatusReply) Type() Type      { return TypeInjectionStatusReply }

type I2cStartRequest struct {
	Destination uint8
	BusNo       uint8
}

type I2cRestartRequest struct {
	Destination uint8
	BusNo       uint8
}

type I2cStopRequest struct {
	Destination uint8
	BusNo       uint8
}

type I2cWriteRequest struct {
	Destination uint8
	BusNo       uint8
	Data        uint8
}

type I2cWriteReply struct {
	Succeeded bool
	Ack       bool
}

type I2cReadRequest struct {
	Destination uint8
	BusNo       uint8
	Ack         bool
}

type I2cReadReply struct {
	Succeeded bool
	Data      uint8
}

type I2cBasicReply struct {
	Succeeded bool
}

type I2cSwitchSelectRequest struct {
	Destination uint8
	BusNo       uint8
	Address     uint8
	Mask        uint8
}

func (I2cStartRequest) Type() Type          { return TypeI2cStartRequest }
func (p I2cStartRequest) Dest() uint8       { return p.Destination }
func (I2cRestartRequest) Type() Type        { return TypeI2cRestartRequest }
func (p I2cRestartRequest) Dest() uint8     { return p.Destination }
func (I2cStopRequest) Type() Type           { return TypeI2cStopRequest }
func (p I2cStopRequest) Dest() uint8        { return p.Destination }
func (I2cWriteRequest) Type() Type          { return TypeI2cWriteRequest }
func (p I2cWriteRequest) Dest() uint8       { return p.Destination }
func (I2cWriteReply) Type() Type            { return TypeI2cWriteReply }
func (I2cReadRequest) Type() Type           { return TypeI2cReadRequest }
func (p I2cReadRequest) Dest() uint8        { return p.Destination }
func (I2cReadReply) Type() Type             { return TypeI2cReadReply }
func (I2cBasicReply) Type() Type            { return TypeI2cBasicReply }
func (I2cSwitchSelectRequest) Type() Type   { return TypeI2cSwitchSelectRequest }
func (p I2cSwitchSelectRequest) Dest() uint8 { return p.Destination }

type SpiSetConfigRequest struct {
	Destination uint8
	BusNo       uint8
	Flags       uint8
	Length      uint8
	Div         uint8
	CS          uint8
}

type SpiWriteRequest struct {
	Destination uint8
	BusNo       uint8
	Data        uint32
}

type SpiReadRequest struct {
	Destination uint8
	BusNo       uint8
}

type SpiReadReply struct {
	Succeeded bool
	Data      uint32
}

type SpiBasicReply struct {
	Succeeded bool
}

func (SpiSetConfigRequest) Type() Type    { return TypeSpiSetConfigRequest }
func (p SpiSetConfigRequest) Dest() uint8 { return p.Destination }
func (SpiWriteRequest) Type() Type        { return TypeSpiWriteRequest }
func (p SpiWriteRequest) Dest() uint8     { return p.Destination }
func (SpiReadRequest) Type() Type         { return TypeSpiReadRequest }
func (p SpiReadRequest) Dest() uint8      { return p.Destination }
func (SpiReadReply) Type() Type           { return TypeSpiReadReply }
func (SpiBasicReply) Type() Type          { return TypeSpiBasicReply }

type AnalyzerHeaderRequest struct {
	Destination uint8
}

type AnalyzerHeader struct {
	SentBytes      uint32
	TotalByteCount uint64
	Overflow       bool
}

type AnalyzerDataRequest struct {
	Destination uint8
}

type AnalyzerData struct {
	Last bool
	Data []byte // up to SatPayloadMaxSize
}

func (AnalyzerHeaderRequest) Type() Type    { return TypeAnalyzerHeaderRequest }
func (p AnalyzerHeaderRequest) Dest() uint8 { return p.Destination }
func (AnalyzerHeader) Type() Type           { return TypeAnalyzerHeader }
func (AnalyzerDataRequest) Type() Type      { return TypeAnalyzerDataRequest }
func (p AnalyzerDataRequest) Dest() uint8   { return p.Destination }
func (AnalyzerData) Type() Type             { return TypeAnalyzerData }

type DmaAddTraceRequest struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Status      PayloadStatus
	Trace       []byte // up to MasterPayloadMaxSize
}

type DmaAddTraceReply struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Succeeded   bool
}

type DmaRemoveTraceRequest struct {
	Source      uint8
	Destination uint8
	ID          uint32
}

type DmaRemoveTraceReply struct {
	Destination uint8
	Succeeded   bool
}

type DmaPlaybackRequest struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Timestamp   uint64
}

type DmaPlaybackReply struct {
	Destination uint8
	Succeeded   bool
}

// DmaPlaybackStatus reports asynchronous completion of a DMA playback to
// whichever destination started it.
type DmaPlaybackStatus struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Error       uint8
	Channel     uint32
	Timestamp   uint64
}

func (DmaAddTraceRequest) Type() Type       { return TypeDmaAddTraceRequest }
func (p DmaAddTraceRequest) Dest() uint8    { return p.Destination }
func (DmaAddTraceReply) Type() Type         { return TypeDmaAddTraceReply }
func (p DmaAddTraceReply) Dest() uint8      { return p.Destination }
func (DmaRemoveTraceRequest) Type() Type    { return TypeDmaRemoveTraceRequest }
func (p DmaRemoveTraceRequest) Dest() uint8 { return p.Destination }
func (DmaRemoveTraceReply) Type() Type      { return TypeDmaRemoveTraceReply }
func (p DmaRemoveTraceReply) Dest() uint8   { return p.Destination }
func (DmaPlaybackRequest) Type() Type       { return TypeDmaPlaybackRequest }
func (p DmaPlaybackRequest) Dest() uint8    { return p.Destination }
func (DmaPlaybackReply) Type() Type         { return TypeDmaPlaybackReply }
func (p DmaPlaybackReply) Dest() uint8      { return p.Destination }
func (DmaPlaybackStatus) Type() Type        { return TypeDmaPlaybackStatus }
func (p DmaPlaybackStatus) Dest() uint8     { return p.Destination }

type SubkernelAddDataRequest struct {
	Destination uint8
	ID          uint32
	Status      PayloadStatus
	Data        []byte // up to MasterPayloadMaxSize
}

type SubkernelAddDataReply struct {
	Succeeded bool
}

type SubkernelLoadRunRequest struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Run         bool
	Timestamp   uint64
}

type SubkernelLoadRunReply struct {
	Destination uint8
	Succeeded   bool
}

// SubkernelFinished reports the end of a subkernel run back to whichever
// destination requested it. ExceptionSrc is only meaningful when
// WithException is set.
type SubkernelFinished struct {
	Destination   uint8
	ID            uint32
	WithException bool
	ExceptionSrc  uint8
}

type SubkernelExceptionRequest struct {
	Source      uint8
	Destination uint8
}

type SubkernelException struct {
	Destination uint8
	Last        bool
	Data        []byte // up to SatPayloadMaxSize
}

type SubkernelMessage struct {
	Source      uint8
	Destination uint8
	ID          uint32
	Status      PayloadStatus
	Data        []byte // up to MasterPayloadMaxSize
}

type SubkernelMessageAck struct {
	Destination uint8
}

func (SubkernelAddDataRequest) Type() Type      { return TypeSubkernelAddDataRequest }
func (p SubkernelAddDataRequest) Dest() uint8   { return p.Destination }
func (SubkernelAddDataReply) Type() Type        { return TypeSubkernelAddDataReply }
func (SubkernelLoadRunRequest) Type() Type      { return TypeSubkernelLoadRunRequest }
func (p SubkernelLoadRunRequest) Dest() uint8   { return p.Destination }
func (SubkernelLoadRunReply) Type() Type        { return TypeSubkernelLoadRunReply }
func (p SubkernelLoadRunReply) Dest() uint8     { return p.Destination }
func (SubkernelFinished) Type() Type            { return TypeSubkernelFinished }
func (p SubkernelFinished) Dest() uint8         { return p.Destination }
func (SubkernelExceptionRequest) Type() Type    { return TypeSubkernelExceptionRequest }
func (p SubkernelExceptionRequest) Dest() uint8 { return p.Destination }
func (SubkernelException) Type() Type           { return TypeSubkernelException }
func (p SubkernelException) Dest() uint8        { return p.Destination }
func (SubkernelMessage) Type() Type             { return TypeSubkernelMessage }
func (p SubkernelMessage) Dest() uint8          { return p.Destination }
func (SubkernelMessageAck) Type() Type          { return TypeSubkernelMessageAck }
func (p SubkernelMessageAck) Dest() uint8       { return p.Destination }

type CoreMgmtGetLogRequest struct {
	Destination uint8
	Clear       bool
}

type CoreMgmtClearLogRequest struct {
	Destination uint8
}

type CoreMgmtSetLogLevelRequest struct {
	Destination uint8
	Level       uint8
}

type CoreMgmtSetUartLogLevelRequest struct {
	Destination uint8
	Level       uint8
}

type CoreMgmtConfigReadRequest struct {
	Destination uint8
	Key         []byte // up to MasterPayloadMaxSize
}

type CoreMgmtConfigReadContinue struct {
	Destination uint8
}

type CoreMgmtConfigWriteRequest struct {
	Destination uint8
	Last        bool
	Data        []byte // up to MasterPayloadMaxSize
}

type CoreMgmtConfigRemoveRequest struct {
	Destination uint8
	Key         []byte // up to MasterPayloadMaxSize
}

type CoreMgmtConfigEraseRequest struct {
	Destination uint8
}

type CoreMgmtRebootRequest struct {
	Destination uint8
}

type CoreMgmtAllocatorDebugRequest struct {
	Destination uint8
}

type CoreMgmtFlashRequest struct {
	Destination   uint8
	PayloadLength uint32
}

type CoreMgmtFlashAddDataRequest struct {
	Destination uint8
	Last        bool
	Data        []byte // up to MasterPayloadMaxSize
}

type CoreMgmtDropLink struct {
	Destination uint8
}

type CoreMgmtDropLinkAck struct {
	Destination uint8
}

type CoreMgmtGetLogReply struct {
	Last bool
	Data []byte // up to SatPayloadMaxSize
}

type CoreMgmtConfigReadReply struct {
	Last  bool
	Value []byte // up to SatPayloadMaxSize
}

type CoreMgmtReply struct {
	Succeeded bool
}

func (CoreMgmtGetLogRequest) Type() Type            { return TypeCoreMgmtGetLogRequest }
func (p CoreMgmtGetLogRequest) Dest() uint8         { return p.Destination }
func (CoreMgmtClearLogRequest) Type() Type          { return TypeCoreMgmtClearLogRequest }
func (p CoreMgmtClearLogRequest) Dest() uint8       { return p.Destination }
func (CoreMgmtSetLogLevelRequest) Type() Type       { return TypeCoreMgmtSetLogLevelRequest }
func (p CoreMgmtSetLogLevelRequest) Dest() uint8    { return p.Destination }
func (CoreMgmtSetUartLogLevelRequest) Type() Type   { return TypeCoreMgmtSetUartLogLevelRequest }
func (p CoreMgmtSetUartLogLevelRequest) Dest() uint8 { return p.Destination }
func (CoreMgmtConfigReadRequest) Type() Type        { return TypeCoreMgmtConfigReadRequest }
func (p CoreMgmtConfigReadRequest) Dest() uint8     { return p.Destination }
func (CoreMgmtConfigReadContinue) Type() Type       { return TypeCoreMgmtConfigReadContinue }
func (p CoreMgmtConfigReadContinue) Dest() uint8    { return p.Destination }
func (CoreMgmtConfigWriteRequest) Type() Type       { return TypeCoreMgmtConfigWriteRequest }
func (p CoreMgmtConfigWriteRequest) Dest() uint8    { return p.Destination }
func (CoreMgmtConfigRemoveRequest) Type() Type      { return TypeCoreMgmtConfigRemoveRequest }
func (p CoreMgmtConfigRemoveRequest) Dest() uint8   { return p.Destination }
func (CoreMgmtConfigEraseRequest) Type() Type       { return TypeCoreMgmtConfigEraseRequest }
func (p CoreMgmtConfigEraseRequest) Dest() uint8    { return p.Destination }
func (CoreMgmtRebootRequest) Type() Type            { return TypeCoreMgmtRebootRequest }
func (p CoreMgmtRebootRequest) Dest() uint8         { return p.Destination }
func (CoreMgmtAllocatorDebugRequest) Type() Type    { return TypeCoreMgmtAllocatorDebugRequest }
func (p CoreMgmtAllocatorDebugRequest) Dest() uint8 { return p.Destination }
func (CoreMgmtFlashRequest) Type() Type             { return TypeCoreMgmtFlashRequest }
func (p CoreMgmtFlashRequest) Dest() uint8          { return p.Destination }
func (CoreMgmtFlashAddDataRequest) Type() Type      { return TypeCoreMgmtFlashAddDataRequest }
func (p CoreMgmtFlashAddDataRequest) Dest() uint8   { return p.Destination }
func (CoreMgmtDropLink) Type() Type                 { return TypeCoreMgmtDropLink }
func (p CoreMgmtDropLink) Dest() uint8              { return p.Destination }
func (CoreMgmtDropLinkAck) Type() Type              { return TypeCoreMgmtDropLinkAck }
func (p CoreMgmtDropLinkAck) Dest() uint8           { return p.Destination }
func (CoreMgmtGetLogReply) Type() Type              { return TypeCoreMgmtGetLogReply }
func (CoreMgmtConfigReadReply) Type() Type          { return TypeCoreMgmtConfigReadReply }
func (CoreMgmtReply) Type() Type                    { return TypeCoreMgmtReply }

type CXPReadRequest struct {
	Destination uint8
	Address     uint32
	Length      uint16
}

type CXPReadReply struct {
	Data []byte // up to CXPPayloadMaxSize
}

type CXPWrite32Request struct {
	Destination uint8
	Address     uint32
	Value       uint32
}

type CXPWrite32Reply struct{}

type CXPROIViewerSetupRequest struct {
	Destination uint8
	X0, Y0      uint16
	X1, Y1      uint16
}

type CXPROIViewerSetupReply struct{}

type CXPROIViewerDataRequest struct {
	Destination uint8
}

type CXPROIViewerFrameDataReply struct {
	Width     uint16
	Height    uint16
	PixelCode uint16
}

type CXPROIViewerPixelDataReply struct {
	Data []byte // up to CXPPayloadMaxSize, multiple of 8
}

type CXPError struct {
	Message []byte // up to CXPPayloadMaxSize
}

// CXPWaitReply tells the requester that the camera transaction is still
// in flight and the request should be repeated.
type CXPWaitReply struct{}

// ExpectsResponse reports whether forwarding p downstream should block
// for a reply on the same link. Replies, acks and asynchronous status
// notifications terminate a conversation and are forwarded fire-and-forget.
func ExpectsResponse(p Packet) bool {
	switch p.(type) {
	case DmaAddTraceReply, DmaRemoveTraceReply, DmaPlaybackReply,
		DmaPlaybackStatus,
		SubkernelLoadRunReply, SubkernelFinished, SubkernelException,
		SubkernelMessageAck:
		return false
	}
	return true
}

func (CXPReadRequest) Type() Type             { return TypeCXPReadRequest }
func (p CXPReadRequest) Dest() uint8          { return p.Destination }
func (CXPReadReply) Type() Type               { return TypeCXPReadReply }
func (CXPWrite32Request) Type() Type          { return TypeCXPWrite32Request }
func (p CXPWrite32Request) Dest() uint8       { return p.Destination }
func (CXPWrite32Reply) Type() Type            { return TypeCXPWrite32Reply }
func (CXPROIViewerSetupRequest) Type() Type   { return TypeCXPROIViewerSetupRequest }
func (p CXPROIViewerSetupRequest) Dest() uint8 { return p.Destination }
func (CXPROIViewerSetupReply) Type() Type     { return TypeCXPROIViewerSetupReply }
func (CXPROIViewerDataRequest) Type() Type    { return TypeCXPROIViewerDataRequest }
func (p CXPROIViewerDataRequest) Dest() uint8 { return p.Destination }
func (CXPROIViewerFrameDataReply) Type() Type { return TypeCXPROIViewerFrameDataReply }
func (CXPROIViewerPixelDataReply) Type() Type { return TypeCXPROIViewerPixelDataReply }
func (CXPError) Type() Type                   { return TypeCXPError }
func (CXPWaitReply) Type() Type               { return TypeCXPWaitReply }
