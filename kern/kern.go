// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kern defines the message vocabulary exchanged with the
// kernel execution engine and the bounded two-directional channel pair
// carrying it. The protocol layer never inspects engine internals;
// this vocabulary is the whole interface.
package kern // import "github.com/QuantumQuadrate/madmax-artiq-zynq/kern"

import (
	"errors"
	"time"
)

// Message is one engine-channel message. The set is closed: every
// implementation lives in this package.
type Message interface {
	kernMsg()
}

// Lifecycle.
type (
	// LoadRequest carries a complete kernel binary to the engine.
	LoadRequest struct{ Library []byte }
	// LoadCompleted acknowledges a successful load.
	LoadCompleted struct{}
	// LoadFailed reports a failed load.
	LoadFailed struct{}
	// StartRequest starts the loaded kernel.
	StartRequest struct{}
	// KernelFinished reports normal kernel completion.
	KernelFinished struct{ AsyncErrors uint8 }
	// KernelException reports kernel termination by exception.
	KernelException struct {
		Exceptions    []Exception
		StackPointers []StackPointerBacktrace
		Backtrace     [][2]uint32
		AsyncErrors   uint8
	}
	// RtioInitRequest asks for an RTIO core reset. Satellites ignore
	// it: core.reset() only affects the local node.
	RtioInitRequest struct{}
)

// Exception is one entry of a kernel exception report.
type Exception struct {
	ID       uint32
	Message  string
	Param    [3]int64
	File     string
	Line     uint32
	Column   uint32
	Function string
}

// StackPointerBacktrace locates one stack frame group of an exception
// report.
type StackPointerBacktrace struct {
	StackPointer         uint32
	InitialBacktraceSize uint32
	CurrentBacktraceSize uint32
}

// Host RPC.
type (
	// RpcSend forwards an RPC call to the host. Only the top-level
	// kernel may issue it.
	RpcSend struct {
		Async   bool
		Service uint32
		Tags    []byte
		Data    []byte
	}
	// RpcRecvRequest asks for the next RPC return value slot.
	RpcRecvRequest struct{}
	// RpcRecvReply carries the size of the next RPC return allocation.
	RpcRecvReply struct{ Size int }
)

// Cache.
type (
	CachePutRequest struct {
		Key   string
		Value []int32
	}
	CacheGetRequest struct{ Key string }
	CacheGetReply   struct{ Value []int32 }
)

// DmaRecorder is a finished DMA recording handed over by the engine.
type DmaRecorder struct {
	Name     string
	Buffer   []byte
	Duration int64
}

// DmaMeta describes a stored trace for playback.
type DmaMeta struct {
	ID       uint32
	Duration int64
}

// DMA.
type (
	DmaPutRequest   struct{ Recorder DmaRecorder }
	DmaEraseRequest struct{ Name string }
	DmaGetRequest   struct{ Name string }
	// DmaGetReply carries nil when no trace of that name exists.
	DmaGetReply           struct{ Meta *DmaMeta }
	DmaStartRemoteRequest struct {
		ID        uint32
		Timestamp uint64
	}
	DmaAwaitRemoteRequest struct{ ID uint32 }
	DmaAwaitRemoteReply   struct {
		Timeout   bool
		Error     uint8
		Channel   uint32
		Timestamp uint64
	}
)

// Subkernels.
type (
	SubkernelLoadRunRequest struct {
		ID          uint32
		Destination uint8
		Run         bool
		Timestamp   uint64
	}
	SubkernelLoadRunReply       struct{ Succeeded bool }
	SubkernelAwaitFinishRequest struct {
		ID uint32
		// Timeout in ms; <= 0 waits indefinitely.
		Timeout int64
	}
	SubkernelAwaitFinishReply struct{}
	SubkernelMsgSend          struct {
		ID uint32
		// Destination nil targets whoever requested the run.
		Destination *uint8
		Data        []byte
	}
	SubkernelMsgSent      struct{}
	SubkernelMsgRecvRequest struct {
		// ID -1 means the current session's own id.
		ID int32
		// Timeout in ms; <= 0 waits indefinitely.
		Timeout int64
		Tags    []byte
	}
	SubkernelMsgRecvReply struct {
		Count uint8
		Data  []byte
	}
	// SubkernelError reports a failed subkernel operation to the
	// engine.
	SubkernelError struct{ Status SubkernelStatus }
)

// SubkernelStatus classifies a SubkernelError.
type SubkernelStatus struct {
	Kind SubkernelStatusKind
	// Exception holds the serialized exception record for
	// StatusException.
	Exception []byte
}

type SubkernelStatusKind uint8

const (
	StatusTimeout SubkernelStatusKind = iota + 1
	StatusIncorrectState
	StatusCommLost
	StatusException
	StatusOtherError
)

// UpDestinations query.
type (
	UpDestinationsRequest struct{ Destination int32 }
	UpDestinationsReply   struct{ Up bool }
)

// I2C passthrough.
type (
	I2cStartRequest   struct{ Bus uint32 }
	I2cRestartRequest struct{ Bus uint32 }
	I2cStopRequest    struct{ Bus uint32 }
	I2cWriteRequest   struct {
		Bus  uint32
		Data uint8
	}
	I2cReadRequest struct {
		Bus uint32
		Ack bool
	}
	I2cSwitchSelectRequest struct {
		Bus     uint32
		Address uint8
		Mask    uint8
	}
	I2cBasicReply struct{ Succeeded bool }
	I2cWriteReply struct {
		Succeeded bool
		Ack       bool
	}
	I2cReadReply struct {
		Succeeded bool
		Data      uint8
	}
)

// CXP camera access.
type (
	CXPReadRequest struct {
		Destination uint8
		Address     uint32
		Length      uint16
	}
	CXPReadReply  struct{ Data []byte }
	CXPWrite32    struct {
		Destination uint8
		Address     uint32
		Value       uint32
	}
	CXPError struct{ Message string }

	CXPROIViewerSetupRequest struct {
		Destination uint8
		X0, Y0      uint16
		X1, Y1      uint16
	}
	CXPROIViewerSetupReply  struct{}
	CXPROIViewerDataRequest struct{ Destination uint8 }
	CXPROIViewerPixelDataReply struct{ Data []uint64 }
	CXPROIViewerFrameDataReply struct {
		Width     uint16
		Height    uint16
		PixelCode uint16
	}
)

func (LoadRequest) kernMsg()     {}
func (LoadCompleted) kernMsg()   {}
func (LoadFailed) kernMsg()      {}
func (StartRequest) kernMsg()    {}
func (KernelFinished) kernMsg()  {}
func (KernelException) kernMsg() {}
func (RtioInitRequest) kernMsg() {}

func (RpcSend) kernMsg()        {}
func (RpcRecvRequest) kernMsg() {}
func (RpcRecvReply) kernMsg()   {}

func (CachePutRequest) kernMsg() {}
func (CacheGetRequest) kernMsg() {}
func (CacheGetReply) kernMsg()   {}

func (DmaPutRequest) kernMsg()         {}
func (DmaEraseRequest) kernMsg()       {}
func (DmaGetRequest) kernMsg()         {}
func (DmaGetReply) kernMsg()           {}
func (DmaStartRemoteRequest) kernMsg() {}
func (DmaAwaitRemoteRequest) kernMsg() {}
func (DmaAwaitRemoteReply) kernMsg()   {}

func (SubkernelLoadRunRequest) kernMsg()     {}
func (SubkernelLoadRunReply) kernMsg()       {}
func (SubkernelAwaitFinishRequest) kernMsg() {}
func (SubkernelAwaitFinishReply) kernMsg()   {}
func (SubkernelMsgSend) kernMsg()            {}
func (SubkernelMsgSent) kernMsg()            {}
func (SubkernelMsgRecvRequest) kernMsg()     {}
func (SubkernelMsgRecvReply) kernMsg()       {}
func (SubkernelError) kernMsg()              {}

func (UpDestinationsRequest) kernMsg() {}
func (UpDestinationsReply) kernMsg()   {}

func (I2cStartRequest) kernMsg()        {}
func (I2cRestartRequest) kernMsg()      {}
func (I2cStopRequest) kernMsg()         {}
func (I2cWriteRequest) kernMsg()        {}
func (I2cReadRequest) kernMsg()         {}
func (I2cSwitchSelectRequest) kernMsg() {}
func (I2cBasicReply) kernMsg()          {}
func (I2cWriteReply) kernMsg()          {}
func (I2cReadReply) kernMsg()           {}

func (CXPReadRequest) kernMsg()             {}
func (CXPReadReply) kernMsg()               {}
func (CXPWrite32) kernMsg()                 {}
func (CXPError) kernMsg()                   {}
func (CXPROIViewerSetupRequest) kernMsg()   {}
func (CXPROIViewerSetupReply) kernMsg()     {}
func (CXPROIViewerDataRequest) kernMsg()    {}
func (CXPROIViewerPixelDataReply) kernMsg() {}
func (CXPROIViewerFrameDataReply) kernMsg() {}

// ErrNoMessage is returned by non-blocking receives when the channel
// is empty.
var ErrNoMessage = errors.New("kern: no message pending")

// channelDepth bounds each direction of a Control pair.
const channelDepth = 4

// Control is the bounded two-directional channel pair between the
// protocol layer and one kernel execution engine instance. It is the
// only state shared across the two contexts; all access goes through
// sends and receives.
type Control struct {
	// Tx carries protocol -> engine messages.
	Tx chan Message
	// Rx carries engine -> protocol messages.
	Rx chan Message
}

func NewControl() *Control {
	return &Control{
		Tx: make(chan Message, channelDepth),
		Rx: make(chan Message, channelDepth),
	}
}

// Restart drops all in-flight messages in both directions, modeling an
// engine process restart.
func (c *Control) Restart() {
	for {
		select {
		case <-c.Tx:
		case <-c.Rx:
		default:
			return
		}
	}
}

// Send delivers msg to the engine, blocking while the channel is full.
func (c *Control) Send(msg Message) { c.Tx <- msg }

// TryRecv returns the next engine message without blocking.
func (c *Control) TryRecv() (Message, error) {
	select {
	case msg := <-c.Rx:
		return msg, nil
	default:
		return nil, ErrNoMessage
	}
}

// RecvTimeout waits up to d for the next engine message.
func (c *Control) RecvTimeout(d time.Duration) (Message, error) {
	select {
	case msg := <-c.Rx:
		return msg, nil
	case <-time.After(d):
		return nil, ErrNoMessage
	}
}
