// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/kern"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

var (
	// ErrKernelNotFound is returned by Load when no complete kernel
	// image is stored under the requested id.
	ErrKernelNotFound = errors.New("satman: kernel not found")

	// ErrLoadFailed is returned by Load when the execution engine
	// rejects the kernel image.
	ErrLoadFailed = errors.New("satman: kernel load failed")
)

const (
	loadTimeout = 10 * time.Second
	ddmaTimeout = 10 * time.Second
)

// PlaybackErrNack is the playback error code reported to the kernel when
// a remote satellite refused a distributed DMA playback request.
const PlaybackErrNack uint8 = 0x80

type sessionState int

const (
	stateAbsent sessionState = iota
	stateLoaded
	stateRunning
	stateMsgAwait
	stateMsgSending
	stateSubkernelAwaitLoad
	stateSubkernelAwaitFinish
	stateRetrievingException
	stateDmaUploading
	stateDmaPendingPlayback
	stateDmaPendingAwait
	stateDmaAwait
)

type kernelEntry struct {
	library  []byte
	complete bool
}

type finishedKernel struct {
	id            uint32
	source        uint8
	withException bool
	excSource     uint8
}

type session struct {
	id     uint32
	state  sessionState
	source uint8 // destination that requested the run

	deadline time.Time // zero means no timeout

	msgID   uint32
	msgTags []byte

	finishID uint32

	pendingID uint32 // playback deferred until upload acks arrive
	pendingTS uint64

	excSource uint8
}

type ddmaResult struct {
	err       uint8
	channel   uint32
	timestamp uint64
}

// KernelManager owns the kernel image store, the execution session state
// machine and the inter-kernel message plumbing of one satellite.
type KernelManager struct {
	control *kern.Control
	msg     *log.Logger
	now     func() time.Time

	kernels  map[uint32]*kernelEntry
	session  session
	messages messageManager
	cache    map[string][]int32

	lastFinished   *finishedKernel
	remoteFinished []finishedKernel

	lastException     *drtioaux.Sliceable
	externalException []byte

	uploadResult *bool
	playResult   *ddmaResult

	// names resolves an RTIO channel number to a human-readable name
	// for exception reports. Optional.
	names func(uint32) string
}

// NewKernelManager returns a manager driving the execution engine behind
// control. names may be nil.
func NewKernelManager(control *kern.Control, names func(uint32) string, msg *log.Logger) *KernelManager {
	return &KernelManager{
		control:  control,
		msg:      msg,
		now:      time.Now,
		kernels:  make(map[uint32]*kernelEntry),
		cache:    make(map[string][]int32),
		messages: messageManager{msg: msg},
		names:    names,
	}
}

// Add appends a kernel image chunk received over the aux channel.
func (km *KernelManager) Add(id uint32, status drtioaux.PayloadStatus, data []byte) error {
	entry := km.kernels[id]
	if status.IsFirst() || entry == nil || entry.complete {
		entry = &kernelEntry{}
		km.kernels[id] = entry
	}
	entry.library = append(entry.library, data...)
	if status.IsLast() {
		entry.complete = true
	}
	return nil
}

// Load restarts the execution engine and loads the kernel image stored
// under id. Loading an already loaded id is a no-op.
func (km *KernelManager) Load(id uint32) error {
	if km.session.id == id && km.session.state == stateLoaded {
		return nil
	}
	entry := km.kernels[id]
	if entry == nil || !entry.complete {
		return ErrKernelNotFound
	}
	km.session = session{id: id, state: stateAbsent}
	km.control.Restart()
	km.control.Send(kern.LoadRequest{Library: entry.library})
	for {
		msg, err := km.control.RecvTimeout(loadTimeout)
		if err != nil {
			return fmt.Errorf("satman: could not load kernel %d: %w", id, err)
		}
		switch msg.(type) {
		case kern.LoadCompleted:
			km.session.state = stateLoaded
			return nil
		case kern.LoadFailed:
			return ErrLoadFailed
		default:
			km.msg.Printf("satman: unexpected engine message during load: %T", msg)
		}
	}
}

// Run starts the kernel stored under id on behalf of source. The kernel
// is loaded first if needed. A non-zero timestamp schedules the RTIO
// time base of the run.
func (km *KernelManager) Run(source uint8, id uint32, timestamp uint64) error {
	if km.session.state != stateLoaded || km.session.id != id {
		if err := km.Load(id); err != nil {
			return err
		}
	}
	if timestamp != 0 {
		km.msg.Printf("satman: starting subkernel %d at timestamp %d", id, timestamp)
	}
	km.session.source = source
	km.session.state = stateRunning
	km.control.Send(kern.StartRequest{})
	return nil
}

// Running reports whether a kernel session is active, in any state past
// Loaded.
func (km *KernelManager) Running() bool {
	return km.session.state != stateAbsent && km.session.state != stateLoaded
}

// CurrentID returns the id of the current session.
func (km *KernelManager) CurrentID() uint32 { return km.session.id }

// SubkernelLoadRunReply resolves a pending remote load-and-run issued by
// the current kernel.
func (km *KernelManager) SubkernelLoadRunReply(succeeded bool) {
	if km.session.state != stateSubkernelAwaitLoad {
		km.msg.Printf("satman: unsolicited subkernel load reply (succeeded=%v)", succeeded)
		return
	}
	km.control.Send(kern.SubkernelLoadRunReply{Succeeded: succeeded})
	km.session.state = stateRunning
}

// RemoteSubkernelFinished records the completion of a subkernel running
// on another satellite.
func (km *KernelManager) RemoteSubkernelFinished(id uint32, withException bool, exceptionSrc uint8) {
	km.remoteFinished = append(km.remoteFinished, finishedKernel{
		id:            id,
		withException: withException,
		excSource:     exceptionSrc,
	})
}

// DdmaRemoteUploaded records the outcome of a distributed DMA trace
// upload. The session state machine consumes it on the next cycle.
func (km *KernelManager) DdmaRemoteUploaded(succeeded bool) {
	ok := succeeded
	km.uploadResult = &ok
}

// DdmaFinished records the aggregate outcome of a distributed DMA
// playback.
func (km *KernelManager) DdmaFinished(errCode uint8, channel uint32, timestamp uint64) {
	km.playResult = &ddmaResult{err: errCode, channel: channel, timestamp: timestamp}
}

// DdmaNack records a refused distributed DMA playback request.
func (km *KernelManager) DdmaNack() {
	km.playResult = &ddmaResult{err: PlaybackErrNack}
}

// MessageHandleIncoming buffers an inter-kernel message chunk addressed
// to this satellite.
func (km *KernelManager) MessageHandleIncoming(status drtioaux.PayloadStatus, id uint32, data []byte) {
	km.messages.handleIncoming(status, id, data)
}

// MessageAckSlice acknowledges the last outgoing message chunk and
// reports whether another chunk should be sent.
func (km *KernelManager) MessageAckSlice() bool {
	return km.messages.ackSlice()
}

// MessageGetSlice returns the next outgoing message chunk together with
// its destination.
func (km *KernelManager) MessageGetSlice(max int) (data []byte, status drtioaux.PayloadStatus, destination uint8, ok bool) {
	return km.messages.getOutgoingSlice(max)
}

// ReceivedException appends a chunk of a remote subkernel exception
// report. On the last chunk the exception is delivered to the local
// kernel; otherwise the next chunk is requested.
func (km *KernelManager) ReceivedException(data []byte, last bool, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) {
	if km.session.state != stateRetrievingException {
		km.msg.Printf("satman: unsolicited exception chunk (%d bytes)", len(data))
		return
	}
	km.externalException = append(km.externalException, data...)
	if last {
		km.control.Send(kern.SubkernelError{Status: kern.SubkernelStatus{
			Kind:      kern.StatusException,
			Exception: km.externalException,
		}})
		km.externalException = nil
		km.session.state = stateRunning
		return
	}
	err := router.Route(drtioaux.SubkernelExceptionRequest{
		Source:      selfDestination,
		Destination: km.session.excSource,
	}, tbl, rank, selfDestination, routing.FromLocal)
	if err != nil {
		km.msg.Printf("satman: could not request next exception chunk: %+v", err)
	}
}

// ExceptionGetSlice returns the next chunk of the stored exception
// report of the last locally failed kernel.
func (km *KernelManager) ExceptionGetSlice(max int) ([]byte, drtioaux.PayloadStatus) {
	if km.lastException == nil {
		return nil, drtioaux.PayloadFirst | drtioaux.PayloadLast
	}
	data, status := km.lastException.Next(max)
	if status.IsLast() {
		km.lastException = nil
	}
	return data, status
}

// ProcessKernRequests drives the session state machine for one cycle:
// it flushes pending completion notifications, resolves waits and
// services requests issued by the running kernel.
func (km *KernelManager) ProcessKernRequests(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) {
	km.flushFinished(router, tbl, rank, destination)
	if !km.Running() {
		return
	}
	if blocked := km.processExternalMessages(router, tbl, rank, destination, dma); blocked {
		return
	}
	if !km.Running() {
		return
	}
	km.processKernMessage(router, tbl, rank, destination, dma)
}

func (km *KernelManager) flushFinished(router *routing.Router, tbl *routing.Table, rank, destination uint8) {
	if km.lastFinished == nil {
		return
	}
	lf := km.lastFinished
	err := router.Route(drtioaux.SubkernelFinished{
		Destination:   lf.source,
		ID:            lf.id,
		WithException: lf.withException,
		ExceptionSrc:  lf.excSource,
	}, tbl, rank, destination, routing.FromLocal)
	if err != nil {
		km.msg.Printf("satman: could not report subkernel completion: %+v", err)
		return // retried next cycle
	}
	km.lastFinished = nil
}

// processExternalMessages resolves session states that wait on external
// events. It reports whether the session is still blocked and must not
// consume kernel messages this cycle.
func (km *KernelManager) processExternalMessages(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) bool {
	switch km.session.state {
	case stateMsgAwait:
		if km.deadlinePassed() {
			km.control.Send(kern.SubkernelError{Status: kern.SubkernelStatus{Kind: kern.StatusTimeout}})
			km.session.state = stateRunning
			return false
		}
		if in := km.messages.getIncoming(km.session.msgID); in != nil {
			km.control.Send(kern.SubkernelMsgRecvReply{Count: in.count, Data: in.data})
			km.session.state = stateRunning
			return false
		}
		km.checkFinishedKernels(km.session.msgID, router, tbl, rank, destination)
		return km.session.state == stateMsgAwait

	case stateMsgSending:
		if km.messages.wasAcknowledged() {
			km.control.Send(kern.SubkernelMsgSent{})
			km.session.state = stateRunning
			return false
		}
		return true

	case stateSubkernelAwaitLoad:
		return true // resolved by SubkernelLoadRunReply

	case stateSubkernelAwaitFinish:
		if km.deadlinePassed() {
			km.control.Send(kern.SubkernelError{Status: kern.SubkernelStatus{Kind: kern.StatusTimeout}})
			km.session.state = stateRunning
			return false
		}
		km.checkFinishedKernels(km.session.finishID, router, tbl, rank, destination)
		return km.session.state == stateSubkernelAwaitFinish

	case stateRetrievingException:
		return true // resolved by ReceivedException

	case stateDmaUploading:
		if r := km.takeUploadResult(); r != nil {
			if !*r {
				km.uploadFailure(router, tbl, rank, destination, dma)
				return true
			}
			km.session.state = stateRunning
			return false
		}
		return true

	case stateDmaPendingPlayback:
		if r := km.takeUploadResult(); r != nil {
			if !*r {
				km.uploadFailure(router, tbl, rank, destination, dma)
				return true
			}
			km.session.state = stateRunning
			km.startPendingPlayback(router, tbl, rank, destination, dma)
		}
		return false // kernel keeps running while the upload settles

	case stateDmaPendingAwait:
		if r := km.takeUploadResult(); r != nil {
			if !*r {
				km.uploadFailure(router, tbl, rank, destination, dma)
				return true
			}
			km.session.state = stateDmaAwait
			km.startPendingPlayback(router, tbl, rank, destination, dma)
		}
		return true

	case stateDmaAwait:
		if r := km.playResult; r != nil {
			km.playResult = nil
			km.control.Send(kern.DmaAwaitRemoteReply{
				Timeout:   false,
				Error:     r.err,
				Channel:   r.channel,
				Timestamp: r.timestamp,
			})
			km.session.state = stateRunning
			return false
		}
		if km.deadlinePassed() {
			km.control.Send(kern.DmaAwaitRemoteReply{Timeout: true})
			km.session.state = stateRunning
			return false
		}
		return true
	}
	return false
}

func (km *KernelManager) deadlinePassed() bool {
	return !km.session.deadline.IsZero() && km.now().After(km.session.deadline)
}

func (km *KernelManager) takeUploadResult() *bool {
	r := km.uploadResult
	km.uploadResult = nil
	return r
}

func (km *KernelManager) uploadFailure(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) {
	km.runtimeException(errors.New("satman: distributed DMA upload failed on a remote satellite"))
	km.stop(router, tbl, rank, destination, dma)
	km.finish(true, destination)
}

func (km *KernelManager) startPendingPlayback(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) {
	err := dma.PlaybackRemote(km.session.pendingID, km.session.pendingTS, router, tbl, rank, destination)
	if err != nil {
		km.msg.Printf("satman: could not start deferred DMA playback: %+v", err)
		km.DdmaNack()
	}
}

// checkFinishedKernels scans recorded remote completions for id. A clean
// completion resolves a finish wait; an exceptional one starts exception
// retrieval from the reporting satellite.
func (km *KernelManager) checkFinishedKernels(id uint32, router *routing.Router, tbl *routing.Table, rank, destination uint8) {
	for i, fk := range km.remoteFinished {
		if fk.id != id {
			continue
		}
		km.remoteFinished = append(km.remoteFinished[:i], km.remoteFinished[i+1:]...)
		if fk.withException {
			km.externalException = nil
			km.session.excSource = fk.excSource
			km.session.state = stateRetrievingException
			err := router.Route(drtioaux.SubkernelExceptionRequest{
				Source:      destination,
				Destination: fk.excSource,
			}, tbl, rank, destination, routing.FromLocal)
			if err != nil {
				km.msg.Printf("satman: could not request remote exception: %+v", err)
			}
			return
		}
		if km.session.state == stateSubkernelAwaitFinish {
			km.control.Send(kern.SubkernelAwaitFinishReply{})
			km.session.state = stateRunning
		}
		return
	}
}

func (km *KernelManager) processKernMessage(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) {
	msg, err := km.control.TryRecv()
	if err != nil {
		return
	}
	switch msg := msg.(type) {
	case kern.KernelFinished:
		km.stop(router, tbl, rank, destination, dma)
		km.finish(false, 0)

	case kern.KernelException:
		km.msg.Printf("satman: exception in subkernel %d", km.session.id)
		data := serializeExceptions(msg.Exceptions, msg.StackPointers, msg.Backtrace, msg.AsyncErrors, km.names)
		km.lastException = drtioaux.NewSliceable(0, data)
		km.stop(router, tbl, rank, destination, dma)
		km.finish(true, destination)

	case kern.CachePutRequest:
		km.cache[msg.Key] = msg.Value

	case kern.CacheGetRequest:
		km.control.Send(kern.CacheGetReply{Value: km.cache[msg.Key]})

	case kern.DmaPutRequest:
		id, err := dma.PutRecord(msg.Recorder, destination)
		if err != nil {
			km.msg.Printf("satman: could not store DMA trace: %+v", err)
			km.runtimeException(err)
			km.stop(router, tbl, rank, destination, dma)
			km.finish(true, destination)
			return
		}
		n, err := dma.UploadTraces(id, router, tbl, rank, destination)
		if err != nil {
			km.msg.Printf("satman: could not upload DMA traces: %+v", err)
			km.runtimeException(err)
			km.stop(router, tbl, rank, destination, dma)
			km.finish(true, destination)
			return
		}
		if n > 0 {
			km.session.state = stateDmaUploading
		}

	case kern.DmaEraseRequest:
		dma.EraseName(msg.Name, router, tbl, rank, destination)

	case kern.DmaGetRequest:
		km.control.Send(kern.DmaGetReply{Meta: dma.Meta(msg.Name)})

	case kern.DmaStartRemoteRequest:
		if km.session.state == stateDmaUploading {
			km.session.state = stateDmaPendingPlayback
			km.session.pendingID = msg.ID
			km.session.pendingTS = msg.Timestamp
			return
		}
		if err := dma.PlaybackRemote(msg.ID, msg.Timestamp, router, tbl, rank, destination); err != nil {
			km.msg.Printf("satman: could not start DMA playback: %+v", err)
			km.DdmaNack()
		}

	case kern.DmaAwaitRemoteRequest:
		km.session.deadline = km.now().Add(ddmaTimeout)
		if km.session.state == stateDmaPendingPlayback {
			km.session.state = stateDmaPendingAwait
		} else {
			km.session.state = stateDmaAwait
		}

	case kern.SubkernelMsgSend:
		dest := km.session.source
		if msg.Destination != nil {
			dest = *msg.Destination
		}
		err := km.messages.acceptOutgoing(msg.ID, destination, dest, msg.Data, router, tbl, rank)
		if err != nil {
			km.msg.Printf("satman: could not send inter-kernel message: %+v", err)
			km.runtimeException(err)
			km.stop(router, tbl, rank, destination, dma)
			km.finish(true, destination)
			return
		}
		km.session.state = stateMsgSending

	case kern.SubkernelMsgRecvRequest:
		id := km.session.id
		if msg.ID >= 0 {
			id = uint32(msg.ID)
		}
		km.session.msgID = id
		km.session.msgTags = msg.Tags
		km.session.deadline = time.Time{}
		if msg.Timeout > 0 {
			km.session.deadline = km.now().Add(time.Duration(msg.Timeout) * time.Millisecond)
		}
		km.session.state = stateMsgAwait

	case kern.SubkernelLoadRunRequest:
		km.session.state = stateSubkernelAwaitLoad
		err := router.Route(drtioaux.SubkernelLoadRunRequest{
			Source:      destination,
			Destination: msg.Destination,
			ID:          msg.ID,
			Run:         msg.Run,
			Timestamp:   msg.Timestamp,
		}, tbl, rank, destination, routing.FromLocal)
		if err != nil {
			km.msg.Printf("satman: could not forward subkernel load: %+v", err)
			km.SubkernelLoadRunReply(false)
		}

	case kern.SubkernelAwaitFinishRequest:
		km.session.finishID = msg.ID
		km.session.deadline = time.Time{}
		if msg.Timeout > 0 {
			km.session.deadline = km.now().Add(time.Duration(msg.Timeout) * time.Millisecond)
		}
		km.session.state = stateSubkernelAwaitFinish

	case kern.UpDestinationsRequest:
		km.control.Send(kern.UpDestinationsReply{Up: msg.Destination == int32(destination)})

	case kern.RtioInitRequest:
		// handled by the gateware reset path, nothing to do here

	case kern.RpcSend:
		km.msg.Printf("satman: subkernel %d attempted an RPC, not available on satellites", km.session.id)
		km.runtimeException(errors.New("satman: RPC calls are not available on satellites"))
		km.stop(router, tbl, rank, destination, dma)
		km.finish(true, destination)

	default:
		km.msg.Printf("satman: unexpected message from execution engine: %T", msg)
	}
}

// stop tears the session down and erases the DMA traces recorded by the
// kernel, locally and on remote satellites.
func (km *KernelManager) stop(router *routing.Router, tbl *routing.Table, rank, destination uint8, dma *DmaManager) {
	km.session.state = stateAbsent
	dma.Cleanup(router, tbl, rank, destination)
}

func (km *KernelManager) finish(withException bool, excSource uint8) {
	km.lastFinished = &finishedKernel{
		id:            km.session.id,
		source:        km.session.source,
		withException: withException,
		excSource:     excSource,
	}
}

func (km *KernelManager) runtimeException(err error) {
	exc := kern.Exception{
		ID:       11,
		Message:  fmt.Sprintf("in subkernel id %d: %v", km.session.id, err),
		Function: "system",
	}
	data := serializeExceptions([]kern.Exception{exc}, nil, nil, 0, km.names)
	km.lastException = drtioaux.NewSliceable(0, data)
}

// incoming message flow: chunks are reassembled per message id, the
// first chunk carries the tag count in its leading byte.

type incomingMessage struct {
	id    uint32
	count uint8
	data  []byte
}

type outMessageState int

const (
	outNoMessage outMessageState = iota
	outBeingSent
	outSent
	outAcknowledged
)

type messageManager struct {
	msg *log.Logger

	inBuffer *incomingMessage
	inQueue  []*incomingMessage

	out      *drtioaux.Sliceable
	outState outMessageState
}

func (m *messageManager) handleIncoming(status drtioaux.PayloadStatus, id uint32, data []byte) {
	if status.IsFirst() {
		if len(data) == 0 {
			m.msg.Printf("satman: empty inter-kernel message %d dropped", id)
			return
		}
		m.inBuffer = &incomingMessage{
			id:    id,
			count: data[0],
			data:  append([]byte(nil), data[1:]...),
		}
	} else {
		if m.inBuffer == nil || m.inBuffer.id != id {
			m.msg.Printf("satman: out-of-order inter-kernel message chunk for %d dropped", id)
			return
		}
		m.inBuffer.data = append(m.inBuffer.data, data...)
	}
	if status.IsLast() {
		m.inQueue = append(m.inQueue, m.inBuffer)
		m.inBuffer = nil
	}
}

func (m *messageManager) getIncoming(id uint32) *incomingMessage {
	for i, in := range m.inQueue {
		if in.id == id {
			m.inQueue = append(m.inQueue[:i], m.inQueue[i+1:]...)
			return in
		}
	}
	return nil
}

// acceptOutgoing queues data for destination and routes the first chunk
// immediately.
func (m *messageManager) acceptOutgoing(id uint32, selfDestination, destination uint8, data []byte, router *routing.Router, tbl *routing.Table, rank uint8) error {
	m.out = drtioaux.NewSliceable(destination, data)
	m.outState = outBeingSent
	chunk, status, dest, ok := m.getOutgoingSlice(drtioaux.MasterPayloadMaxSize)
	if !ok {
		return errors.New("satman: no outgoing message chunk")
	}
	return router.Route(drtioaux.SubkernelMessage{
		Source:      selfDestination,
		Destination: dest,
		ID:          id,
		Status:      status,
		Data:        chunk,
	}, tbl, rank, selfDestination, routing.FromLocal)
}

func (m *messageManager) getOutgoingSlice(max int) (data []byte, status drtioaux.PayloadStatus, destination uint8, ok bool) {
	if m.outState != outBeingSent || m.out == nil {
		return nil, 0, 0, false
	}
	data, status = m.out.Next(max)
	if status.IsLast() {
		m.outState = outSent
	}
	return data, status, m.out.Destination(), true
}

// ackSlice consumes one chunk acknowledgement and reports whether
// another chunk remains to be sent.
func (m *messageManager) ackSlice() bool {
	switch m.outState {
	case outBeingSent:
		return true
	case outSent:
		m.outState = outAcknowledged
		return false
	default:
		m.msg.Printf("satman: unsolicited inter-kernel message acknowledgement")
		return false
	}
}

func (m *messageManager) wasAcknowledged() bool {
	if m.outState != outAcknowledged {
		return false
	}
	m.outState = outNoMessage
	m.out = nil
	return true
}

// exception report wire format

const (
	excMagic   = 0x5a
	excVersion = 9
)

// serializeExceptions renders an exception report in the format consumed
// by the master-side session layer. RTIO channel placeholders in
// messages are substituted with the channel number and, when a resolver
// is available, the channel name.
func serializeExceptions(excs []kern.Exception, sps []kern.StackPointerBacktrace, backtrace [][2]uint32, asyncErrors uint8, names func(uint32) string) []byte {
	buf := new(bytes.Buffer)
	buf.Write([]byte{excMagic, excMagic, excMagic, excMagic, excVersion})
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	writeString := func(s string) {
		writeU32(uint32(len(s)))
		buf.WriteString(s)
	}
	writeU32(uint32(len(excs)))
	for _, exc := range excs {
		writeU32(exc.ID)
		writeString(substituteChannelInfo(exc.Message, exc.Param[0], names))
		for _, p := range exc.Param {
			writeU64(uint64(p))
		}
		writeString(exc.File)
		writeU32(exc.Line)
		writeU32(exc.Column)
		writeString(exc.Function)
	}
	for _, sp := range sps {
		writeU32(sp.StackPointer)
		writeU32(sp.InitialBacktraceSize)
		writeU32(sp.CurrentBacktraceSize)
	}
	writeU32(uint32(len(backtrace)))
	for _, entry := range backtrace {
		writeU32(entry[0])
		writeU32(entry[1])
	}
	buf.WriteByte(asyncErrors)
	return buf.Bytes()
}

const channelInfoPlaceholder = "{rtio_channel_info:0}"

func substituteChannelInfo(msg string, param int64, names func(uint32) string) string {
	if !strings.Contains(msg, channelInfoPlaceholder) {
		return msg
	}
	channel := uint32(param)
	info := fmt.Sprintf("0x%04x", channel)
	if names != nil {
		if name := names(channel); name != "" {
			info += ":" + name
		}
	}
	return strings.Replace(msg, channelInfoPlaceholder, info, 1)
}
