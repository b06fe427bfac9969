// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/kern"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

var (
	// ErrNoTrace is reported when an id names no stored trace.
	ErrNoTrace = errors.New("satman: no such DMA trace")

	// ErrTraceIncomplete is reported when playback of a partially
	// uploaded trace is requested.
	ErrTraceIncomplete = errors.New("satman: DMA trace incomplete")

	// ErrPlaybackBusy is reported when a playback is already running.
	ErrPlaybackBusy = errors.New("satman: DMA playback in progress")
)

// PlaybackStatus reports the outcome of one local trace playback.
type PlaybackStatus struct {
	Source    uint8
	ID        uint32
	Error     uint8
	Channel   uint32
	Timestamp uint64
}

// PlaybackEngine submits a serialized event trace to the RTIO output
// interface. Poll reports completion exactly once per started playback.
type PlaybackEngine interface {
	Start(trace []byte, timestamp uint64) error
	Poll() (err uint8, channel uint32, timestamp uint64, done bool)
}

// RTIO DMA engine register block.
const (
	regDmaEnable      = 0x00 // write 1 to start, reads back busy
	regDmaTimestampLo = 0x04
	regDmaTimestampHi = 0x08
	regDmaLength      = 0x0c
	regDmaDone        = 0x10 // write 1 to clear
	regDmaError       = 0x14
	regDmaErrChannel  = 0x18
	regDmaErrTSLo     = 0x1c
	regDmaErrTSHi     = 0x20

	dmaBufOffset = 0x400

	// DmaBufSize is the trace buffer capacity of the engine window.
	DmaBufSize = 1 << 16

	// DmaWindowSize is the size of the register window an RTIODma needs.
	DmaWindowSize = dmaBufOffset + DmaBufSize
)

// RTIODma drives the gateware DMA playback engine.
type RTIODma struct {
	mem gw.RW

	enable      gw.Reg32
	timestampLo gw.Reg32
	timestampHi gw.Reg32
	length      gw.Reg32
	done        gw.Reg32
	errCode     gw.Reg32
	errChannel  gw.Reg32
	errTSLo     gw.Reg32
	errTSHi     gw.Reg32
}

// NewRTIODma binds a playback engine to a register window.
func NewRTIODma(mem gw.RW) *RTIODma {
	return &RTIODma{
		mem:         mem,
		enable:      gw.NewReg32(mem, regDmaEnable),
		timestampLo: gw.NewReg32(mem, regDmaTimestampLo),
		timestampHi: gw.NewReg32(mem, regDmaTimestampHi),
		length:      gw.NewReg32(mem, regDmaLength),
		done:        gw.NewReg32(mem, regDmaDone),
		errCode:     gw.NewReg32(mem, regDmaError),
		errChannel:  gw.NewReg32(mem, regDmaErrChannel),
		errTSLo:     gw.NewReg32(mem, regDmaErrTSLo),
		errTSHi:     gw.NewReg32(mem, regDmaErrTSHi),
	}
}

func (d *RTIODma) Start(trace []byte, timestamp uint64) error {
	if len(trace) > DmaBufSize {
		return fmt.Errorf("satman: DMA trace too long (%d > %d)", len(trace), DmaBufSize)
	}
	if d.enable.Read() == 1 {
		return ErrPlaybackBusy
	}
	if _, err := d.mem.WriteAt(trace, dmaBufOffset); err != nil {
		return fmt.Errorf("satman: could not load DMA trace: %w", err)
	}
	d.length.Write(uint32(len(trace)))
	d.timestampLo.Write(uint32(timestamp))
	d.timestampHi.Write(uint32(timestamp >> 32))
	d.enable.Write(1)
	return nil
}

func (d *RTIODma) Poll() (uint8, uint32, uint64, bool) {
	if d.done.Read() == 0 {
		return 0, 0, 0, false
	}
	d.done.Write(1)
	var (
		code    = uint8(d.errCode.Read())
		channel = d.errChannel.Read()
		ts      = uint64(d.errTSHi.Read())<<32 | uint64(d.errTSLo.Read())
	)
	return code, channel, ts, true
}

var _ PlaybackEngine = (*RTIODma)(nil)

type traceKey struct {
	source uint8
	id     uint32
}

type dmaEntry struct {
	trace    []byte
	complete bool
	duration int64
}

// remoteTraces tracks one kernel-recorded trace's per-destination
// remote parts through upload and playback.
type remoteTraces struct {
	traces map[uint8]*drtioaux.Sliceable

	uploadDone     int
	uploadReported bool

	playTotal int
	playDone  int
	playErr   uint8
	playChan  uint32
	playTS    uint64
}

func (rt *remoteTraces) destinations() []uint8 {
	dests := make([]uint8, 0, len(rt.traces))
	for dest := range rt.traces {
		dests = append(dests, dest)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	return dests
}

// DmaManager stores named event traces and coordinates their upload to
// and playback on this node and remote destinations.
type DmaManager struct {
	engine PlaybackEngine
	msg    *log.Logger

	entries map[traceKey]*dmaEntry
	names   map[string]uint32
	remote  map[uint32]*remoteTraces
	nextID  uint32

	playing *traceKey
}

// NewDmaManager returns an empty trace store driving the given engine.
func NewDmaManager(engine PlaybackEngine, msg *log.Logger) *DmaManager {
	return &DmaManager{
		engine:  engine,
		msg:     msg,
		entries: make(map[traceKey]*dmaEntry),
		names:   make(map[string]uint32),
		remote:  make(map[uint32]*remoteTraces),
	}
}

// Add accumulates one chunk of a trace uploaded by source. A first
// chunk truncates whatever was stored under the same key.
func (m *DmaManager) Add(source uint8, id uint32, status drtioaux.PayloadStatus, chunk []byte) error {
	key := traceKey{source, id}
	entry := m.entries[key]
	if entry == nil || entry.complete || status.IsFirst() {
		entry = &dmaEntry{}
		m.entries[key] = entry
	}
	entry.trace = append(entry.trace, chunk...)
	if status.IsLast() {
		entry.complete = true
	}
	return nil
}

// Erase drops the trace stored under (source, id).
func (m *DmaManager) Erase(source uint8, id uint32) error {
	key := traceKey{source, id}
	if _, ok := m.entries[key]; !ok {
		return ErrNoTrace
	}
	delete(m.entries, key)
	return nil
}

// Playback starts local playback of a stored trace at the given base
// timestamp.
func (m *DmaManager) Playback(source uint8, id uint32, timestamp uint64) error {
	entry, ok := m.entries[traceKey{source, id}]
	if !ok {
		return ErrNoTrace
	}
	if !entry.complete {
		return ErrTraceIncomplete
	}
	if m.playing != nil {
		return ErrPlaybackBusy
	}
	if err := m.engine.Start(entry.trace, timestamp); err != nil {
		return fmt.Errorf("satman: could not start playback: %w", err)
	}
	m.playing = &traceKey{source, id}
	return nil
}

// Running reports whether a local playback is in flight.
func (m *DmaManager) Running() bool { return m.playing != nil }

// CheckState polls the engine and returns the completion status of the
// current playback, or nil.
func (m *DmaManager) CheckState() *PlaybackStatus {
	if m.playing == nil {
		return nil
	}
	code, channel, ts, done := m.engine.Poll()
	if !done {
		return nil
	}
	st := &PlaybackStatus{
		Source:    m.playing.source,
		ID:        m.playing.id,
		Error:     code,
		Channel:   channel,
		Timestamp: ts,
	}
	m.playing = nil
	return st
}

// PutRecord stores a kernel-recorded trace, splitting it into the local
// part and per-destination remote parts. Each record of the buffer
// starts with its length byte; the record's destination lives at byte
// offset 3 (the top byte of the little-endian target word). The trace
// ends at a zero length byte.
func (m *DmaManager) PutRecord(rec kern.DmaRecorder, selfDestination uint8) (uint32, error) {
	var (
		local  []byte
		remote = make(map[uint8]*drtioaux.Sliceable)
		buf    = append(rec.Buffer, 0)
		ptr    = 0
	)
	for buf[ptr] != 0 {
		n := int(buf[ptr])
		if n < 4 || ptr+n > len(buf)-1 {
			return 0, fmt.Errorf("satman: malformed DMA record at offset %d", ptr)
		}
		record := buf[ptr : ptr+n]
		switch dest := record[3]; dest {
		case 0:
			return 0, fmt.Errorf("satman: DMA record targets the master (offset %d)", ptr)
		case selfDestination:
			local = append(local, record...)
		default:
			if tr, ok := remote[dest]; ok {
				tr.Extend(record)
			} else {
				remote[dest] = drtioaux.NewSliceable(dest, append([]byte(nil), record...))
			}
		}
		ptr += n
	}
	local = append(local, 0)

	if old, ok := m.names[rec.Name]; ok {
		m.eraseID(old, selfDestination)
	}
	m.nextID++
	id := m.nextID
	m.names[rec.Name] = id
	m.entries[traceKey{selfDestination, id}] = &dmaEntry{
		trace:    local,
		complete: true,
		duration: rec.Duration,
	}
	m.remote[id] = &remoteTraces{traces: remote}
	return id, nil
}

// Meta resolves a stored trace name to its playback handle.
func (m *DmaManager) Meta(name string) *kern.DmaMeta {
	id, ok := m.names[name]
	if !ok {
		return nil
	}
	var duration int64
	for key, entry := range m.entries {
		if key.id == id {
			duration = entry.duration
			break
		}
	}
	return &kern.DmaMeta{ID: id, Duration: duration}
}

func (m *DmaManager) eraseID(id uint32, selfDestination uint8) {
	delete(m.entries, traceKey{selfDestination, id})
	delete(m.remote, id)
}

// EraseName drops a kernel-recorded trace locally and asks every remote
// destination holding a part of it to do the same.
func (m *DmaManager) EraseName(name string, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) {
	id, ok := m.names[name]
	if !ok {
		return
	}
	if rt := m.remote[id]; rt != nil {
		for _, dest := range rt.destinations() {
			err := router.Route(drtioaux.DmaRemoveTraceRequest{
				Source:      selfDestination,
				Destination: dest,
				ID:          id,
			}, tbl, rank, selfDestination, routing.FromLocal)
			if err != nil {
				m.msg.Printf("could not route trace erase to %d: %v", dest, err)
			}
		}
	}
	m.eraseID(id, selfDestination)
	delete(m.names, name)
}

// UploadTraces starts the fan-out upload of a trace's remote parts and
// returns the number of destinations involved.
func (m *DmaManager) UploadTraces(id uint32, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) (int, error) {
	rt, ok := m.remote[id]
	if !ok {
		return 0, ErrNoTrace
	}
	rt.uploadDone = 0
	rt.uploadReported = false
	for _, dest := range rt.destinations() {
		if err := m.sendChunk(rt, id, dest, router, tbl, rank, selfDestination); err != nil {
			return 0, err
		}
	}
	return len(rt.traces), nil
}

func (m *DmaManager) sendChunk(rt *remoteTraces, id uint32, dest uint8, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) error {
	tr := rt.traces[dest]
	chunk, st := tr.Peek(drtioaux.MasterPayloadMaxSize)
	return router.Route(drtioaux.DmaAddTraceRequest{
		Source:      selfDestination,
		Destination: dest,
		ID:          id,
		Status:      st,
		Trace:       append([]byte(nil), chunk...),
	}, tbl, rank, selfDestination, routing.FromLocal)
}

// AckUpload consumes one remote upload acknowledgement, advancing that
// destination's cursor. The subkernel session is signalled exactly once:
// when every destination acked its last chunk, or on the first failure.
func (m *DmaManager) AckUpload(km *KernelManager, source uint8, id uint32, succeeded bool, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) {
	rt, ok := m.remote[id]
	if !ok {
		m.msg.Printf("DMA upload ack for unknown trace id %d", id)
		return
	}
	tr, ok := rt.traces[source]
	if !ok {
		m.msg.Printf("DMA upload ack from uninvolved destination %d", source)
		return
	}
	if rt.uploadReported {
		return
	}
	if !succeeded {
		rt.uploadReported = true
		km.DdmaRemoteUploaded(false)
		return
	}
	tr.Ack()
	if !tr.AtEnd() {
		if err := m.sendChunk(rt, id, source, router, tbl, rank, selfDestination); err != nil {
			m.msg.Printf("could not route trace chunk to %d: %v", source, err)
		}
		return
	}
	rt.uploadDone++
	if rt.uploadDone == len(rt.traces) {
		rt.uploadReported = true
		km.DdmaRemoteUploaded(true)
	}
}

// PlaybackRemote starts the distributed playback of a kernel-recorded
// trace: the local part on this node's engine, the remote parts via
// routed playback requests.
func (m *DmaManager) PlaybackRemote(id uint32, timestamp uint64, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) error {
	rt, ok := m.remote[id]
	if !ok {
		return ErrNoTrace
	}
	rt.playTotal = len(rt.traces)
	rt.playDone = 0
	rt.playErr = 0

	entry := m.entries[traceKey{selfDestination, id}]
	if entry != nil && len(entry.trace) > 1 {
		if err := m.Playback(selfDestination, id, timestamp); err != nil {
			return err
		}
		rt.playTotal++
	}
	for _, dest := range rt.destinations() {
		err := router.Route(drtioaux.DmaPlaybackRequest{
			Source:      selfDestination,
			Destination: dest,
			ID:          id,
			Timestamp:   timestamp,
		}, tbl, rank, selfDestination, routing.FromLocal)
		if err != nil {
			return fmt.Errorf("satman: could not route playback request to %d: %w", dest, err)
		}
	}
	return nil
}

// RemoteFinished aggregates distributed playback completions and wakes
// the awaiting subkernel session once every participant reported. The
// first error reported wins; participants finishing in the same poll
// are taken in arrival order.
func (m *DmaManager) RemoteFinished(km *KernelManager, id uint32, errCode uint8, channel uint32, timestamp uint64) {
	rt, ok := m.remote[id]
	if !ok {
		m.msg.Printf("playback status for unknown trace id %d", id)
		return
	}
	if rt.playDone == rt.playTotal {
		m.msg.Printf("stale playback status for trace id %d", id)
		return
	}
	rt.playDone++
	if errCode != 0 && rt.playErr == 0 {
		rt.playErr = errCode
		rt.playChan = channel
		rt.playTS = timestamp
	} else if rt.playErr == 0 {
		rt.playTS = timestamp
	}
	if rt.playDone == rt.playTotal {
		km.DdmaFinished(rt.playErr, rt.playChan, rt.playTS)
	}
}

// Cleanup erases every kernel-recorded trace, locally and remotely.
// Called when the recording kernel stops.
func (m *DmaManager) Cleanup(router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) {
	for name := range m.names {
		m.EraseName(name, router, tbl, rank, selfDestination)
	}
}
