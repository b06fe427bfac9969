// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package satman implements the satellite-side manager of the DRTIO
// aux channel: the packet dispatcher, the repeater chain towards
// further satellites, the DMA trace manager, the subkernel session
// manager and the core-management transaction layer, tied together by
// a service loop that follows the uplink state.
package satman // import "github.com/QuantumQuadrate/madmax-artiq-zynq/satman"

import (
	"errors"
	"log"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

var (
	// ErrRouting is reported when a packet names a destination with no
	// usable hop entry at this node's rank.
	ErrRouting = errors.New("satman: no route to destination")

	// ErrUnexpectedReply is reported when a forwarded request came back
	// with a reply of the wrong kind.
	ErrUnexpectedReply = errors.New("satman: unexpected reply")
)

// Satellite RTIO core register block, one 32-bit register per offset.
const (
	regReset       = 0x00
	regResetPHY    = 0x04
	regRXUp        = 0x08
	regTSCLoaded   = 0x0c // write 1 to clear
	regProtoError  = 0x10 // write bits to clear
	regBufSpaceTimeoutDest = 0x14
	regUnderflowChannel    = 0x18
	regUnderflowTSEventLo  = 0x1c
	regUnderflowTSEventHi  = 0x20
	regUnderflowTSCountLo  = 0x24
	regUnderflowTSCountHi  = 0x28
	regRTIOError           = 0x2c // write bits to clear
	regSequenceErrorChan   = 0x30
	regCollisionChan       = 0x34
	regBusyChan            = 0x38
	regSEDSpread           = 0x3c
	regTXEnable            = 0x40

	regMonChanSel     = 0x44
	regMonProbeSel    = 0x48
	regMonValueUpdate = 0x4c
	regMonValueLo     = 0x50
	regMonValueHi     = 0x54
	regInjChanSel     = 0x58
	regInjOverrideSel = 0x5c
	regInjValue       = 0x60

	// CoreWindowSize is the size of the register window a Core needs.
	CoreWindowSize = 0x80
)

// Protocol error bits, as latched by the link gateware.
const (
	protoErrUnknownType = 1 << iota
	protoErrTruncated
	protoErrBufSpaceTimeout
	protoErrUnderflow
	protoErrOverflow
)

// RTIO error bits, per-channel conditions reported to the master on
// destination status requests.
const (
	RTIOErrSequence = 1 << iota
	RTIOErrCollision
	RTIOErrBusy
)

// Core drives the satellite RTIO core register block.
type Core struct {
	reset     gw.Reg32
	resetPHY  gw.Reg32
	rxUp      gw.Reg32
	tscLoaded gw.Reg32

	protoError   gw.Reg32
	bufTimeoutDest gw.Reg32
	ufChannel    gw.Reg32
	ufTSEventLo  gw.Reg32
	ufTSEventHi  gw.Reg32
	ufTSCountLo  gw.Reg32
	ufTSCountHi  gw.Reg32

	rtioError gw.Reg32
	seqChan   gw.Reg32
	collChan  gw.Reg32
	busyChan  gw.Reg32

	sedSpread gw.Reg32
	txEnable  gw.Reg32

	monChanSel     gw.Reg32
	monProbeSel    gw.Reg32
	monValueUpdate gw.Reg32
	monValueLo     gw.Reg32
	monValueHi     gw.Reg32
	injChanSel     gw.Reg32
	injOverrideSel gw.Reg32
	injValue       gw.Reg32
}

// NewCore binds a Core to a register window.
func NewCore(mem gw.RW) *Core {
	return &Core{
		reset:     gw.NewReg32(mem, regReset),
		resetPHY:  gw.NewReg32(mem, regResetPHY),
		rxUp:      gw.NewReg32(mem, regRXUp),
		tscLoaded: gw.NewReg32(mem, regTSCLoaded),

		protoError:     gw.NewReg32(mem, regProtoError),
		bufTimeoutDest: gw.NewReg32(mem, regBufSpaceTimeoutDest),
		ufChannel:      gw.NewReg32(mem, regUnderflowChannel),
		ufTSEventLo:    gw.NewReg32(mem, regUnderflowTSEventLo),
		ufTSEventHi:    gw.NewReg32(mem, regUnderflowTSEventHi),
		ufTSCountLo:    gw.NewReg32(mem, regUnderflowTSCountLo),
		ufTSCountHi:    gw.NewReg32(mem, regUnderflowTSCountHi),

		rtioError: gw.NewReg32(mem, regRTIOError),
		seqChan:   gw.NewReg32(mem, regSequenceErrorChan),
		collChan:  gw.NewReg32(mem, regCollisionChan),
		busyChan:  gw.NewReg32(mem, regBusyChan),

		sedSpread: gw.NewReg32(mem, regSEDSpread),
		txEnable:  gw.NewReg32(mem, regTXEnable),

		monChanSel:     gw.NewReg32(mem, regMonChanSel),
		monProbeSel:    gw.NewReg32(mem, regMonProbeSel),
		monValueUpdate: gw.NewReg32(mem, regMonValueUpdate),
		monValueLo:     gw.NewReg32(mem, regMonValueLo),
		monValueHi:     gw.NewReg32(mem, regMonValueHi),
		injChanSel:     gw.NewReg32(mem, regInjChanSel),
		injOverrideSel: gw.NewReg32(mem, regInjOverrideSel),
		injValue:       gw.NewReg32(mem, regInjValue),
	}
}

// Reset asserts or releases the RTIO core reset.
func (c *Core) Reset(on bool) { c.reset.Write(b2u(on)) }

// ResetPHY asserts or releases the RTIO PHY reset.
func (c *Core) ResetPHY(on bool) { c.resetPHY.Write(b2u(on)) }

// LinkRXUp reports whether the uplink receiver is locked.
func (c *Core) LinkRXUp() bool { return c.rxUp.Read() == 1 }

// TSCLoaded reports whether the timestamp counter was loaded from the
// uplink since the last call, clearing the latch when set.
func (c *Core) TSCLoaded() bool {
	loaded := c.tscLoaded.Read() == 1
	if loaded {
		c.tscLoaded.Write(1)
	}
	return loaded
}

// SetSEDSpread enables or disables SED spreading.
func (c *Core) SetSEDSpread(on bool) { c.sedSpread.Write(b2u(on)) }

// SetTXEnable gates the downstream transmitters. Dropping it severs
// the link on purpose, e.g. before a flash reboot.
func (c *Core) SetTXEnable(on bool) {
	if on {
		c.txEnable.Write(0xffffffff)
		return
	}
	c.txEnable.Write(0)
}

// ProcessErrors drains the link protocol error latch, logging every
// condition found.
func (c *Core) ProcessErrors(msg *log.Logger) {
	errs := c.protoError.Read()
	if errs == 0 {
		return
	}
	if errs&protoErrUnknownType != 0 {
		msg.Printf("received packet of an unknown type")
	}
	if errs&protoErrTruncated != 0 {
		msg.Printf("received truncated packet")
	}
	if errs&protoErrBufSpaceTimeout != 0 {
		msg.Printf("timeout attempting to get buffer space from CRI, destination=0x%02x",
			c.bufTimeoutDest.Read())
	}
	if errs&protoErrUnderflow != 0 {
		var (
			channel = c.ufChannel.Read()
			event   = int64(c.ufTSEventHi.Read())<<32 | int64(c.ufTSEventLo.Read())
			counter = int64(c.ufTSCountHi.Read())<<32 | int64(c.ufTSCountLo.Read())
		)
		msg.Printf("write underflow, channel=%d, timestamp=%d, counter=%d, slack=%d",
			channel, event, counter, event-counter)
	}
	if errs&protoErrOverflow != 0 {
		msg.Printf("write overflow")
	}
	c.protoError.Write(errs)
}

// RTIOError returns the pending per-channel error latch. Call
// ClearRTIOError with one bit to consume the corresponding condition.
func (c *Core) RTIOError() uint32 { return c.rtioError.Read() }

// ClearRTIOError acknowledges the given error bits.
func (c *Core) ClearRTIOError(mask uint32) { c.rtioError.Write(mask) }

// SequenceErrorChannel returns the channel of the latched sequence error.
func (c *Core) SequenceErrorChannel() uint16 { return uint16(c.seqChan.Read()) }

// CollisionChannel returns the channel of the latched collision.
func (c *Core) CollisionChannel() uint16 { return uint16(c.collChan.Read()) }

// BusyChannel returns the channel of the latched busy condition.
func (c *Core) BusyChannel() uint16 { return uint16(c.busyChan.Read()) }

// Monitor samples a monitoring probe.
func (c *Core) Monitor(channel uint16, probe uint8) uint64 {
	c.monChanSel.Write(uint32(channel))
	c.monProbeSel.Write(uint32(probe))
	c.monValueUpdate.Write(1)
	return uint64(c.monValueHi.Read())<<32 | uint64(c.monValueLo.Read())
}

// Inject overrides an output channel value.
func (c *Core) Inject(channel uint16, overrd, value uint8) {
	c.injChanSel.Write(uint32(channel))
	c.injOverrideSel.Write(uint32(overrd))
	c.injValue.Write(uint32(value))
}

// InjectionStatus reads back the current override value of a channel.
func (c *Core) InjectionStatus(channel uint16, overrd uint8) uint8 {
	c.injChanSel.Write(uint32(channel))
	c.injOverrideSel.Write(uint32(overrd))
	return uint8(c.injValue.Read())
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
