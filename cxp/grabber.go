// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"fmt"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

// PHY extends FrameIO with the link management hooks used during camera
// bring-up: line-rate switching, channel status and the receiver-side
// link test counters.
type PHY interface {
	FrameIO

	ChannelReady() bool
	SetTXSpeed(Speed)
	SetRXSpeed(Speed)
	ResetTestCounts()
	RXTestPacketCount() uint32
	RXTestErrorCount() uint32
}

// Grabber register window layout. Control registers sit at the base of
// the window; the TX packet buffer and the RX packet ring follow.
const (
	regTXBusy        = 0x00
	regTXWordLen     = 0x04
	regTXStb         = 0x08
	regTXStbTestSeq  = 0x0c
	regTXSpeed       = 0x10
	regRXPending     = 0x14
	regRXReadPtr     = 0x18
	regRXReady       = 0x1c
	regRXSpeed       = 0x20
	regTestCntReset  = 0x24
	regTestPacketCnt = 0x28
	regTestErrorCnt  = 0x2c

	txBufOffset = 0x080
	rxBufOffset = 0x100
	rxBufCount  = 4

	// GrabberWindowSize is the span to map for one grabber core.
	GrabberWindowSize = rxBufOffset + rxBufCount*CtrlPacketMaxSize

	txIdleTimeout = 10 * time.Millisecond
)

// Grabber drives one CXP grabber core through its register window.
type Grabber struct {
	mem gw.RW

	txBusy       gw.Reg32
	txWordLen    gw.Reg32
	txStb        gw.Reg32
	txStbTestSeq gw.Reg32
	txSpeed      gw.Reg32

	rxPending gw.Reg32
	rxReadPtr gw.Reg32
	rxReady   gw.Reg32
	rxSpeed   gw.Reg32

	testCntReset  gw.Reg32
	testPacketCnt gw.Reg32
	testErrorCnt  gw.Reg32

	rbuf [CtrlPacketMaxSize]byte
}

// NewGrabber binds a grabber core at the base of mem.
func NewGrabber(mem gw.RW) *Grabber {
	return &Grabber{
		mem:           mem,
		txBusy:        gw.NewReg32(mem, regTXBusy),
		txWordLen:     gw.NewReg32(mem, regTXWordLen),
		txStb:         gw.NewReg32(mem, regTXStb),
		txStbTestSeq:  gw.NewReg32(mem, regTXStbTestSeq),
		txSpeed:       gw.NewReg32(mem, regTXSpeed),
		rxPending:     gw.NewReg32(mem, regRXPending),
		rxReadPtr:     gw.NewReg32(mem, regRXReadPtr),
		rxReady:       gw.NewReg32(mem, regRXReady),
		rxSpeed:       gw.NewReg32(mem, regRXSpeed),
		testCntReset:  gw.NewReg32(mem, regTestCntReset),
		testPacketCnt: gw.NewReg32(mem, regTestPacketCnt),
		testErrorCnt:  gw.NewReg32(mem, regTestErrorCnt),
	}
}

// waitTXIdle spins until the TX writer releases the packet buffer.
func (g *Grabber) waitTXIdle() error {
	limit := time.Now().Add(txIdleTimeout)
	for g.txBusy.Read() == 1 {
		if !time.Now().Before(limit) {
			return fmt.Errorf("cxp: TX writer stuck busy: %w", ErrTimeout)
		}
	}
	return nil
}

// SendFrame copies frame into the TX buffer and strobes the writer.
func (g *Grabber) SendFrame(frame []byte) error {
	if len(frame) > CtrlPacketMaxSize || len(frame)%4 != 0 {
		return fmt.Errorf("cxp: invalid TX frame length %d", len(frame))
	}
	if err := g.waitTXIdle(); err != nil {
		return err
	}
	if _, err := g.mem.WriteAt(frame, txBufOffset); err != nil {
		return fmt.Errorf("cxp: could not write TX buffer: %w", err)
	}
	g.txWordLen.Write(uint32(len(frame) / 4))
	g.txStb.Write(1)
	return nil
}

// RecvFrame pops one packet from the RX ring, or returns (nil, nil)
// when none is pending. The slice is reused by the next call.
func (g *Grabber) RecvFrame() ([]byte, error) {
	if g.rxPending.Read() != 1 {
		return nil, nil
	}
	ptr := g.rxReadPtr.Read() % rxBufCount
	off := int64(rxBufOffset + ptr*CtrlPacketMaxSize)
	if _, err := g.mem.ReadAt(g.rbuf[:], off); err != nil {
		return nil, fmt.Errorf("cxp: could not read RX buffer: %w", err)
	}
	// writing 1 releases the buffer back to the gateware
	g.rxPending.Write(1)
	return g.rbuf[:], nil
}

// SendTestFrame strobes the fixed link test sequence generator.
func (g *Grabber) SendTestFrame() error {
	if err := g.waitTXIdle(); err != nil {
		return err
	}
	g.txStbTestSeq.Write(1)
	return nil
}

// ChannelReady reports whether the receiver is locked and decoding
// words on the master channel.
func (g *Grabber) ChannelReady() bool { return g.rxReady.Read() == 1 }

func (g *Grabber) SetTXSpeed(s Speed) { g.txSpeed.Write(uint32(s)) }
func (g *Grabber) SetRXSpeed(s Speed) { g.rxSpeed.Write(uint32(s)) }

// ResetTestCounts clears the receiver-side link test counters.
func (g *Grabber) ResetTestCounts() { g.testCntReset.Write(1) }

// RXTestPacketCount returns the number of test packets the receiver
// decoded since the last reset.
func (g *Grabber) RXTestPacketCount() uint32 { return g.testPacketCnt.Read() }

// RXTestErrorCount returns the number of corrupted test words the
// receiver saw since the last reset.
func (g *Grabber) RXTestErrorCount() uint32 { return g.testErrorCnt.Read() }

var _ PHY = (*Grabber)(nil)
