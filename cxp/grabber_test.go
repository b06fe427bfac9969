// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"bytes"
	"testing"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

func TestGrabberSendFrame(t *testing.T) {
	mem := gw.NewMem(GrabberWindowSize)
	g := NewGrabber(mem)

	frame := mustMarshalRead(t, nil, 0x4004, 4)
	if err := g.SendFrame(frame); err != nil {
		t.Fatalf("could not send frame: %+v", err)
	}

	var buf [CtrlPacketMaxSize]byte
	if _, err := mem.ReadAt(buf[:len(frame)], txBufOffset); err != nil {
		t.Fatalf("could not read TX buffer: %+v", err)
	}
	if !bytes.Equal(buf[:len(frame)], frame) {
		t.Fatalf("invalid TX buffer contents:\ngot= %x\nwant=%x", buf[:len(frame)], frame)
	}
	if got := gw.NewReg32(mem, regTXWordLen).Read(); got != uint32(len(frame)/4) {
		t.Fatalf("invalid TX word length: got=%d, want=%d", got, len(frame)/4)
	}
	if got := gw.NewReg32(mem, regTXStb).Read(); got != 1 {
		t.Fatalf("TX writer not strobed")
	}
}

func TestGrabberSendFrameInvalid(t *testing.T) {
	g := NewGrabber(gw.NewMem(GrabberWindowSize))
	if err := g.SendFrame(make([]byte, CtrlPacketMaxSize+4)); err == nil {
		t.Fatalf("oversized frame: expected an error")
	}
	if err := g.SendFrame(make([]byte, 7)); err == nil {
		t.Fatalf("unaligned frame: expected an error")
	}
}

func TestGrabberSendFrameBusy(t *testing.T) {
	mem := gw.NewMem(GrabberWindowSize)
	gw.NewReg32(mem, regTXBusy).Write(1)
	g := NewGrabber(mem)
	if err := g.SendFrame(mustMarshalRead(t, nil, 0, 4)); err == nil {
		t.Fatalf("busy TX writer: expected an error")
	}
}

func TestGrabberRecvFrame(t *testing.T) {
	mem := gw.NewMem(GrabberWindowSize)
	g := NewGrabber(mem)

	// nothing pending
	frame, err := g.RecvFrame()
	if err != nil {
		t.Fatalf("could not poll RX: %+v", err)
	}
	if frame != nil {
		t.Fatalf("unexpected pending frame")
	}

	// stage one packet in ring slot 2
	want := replyFrame(false, 0, ackOK, nil)
	if _, err := mem.WriteAt(want, rxBufOffset+2*CtrlPacketMaxSize); err != nil {
		t.Fatalf("could not stage RX packet: %+v", err)
	}
	gw.NewReg32(mem, regRXReadPtr).Write(2)
	gw.NewReg32(mem, regRXPending).Write(1)

	frame, err = g.RecvFrame()
	if err != nil {
		t.Fatalf("could not receive frame: %+v", err)
	}
	if !bytes.Equal(frame[:len(want)], want) {
		t.Fatalf("invalid frame:\ngot= %x\nwant=%x", frame[:len(want)], want)
	}
}

func TestGrabberTestCounters(t *testing.T) {
	mem := gw.NewMem(GrabberWindowSize)
	gw.NewReg32(mem, regTestPacketCnt).Write(10)
	gw.NewReg32(mem, regTestErrorCnt).Write(1)

	g := NewGrabber(mem)
	if got := g.RXTestPacketCount(); got != 10 {
		t.Fatalf("invalid test packet count: got=%d, want=10", got)
	}
	if got := g.RXTestErrorCount(); got != 1 {
		t.Fatalf("invalid test error count: got=%d, want=1", got)
	}
	g.ResetTestCounts()
	if got := gw.NewReg32(mem, regTestCntReset).Read(); got != 1 {
		t.Fatalf("test counters not reset")
	}
}
