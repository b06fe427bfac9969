// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"bytes"
	"testing"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

func TestROIViewerSetup(t *testing.T) {
	mem := gw.NewMem(ROIViewerWindowSize)
	v := NewROIViewer(mem)

	v.Setup(10, 20, 110, 220)
	for _, tc := range []struct {
		offset int64
		want   uint32
	}{
		{regROIX0, 10},
		{regROIY0, 20},
		{regROIX1, 110},
		{regROIY1, 220},
	} {
		if got := gw.NewReg32(mem, tc.offset).Read(); got != tc.want {
			t.Fatalf("register 0x%02x: got=%d, want=%d", tc.offset, got, tc.want)
		}
	}
	if w, h := v.Size(); w != 100 || h != 200 {
		t.Fatalf("window size: got=(%d, %d), want=(100, 200)", w, h)
	}
}

func TestROIViewerDrain(t *testing.T) {
	mem := gw.NewMem(ROIViewerWindowSize)
	v := NewROIViewer(mem)

	if v.Ready() {
		t.Fatalf("viewer ready without a frame")
	}
	gw.NewReg32(mem, regROIReady).Write(1)
	gw.NewReg32(mem, regROIFIFOCount).Write(2)
	gw.NewReg32(mem, regROIFIFOLo).Write(0x44332211)
	gw.NewReg32(mem, regROIFIFOHi).Write(0x88776655)
	gw.NewReg32(mem, regROIPixelCode).Write(0x0101)

	if !v.Ready() {
		t.Fatalf("viewer not ready")
	}
	word := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	want := append(append([]byte(nil), word...), word...)
	if got := v.Drain(16); !bytes.Equal(got, want) {
		t.Fatalf("drained words:\ngot= %x\nwant=%x", got, want)
	}
	// max caps the batch
	if got := v.Drain(1); !bytes.Equal(got, word) {
		t.Fatalf("capped drain:\ngot= %x\nwant=%x", got, word)
	}
	if code := v.PixelCode(); code != 0x0101 {
		t.Fatalf("pixel code: got=%#04x", code)
	}
}

func TestCXPManagerROIData(t *testing.T) {
	mem := gw.NewMem(ROIViewerWindowSize)
	m := NewCXPManager(nil, NewROIViewer(mem), discard(t))

	m.ProcessROISetup(0, 0, 4, 2)

	// no frame yet
	if _, ok := m.ProcessROIData().(drtioaux.CXPWaitReply); !ok {
		t.Fatalf("expected a wait reply before the frame")
	}

	gw.NewReg32(mem, regROIReady).Write(1)
	gw.NewReg32(mem, regROIFIFOCount).Write(1)
	gw.NewReg32(mem, regROIFIFOLo).Write(0xdeadbeef)
	gw.NewReg32(mem, regROIPixelCode).Write(0x0101)

	p := m.ProcessROIData()
	pix, ok := p.(drtioaux.CXPROIViewerPixelDataReply)
	if !ok || len(pix.Data) != 8 {
		t.Fatalf("pixel batch: got=%#v", p)
	}

	gw.NewReg32(mem, regROIFIFOCount).Write(0)
	p = m.ProcessROIData()
	frame, ok := p.(drtioaux.CXPROIViewerFrameDataReply)
	if !ok {
		t.Fatalf("frame descriptor: got=%#v", p)
	}
	if frame.Width != 4 || frame.Height != 2 || frame.PixelCode != 0x0101 {
		t.Fatalf("frame descriptor: got=%+v", frame)
	}
}

func TestCXPManagerNoHardware(t *testing.T) {
	m := NewCXPManager(nil, nil, discard(t))

	p := m.ProcessReadRequest(0x2000, 4)
	if e, ok := p.(drtioaux.CXPError); !ok || string(e.Message) != "camera is not connected" {
		t.Fatalf("read without a camera: got=%#v", p)
	}
	p = m.ProcessWrite32Request(0x2000, 1)
	if e, ok := p.(drtioaux.CXPError); !ok || string(e.Message) != "camera is not connected" {
		t.Fatalf("write without a camera: got=%#v", p)
	}
	p = m.ProcessROISetup(0, 0, 1, 1)
	if e, ok := p.(drtioaux.CXPError); !ok || string(e.Message) != "no ROI viewer on this satellite" {
		t.Fatalf("setup without a viewer: got=%#v", p)
	}
	p = m.ProcessROIData()
	if _, ok := p.(drtioaux.CXPError); !ok {
		t.Fatalf("data without a viewer: got=%#v", p)
	}
}

func TestCXPManagerPendingResult(t *testing.T) {
	m := NewCXPManager(nil, nil, discard(t))

	done := make(chan struct{})
	p := m.takePending(func() {
		m.complete(drtioaux.CXPReadReply{Data: []byte{1, 2, 3, 4}})
		close(done)
	})
	if _, ok := p.(drtioaux.CXPWaitReply); !ok {
		t.Fatalf("first poll: got=%#v", p)
	}
	<-done
	p = m.takePending(func() { t.Error("second transaction started") })
	reply, ok := p.(drtioaux.CXPReadReply)
	if !ok || !bytes.Equal(reply.Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("stored result: got=%#v", p)
	}
}
