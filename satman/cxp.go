// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/cxp"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

// ROI viewer gateware registers.
const (
	regROIX0        = 0x00
	regROIY0        = 0x04
	regROIX1        = 0x08
	regROIY1        = 0x0c
	regROIReady     = 0x10
	regROIFIFOCount = 0x14
	regROIFIFOLo    = 0x18
	regROIFIFOHi    = 0x1c
	regROIPixelCode = 0x20

	// ROIViewerWindowSize is the size of the ROI viewer register window.
	ROIViewerWindowSize = 0x40
)

// ROIViewer drives the region-of-interest viewer gateware, which
// extracts a pixel window from the camera stream into a FIFO.
type ROIViewer struct {
	rx0, ry0, rx1, ry1 gw.Reg32
	ready              gw.Reg32
	count              gw.Reg32
	dataLo, dataHi     gw.Reg32
	pixCode            gw.Reg32

	x0, y0, x1, y1 uint16
}

// NewROIViewer returns a viewer over the register window mem.
func NewROIViewer(mem gw.RW) *ROIViewer {
	return &ROIViewer{
		rx0:     gw.NewReg32(mem, regROIX0),
		ry0:     gw.NewReg32(mem, regROIY0),
		rx1:     gw.NewReg32(mem, regROIX1),
		ry1:     gw.NewReg32(mem, regROIY1),
		ready:   gw.NewReg32(mem, regROIReady),
		count:   gw.NewReg32(mem, regROIFIFOCount),
		dataLo:  gw.NewReg32(mem, regROIFIFOLo),
		dataHi:  gw.NewReg32(mem, regROIFIFOHi),
		pixCode: gw.NewReg32(mem, regROIPixelCode),
	}
}

// Setup programs the pixel window for the next frame.
func (v *ROIViewer) Setup(x0, y0, x1, y1 uint16) {
	v.x0, v.y0, v.x1, v.y1 = x0, y0, x1, y1
	v.rx0.Write(uint32(x0))
	v.ry0.Write(uint32(y0))
	v.rx1.Write(uint32(x1))
	v.ry1.Write(uint32(y1))
}

// Ready reports whether a frame has been captured.
func (v *ROIViewer) Ready() bool { return v.ready.Read() != 0 }

// ClearReady acknowledges the captured frame.
func (v *ROIViewer) ClearReady() { v.ready.Write(1) }

// Size returns the programmed window dimensions.
func (v *ROIViewer) Size() (width, height uint16) {
	return v.x1 - v.x0, v.y1 - v.y0
}

// PixelCode returns the GenICam pixel format code of the captured frame.
func (v *ROIViewer) PixelCode() uint16 { return uint16(v.pixCode.Read()) }

// Drain pops up to max 64-bit words from the frame FIFO and returns
// them big-endian packed.
func (v *ROIViewer) Drain(max int) []byte {
	n := int(v.count.Read())
	if n > max {
		n = max
	}
	data := make([]byte, 0, 8*n)
	var b [8]byte
	for i := 0; i < n; i++ {
		lo := v.dataLo.Read()
		hi := v.dataHi.Read()
		binary.BigEndian.PutUint64(b[:], uint64(hi)<<32|uint64(lo))
		data = append(data, b[:]...)
	}
	return data
}

// CXPManager bridges camera control transactions onto the aux channel.
// Camera register access goes over a serial link with its own latency,
// so requests run in the background: the first request starts the
// transaction and every poll until completion gets a wait reply, then
// the stored result.
type CXPManager struct {
	cam *cxp.Camera
	roi *ROIViewer
	msg *log.Logger

	mu      sync.Mutex
	busy    bool
	pending drtioaux.Packet
}

// NewCXPManager returns a manager over cam and roi. Both may be nil on
// satellites without a frame grabber.
func NewCXPManager(cam *cxp.Camera, roi *ROIViewer, msg *log.Logger) *CXPManager {
	return &CXPManager{cam: cam, roi: roi, msg: msg}
}

func (m *CXPManager) connected() bool {
	return m.cam != nil && m.cam.State() == cxp.Connected
}

// takePending returns the stored result of a finished transaction, or
// starts one and returns a wait reply.
func (m *CXPManager) takePending(start func()) drtioaux.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		p := m.pending
		m.pending = nil
		return p
	}
	if !m.busy {
		m.busy = true
		go start()
	}
	return drtioaux.CXPWaitReply{}
}

func (m *CXPManager) complete(p drtioaux.Packet) {
	m.mu.Lock()
	m.pending = p
	m.busy = false
	m.mu.Unlock()
}

// ProcessReadRequest services a camera register read of length bytes at
// addr.
func (m *CXPManager) ProcessReadRequest(addr uint32, length uint16) drtioaux.Packet {
	if !m.connected() {
		return drtioaux.CXPError{Message: []byte("camera is not connected")}
	}
	return m.takePending(func() {
		data := make([]byte, length)
		ctl, withTag := m.cam.Ctrl(), m.cam.WithTag()
		for off := 0; off < len(data); off += cxp.DataMaxSize {
			end := off + cxp.DataMaxSize
			if end > len(data) {
				end = len(data)
			}
			if err := ctl.ReadBytes(addr+uint32(off), data[off:end], withTag); err != nil {
				m.msg.Printf("satman: camera read failed: %+v", err)
				m.complete(drtioaux.CXPError{Message: []byte(err.Error())})
				return
			}
		}
		m.complete(drtioaux.CXPReadReply{Data: data})
	})
}

// ProcessWrite32Request services a 32-bit camera register write.
func (m *CXPManager) ProcessWrite32Request(addr, value uint32) drtioaux.Packet {
	if !m.connected() {
		return drtioaux.CXPError{Message: []byte("camera is not connected")}
	}
	return m.takePending(func() {
		if err := m.cam.Ctrl().WriteU32(addr, value, m.cam.WithTag()); err != nil {
			m.msg.Printf("satman: camera write failed: %+v", err)
			m.complete(drtioaux.CXPError{Message: []byte(err.Error())})
			return
		}
		m.complete(drtioaux.CXPWrite32Reply{})
	})
}

// ProcessROISetup programs the viewer window.
func (m *CXPManager) ProcessROISetup(x0, y0, x1, y1 uint16) drtioaux.Packet {
	if m.roi == nil {
		return drtioaux.CXPError{Message: []byte("no ROI viewer on this satellite")}
	}
	m.roi.Setup(x0, y0, x1, y1)
	return drtioaux.CXPROIViewerSetupReply{}
}

// ProcessROIData returns the next batch of captured pixel words, the
// frame descriptor once the FIFO drains, or a wait reply while the
// capture is still running.
func (m *CXPManager) ProcessROIData() drtioaux.Packet {
	if m.roi == nil {
		return drtioaux.CXPError{Message: []byte("no ROI viewer on this satellite")}
	}
	if !m.roi.Ready() {
		return drtioaux.CXPWaitReply{}
	}
	data := m.roi.Drain(drtioaux.CXPPayloadMaxSize / 8)
	if len(data) == 0 {
		m.roi.ClearReady()
		width, height := m.roi.Size()
		return drtioaux.CXPROIViewerFrameDataReply{
			Width:     width,
			Height:    height,
			PixelCode: m.roi.PixelCode(),
		}
	}
	return drtioaux.CXPROIViewerPixelDataReply{Data: data}
}
