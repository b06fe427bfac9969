// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

// analyzer gateware registers.
const (
	regAnaEnable  = 0x00
	regAnaBusy    = 0x04
	regAnaTotalLo = 0x08
	regAnaTotalHi = 0x0c
	regAnaWPtr    = 0x10

	anaBufOffset = 0x400

	// AnalyzerBufSize is the size of the analyzer ring buffer.
	AnalyzerBufSize = 1 << 16

	// AnalyzerWindowSize is the size of the analyzer register window.
	AnalyzerWindowSize = anaBufOffset + AnalyzerBufSize
)

/// Analyzer drives the RTIO analyzer gateware: a free-running ring buffer
// recording RTIO messages, drained over the aux channel in chunks.
type Analyzer struct {
	enable gw.Reg32
	busy   gw.Reg32
	totLo  gw.Reg32
	totHi  gw.Reg32
	wptr   gw.Reg32
	mem    gw.RW

	data []byte
	pos  int
}

// NewAnalyzer returns an Analyzer over the register window mem and arms
// the capture.
func NewAnalyzer(mem gw.RW) *Analyzer {
	a := &Analyzer{
		enable: gw.NewReg32(mem, regAnaEnable),
		busy:   gw.NewReg32(mem, regAnaBusy),
		totLo:  gw.NewReg32(mem, regAnaTotalLo),
		totHi:  gw.NewReg32(mem, regAnaTotalHi),
		wptr:   gw.NewReg32(mem, regAnaWPtr),
		mem:    mem,
	}
	a.enable.Write(1)
	return a
}

// Header stops the capture, snapshots the ring buffer for readout and
// returns the readout header.
func (a *Analyzer) Header() (drtioaux.AnalyzerHeader, error) {
	a.enable.Write(0)
	for a.busy.Read() != 0 {
		// wait for the gateware to drain in-flight messages
	}
	total := uint64(a.totHi.Read())<<32 | uint64(a.totLo.Read())
	wptr := a.wptr.Read() % AnalyzerBufSize

	overflow := total > AnalyzerBufSize
	sent := total
	if overflow {
		sent = AnalyzerBufSize
	}

	buf := make([]byte, AnalyzerBufSize)
	if _, err := a.mem.ReadAt(buf, anaBufOffset); err != nil {
		return drtioaux.AnalyzerHeader{}, fmt.Errorf("satman: could not read analyzer buffer: %w", err)
	}
	if overflow {
		// ring wrapped, oldest data starts at the write pointer
		a.data = append(buf[wptr:], buf[:wptr]...)
	} else {
		a.data = buf[:sent]
	}
	a.pos = 0

	return drtioaux.AnalyzerHeader{
		SentBytes:      uint32(sent),
		TotalByteCount: total,
		Overflow:       overflow,
	}, nil
}

// Data returns the next chunk of the snapshot taken by Header. After the
// last chunk the capture is re-armed.
func (a *Analyzer) Data(max int) (data []byte, last bool) {
	n := len(a.data) - a.pos
	if n > max {
		n = max
	}
	data = a.data[a.pos : a.pos+n]
	a.pos += n
	last = a.pos == len(a.data)
	if last {
		a.data = nil
		a.pos = 0
		a.enable.Write(1)
	}
	return data, last
}
