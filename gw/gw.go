// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gw provides typed, bounds-checked access to the gateware
// register blocks (RTIO core, DRTIO link PHYs, CXP grabber) through
// io.ReaderAt/io.WriterAt windows, so all raw address arithmetic stays
// behind one small interface.
package gw // import "github.com/QuantumQuadrate/madmax-artiq-zynq/gw"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/internal/mmap"
)

// RW is a register window: 32-bit registers at byte offsets.
type RW interface {
	io.ReaderAt
	io.WriterAt
}

// Reg32 is one 32-bit register.
type Reg32 struct {
	r func() uint32
	w func(v uint32)
}

// NewReg32 binds a register at offset within rw. Registers are read and
// written as little-endian 32-bit words, matching the SoC bus.
func NewReg32(rw RW, offset int64) Reg32 {
	return Reg32{
		r: func() uint32 {
			var buf [4]byte
			_, err := rw.ReadAt(buf[:], offset)
			if err != nil {
				panic(fmt.Errorf("gw: could not read register 0x%x: %w", offset, err))
			}
			return binary.LittleEndian.Uint32(buf[:])
		},
		w: func(v uint32) {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], v)
			_, err := rw.WriteAt(buf[:], offset)
			if err != nil {
				panic(fmt.Errorf("gw: could not write register 0x%x: %w", offset, err))
			}
		},
	}
}

// Read returns the register value.
func (r Reg32) Read() uint32 { return r.r() }

// Write stores v into the register.
func (r Reg32) Write(v uint32) { r.w(v) }

// Device is a register window mapped from /dev/mem.
type Device struct {
	win *mmap.Window
	f   *os.File
}

// Open maps size bytes of physical address space at base.
func Open(base int64, size int) (*Device, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("gw: could not open /dev/mem: %w", err)
	}
	win, err := mmap.Map(int(f.Fd()), base, size)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("gw: could not map registers at 0x%x: %w", base, err)
	}
	return &Device{win: win, f: f}, nil
}

// ReadAt implements the io.ReaderAt interface.
func (dev *Device) ReadAt(p []byte, off int64) (int, error) { return dev.win.ReadAt(p, off) }

// WriteAt implements the io.WriterAt interface.
func (dev *Device) WriteAt(p []byte, off int64) (int, error) { return dev.win.WriteAt(p, off) }

// Close unmaps the window and releases the device file.
func (dev *Device) Close() error {
	err := dev.win.Close()
	if e := dev.f.Close(); err == nil {
		err = e
	}
	return err
}

// Window exposes a sub-range of a larger register window, so one mapped
// device can carry several register blocks.
type Window struct {
	rw   RW
	off  int64
	size int64
}

// NewWindow returns the size bytes of rw starting at off.
func NewWindow(rw RW, off int64, size int) *Window {
	return &Window{rw: rw, off: off, size: int64(size)}
}

// ReadAt implements the io.ReaderAt interface.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.size {
		return 0, fmt.Errorf("gw: read of [0x%x:0x%x] outside window of size 0x%x",
			off, off+int64(len(p)), w.size)
	}
	return w.rw.ReadAt(p, w.off+off)
}

// WriteAt implements the io.WriterAt interface.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.size {
		return 0, fmt.Errorf("gw: write of [0x%x:0x%x] outside window of size 0x%x",
			off, off+int64(len(p)), w.size)
	}
	return w.rw.WriteAt(p, w.off+off)
}

var (
	_ RW = (*Device)(nil)
	_ RW = (*Window)(nil)
)
