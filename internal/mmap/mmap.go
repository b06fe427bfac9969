// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap wraps memory-mapped register windows behind io.ReaderAt
// and io.WriterAt.
package mmap // import "github.com/QuantumQuadrate/madmax-artiq-zynq/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var errClosed = errors.New("mmap: closed")

// Window is a mapped span of physical address space.
type Window struct {
	data []byte
}

// Map maps size bytes of the file descriptor fd at the given physical
// offset, read-write and shared.
func Map(fd int, offset int64, size int) (*Window, error) {
	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map 0x%x+0x%x: %w", offset, size, err)
	}
	return WindowFrom(data), nil
}

// WindowFrom wraps an already mapped byte span.
func WindowFrom(data []byte) *Window {
	w := &Window{data: data}
	runtime.SetFinalizer(w, (*Window).Close)
	return w
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w == nil {
		return os.ErrInvalid
	}
	if w.data == nil {
		return nil
	}
	data := w.data
	w.data = nil
	runtime.SetFinalizer(w, nil)
	return unix.Munmap(data)
}

// Len returns the size of the window.
func (w *Window) Len() int { return len(w.data) }

// Sync flushes pending stores to the underlying device.
func (w *Window) Sync() error {
	if w.data == nil {
		return errClosed
	}
	return unix.Msync(w.data, unix.MS_SYNC)
}

// ReadAt implements the io.ReaderAt interface.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if w == nil {
		return 0, os.ErrInvalid
	}
	if w.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(w.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, w.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if w == nil {
		return 0, os.ErrInvalid
	}
	if w.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(w.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(w.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Window)(nil)
	_ io.WriterAt = (*Window)(nil)
	_ io.Closer   = (*Window)(nil)
)
