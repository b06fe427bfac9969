// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gw

import (
	"fmt"
	"io"
)

// Mem is an in-memory register window, standing in for real gateware in
// tests and simulation builds.
type Mem struct {
	data []byte
}

// NewMem returns a zeroed window of size bytes.
func NewMem(size int) *Mem {
	return &Mem{data: make([]byte, size)}
}

// ReadAt implements the io.ReaderAt interface.
func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int64(len(m.data)) < off {
		return 0, fmt.Errorf("gw: invalid ReadAt offset %d", off)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int64(len(m.data)) < off {
		return 0, fmt.Errorf("gw: invalid WriteAt offset %d", off)
	}
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var _ RW = (*Mem)(nil)
