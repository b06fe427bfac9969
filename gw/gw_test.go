// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gw

import "testing"

func TestReg32(t *testing.T) {
	mem := NewMem(64)

	r0 := NewReg32(mem, 0)
	r1 := NewReg32(mem, 4)

	r0.Write(0xdeadbeef)
	r1.Write(0x6303)

	if got, want := r0.Read(), uint32(0xdeadbeef); got != want {
		t.Fatalf("invalid register value: got=0x%08x, want=0x%08x", got, want)
	}
	if got, want := r1.Read(), uint32(0x6303); got != want {
		t.Fatalf("invalid register value: got=0x%08x, want=0x%08x", got, want)
	}

	// registers are independent 32-bit cells.
	r0.Write(0)
	if got, want := r1.Read(), uint32(0x6303); got != want {
		t.Fatalf("register write clobbered its neighbour: got=0x%08x, want=0x%08x", got, want)
	}
}

func TestWindow(t *testing.T) {
	mem := NewMem(64)
	win := NewWindow(mem, 16, 16)

	r := NewReg32(win, 4)
	r.Write(0xcafe)

	// the write lands at the window offset in the backing store.
	back := NewReg32(mem, 20)
	if got, want := back.Read(), uint32(0xcafe); got != want {
		t.Fatalf("invalid backing value: got=0x%08x, want=0x%08x", got, want)
	}
	if got, want := r.Read(), uint32(0xcafe); got != want {
		t.Fatalf("invalid window value: got=0x%08x, want=0x%08x", got, want)
	}
}

func TestWindowBounds(t *testing.T) {
	mem := NewMem(64)
	win := NewWindow(mem, 16, 16)

	var buf [4]byte
	if _, err := win.ReadAt(buf[:], 16); err == nil {
		t.Fatalf("expected an error reading past the window")
	}
	if _, err := win.WriteAt(buf[:], -1); err == nil {
		t.Fatalf("expected an error writing before the window")
	}
}

func TestReg32OutOfWindow(t *testing.T) {
	mem := NewMem(4)
	r := NewReg32(mem, 8)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic reading past the window")
		}
	}()
	_ = r.Read()
}
