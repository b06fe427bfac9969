// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
)

// checksum is the CoaXPress control packet CRC (section 9.2.2.2 of
// CXP-001-2021): the IEEE-802.3 polynomial, with the final checksum
// inverted and byte-swapped relative to the Ethernet convention.
func checksum(p []byte) uint32 {
	return bits.ReverseBytes32(^crc32.ChecksumIEEE(p))
}

// vote reconstructs one character from its 4 transmitted copies by
// bitwise majority (section 9.2.2.1 of CXP-001-2021), tolerating a
// single corrupted copy. When two copies disagree with the other two the
// majority expression can produce a plausible wrong value; that case is
// not detectable here and is left to the trailing CRC.
func vote(a, b, c, d uint8) uint8 {
	return a&b&c | a&b&d | a&c&d | b&c&d
}

// ctrl packet type characters.
const (
	typeCmdNoTag   = 0x02
	typeReplyNoTag = 0x03
	typeCmdTag     = 0x05
	typeReplyTag   = 0x06

	cmdRead  = 0x00
	cmdWrite = 0x01

	ackReply = 0x00
	ackOK    = 0x01
	ackDelay = 0x04
)

// writer serializes one tx control packet into a word-aligned frame.
type writer struct {
	buf []byte
}

func (w *writer) write(p []byte)  { w.buf = append(w.buf, p...) }
func (w *writer) writeU8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) writeU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.write(b[:])
}

// write4xU8 emits the 4 duplicated copies of one character.
func (w *writer) write4xU8(v uint8) {
	w.buf = append(w.buf, v, v, v, v)
}

func (w *writer) header(tag *uint8) {
	if tag != nil {
		w.write4xU8(typeCmdTag)
		w.write4xU8(*tag)
		return
	}
	w.write4xU8(typeCmdNoTag)
}

// cmd emits the command character and the 24-bit data length.
func (w *writer) cmd(op uint8, length uint32) {
	w.write([]byte{op, byte(length >> 16), byte(length >> 8), byte(length)})
}

// finish pads to the word boundary and appends the checksum, which
// covers everything after the first 4 bytes (section 9.6.2).
func (w *writer) finish() {
	for len(w.buf)%4 != 0 {
		w.writeU8(0)
	}
	w.writeU32(checksum(w.buf[4:]))
}

func checkLength(length uint32) error {
	if length == 0 || length > DataMaxSize {
		return &LengthError{Length: length}
	}
	return nil
}

// marshalRead builds a CtrlRead frame for length bytes at addr.
func marshalRead(tag *uint8, addr, length uint32) ([]byte, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	w := writer{buf: make([]byte, 0, CtrlPacketMaxSize)}
	w.header(tag)
	w.cmd(cmdRead, length)
	w.writeU32(addr)
	w.finish()
	return w.buf, nil
}

// marshalWrite builds a CtrlWrite frame storing data at addr.
func marshalWrite(tag *uint8, addr uint32, data []byte) ([]byte, error) {
	if err := checkLength(uint32(len(data))); err != nil {
		return nil, err
	}
	w := writer{buf: make([]byte, 0, CtrlPacketMaxSize)}
	w.header(tag)
	w.cmd(cmdWrite, uint32(len(data)))
	w.writeU32(addr)
	w.write(data)
	w.finish()
	return w.buf, nil
}

// rxKind discriminates received control packets.
type rxKind uint8

const (
	rxReply rxKind = iota
	rxAck
	rxDelay
)

// rxCtrl is one decoded reply-direction control packet.
type rxCtrl struct {
	kind   rxKind
	tagged bool
	tag    uint8
	data   []byte // reply payload
	delay  uint32 // delay time, ms
}

// reader walks a received frame, voting duplicated characters.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) readU8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.err = ErrCorrupted
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) read4xU8() uint8 {
	a := r.readU8()
	b := r.readU8()
	c := r.readU8()
	d := r.readU8()
	return vote(a, b, c, d)
}

func (r *reader) readU32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.pos+4 > len(r.buf) {
		r.err = ErrCorrupted
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

// parseCtrl decodes one received control packet frame.
func parseCtrl(frame []byte) (rxCtrl, error) {
	r := reader{buf: frame}

	var rx rxCtrl
	switch typ := r.read4xU8(); typ {
	case typeReplyNoTag:
	case typeReplyTag:
		rx.tagged = true
		rx.tag = r.read4xU8()
	default:
		if r.err != nil {
			return rxCtrl{}, r.err
		}
		return rxCtrl{}, &UnknownPacketError{Type: typ}
	}

	ackcode := r.read4xU8()
	if r.err != nil {
		return rxCtrl{}, r.err
	}

	switch ackcode {
	case ackReply, ackDelay:
		length := r.readU32()
		if r.err != nil {
			return rxCtrl{}, r.err
		}
		if length > DataMaxSize || r.pos+int(length) > len(r.buf) {
			return rxCtrl{}, ErrCorrupted
		}
		data := frame[r.pos : r.pos+int(length)]
		r.pos += int(length)

		// dummy characters pad the data to the word boundary
		// (section 9.6.3); the checksum covers everything after the
		// first 4 bytes, padding included.
		r.pos += (4 - r.pos%4) % 4
		if r.pos > len(r.buf) {
			return rxCtrl{}, ErrCorrupted
		}
		want := checksum(frame[4:r.pos])
		if got := r.readU32(); r.err != nil || got != want {
			return rxCtrl{}, ErrCorrupted
		}

		if ackcode == ackReply {
			rx.kind = rxReply
			rx.data = data
			return rx, nil
		}
		if length < 4 {
			return rxCtrl{}, ErrCorrupted
		}
		rx.kind = rxDelay
		rx.delay = binary.BigEndian.Uint32(data[:4])
		return rx, nil

	case ackOK:
		rx.kind = rxAck
		return rx, nil

	default:
		return rxCtrl{}, &AckError{Code: ackcode}
	}
}
