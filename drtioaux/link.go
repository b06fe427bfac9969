// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"
)

// Conn is the physical point-to-point channel under a Link: a byte
// stream with a settable receive deadline, as provided by net.Conn or a
// serial device wrapper.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// Link frames aux packets over a Conn. A frame is a 16-bit length,
// the encoded packet padded to a 32-bit boundary, and a trailing CRC-32
// (IEEE) over the padded packet bytes.
//
// Link is not safe for concurrent use: per the aux channel contract, at
// most one request is in flight per link at a time and callers serialize
// around the link (see the master transaction lock).
type Link struct {
	conn Conn
	wbuf bytes.Buffer
	rbuf [MaxPacket]byte
}

// NewLink returns a Link framing packets over conn.
func NewLink(conn Conn) *Link {
	return &Link{conn: conn}
}

// Send encodes and frames one packet.
func (lnk *Link) Send(p Packet) error {
	lnk.wbuf.Reset()
	err := NewEncoder(&lnk.wbuf).Encode(p)
	if err != nil {
		return fmt.Errorf("drtioaux: could not encode frame: %w", err)
	}
	for lnk.wbuf.Len()%4 != 0 {
		lnk.wbuf.WriteByte(0)
	}

	raw := lnk.wbuf.Bytes()
	if len(raw)+4 > MaxPacket {
		return fmt.Errorf("drtioaux: frame too large (got=%d, max=%d)", len(raw)+4, MaxPacket)
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(raw)+4))
	if _, err := lnk.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("drtioaux: could not write frame header: %w", err)
	}
	if _, err := lnk.conn.Write(raw); err != nil {
		return fmt.Errorf("drtioaux: could not write frame: %w", err)
	}

	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(raw))
	if _, err := lnk.conn.Write(crc[:]); err != nil {
		return fmt.Errorf("drtioaux: could not write frame check: %w", err)
	}
	return nil
}

// Recv reads one framed packet, waiting at most timeout for the frame to
// start. A zero timeout blocks indefinitely. Deadline expiry is reported
// as ErrTimeout, a CRC failure as ErrCorrupted.
func (lnk *Link) Recv(timeout time.Duration) (Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := lnk.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("drtioaux: could not arm receive deadline: %w", err)
	}

	var hdr [2]byte
	if _, err := io.ReadFull(lnk.conn, hdr[:]); err != nil {
		if os.IsTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("drtioaux: could not read frame header: %w", err)
	}

	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < 4 || n > MaxPacket {
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrCorrupted, n)
	}

	frame := lnk.rbuf[:n]
	if _, err := io.ReadFull(lnk.conn, frame); err != nil {
		if os.IsTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("drtioaux: could not read frame: %w", err)
	}

	raw := frame[:n-4]
	want := binary.BigEndian.Uint32(frame[n-4:])
	if got := crc32.ChecksumIEEE(raw); got != want {
		return nil, fmt.Errorf("%w: invalid frame check (got=0x%08x, want=0x%08x)", ErrCorrupted, got, want)
	}

	p, err := NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, err
	}
	return p, nil
}
