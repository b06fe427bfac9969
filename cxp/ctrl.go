// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"encoding/binary"
	"time"
)

// FrameIO moves raw control packet frames across the link.
//
// RecvFrame returns (nil, nil) when no packet is pending; the returned
// slice is only valid until the next call.
type FrameIO interface {
	SendFrame(frame []byte) error
	RecvFrame() ([]byte, error)
	SendTestFrame() error
}

const (
	// transmissionTimeout bounds one request/reply exchange
	// (section 9.6.1.1 of CXP-001-2021).
	transmissionTimeout = 200 * time.Millisecond

	recvPollInterval = 100 * time.Microsecond

	// maxDelayRetries caps how many consecutive CtrlDelay replies a
	// transaction will honor before giving up. A camera stuck emitting
	// delays would otherwise stall the caller forever.
	maxDelayRetries = 8
)

// Ctrl is the tagged transaction layer over one control channel.
// Tags sequence transactions for CXP 2.0 and later devices
// (section 9.6.1.2 of CXP-001-2021).
//
// Ctrl is not safe for concurrent use.
type Ctrl struct {
	fio FrameIO
	tag uint8

	now   func() time.Time
	sleep func(time.Duration)
}

func NewCtrl(fio FrameIO) *Ctrl {
	return &Ctrl{
		fio:   fio,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// ResetTag restarts the tag sequence, as required after a connection
// reset.
func (c *Ctrl) ResetTag() { c.tag = 0 }

func (c *Ctrl) checkTag(rx rxCtrl) error {
	if rx.tagged && rx.tag != c.tag {
		return ErrTagMismatch
	}
	return nil
}

func (c *Ctrl) recv(timeout time.Duration) (rxCtrl, error) {
	limit := c.now().Add(timeout)
	for {
		frame, err := c.fio.RecvFrame()
		if err != nil {
			return rxCtrl{}, err
		}
		if frame != nil {
			return parseCtrl(frame)
		}
		if !c.now().Before(limit) {
			return rxCtrl{}, ErrTimeout
		}
		c.sleep(recvPollInterval)
	}
}

// getAck waits for a write acknowledge, honoring at most
// maxDelayRetries CtrlDelay replies.
func (c *Ctrl) getAck(timeout time.Duration) error {
	for retry := 0; ; retry++ {
		rx, err := c.recv(timeout)
		if err != nil {
			return err
		}
		if err := c.checkTag(rx); err != nil {
			return err
		}
		switch rx.kind {
		case rxAck:
			return nil
		case rxDelay:
			if retry == maxDelayRetries {
				return ErrTimeout
			}
			timeout = time.Duration(rx.delay) * time.Millisecond
		default:
			return ErrUnexpectedReply
		}
	}
}

// getReply waits for a read reply of exactly length bytes, honoring at
// most maxDelayRetries CtrlDelay replies.
func (c *Ctrl) getReply(timeout time.Duration, length uint32) ([]byte, error) {
	for retry := 0; ; retry++ {
		rx, err := c.recv(timeout)
		if err != nil {
			return nil, err
		}
		if err := c.checkTag(rx); err != nil {
			return nil, err
		}
		switch rx.kind {
		case rxReply:
			if uint32(len(rx.data)) != length {
				return nil, ErrUnexpectedReply
			}
			return rx.data, nil
		case rxDelay:
			if retry == maxDelayRetries {
				return nil, ErrTimeout
			}
			timeout = time.Duration(rx.delay) * time.Millisecond
		default:
			return nil, ErrUnexpectedReply
		}
	}
}

func (c *Ctrl) txTag(withTag bool) *uint8 {
	if withTag {
		return &c.tag
	}
	return nil
}

// WriteBytesNoAck sends a write command without waiting for the
// acknowledge, as required by ConnectionReset. The tag is not advanced.
func (c *Ctrl) WriteBytesNoAck(addr uint32, val []byte, withTag bool) error {
	frame, err := marshalWrite(c.txTag(withTag), addr, val)
	if err != nil {
		return err
	}
	return c.fio.SendFrame(frame)
}

// WriteBytes stores val at addr and waits for the acknowledge.
func (c *Ctrl) WriteBytes(addr uint32, val []byte, withTag bool) error {
	if err := c.WriteBytesNoAck(addr, val, withTag); err != nil {
		return err
	}
	if err := c.getAck(transmissionTimeout); err != nil {
		return err
	}
	if withTag {
		c.tag++
	}
	return nil
}

func (c *Ctrl) WriteU32(addr uint32, val uint32, withTag bool) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], val)
	return c.WriteBytes(addr, b[:], withTag)
}

func (c *Ctrl) WriteU64(addr uint32, val uint64, withTag bool) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return c.WriteBytes(addr, b[:], withTag)
}

// ReadBytes reads len(p) bytes from addr into p.
func (c *Ctrl) ReadBytes(addr uint32, p []byte, withTag bool) error {
	length := uint32(len(p))
	frame, err := marshalRead(c.txTag(withTag), addr, length)
	if err != nil {
		return err
	}
	if err := c.fio.SendFrame(frame); err != nil {
		return err
	}
	data, err := c.getReply(transmissionTimeout, length)
	if err != nil {
		return err
	}
	copy(p, data)
	if withTag {
		c.tag++
	}
	return nil
}

func (c *Ctrl) ReadU32(addr uint32, withTag bool) (uint32, error) {
	var b [4]byte
	if err := c.ReadBytes(addr, b[:], withTag); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (c *Ctrl) ReadU64(addr uint32, withTag bool) (uint64, error) {
	var b [8]byte
	if err := c.ReadBytes(addr, b[:], withTag); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// SendTestPacket emits one fixed link test sequence.
func (c *Ctrl) SendTestPacket() error {
	return c.fio.SendTestFrame()
}
