// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// I2C executes the aux-channel I2C passthrough operations on the
// satellite's local bus. Errors map to succeeded=false on the wire;
// a nack on write is reported out of band through the ack flag.
type I2C interface {
	Start(bus uint8) error
	Restart(bus uint8) error
	Stop(bus uint8) error
	WriteByte(bus uint8, v uint8) (ack bool, err error)
	ReadByte(bus uint8, ack bool) (uint8, error)
	SwitchSelect(bus uint8, address, mask uint8) error
}

// SMBus adapts the kernel SMBus interface to the raw start/write/read
// transaction stream the passthrough protocol speaks. Writes are
// buffered between Start and Stop and committed as one transfer; the
// first written byte after a (re)start carries the device address.
type SMBus struct {
	conn *smbus.Conn

	addr uint8
	wbuf []byte
}

// OpenSMBus opens the numbered I2C adapter.
func OpenSMBus(bus int) (*SMBus, error) {
	conn, err := smbus.Open(bus, 0)
	if err != nil {
		return nil, fmt.Errorf("satman: could not open i2c bus %d: %w", bus, err)
	}
	return &SMBus{conn: conn}, nil
}

// Close commits nothing and releases the adapter.
func (b *SMBus) Close() error { return b.conn.Close() }

func (b *SMBus) Start(bus uint8) error {
	b.addr = 0
	b.wbuf = b.wbuf[:0]
	return nil
}

func (b *SMBus) Restart(bus uint8) error {
	if err := b.flush(); err != nil {
		return err
	}
	b.addr = 0
	return nil
}

func (b *SMBus) Stop(bus uint8) error {
	return b.flush()
}

func (b *SMBus) WriteByte(bus uint8, v uint8) (bool, error) {
	if b.addr == 0 {
		// address byte: 7-bit address plus read/write flag
		b.addr = v >> 1
		if err := b.conn.SetAddr(b.addr); err != nil {
			return false, fmt.Errorf("satman: could not address i2c device 0x%02x: %w", b.addr, err)
		}
		return true, nil
	}
	b.wbuf = append(b.wbuf, v)
	return true, nil
}

func (b *SMBus) ReadByte(bus uint8, ack bool) (uint8, error) {
	if err := b.flush(); err != nil {
		return 0, err
	}
	var p [1]byte
	if _, err := b.conn.Read(p[:]); err != nil {
		return 0, fmt.Errorf("satman: could not read i2c byte: %w", err)
	}
	return p[0], nil
}

func (b *SMBus) SwitchSelect(bus uint8, address, mask uint8) error {
	if err := b.conn.SetAddr(address); err != nil {
		return fmt.Errorf("satman: could not address i2c switch 0x%02x: %w", address, err)
	}
	if _, err := b.conn.Write([]byte{mask}); err != nil {
		return fmt.Errorf("satman: could not select i2c switch channel: %w", err)
	}
	return nil
}

func (b *SMBus) flush() error {
	if len(b.wbuf) == 0 {
		return nil
	}
	_, err := b.conn.Write(b.wbuf)
	b.wbuf = b.wbuf[:0]
	if err != nil {
		return fmt.Errorf("satman: could not write i2c transfer: %w", err)
	}
	return nil
}

var _ I2C = (*SMBus)(nil)
