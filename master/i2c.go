// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// I2CStart issues a start condition on an I2C bus of a destination.
func (m *Master) I2CStart(destination, bus uint8) error {
	return m.i2cBasic(destination, drtioaux.I2cStartRequest{Destination: destination, BusNo: bus}, "i2c start")
}

// I2CRestart issues a repeated start condition.
func (m *Master) I2CRestart(destination, bus uint8) error {
	return m.i2cBasic(destination, drtioaux.I2cRestartRequest{Destination: destination, BusNo: bus}, "i2c restart")
}

// I2CStop issues a stop condition.
func (m *Master) I2CStop(destination, bus uint8) error {
	return m.i2cBasic(destination, drtioaux.I2cStopRequest{Destination: destination, BusNo: bus}, "i2c stop")
}

// I2CWrite shifts one byte out and reports whether the device acked it.
func (m *Master) I2CWrite(destination, bus, data uint8) (bool, error) {
	reply, err := m.Transact(destination, drtioaux.I2cWriteRequest{
		Destination: destination,
		BusNo:       bus,
		Data:        data,
	})
	if err != nil {
		return false, fmt.Errorf("master: could not i2c write: %w", err)
	}
	w, ok := reply.(drtioaux.I2cWriteReply)
	if !ok {
		return false, fmt.Errorf("master: could not i2c write: %w: %T", ErrUnexpectedReply, reply)
	}
	if !w.Succeeded {
		return false, fmt.Errorf("master: could not i2c write: %w", ErrFailed)
	}
	return w.Ack, nil
}

// I2CRead shifts one byte in, acking it when ack is set.
func (m *Master) I2CRead(destination, bus uint8, ack bool) (uint8, error) {
	reply, err := m.Transact(destination, drtioaux.I2cReadRequest{
		Destination: destination,
		BusNo:       bus,
		Ack:         ack,
	})
	if err != nil {
		return 0, fmt.Errorf("master: could not i2c read: %w", err)
	}
	r, ok := reply.(drtioaux.I2cReadReply)
	if !ok {
		return 0, fmt.Errorf("master: could not i2c read: %w: %T", ErrUnexpectedReply, reply)
	}
	if !r.Succeeded {
		return 0, fmt.Errorf("master: could not i2c read: %w", ErrFailed)
	}
	return r.Data, nil
}

// I2CSwitchSelect programs an I2C bus switch on a destination.
func (m *Master) I2CSwitchSelect(destination, bus, address, mask uint8) error {
	return m.i2cBasic(destination, drtioaux.I2cSwitchSelectRequest{
		Destination: destination,
		BusNo:       bus,
		Address:     address,
		Mask:        mask,
	}, "i2c switch select")
}

func (m *Master) i2cBasic(destination uint8, request drtioaux.Packet, op string) error {
	reply, err := m.Transact(destination, request)
	if err != nil {
		return fmt.Errorf("master: could not %s: %w", op, err)
	}
	ack, ok := reply.(drtioaux.I2cBasicReply)
	if !ok {
		return fmt.Errorf("master: could not %s: %w: %T", op, ErrUnexpectedReply, reply)
	}
	if !ack.Succeeded {
		return fmt.Errorf("master: could not %s: %w", op, ErrFailed)
	}
	return nil
}

// SPISetConfig programs the transfer parameters of an SPI bus.
func (m *Master) SPISetConfig(destination, bus, flags, length, div, cs uint8) error {
	return m.spiBasic(destination, drtioaux.SpiSetConfigRequest{
		Destination: destination,
		BusNo:       bus,
		Flags:       flags,
		Length:      length,
		Div:         div,
		CS:          cs,
	}, "spi set config")
}

// SPIWrite shifts one word out on an SPI bus.
func (m *Master) SPIWrite(destination, bus uint8, data uint32) error {
	return m.spiBasic(destination, drtioaux.SpiWriteRequest{
		Destination: destination,
		BusNo:       bus,
		Data:        data,
	}, "spi write")
}

// SPIRead returns the word shifted in by the last transfer.
func (m *Master) SPIRead(destination, bus uint8) (uint32, error) {
	reply, err := m.Transact(destination, drtioaux.SpiReadRequest{
		Destination: destination,
		BusNo:       bus,
	})
	if err != nil {
		return 0, fmt.Errorf("master: could not spi read: %w", err)
	}
	r, ok := reply.(drtioaux.SpiReadReply)
	if !ok {
		return 0, fmt.Errorf("master: could not spi read: %w: %T", ErrUnexpectedReply, reply)
	}
	if !r.Succeeded {
		return 0, fmt.Errorf("master: could not spi read: %w", ErrFailed)
	}
	return r.Data, nil
}

func (m *Master) spiBasic(destination uint8, request drtioaux.Packet, op string) error {
	reply, err := m.Transact(destination, request)
	if err != nil {
		return fmt.Errorf("master: could not %s: %w", op, err)
	}
	ack, ok := reply.(drtioaux.SpiBasicReply)
	if !ok {
		return fmt.Errorf("master: could not %s: %w: %T", op, ErrUnexpectedReply, reply)
	}
	if !ack.Succeeded {
		return fmt.Errorf("master: could not %s: %w", op, ErrFailed)
	}
	return nil
}
