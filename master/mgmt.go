// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// GetLog pulls the buffered log of a destination. With clear set the
// satellite discards what was transferred.
func (m *Master) GetLog(destination uint8, clear bool) ([]byte, error) {
	var buf []byte
	for {
		reply, err := m.Transact(destination, drtioaux.CoreMgmtGetLogRequest{
			Destination: destination,
			Clear:       clear,
		})
		if err != nil {
			return nil, fmt.Errorf("master: could not pull log: %w", err)
		}
		chunk, ok := reply.(drtioaux.CoreMgmtGetLogReply)
		if !ok {
			return nil, fmt.Errorf("master: could not pull log: %w: %T", ErrUnexpectedReply, reply)
		}
		buf = append(buf, chunk.Data...)
		if chunk.Last {
			return buf, nil
		}
	}
}

// ClearLog discards the buffered log of a destination.
func (m *Master) ClearLog(destination uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtClearLogRequest{Destination: destination}, "clear log")
}

// SetLogLevel sets the buffered log verbosity of a destination.
func (m *Master) SetLogLevel(destination, level uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtSetLogLevelRequest{
		Destination: destination,
		Level:       level,
	}, "set log level")
}

// SetUartLogLevel sets the console log verbosity of a destination.
func (m *Master) SetUartLogLevel(destination, level uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtSetUartLogLevelRequest{
		Destination: destination,
		Level:       level,
	}, "set uart log level")
}

// ConfigRead fetches the config value stored under key on destination.
func (m *Master) ConfigRead(destination uint8, key string) ([]byte, error) {
	var (
		value   []byte
		request drtioaux.Packet = drtioaux.CoreMgmtConfigReadRequest{
			Destination: destination,
			Key:         []byte(key),
		}
	)
	for {
		reply, err := m.Transact(destination, request)
		if err != nil {
			return nil, fmt.Errorf("master: could not read config %q: %w", key, err)
		}
		switch reply := reply.(type) {
		case drtioaux.CoreMgmtConfigReadReply:
			value = append(value, reply.Value...)
			if reply.Last {
				return value, nil
			}
			request = drtioaux.CoreMgmtConfigReadContinue{Destination: destination}
		case drtioaux.CoreMgmtReply:
			return nil, fmt.Errorf("master: could not read config %q: %w", key, ErrFailed)
		default:
			return nil, fmt.Errorf("master: could not read config %q: %w: %T", key, ErrUnexpectedReply, reply)
		}
	}
}

// ConfigWrite stores value under key on destination.
func (m *Master) ConfigWrite(destination uint8, key string, value []byte) error {
	payload := make([]byte, 4, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(payload, uint32(len(key)))
	payload = append(payload, key...)
	payload = append(payload, value...)

	err := drtioaux.Chunks(payload, drtioaux.MasterPayloadMaxSize, func(chunk []byte, st drtioaux.PayloadStatus) error {
		return m.mgmtAck(destination, drtioaux.CoreMgmtConfigWriteRequest{
			Destination: destination,
			Last:        st.IsLast(),
			Data:        chunk,
		}, "write config")
	})
	if err != nil {
		return fmt.Errorf("master: could not write config %q: %w", key, err)
	}
	return nil
}

// ConfigRemove deletes the config key on destination.
func (m *Master) ConfigRemove(destination uint8, key string) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtConfigRemoveRequest{
		Destination: destination,
		Key:         []byte(key),
	}, "remove config")
}

// ConfigErase deletes every config key on destination.
func (m *Master) ConfigErase(destination uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtConfigEraseRequest{Destination: destination}, "erase config")
}

// Reboot restarts the firmware of a destination.
func (m *Master) Reboot(destination uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtRebootRequest{Destination: destination}, "reboot")
}

// AllocatorDebug asks a destination to dump its allocator state to its
// local log.
func (m *Master) AllocatorDebug(destination uint8) error {
	return m.mgmtAck(destination, drtioaux.CoreMgmtAllocatorDebugRequest{Destination: destination}, "allocator debug")
}

// Flash stages a firmware image on destination, appending the CRC32 the
// satellite validates before committing, and completes the drop-link
// handshake. The destination reboots into the new image; its link goes
// down and is brought up again by the supervisor.
func (m *Master) Flash(destination uint8, image []byte) error {
	payload := make([]byte, 0, len(image)+4)
	payload = append(payload, image...)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(image))
	payload = append(payload, sum[:]...)

	err := m.mgmtAck(destination, drtioaux.CoreMgmtFlashRequest{
		Destination:   destination,
		PayloadLength: uint32(len(payload)),
	}, "flash")
	if err != nil {
		return err
	}

	err = drtioaux.Chunks(payload, drtioaux.MasterPayloadMaxSize, func(chunk []byte, st drtioaux.PayloadStatus) error {
		reply, err := m.Transact(destination, drtioaux.CoreMgmtFlashAddDataRequest{
			Destination: destination,
			Last:        st.IsLast(),
			Data:        chunk,
		})
		if err != nil {
			return err
		}
		switch reply := reply.(type) {
		case drtioaux.CoreMgmtReply:
			if !reply.Succeeded {
				return ErrFailed
			}
			return nil
		case drtioaux.CoreMgmtDropLink:
			if !st.IsLast() {
				return fmt.Errorf("%w: early drop-link", ErrUnexpectedReply)
			}
			return nil
		default:
			return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
		}
	})
	if err != nil {
		return fmt.Errorf("master: could not flash destination %d: %w", destination, err)
	}

	link, err := m.linkFor(destination)
	if err != nil {
		return err
	}
	link.mu.Lock()
	err = link.port.Send(drtioaux.CoreMgmtDropLinkAck{Destination: destination})
	link.mu.Unlock()
	if err != nil {
		return fmt.Errorf("master: could not flash destination %d: %w", destination, err)
	}
	link.setUp(false)
	m.dropDestinations(link)
	return nil
}

func (m *Master) mgmtAck(destination uint8, request drtioaux.Packet, op string) error {
	reply, err := m.Transact(destination, request)
	if err != nil {
		return fmt.Errorf("master: could not %s: %w", op, err)
	}
	ack, ok := reply.(drtioaux.CoreMgmtReply)
	if !ok {
		return fmt.Errorf("master: could not %s: %w: %T", op, ErrUnexpectedReply, reply)
	}
	if !ack.Succeeded {
		return fmt.Errorf("master: could not %s: %w", op, ErrFailed)
	}
	return nil
}
