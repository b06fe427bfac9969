// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// UploadKernel transfers a compiled subkernel image to destination in
// payload-sized chunks.
func (m *Master) UploadKernel(id uint32, destination uint8, library []byte) error {
	err := drtioaux.Chunks(library, drtioaux.MasterPayloadMaxSize, func(chunk []byte, st drtioaux.PayloadStatus) error {
		reply, err := m.Transact(destination, drtioaux.SubkernelAddDataRequest{
			Destination: destination,
			ID:          id,
			Status:      st,
			Data:        chunk,
		})
		if err != nil {
			return err
		}
		add, ok := reply.(drtioaux.SubkernelAddDataReply)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
		}
		if !add.Succeeded {
			return ErrFailed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("master: could not upload subkernel %d: %w", id, err)
	}
	return nil
}

// LoadKernel loads an uploaded subkernel on destination without
// starting it.
func (m *Master) LoadKernel(id uint32, destination uint8) error {
	return m.loadRun(id, destination, false, 0)
}

// RunKernel loads and starts a subkernel on destination. A non-zero
// timestamp schedules the start on the RTIO time base.
func (m *Master) RunKernel(id uint32, destination uint8, timestamp uint64) error {
	return m.loadRun(id, destination, true, timestamp)
}

func (m *Master) loadRun(id uint32, destination uint8, run bool, timestamp uint64) error {
	reply, err := m.Transact(destination, drtioaux.SubkernelLoadRunRequest{
		Source:      0,
		Destination: destination,
		ID:          id,
		Run:         run,
		Timestamp:   timestamp,
	})
	if err != nil {
		return fmt.Errorf("master: could not start subkernel %d: %w", id, err)
	}
	lr, ok := reply.(drtioaux.SubkernelLoadRunReply)
	if !ok {
		return fmt.Errorf("master: could not start subkernel %d: %w: %T", id, ErrUnexpectedReply, reply)
	}
	if !lr.Succeeded {
		return fmt.Errorf("master: could not start subkernel %d: %w", id, ErrFailed)
	}
	return nil
}

// FinishedKernel describes a completion notice collected from a
// satellite.
type FinishedKernel struct {
	WithException bool
	ExceptionSrc  uint8
}

// AwaitKernel waits for the completion notice of a started subkernel.
// A timeout of 0 waits forever.
func (m *Master) AwaitKernel(id uint32, timeout time.Duration) (FinishedKernel, error) {
	deadline := m.now().Add(timeout)
	for {
		m.mu.Lock()
		notice, ok := m.finished[id]
		if ok {
			delete(m.finished, id)
		}
		m.mu.Unlock()
		if ok {
			return FinishedKernel{
				WithException: notice.withException,
				ExceptionSrc:  notice.excSource,
			}, nil
		}
		if timeout > 0 && m.now().After(deadline) {
			return FinishedKernel{}, fmt.Errorf("master: subkernel %d: %w", id, drtioaux.ErrTimeout)
		}
		m.pollAsync()
	}
}

// RetrieveException pulls the serialized exception report of a failed
// subkernel from the satellite that recorded it.
func (m *Master) RetrieveException(destination uint8) ([]byte, error) {
	var report []byte
	for {
		reply, err := m.Transact(destination, drtioaux.SubkernelExceptionRequest{
			Source:      0,
			Destination: destination,
		})
		if err != nil {
			return nil, fmt.Errorf("master: could not retrieve exception: %w", err)
		}
		exc, ok := reply.(drtioaux.SubkernelException)
		if !ok {
			return nil, fmt.Errorf("master: could not retrieve exception: %w: %T", ErrUnexpectedReply, reply)
		}
		report = append(report, exc.Data...)
		if exc.Last {
			return report, nil
		}
	}
}

// SendMessage transfers an inter-kernel message to the subkernel
// session on destination. count is the number of serialized arguments
// in data.
func (m *Master) SendMessage(id uint32, destination uint8, count uint8, data []byte) error {
	payload := append([]byte{count}, data...)
	err := drtioaux.Chunks(payload, drtioaux.MasterPayloadMaxSize, func(chunk []byte, st drtioaux.PayloadStatus) error {
		reply, err := m.Transact(destination, drtioaux.SubkernelMessage{
			Source:      0,
			Destination: destination,
			ID:          id,
			Status:      st,
			Data:        chunk,
		})
		if err != nil {
			return err
		}
		if _, ok := reply.(drtioaux.SubkernelMessageAck); !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("master: could not send message to subkernel %d: %w", id, err)
	}
	return nil
}

// ReceiveMessage claims a fully reassembled message sent by the
// subkernel running under id. It returns the argument count and the
// serialized payload, or false when no message has arrived.
func (m *Master) ReceiveMessage(id uint32) (count uint8, data []byte, ok bool) {
	m.pollAsync()
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.messages[id]
	if !ok {
		return 0, nil, false
	}
	delete(m.messages, id)
	return in.count, in.data, true
}
