// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// Monitor samples a probe of an RTIO channel on a destination.
func (m *Master) Monitor(destination uint8, channel uint16, probe uint8) (uint64, error) {
	reply, err := m.Transact(destination, drtioaux.MonitorRequest{
		Destination: destination,
		Channel:     channel,
		Probe:       probe,
	})
	if err != nil {
		return 0, fmt.Errorf("master: could not monitor: %w", err)
	}
	mon, ok := reply.(drtioaux.MonitorReply)
	if !ok {
		return 0, fmt.Errorf("master: could not monitor: %w: %T", ErrUnexpectedReply, reply)
	}
	return mon.Value, nil
}

// Inject drives an override of an RTIO channel on a destination. The
// request carries no reply.
func (m *Master) Inject(destination uint8, channel uint16, override, value uint8) error {
	link, err := m.linkFor(destination)
	if err != nil {
		return err
	}
	if !link.Up() {
		return fmt.Errorf("master: could not inject: %w", ErrLinkDown)
	}
	link.mu.Lock()
	err = link.port.Send(drtioaux.InjectionRequest{
		Destination: destination,
		Channel:     channel,
		Overrd:      override,
		Value:       value,
	})
	link.mu.Unlock()
	if err != nil {
		return fmt.Errorf("master: could not inject: %w", err)
	}
	return nil
}

// InjectionStatus reads back the state of an RTIO channel override.
func (m *Master) InjectionStatus(destination uint8, channel uint16, override uint8) (uint8, error) {
	reply, err := m.Transact(destination, drtioaux.InjectionStatusRequest{
		Destination: destination,
		Channel:     channel,
		Overrd:      override,
	})
	if err != nil {
		return 0, fmt.Errorf("master: could not read injection status: %w", err)
	}
	st, ok := reply.(drtioaux.InjectionStatusReply)
	if !ok {
		return 0, fmt.Errorf("master: could not read injection status: %w: %T", ErrUnexpectedReply, reply)
	}
	return st.Value, nil
}
