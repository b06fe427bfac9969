// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

// Survey runs one destination health pass: every configured destination
// is probed with a status request and its up/down state and pending
// RTIO error conditions are collected.
func (m *Master) Survey() {
	for d := 1; d < routing.DestCount; d++ {
		destination := uint8(d)
		if m.table.Hop(destination, 0) == routing.HopLocal {
			continue // unconfigured destination
		}
		m.surveyDestination(destination)
	}
}

func (m *Master) surveyDestination(destination uint8) {
	link, err := m.linkFor(destination)
	if err != nil || !link.Up() {
		m.markDestination(destination, false)
		return
	}
	reply, err := m.transactLink(link, drtioaux.DestinationStatusRequest{Destination: destination})
	if err != nil {
		m.msg.Printf("master: destination %d survey failed: %+v", destination, err)
		m.markDestination(destination, false)
		return
	}
	switch reply := reply.(type) {
	case drtioaux.DestinationOkReply:
		m.markDestination(destination, true)

	case drtioaux.DestinationDownReply:
		m.markDestination(destination, false)

	case drtioaux.DestinationSequenceErrorReply:
		m.msg.Printf("master: RTIO sequence error involving channel %s", m.channelInfo(reply.Channel))
		m.latchAsyncError(AsyncErrorSequence)

	case drtioaux.DestinationCollisionReply:
		m.msg.Printf("master: RTIO collision involving channel %s", m.channelInfo(reply.Channel))
		m.latchAsyncError(AsyncErrorCollision)

	case drtioaux.DestinationBusyReply:
		m.msg.Printf("master: RTIO busy error involving channel %s", m.channelInfo(reply.Channel))
		m.latchAsyncError(AsyncErrorBusy)

	default:
		m.msg.Printf("master: destination %d survey: %+v: %T", destination, ErrUnexpectedReply, reply)
	}
}

func (m *Master) channelInfo(channel uint16) string {
	info := fmt.Sprintf("0x%04x", channel)
	if m.names != nil {
		if name := m.names(uint32(channel)); name != "" {
			info += ":" + name
		}
	}
	return info
}

func (m *Master) latchAsyncError(bit uint8) {
	m.mu.Lock()
	m.asyncErrors |= bit
	m.mu.Unlock()
}

func (m *Master) markDestination(destination uint8, up bool) {
	m.mu.Lock()
	was := m.upDest[destination]
	m.upDest[destination] = up
	m.mu.Unlock()
	if was != up {
		if up {
			m.msg.Printf("destination %d is up", destination)
		} else {
			m.msg.Printf("destination %d is down", destination)
		}
	}
}

// dropDestinations marks every destination routed through link as down.
func (m *Master) dropDestinations(link *Link) {
	for d := 1; d < routing.DestCount; d++ {
		destination := uint8(d)
		hop := m.table.Hop(destination, 0)
		if hop != routing.HopLocal && int(hop)-1 == link.n {
			m.markDestination(destination, false)
		}
	}
}
