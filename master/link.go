// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
)

// LinkPort is the hardware of one DRTIO link towards a satellite: the
// aux packet channel plus the link status and TSC strobe of the
// gateware.
type LinkPort interface {
	RXUp() bool
	SetTime()
	Send(p drtioaux.Packet) error
	Recv(timeout time.Duration) (drtioaux.Packet, error)
}

// link port gateware registers.
const (
	regLinkRXUp    = 0x00
	regLinkSetTime = 0x04

	// LinkWindowSize is the size of a link port register window.
	LinkWindowSize = 0x10
)

// GatewareLinkPort implements LinkPort over a framed aux link and a
// port register window.
type GatewareLinkPort struct {
	link    *drtioaux.Link
	rxUp    gw.Reg32
	setTime gw.Reg32
}

// NewGatewareLinkPort returns a port over link and the register window
// mem.
func NewGatewareLinkPort(link *drtioaux.Link, mem gw.RW) *GatewareLinkPort {
	return &GatewareLinkPort{
		link:    link,
		rxUp:    gw.NewReg32(mem, regLinkRXUp),
		setTime: gw.NewReg32(mem, regLinkSetTime),
	}
}

func (p *GatewareLinkPort) RXUp() bool { return p.rxUp.Read() != 0 }

func (p *GatewareLinkPort) SetTime() { p.setTime.Write(1) }

func (p *GatewareLinkPort) Send(pkt drtioaux.Packet) error { return p.link.Send(pkt) }

func (p *GatewareLinkPort) Recv(timeout time.Duration) (drtioaux.Packet, error) {
	return p.link.Recv(timeout)
}

var _ LinkPort = (*GatewareLinkPort)(nil)

// Link is one supervised DRTIO link. The mutex serializes aux channel
// access so at most one request is outstanding per link.
type Link struct {
	n    int
	port LinkPort

	mu sync.Mutex
	up bool
}

func newLink(n int, port LinkPort) *Link {
	return &Link{n: n, port: port}
}

// Up reports whether the link passed the echo handshake.
func (l *Link) Up() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *Link) setUp(up bool) {
	l.mu.Lock()
	l.up = up
	l.mu.Unlock()
}

// ping sends echo requests until one is answered, up to pingLimit
// attempts. It returns the number of attempts used.
func (l *Link) ping() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for count := 1; count <= pingLimit; count++ {
		if err := l.port.Send(drtioaux.EchoRequest{}); err != nil {
			return count, fmt.Errorf("master: link %d ping failed: %w", l.n, err)
		}
		p, err := l.port.Recv(pingTimeout)
		switch {
		case err == nil:
			if _, ok := p.(drtioaux.EchoReply); ok {
				return count, nil
			}
			// stale traffic from a previous session
		case errors.Is(err, drtioaux.ErrTimeout):
			// retry
		default:
			return count, fmt.Errorf("master: link %d ping failed: %w", l.n, err)
		}
	}
	return pingLimit, fmt.Errorf("master: link %d ping failed: %w", l.n, drtioaux.ErrTimeout)
}

// drain discards stale aux traffic for the given duration.
func (l *Link) drain(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, err := l.port.Recv(pollTimeout); err != nil {
			if errors.Is(err, drtioaux.ErrTimeout) {
				continue
			}
			return
		}
	}
}

// syncTSC strobes the timestamp counter transfer and waits for the
// satellite's acknowledgement.
func (l *Link) syncTSC() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.port.SetTime()
	deadline := time.Now().Add(tscTimeout)
	for {
		p, err := l.port.Recv(auxTimeout)
		switch {
		case err == nil:
			if _, ok := p.(drtioaux.TSCAck); ok {
				return nil
			}
		case errors.Is(err, drtioaux.ErrTimeout):
			// retry until the deadline
		default:
			return fmt.Errorf("master: link %d TSC sync failed: %w", l.n, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("master: link %d TSC sync failed: %w", l.n, drtioaux.ErrTimeout)
		}
	}
}
