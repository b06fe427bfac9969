// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

// ErrRepeaterDown is returned by repeater operations while the
// downstream link is not established.
var ErrRepeaterDown = errors.New("satman: repeater link is down")

const (
	auxTimeout  = 200 * time.Millisecond
	pollTimeout = 5 * time.Millisecond
	tscTimeout  = 10 * time.Second
	pingLimit   = 200
	pingBackoff = 100 * time.Millisecond
)

// RepeaterPort is the hardware of one downstream DRTIO link: the aux
// packet channel plus the link status and TSC strobe of the gateware.
type RepeaterPort interface {
	RXUp() bool
	SetTime()
	Send(p drtioaux.Packet) error
	Recv(timeout time.Duration) (drtioaux.Packet, error)
}

// downstream port gateware registers.
const (
	regPortRXUp    = 0x00
	regPortSetTime = 0x04

	// PortWindowSize is the size of a downstream port register window.
	PortWindowSize = 0x10
)

// GatewarePort implements RepeaterPort over a framed aux link and a
// port register window.
type GatewarePort struct {
	link    *drtioaux.Link
	rxUp    gw.Reg32
	setTime gw.Reg32
}

// NewGatewarePort returns a port over link and the register window mem.
func NewGatewarePort(link *drtioaux.Link, mem gw.RW) *GatewarePort {
	return &GatewarePort{
		link:    link,
		rxUp:    gw.NewReg32(mem, regPortRXUp),
		setTime: gw.NewReg32(mem, regPortSetTime),
	}
}

func (p *GatewarePort) RXUp() bool { return p.rxUp.Read() != 0 }

func (p *GatewarePort) SetTime() { p.setTime.Write(1) }

func (p *GatewarePort) Send(pkt drtioaux.Packet) error { return p.link.Send(pkt) }

func (p *GatewarePort) Recv(timeout time.Duration) (drtioaux.Packet, error) {
	return p.link.Recv(timeout)
}

var _ RepeaterPort = (*GatewarePort)(nil)

type repeaterState int

const (
	repDown repeaterState = iota
	repSendPing
	repWaitPingReply
	repUp
	repFailed
)

// Repeater supervises one downstream DRTIO link: it brings the link up
// with an echo handshake, forwards aux packets in both directions and
// relays routing configuration.
type Repeater struct {
	n    int // downstream port index
	port RepeaterPort
	msg  *log.Logger
	now  func() time.Time

	state     repeaterState
	pingCount int
	nextPing  time.Time
}

// NewRepeater returns a repeater over port n.
func NewRepeater(n int, port RepeaterPort, msg *log.Logger) *Repeater {
	return &Repeater{n: n, port: port, msg: msg, now: time.Now}
}

// Up reports whether the downstream link passed the echo handshake.
func (r *Repeater) Up() bool { return r.state == repUp }

// Service advances the link state machine by one step and routes any
// unsolicited packet arriving from downstream.
func (r *Repeater) Service(router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) {
	switch r.state {
	case repDown:
		if r.port.RXUp() {
			r.state = repSendPing
			r.pingCount = 0
			r.nextPing = r.now()
		}

	case repSendPing:
		if !r.port.RXUp() {
			r.state = repDown
			return
		}
		if r.now().Before(r.nextPing) {
			return
		}
		r.pingCount++
		if r.pingCount > pingLimit {
			r.msg.Printf("satman: repeater %d did not answer the echo handshake", r.n)
			r.state = repFailed
			return
		}
		if err := r.port.Send(drtioaux.EchoRequest{}); err != nil {
			r.msg.Printf("satman: repeater %d ping failed: %+v", r.n, err)
			r.state = repDown
			return
		}
		r.state = repWaitPingReply

	case repWaitPingReply:
		if !r.port.RXUp() {
			r.state = repDown
			return
		}
		p, err := r.port.Recv(pollTimeout)
		switch {
		case err == nil:
			if _, ok := p.(drtioaux.EchoReply); ok {
				r.msg.Printf("satman: repeater %d link is up", r.n)
				r.state = repUp
				return
			}
			// stale traffic from a previous session, keep waiting
		case errors.Is(err, drtioaux.ErrTimeout):
			r.nextPing = r.now().Add(pingBackoff)
			r.state = repSendPing
		default:
			r.msg.Printf("satman: repeater %d receive failed: %+v", r.n, err)
			r.state = repDown
		}

	case repUp:
		if !r.port.RXUp() {
			r.msg.Printf("satman: repeater %d link is down", r.n)
			r.state = repDown
			return
		}
		p, err := r.port.Recv(pollTimeout)
		switch {
		case err == nil:
			err := router.Route(p, tbl, rank, selfDestination, routing.Origin(r.n))
			if err != nil {
				r.msg.Printf("satman: could not route packet from repeater %d: %+v", r.n, err)
			}
		case errors.Is(err, drtioaux.ErrTimeout):
			// no traffic
		default:
			r.msg.Printf("satman: repeater %d receive failed: %+v", r.n, err)
		}

	case repFailed:
		if !r.port.RXUp() {
			r.state = repDown
		}
	}
}

// AuxSend transmits p downstream without waiting for a reply.
func (r *Repeater) AuxSend(p drtioaux.Packet) error {
	if r.state != repUp {
		return ErrRepeaterDown
	}
	return r.port.Send(p)
}

// AuxForward transmits p downstream, waits for the reply and hands it
// to the router. Unsolicited packets arriving before the reply are
// routed as well.
func (r *Repeater) AuxForward(p drtioaux.Packet, router *routing.Router, tbl *routing.Table, rank, selfDestination uint8) error {
	reply, err := r.transact(p, auxTimeout)
	if err != nil {
		return err
	}
	return router.Route(reply, tbl, rank, selfDestination, routing.Origin(r.n))
}

func (r *Repeater) transact(p drtioaux.Packet, timeout time.Duration) (drtioaux.Packet, error) {
	if r.state != repUp {
		return nil, ErrRepeaterDown
	}
	if err := r.port.Send(p); err != nil {
		return nil, fmt.Errorf("satman: repeater %d send failed: %w", r.n, err)
	}
	reply, err := r.port.Recv(timeout)
	if err != nil {
		return nil, fmt.Errorf("satman: repeater %d transaction failed: %w", r.n, err)
	}
	return reply, nil
}

// SyncTSC strobes the timestamp counter transfer and waits for the
// downstream acknowledgement.
func (r *Repeater) SyncTSC() error {
	if r.state != repUp {
		return ErrRepeaterDown
	}
	r.port.SetTime()
	deadline := r.now().Add(tscTimeout)
	for {
		p, err := r.port.Recv(auxTimeout)
		switch {
		case err == nil:
			if _, ok := p.(drtioaux.TSCAck); ok {
				return nil
			}
			// unrelated traffic, keep waiting
		case errors.Is(err, drtioaux.ErrTimeout):
			// retry until the deadline
		default:
			return fmt.Errorf("satman: repeater %d TSC sync failed: %w", r.n, err)
		}
		if r.now().After(deadline) {
			return fmt.Errorf("satman: repeater %d TSC sync failed: %w", r.n, drtioaux.ErrTimeout)
		}
	}
}

// SetPath programs one routing table entry downstream.
func (r *Repeater) SetPath(destination uint8, hops [routing.MaxHops]uint8) error {
	reply, err := r.transact(drtioaux.RoutingSetPath{Destination: destination, Hops: hops}, auxTimeout)
	if err != nil {
		return err
	}
	if _, ok := reply.(drtioaux.RoutingAck); !ok {
		return fmt.Errorf("satman: repeater %d: %w: %T", r.n, ErrUnexpectedReply, reply)
	}
	return nil
}

// SetRank programs the downstream node rank.
func (r *Repeater) SetRank(rank uint8) error {
	reply, err := r.transact(drtioaux.RoutingSetRank{Rank: rank}, auxTimeout)
	if err != nil {
		return err
	}
	if _, ok := reply.(drtioaux.RoutingAck); !ok {
		return fmt.Errorf("satman: repeater %d: %w: %T", r.n, ErrUnexpectedReply, reply)
	}
	return nil
}

// RTIOReset propagates an RTIO reset downstream.
func (r *Repeater) RTIOReset() error {
	reply, err := r.transact(drtioaux.ResetRequest{}, auxTimeout)
	if err != nil {
		return err
	}
	if _, ok := reply.(drtioaux.ResetAck); !ok {
		return fmt.Errorf("satman: repeater %d: %w: %T", r.n, ErrUnexpectedReply, reply)
	}
	return nil
}
