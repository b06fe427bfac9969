// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package routing

import (
	"fmt"
	"log"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// Origin tells the router which link a packet entered the node on, for
// loop prevention.
type Origin int

// FromUpstream marks a packet that arrived on the uplink; repeater
// arrivals use their zero-based repeater index. FromLocal marks packets
// generated by this node itself.
const (
	FromLocal    Origin = -2
	FromUpstream Origin = -1
)

// Router queues outbound aux packets per direction. There is exactly one
// in-flight slot per direction (local, upstream, one per repeater):
// callers drain a slot before routing the packet that refills it, so the
// router never buffers more than one packet per link.
type Router struct {
	msg *log.Logger

	local      drtioaux.Packet
	upstream   drtioaux.Packet
	downstream []drtioaux.Packet // one slot per repeater
}

// NewRouter returns a Router for a node driving the given number of
// repeater (downstream) links. msg may be nil.
func NewRouter(msg *log.Logger, repeaters int) *Router {
	if msg == nil {
		msg = log.Default()
	}
	return &Router{
		msg:        msg,
		downstream: make([]drtioaux.Packet, repeaters),
	}
}

// Route decides where packet goes and enqueues it: local dispatch if its
// destination terminates here, otherwise down the repeater link named by
// the routing table, otherwise upstream toward the master. A packet that
// would be sent straight back out the link it arrived on is dropped.
func (r *Router) Route(p drtioaux.Packet, tbl *Table, rank, selfDestination uint8, from Origin) error {
	rp, ok := p.(drtioaux.Routable)
	if !ok {
		// replies carry no destination: they terminate a request that
		// came from the master side, so they always travel upstream.
		if from == FromUpstream {
			r.msg.Printf("dropping reply packet 0x%02x: it arrived from upstream", uint8(p.Type()))
			return fmt.Errorf("routing: reply packet 0x%02x cannot return upstream", uint8(p.Type()))
		}
		return r.enqueue(&r.upstream, p, "upstream")
	}

	dest := rp.Dest()
	switch hop := tbl.Hop(dest, rank); {
	case dest == selfDestination:
		return r.enqueue(&r.local, p, "local")

	case hop != HopLocal && int(hop) <= len(r.downstream):
		rep := int(hop) - 1
		if from == Origin(rep) {
			r.msg.Printf("dropping packet 0x%02x for destination %d: next hop loops back to repeater %d",
				uint8(p.Type()), dest, rep)
			return nil
		}
		return r.enqueue(&r.downstream[rep], p, fmt.Sprintf("downstream %d", rep))

	default:
		if from == FromUpstream {
			r.msg.Printf("dropping packet 0x%02x for destination %d: next hop loops back upstream",
				uint8(p.Type()), dest)
			return nil
		}
		return r.enqueue(&r.upstream, p, "upstream")
	}
}

func (r *Router) enqueue(slot *drtioaux.Packet, p drtioaux.Packet, dir string) error {
	if *slot != nil {
		r.msg.Printf("dropping packet 0x%02x: %s slot busy", uint8(p.Type()), dir)
		return fmt.Errorf("routing: %s slot busy", dir)
	}
	*slot = p
	return nil
}

// GetLocalPacket drains the packet queued for local dispatch, if any.
func (r *Router) GetLocalPacket() (drtioaux.Packet, bool) {
	p := r.local
	r.local = nil
	return p, p != nil
}

// GetUpstreamPacket drains the packet queued for the uplink, if any.
func (r *Router) GetUpstreamPacket() (drtioaux.Packet, bool) {
	p := r.upstream
	r.upstream = nil
	return p, p != nil
}

// GetDownstreamPacket drains one queued repeater packet, returning the
// repeater index it is bound for.
func (r *Router) GetDownstreamPacket() (int, drtioaux.Packet, bool) {
	for i, p := range r.downstream {
		if p != nil {
			r.downstream[i] = nil
			return i, p, true
		}
	}
	return 0, nil, false
}
