// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package routing

import (
	"bytes"
	"log"
	"reflect"
	"strings"
	"testing"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

func TestTableDefaultMaster(t *testing.T) {
	tbl := DefaultMaster(3)

	for _, tc := range []struct {
		dest uint8
		want uint8
	}{
		{dest: 0, want: HopLocal},
		{dest: 1, want: 1},
		{dest: 2, want: 2},
		{dest: 3, want: 3},
		{dest: 4, want: HopLocal},
	} {
		if got := tbl.Hop(tc.dest, 0); got != tc.want {
			t.Errorf("invalid hop for destination %d: got=%d, want=%d", tc.dest, got, tc.want)
		}
	}
}

func TestRouteLocal(t *testing.T) {
	var tbl Table
	r := NewRouter(discard(t), 2)

	pkt := drtioaux.SubkernelMessageAck{Destination: 5}
	err := r.Route(pkt, &tbl, 1, 5, FromUpstream)
	if err != nil {
		t.Fatalf("could not route packet: %+v", err)
	}

	got, ok := r.GetLocalPacket()
	if !ok {
		t.Fatalf("no local packet queued")
	}
	if !reflect.DeepEqual(got, pkt) {
		t.Fatalf("invalid local packet: got=%#v, want=%#v", got, pkt)
	}

	if _, ok := r.GetLocalPacket(); ok {
		t.Fatalf("local slot did not drain")
	}
}

func TestRouteDownstream(t *testing.T) {
	var tbl Table
	tbl.SetPath(7, [MaxHops]uint8{1, 2, 0})

	r := NewRouter(discard(t), 2)
	err := r.Route(drtioaux.DmaPlaybackRequest{Destination: 7, ID: 1}, &tbl, 1, 3, FromUpstream)
	if err != nil {
		t.Fatalf("could not route packet: %+v", err)
	}

	rep, p, ok := r.GetDownstreamPacket()
	if !ok {
		t.Fatalf("no downstream packet queued")
	}
	if rep != 1 {
		t.Fatalf("invalid repeater: got=%d, want=1", rep)
	}
	if p.Type() != drtioaux.TypeDmaPlaybackRequest {
		t.Fatalf("invalid packet type: got=0x%02x", uint8(p.Type()))
	}
}

func TestRouteUpstream(t *testing.T) {
	var tbl Table
	r := NewRouter(discard(t), 2)

	// destination 0 is the master: the destination is not ours and no
	// repeater link is named, so the reply climbs the tree.
	err := r.Route(drtioaux.DmaAddTraceReply{Destination: 0, ID: 1, Succeeded: true}, &tbl, 1, 3, FromLocal)
	if err != nil {
		t.Fatalf("could not route packet: %+v", err)
	}

	if _, ok := r.GetUpstreamPacket(); !ok {
		t.Fatalf("no upstream packet queued")
	}
	if _, ok := r.GetLocalPacket(); ok {
		t.Fatalf("reply for the master was queued locally")
	}
}

func TestRouteLoopDrop(t *testing.T) {
	var (
		buf bytes.Buffer
		msg = log.New(&buf, "routing: ", 0)
		tbl Table
	)
	tbl.SetPath(7, [MaxHops]uint8{1, 2, 0})

	r := NewRouter(msg, 2)

	// the packet arrived on repeater 1 and its next hop is repeater 1:
	// it must be dropped, not requeued to the same link.
	err := r.Route(drtioaux.DmaPlaybackRequest{Destination: 7, ID: 1}, &tbl, 1, 3, Origin(1))
	if err != nil {
		t.Fatalf("loop drop must not be an error: %+v", err)
	}

	if _, _, ok := r.GetDownstreamPacket(); ok {
		t.Fatalf("looping packet was requeued")
	}
	if !strings.Contains(buf.String(), "loops back") {
		t.Fatalf("missing loop warning, got %q", buf.String())
	}
}

func TestRouteSlotBusy(t *testing.T) {
	var tbl Table
	r := NewRouter(discard(t), 1)

	first := drtioaux.SubkernelMessageAck{Destination: 3}
	if err := r.Route(first, &tbl, 0, 3, FromUpstream); err != nil {
		t.Fatalf("could not route packet: %+v", err)
	}
	err := r.Route(drtioaux.SubkernelMessageAck{Destination: 3}, &tbl, 0, 3, FromUpstream)
	if err == nil {
		t.Fatalf("expected an error on a busy slot")
	}

	got, ok := r.GetLocalPacket()
	if !ok || !reflect.DeepEqual(got, first) {
		t.Fatalf("busy slot clobbered the queued packet: got=%#v", got)
	}
}

func TestRouteReplyUpstream(t *testing.T) {
	var tbl Table
	r := NewRouter(discard(t), 1)

	// destination-less replies travel toward the master.
	if err := r.Route(drtioaux.EchoReply{}, &tbl, 1, 1, Origin(0)); err != nil {
		t.Fatalf("could not route reply: %+v", err)
	}
	got, ok := r.GetUpstreamPacket()
	if !ok || !reflect.DeepEqual(got, drtioaux.EchoReply{}) {
		t.Fatalf("reply not queued upstream: got=%#v", got)
	}

	// but a reply that arrived from upstream has nowhere to go.
	if err := r.Route(drtioaux.EchoReply{}, &tbl, 1, 1, FromUpstream); err == nil {
		t.Fatalf("expected an error routing a reply back upstream")
	}
}

func discard(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(new(bytes.Buffer), "", 0)
}
