// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

func newTestSatellite(t *testing.T, opts ...Option) (*Satellite, gw.RW, *drtioaux.Link) {
	t.Helper()
	cli, srv := net.Pipe()
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	mem := gw.NewMem(CoreWindowSize)
	opts = append([]Option{WithLogger(discard(t))}, opts...)
	sat := New(mem, drtioaux.NewLink(srv), opts...)
	return sat, mem, drtioaux.NewLink(cli)
}

// dispatch runs p through the packet dispatcher and returns the reply
// sent on the uplink.
func dispatch(t *testing.T, sat *Satellite, peer *drtioaux.Link, p drtioaux.Packet) drtioaux.Packet {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- sat.processPacket(p) }()
	reply, err := peer.Recv(1 * time.Second)
	if err != nil {
		t.Fatalf("could not receive reply: %+v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("could not process packet: %+v", err)
	}
	return reply
}

func TestProcessEcho(t *testing.T) {
	sat, _, peer := newTestSatellite(t)
	if p := dispatch(t, sat, peer, drtioaux.EchoRequest{}); p != (drtioaux.EchoReply{}) {
		t.Fatalf("reply: got=%#v", p)
	}
}

func TestProcessRouting(t *testing.T) {
	sat, _, peer := newTestSatellite(t)

	var hops [routing.MaxHops]uint8
	hops[0] = 1
	hops[1] = 0
	p := dispatch(t, sat, peer, drtioaux.RoutingSetPath{Destination: 2, Hops: hops})
	if p != (drtioaux.RoutingAck{}) {
		t.Fatalf("set path reply: got=%#v", p)
	}
	if hop := sat.table.Hop(2, 0); hop != 1 {
		t.Fatalf("table entry: got=%d, want=1", hop)
	}

	p = dispatch(t, sat, peer, drtioaux.RoutingSetRank{Rank: 2})
	if p != (drtioaux.RoutingAck{}) {
		t.Fatalf("set rank reply: got=%#v", p)
	}
	if sat.rank != 2 {
		t.Fatalf("rank: got=%d, want=2", sat.rank)
	}
}

func TestDestinationStatus(t *testing.T) {
	sat, mem, peer := newTestSatellite(t)

	// the status survey names this node's destination
	p := dispatch(t, sat, peer, drtioaux.DestinationStatusRequest{Destination: 3})
	if p != (drtioaux.DestinationOkReply{}) {
		t.Fatalf("clean status: got=%#v", p)
	}
	if sat.destination != 3 {
		t.Fatalf("destination not adopted: got=%d", sat.destination)
	}

	gw.NewReg32(mem, regRTIOError).Write(RTIOErrCollision)
	gw.NewReg32(mem, regCollisionChan).Write(42)
	p = dispatch(t, sat, peer, drtioaux.DestinationStatusRequest{Destination: 3})
	coll, ok := p.(drtioaux.DestinationCollisionReply)
	if !ok || coll.Channel != 42 {
		t.Fatalf("collision status: got=%#v", p)
	}
}

func TestDestinationStatusDown(t *testing.T) {
	sat, _, peer := newTestSatellite(t)

	// destination 2 routes through a port this node does not have
	var hops [routing.MaxHops]uint8
	hops[1] = 1
	sat.table.SetPath(2, hops)

	p := dispatch(t, sat, peer, drtioaux.DestinationStatusRequest{Destination: 2})
	if p != (drtioaux.DestinationDownReply{}) {
		t.Fatalf("status via missing port: got=%#v", p)
	}
}

func TestProcessMonitor(t *testing.T) {
	sat, mem, peer := newTestSatellite(t)
	gw.NewReg32(mem, regMonValueLo).Write(0x1234)

	p := dispatch(t, sat, peer, drtioaux.MonitorRequest{Destination: 1, Channel: 9, Probe: 2})
	mon, ok := p.(drtioaux.MonitorReply)
	if !ok || mon.Value != 0x1234 {
		t.Fatalf("monitor reply: got=%#v", p)
	}
	if got := gw.NewReg32(mem, regMonChanSel).Read(); got != 9 {
		t.Fatalf("channel select: got=%d, want=9", got)
	}
}

func TestProcessI2CWithoutBus(t *testing.T) {
	sat, _, peer := newTestSatellite(t)

	p := dispatch(t, sat, peer, drtioaux.I2cStartRequest{Destination: 1, BusNo: 0})
	if basic, ok := p.(drtioaux.I2cBasicReply); !ok || basic.Succeeded {
		t.Fatalf("start without a bus: got=%#v", p)
	}
	p = dispatch(t, sat, peer, drtioaux.I2cReadRequest{Destination: 1, BusNo: 0})
	if rd, ok := p.(drtioaux.I2cReadReply); !ok || rd.Succeeded || rd.Data != 0xff {
		t.Fatalf("read without a bus: got=%#v", p)
	}
}

func TestProcessConfigPackets(t *testing.T) {
	sat, _, peer := newTestSatellite(t)

	payload := []byte{0, 0, 0, 3, 'k', 'e', 'y', 'v', 'a', 'l'}
	p := dispatch(t, sat, peer, drtioaux.CoreMgmtConfigWriteRequest{
		Destination: 1,
		Last:        true,
		Data:        payload,
	})
	if rep, ok := p.(drtioaux.CoreMgmtReply); !ok || !rep.Succeeded {
		t.Fatalf("config write: got=%#v", p)
	}

	p = dispatch(t, sat, peer, drtioaux.CoreMgmtConfigReadRequest{Destination: 1, Key: []byte("key")})
	rd, ok := p.(drtioaux.CoreMgmtConfigReadReply)
	if !ok || !rd.Last || !bytes.Equal(rd.Value, []byte("val")) {
		t.Fatalf("config read: got=%#v", p)
	}

	p = dispatch(t, sat, peer, drtioaux.CoreMgmtConfigReadRequest{Destination: 1, Key: []byte("nope")})
	if rep, ok := p.(drtioaux.CoreMgmtReply); !ok || rep.Succeeded {
		t.Fatalf("absent config read: got=%#v", p)
	}
}

func TestProcessGetLog(t *testing.T) {
	sat, _, peer := newTestSatellite(t)
	sat.logBuf.Write([]byte("hello, log"))

	p := dispatch(t, sat, peer, drtioaux.CoreMgmtGetLogRequest{Destination: 1, Clear: true})
	rep, ok := p.(drtioaux.CoreMgmtGetLogReply)
	if !ok || !rep.Last || string(rep.Data) != "hello, log" {
		t.Fatalf("log reply: got=%#v", p)
	}
}

func TestProcessSubkernelAddData(t *testing.T) {
	sat, _, peer := newTestSatellite(t)

	p := dispatch(t, sat, peer, drtioaux.SubkernelAddDataRequest{
		Destination: 4,
		ID:          7,
		Status:      payloadOnly,
		Data:        []byte{0xde, 0xad},
	})
	if rep, ok := p.(drtioaux.SubkernelAddDataReply); !ok || !rep.Succeeded {
		t.Fatalf("add data reply: got=%#v", p)
	}
	if sat.destination != 4 {
		t.Fatalf("destination not adopted: got=%d", sat.destination)
	}
}

func TestProcessDmaAddTrace(t *testing.T) {
	sat, _, _ := newTestSatellite(t)

	trace := append(record(16, 4, 0xaa), 0)
	err := sat.processPacket(drtioaux.DmaAddTraceRequest{
		Source:      0,
		Destination: 1,
		ID:          3,
		Status:      payloadOnly,
		Trace:       trace,
	})
	if err != nil {
		t.Fatalf("could not process trace: %+v", err)
	}
	p, ok := sat.router.GetUpstreamPacket()
	if !ok {
		t.Fatalf("trace reply not routed")
	}
	rep, ok := p.(drtioaux.DmaAddTraceReply)
	if !ok || !rep.Succeeded || rep.Destination != 0 || rep.ID != 3 {
		t.Fatalf("trace reply: got=%#v", p)
	}
}

func TestProcessFlashDropLink(t *testing.T) {
	sat, mem, peer := newTestSatellite(t)
	sat.core.SetTXEnable(true)

	p := dispatch(t, sat, peer, drtioaux.CoreMgmtFlashRequest{Destination: 1, PayloadLength: 8})
	if rep, ok := p.(drtioaux.CoreMgmtReply); !ok || !rep.Succeeded {
		t.Fatalf("flash request: got=%#v", p)
	}
	p = dispatch(t, sat, peer, drtioaux.CoreMgmtFlashAddDataRequest{
		Destination: 1,
		Last:        true,
		Data:        []byte{1, 2, 3, 4},
	})
	if p != (drtioaux.CoreMgmtDropLink{}) {
		t.Fatalf("last flash chunk: got=%#v", p)
	}

	// a bad image re-enables the transmitters instead of rebooting
	err := sat.processPacket(drtioaux.CoreMgmtDropLinkAck{Destination: 1})
	if err != nil {
		t.Fatalf("could not process drop-link ack: %+v", err)
	}
	if got := gw.NewReg32(mem, regTXEnable).Read(); got != 0xffffffff {
		t.Fatalf("transmitters not re-enabled: got=%#x", got)
	}
}

func TestProcessUnknownPacket(t *testing.T) {
	sat, _, _ := newTestSatellite(t)
	if err := sat.processPacket(drtioaux.TSCAck{}); err != nil {
		t.Fatalf("unknown packet: %+v", err)
	}
}
