// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/kern"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

const payloadOnly = drtioaux.PayloadFirst | drtioaux.PayloadLast

func TestMessageReassembly(t *testing.T) {
	m := messageManager{msg: discard(t)}

	m.handleIncoming(drtioaux.PayloadFirst, 7, append([]byte{3}, []byte("abc")...))
	m.handleIncoming(0, 7, []byte("def"))
	m.handleIncoming(drtioaux.PayloadLast, 7, []byte("ghi"))

	if in := m.getIncoming(9); in != nil {
		t.Fatalf("unexpected message for id 9: %+v", in)
	}
	in := m.getIncoming(7)
	if in == nil {
		t.Fatalf("missing reassembled message")
	}
	if in.count != 3 || string(in.data) != "abcdefghi" {
		t.Fatalf("message: count=%d, data=%q", in.count, in.data)
	}
	if in := m.getIncoming(7); in != nil {
		t.Fatalf("message not consumed")
	}
}

func TestMessageDropOutOfOrder(t *testing.T) {
	m := messageManager{msg: discard(t)}

	// a continuation without a first chunk is dropped
	m.handleIncoming(drtioaux.PayloadLast, 7, []byte("xyz"))
	if in := m.getIncoming(7); in != nil {
		t.Fatalf("orphan chunk was queued: %+v", in)
	}

	// a continuation for another id is dropped too
	m.handleIncoming(drtioaux.PayloadFirst, 7, []byte{1, 'a'})
	m.handleIncoming(drtioaux.PayloadLast, 8, []byte("b"))
	if in := m.getIncoming(8); in != nil {
		t.Fatalf("cross-id chunk was queued: %+v", in)
	}
}

func TestMessageOutgoingFlow(t *testing.T) {
	var (
		m   = messageManager{msg: discard(t)}
		r   = routing.NewRouter(discard(t), 1)
		tbl = testTable(1, map[uint8]uint8{2: 1})
	)

	err := m.acceptOutgoing(7, 1, 2, []byte{1, 'h', 'i'}, r, tbl, 1)
	if err != nil {
		t.Fatalf("could not accept message: %+v", err)
	}

	_, p, ok := r.GetDownstreamPacket()
	if !ok {
		t.Fatalf("first chunk not routed")
	}
	msg, ok := p.(drtioaux.SubkernelMessage)
	if !ok || msg.Destination != 2 || msg.ID != 7 {
		t.Fatalf("first chunk: got=%#v", p)
	}
	if !msg.Status.IsFirst() || !msg.Status.IsLast() {
		t.Fatalf("first chunk status: got=%v", msg.Status)
	}

	if m.wasAcknowledged() {
		t.Fatalf("acknowledged before the ack arrived")
	}
	if m.ackSlice() {
		t.Fatalf("ackSlice wants another chunk after the last one")
	}
	if !m.wasAcknowledged() {
		t.Fatalf("message not acknowledged")
	}
	if m.wasAcknowledged() {
		t.Fatalf("acknowledgement reported twice")
	}
}

// engineReply reads the next message the manager sent to the engine.
func engineReply(t *testing.T, ctl *kern.Control) kern.Message {
	t.Helper()
	select {
	case msg := <-ctl.Tx:
		return msg
	default:
		t.Fatalf("missing engine reply")
		return nil
	}
}

// startEngine answers load and start requests the way the execution
// engine would.
func startEngine(t *testing.T, ctl *kern.Control, fail bool) {
	t.Helper()
	go func() {
		for msg := range ctl.Tx {
			switch msg.(type) {
			case kern.LoadRequest:
				if fail {
					ctl.Rx <- kern.LoadFailed{}
				} else {
					ctl.Rx <- kern.LoadCompleted{}
				}
			case kern.StartRequest:
				return
			}
		}
	}()
}

func TestKernelLoadRun(t *testing.T) {
	ctl := kern.NewControl()
	km := NewKernelManager(ctl, nil, discard(t))

	if err := km.Load(5); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("got %+v, want ErrKernelNotFound", err)
	}

	if err := km.Add(5, drtioaux.PayloadFirst, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("could not add kernel chunk: %+v", err)
	}
	if err := km.Load(5); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("incomplete kernel: got %+v, want ErrKernelNotFound", err)
	}
	if err := km.Add(5, drtioaux.PayloadLast, []byte{0xbe, 0xef}); err != nil {
		t.Fatalf("could not add kernel chunk: %+v", err)
	}

	startEngine(t, ctl, false)
	if err := km.Load(5); err != nil {
		t.Fatalf("could not load kernel: %+v", err)
	}
	if km.session.state != stateLoaded || km.session.id != 5 {
		t.Fatalf("session after load: %+v", km.session)
	}
	if km.Running() {
		t.Fatalf("loaded kernel reported as running")
	}

	if err := km.Run(0, 5, 0); err != nil {
		t.Fatalf("could not run kernel: %+v", err)
	}
	if !km.Running() || km.session.source != 0 {
		t.Fatalf("session after run: %+v", km.session)
	}
}

func TestKernelLoadFailed(t *testing.T) {
	ctl := kern.NewControl()
	km := NewKernelManager(ctl, nil, discard(t))

	if err := km.Add(5, payloadOnly, []byte{0xde}); err != nil {
		t.Fatalf("could not add kernel: %+v", err)
	}
	startEngine(t, ctl, true)
	if err := km.Load(5); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("got %+v, want ErrLoadFailed", err)
	}
}

func TestKernelFinishedReported(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 0)
		tbl = &routing.Table{}
	)
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.KernelFinished{}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.Running() {
		t.Fatalf("session still running after the kernel finished")
	}
	// the completion notification flushes on the next cycle
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	p, ok := r.GetUpstreamPacket()
	if !ok {
		t.Fatalf("completion not reported")
	}
	want := drtioaux.SubkernelFinished{Destination: 0, ID: 9}
	if !reflect.DeepEqual(p, want) {
		t.Fatalf("completion: got=%#v, want=%#v", p, want)
	}
}

func TestMsgAwaitTimeout(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 0)
		tbl = &routing.Table{}
		now = time.Unix(1000, 0)
	)
	km.now = func() time.Time { return now }
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.SubkernelMsgRecvRequest{ID: -1, Timeout: 10}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateMsgAwait || km.session.msgID != 9 {
		t.Fatalf("session after recv request: %+v", km.session)
	}

	// not yet expired
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateMsgAwait {
		t.Fatalf("await resolved early")
	}

	now = now.Add(20 * time.Millisecond)
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateRunning {
		t.Fatalf("await not resolved after the deadline")
	}
	msg := engineReply(t, ctl)
	serr, ok := msg.(kern.SubkernelError)
	if !ok || serr.Status.Kind != kern.StatusTimeout {
		t.Fatalf("engine reply: got=%#v", msg)
	}
}

func TestMsgAwaitDelivery(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 0)
		tbl = &routing.Table{}
	)
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.SubkernelMsgRecvRequest{ID: 4}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateMsgAwait || km.session.msgID != 4 {
		t.Fatalf("session after recv request: %+v", km.session)
	}

	km.MessageHandleIncoming(payloadOnly, 4, append([]byte{2}, []byte("ok")...))
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateRunning {
		t.Fatalf("await not resolved by the message")
	}
	msg := engineReply(t, ctl)
	reply, ok := msg.(kern.SubkernelMsgRecvReply)
	if !ok || reply.Count != 2 || string(reply.Data) != "ok" {
		t.Fatalf("engine reply: got=%#v", msg)
	}
}

func TestRemoteExceptionRetrieval(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 1)
		tbl = testTable(1, map[uint8]uint8{3: 1})
	)
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.SubkernelAwaitFinishRequest{ID: 9}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateSubkernelAwaitFinish {
		t.Fatalf("session after await request: %+v", km.session)
	}

	km.RemoteSubkernelFinished(9, true, 3)
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateRetrievingException {
		t.Fatalf("session after exceptional finish: %+v", km.session)
	}
	_, p, ok := r.GetDownstreamPacket()
	if !ok {
		t.Fatalf("exception request not routed")
	}
	req, ok := p.(drtioaux.SubkernelExceptionRequest)
	if !ok || req.Destination != 3 || req.Source != 1 {
		t.Fatalf("exception request: got=%#v", p)
	}

	km.ReceivedException([]byte("exc-"), false, r, tbl, 1, 1)
	_, p, ok = r.GetDownstreamPacket()
	if !ok {
		t.Fatalf("next exception chunk not requested")
	}
	if _, ok := p.(drtioaux.SubkernelExceptionRequest); !ok {
		t.Fatalf("next chunk request: got=%#v", p)
	}

	km.ReceivedException([]byte("data"), true, r, tbl, 1, 1)
	if km.session.state != stateRunning {
		t.Fatalf("session after the last chunk: %+v", km.session)
	}
	msg := engineReply(t, ctl)
	serr, ok := msg.(kern.SubkernelError)
	if !ok || serr.Status.Kind != kern.StatusException || string(serr.Status.Exception) != "exc-data" {
		t.Fatalf("engine reply: got=%#v", msg)
	}
}

func TestAwaitFinishClean(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 0)
		tbl = &routing.Table{}
	)
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.SubkernelAwaitFinishRequest{ID: 4}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	km.RemoteSubkernelFinished(4, false, 0)
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateRunning {
		t.Fatalf("session after clean finish: %+v", km.session)
	}
	msg := engineReply(t, ctl)
	if _, ok := msg.(kern.SubkernelAwaitFinishReply); !ok {
		t.Fatalf("engine reply: got=%#v", msg)
	}
}

func TestDdmaAwaitFlow(t *testing.T) {
	var (
		ctl = kern.NewControl()
		km  = NewKernelManager(ctl, nil, discard(t))
		dma = NewDmaManager(&fakeEngine{}, discard(t))
		r   = routing.NewRouter(discard(t), 0)
		tbl = &routing.Table{}
	)
	km.session = session{id: 9, state: stateRunning, source: 0}

	ctl.Rx <- kern.DmaAwaitRemoteRequest{ID: 1}
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateDmaAwait {
		t.Fatalf("session after await request: %+v", km.session)
	}

	km.DdmaFinished(0, 0, 4242)
	km.ProcessKernRequests(r, tbl, 1, 1, dma)
	if km.session.state != stateRunning {
		t.Fatalf("await not resolved: %+v", km.session)
	}
	msg := engineReply(t, ctl)
	reply, ok := msg.(kern.DmaAwaitRemoteReply)
	if !ok || reply.Timeout || reply.Timestamp != 4242 {
		t.Fatalf("engine reply: got=%#v", msg)
	}
}

func TestSerializeExceptions(t *testing.T) {
	names := func(ch uint32) string {
		if ch == 7 {
			return "ttl7"
		}
		return ""
	}
	exc := kern.Exception{
		ID:       4,
		Message:  "RTIO underflow at channel {rtio_channel_info:0}",
		Param:    [3]int64{7, 100, 0},
		File:     "seq.py",
		Line:     12,
		Column:   3,
		Function: "pulse",
	}
	got := serializeExceptions([]kern.Exception{exc}, []kern.StackPointerBacktrace{
		{StackPointer: 0x1000, InitialBacktraceSize: 2, CurrentBacktraceSize: 1},
	}, [][2]uint32{{0x40, 0x1000}}, 1, names)

	want := new(bytes.Buffer)
	want.Write([]byte{0x5a, 0x5a, 0x5a, 0x5a, 9})
	be := func(vs ...uint32) {
		for _, v := range vs {
			binary.Write(want, binary.BigEndian, v)
		}
	}
	str := func(s string) {
		be(uint32(len(s)))
		want.WriteString(s)
	}
	be(1) // exception count
	be(4) // id
	str("RTIO underflow at channel 0x0007:ttl7")
	binary.Write(want, binary.BigEndian, uint64(7))
	binary.Write(want, binary.BigEndian, uint64(100))
	binary.Write(want, binary.BigEndian, uint64(0))
	str("seq.py")
	be(12, 3)
	str("pulse")
	be(0x1000, 2, 1) // stack pointer backtrace
	be(1, 0x40, 0x1000)
	want.WriteByte(1) // async errors

	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("serialized exception:\ngot= %x\nwant=%x", got, want.Bytes())
	}
}

func TestExceptionGetSlice(t *testing.T) {
	km := NewKernelManager(kern.NewControl(), nil, discard(t))

	data, status := km.ExceptionGetSlice(16)
	if len(data) != 0 || !status.IsLast() {
		t.Fatalf("empty slice: got=(%v, %v)", data, status)
	}

	km.runtimeException(errors.New("boom"))
	data, status = km.ExceptionGetSlice(drtioaux.SatPayloadMaxSize)
	if !status.IsFirst() || !status.IsLast() {
		t.Fatalf("slice status: got=%v", status)
	}
	if !bytes.HasPrefix(data, []byte{0x5a, 0x5a, 0x5a, 0x5a, 9}) {
		t.Fatalf("missing report header: got=%x", data[:8])
	}
	if !bytes.Contains(data, []byte("in subkernel id 0: boom")) {
		t.Fatalf("missing message: got=%q", data)
	}
}
