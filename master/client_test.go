// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

func TestUploadTraceFanOut(t *testing.T) {
	m, ports := newTestMaster(t, 3)
	for i, port := range ports {
		ok := i != 1 // destination 2 refuses the trace
		port.reply = func(p drtioaux.Packet) []drtioaux.Packet {
			if _, isAdd := p.(drtioaux.DmaAddTraceRequest); !isAdd {
				return nil
			}
			return []drtioaux.Packet{drtioaux.DmaAddTraceReply{Succeeded: ok}}
		}
	}

	trace := bytes.Repeat([]byte{0xa5}, 64)
	err := m.UploadTrace(4, trace, []uint8{1, 2, 3})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrFailed)
	}
	if !strings.Contains(err.Error(), "destination 2") {
		t.Fatalf("error does not name the refusing destination: %v", err)
	}

	for i, port := range ports {
		var adds []drtioaux.DmaAddTraceRequest
		for _, p := range port.sentPackets() {
			if add, ok := p.(drtioaux.DmaAddTraceRequest); ok {
				adds = append(adds, add)
			}
		}
		if len(adds) != 1 {
			t.Fatalf("link %d: invalid chunk count: got=%d, want=%d", i, len(adds), 1)
		}
		add := adds[0]
		if add.ID != 4 || add.Destination != uint8(i+1) {
			t.Fatalf("link %d: invalid trace chunk header: %+v", i, add)
		}
		if !add.Status.IsFirst() || !add.Status.IsLast() {
			t.Fatalf("link %d: invalid chunk status: %v", i, add.Status)
		}
		if !bytes.Equal(add.Trace, trace) {
			t.Fatalf("link %d: invalid trace payload", i)
		}
	}
}

func TestEraseTrace(t *testing.T) {
	m, ports := newTestMaster(t, 2)
	for _, port := range ports {
		port.reply = func(p drtioaux.Packet) []drtioaux.Packet {
			if _, ok := p.(drtioaux.DmaRemoveTraceRequest); !ok {
				return nil
			}
			return []drtioaux.Packet{drtioaux.DmaRemoveTraceReply{Succeeded: true}}
		}
	}

	if err := m.EraseTrace(4, []uint8{1, 2}); err != nil {
		t.Fatalf("could not erase trace: %+v", err)
	}
}

func TestPlaybackTrace(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		req, ok := p.(drtioaux.DmaPlaybackRequest)
		if !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.DmaPlaybackReply{Succeeded: req.Timestamp == 5000}}
	}

	if err := m.PlaybackTrace(4, 1, 5000); err != nil {
		t.Fatalf("could not start playback: %+v", err)
	}
}

func TestUploadKernelChunks(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.SubkernelAddDataRequest); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.SubkernelAddDataReply{Succeeded: true}}
	}

	library := bytes.Repeat([]byte{0x5a}, 2*drtioaux.MasterPayloadMaxSize+100)
	if err := m.UploadKernel(9, 1, library); err != nil {
		t.Fatalf("could not upload subkernel: %+v", err)
	}

	var got []byte
	var adds []drtioaux.SubkernelAddDataRequest
	for _, p := range ports[0].sentPackets() {
		if add, ok := p.(drtioaux.SubkernelAddDataRequest); ok {
			adds = append(adds, add)
			got = append(got, add.Data...)
		}
	}
	if len(adds) != 3 {
		t.Fatalf("invalid chunk count: got=%d, want=%d", len(adds), 3)
	}
	if !adds[0].Status.IsFirst() || adds[0].Status.IsLast() {
		t.Fatalf("invalid first chunk status: %v", adds[0].Status)
	}
	if !adds[2].Status.IsLast() {
		t.Fatalf("invalid last chunk status: %v", adds[2].Status)
	}
	if !bytes.Equal(got, library) {
		t.Fatalf("reassembled library differs from upload")
	}
}

func TestRunKernelRefused(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.SubkernelLoadRunRequest); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.SubkernelLoadRunReply{Succeeded: false}}
	}

	err := m.RunKernel(9, 1, 0)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrFailed)
	}
}

func TestRetrieveException(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	var calls int
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.SubkernelExceptionRequest); !ok {
			return nil
		}
		calls++
		if calls == 1 {
			return []drtioaux.Packet{drtioaux.SubkernelException{Last: false, Data: []byte("abc")}}
		}
		return []drtioaux.Packet{drtioaux.SubkernelException{Last: true, Data: []byte("def")}}
	}

	report, err := m.RetrieveException(1)
	if err != nil {
		t.Fatalf("could not retrieve exception: %+v", err)
	}
	if string(report) != "abcdef" {
		t.Fatalf("invalid report: got=%q, want=%q", report, "abcdef")
	}
}

func TestSendMessage(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.SubkernelMessage); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.SubkernelMessageAck{}}
	}

	if err := m.SendMessage(3, 1, 2, []byte("hi")); err != nil {
		t.Fatalf("could not send message: %+v", err)
	}

	sent := ports[0].sentPackets()
	msg, ok := sent[0].(drtioaux.SubkernelMessage)
	if !ok {
		t.Fatalf("invalid packet: %T", sent[0])
	}
	if !bytes.Equal(msg.Data, []byte{2, 'h', 'i'}) {
		t.Fatalf("invalid message payload: got=%v", msg.Data)
	}
}

func TestGetLogChunks(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	var calls int
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.CoreMgmtGetLogRequest); !ok {
			return nil
		}
		calls++
		if calls == 1 {
			return []drtioaux.Packet{drtioaux.CoreMgmtGetLogReply{Last: false, Data: []byte("boot ")}}
		}
		return []drtioaux.Packet{drtioaux.CoreMgmtGetLogReply{Last: true, Data: []byte("done")}}
	}

	buf, err := m.GetLog(1, false)
	if err != nil {
		t.Fatalf("could not pull log: %+v", err)
	}
	if string(buf) != "boot done" {
		t.Fatalf("invalid log: got=%q, want=%q", buf, "boot done")
	}
}

func TestConfigReadAbsent(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.CoreMgmtConfigReadRequest); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.CoreMgmtReply{Succeeded: false}}
	}

	_, err := m.ConfigRead(1, "idle_kernel")
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrFailed)
	}
}

func TestConfigReadChunks(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		switch p.(type) {
		case drtioaux.CoreMgmtConfigReadRequest:
			return []drtioaux.Packet{drtioaux.CoreMgmtConfigReadReply{Last: false, Value: []byte("192.")}}
		case drtioaux.CoreMgmtConfigReadContinue:
			return []drtioaux.Packet{drtioaux.CoreMgmtConfigReadReply{Last: true, Value: []byte("168.1.70")}}
		}
		return nil
	}

	value, err := m.ConfigRead(1, "ip")
	if err != nil {
		t.Fatalf("could not read config: %+v", err)
	}
	if string(value) != "192.168.1.70" {
		t.Fatalf("invalid value: got=%q, want=%q", value, "192.168.1.70")
	}
}

func TestConfigWriteFraming(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.CoreMgmtConfigWriteRequest); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.CoreMgmtReply{Succeeded: true}}
	}

	if err := m.ConfigWrite(1, "ip", []byte("10.0.0.1")); err != nil {
		t.Fatalf("could not write config: %+v", err)
	}

	sent := ports[0].sentPackets()
	wr, ok := sent[0].(drtioaux.CoreMgmtConfigWriteRequest)
	if !ok {
		t.Fatalf("invalid packet: %T", sent[0])
	}
	if !wr.Last {
		t.Fatalf("single-chunk write not marked last")
	}
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(want, 2)
	want = append(want, "ip"...)
	want = append(want, "10.0.0.1"...)
	if !bytes.Equal(wr.Data, want) {
		t.Fatalf("invalid framing: got=%v, want=%v", wr.Data, want)
	}
}

func TestFlashHandshake(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		switch p := p.(type) {
		case drtioaux.CoreMgmtFlashRequest:
			return []drtioaux.Packet{drtioaux.CoreMgmtReply{Succeeded: true}}
		case drtioaux.CoreMgmtFlashAddDataRequest:
			if p.Last {
				return []drtioaux.Packet{drtioaux.CoreMgmtDropLink{}}
			}
			return []drtioaux.Packet{drtioaux.CoreMgmtReply{Succeeded: true}}
		}
		return nil
	}

	image := []byte("new firmware image")
	if err := m.Flash(1, image); err != nil {
		t.Fatalf("could not flash: %+v", err)
	}

	sent := ports[0].sentPackets()
	var payload []byte
	var dropAcked bool
	for _, p := range sent {
		switch p := p.(type) {
		case drtioaux.CoreMgmtFlashAddDataRequest:
			payload = append(payload, p.Data...)
		case drtioaux.CoreMgmtDropLinkAck:
			dropAcked = true
		}
	}
	if !dropAcked {
		t.Fatalf("drop-link was not acknowledged")
	}

	want := append([]byte(nil), image...)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(image))
	want = append(want, sum[:]...)
	if !bytes.Equal(payload, want) {
		t.Fatalf("invalid image payload: got=%v, want=%v", payload, want)
	}

	if m.links[0].Up() {
		t.Fatalf("link survived the flash handshake")
	}
	if m.DestinationUp(1) {
		t.Fatalf("destination survived the flash handshake")
	}
}

func TestI2CWriteAck(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		req, ok := p.(drtioaux.I2cWriteRequest)
		if !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.I2cWriteReply{Succeeded: true, Ack: req.Data == 0x55}}
	}

	ack, err := m.I2CWrite(1, 0, 0x55)
	if err != nil {
		t.Fatalf("could not i2c write: %+v", err)
	}
	if !ack {
		t.Fatalf("device did not ack")
	}
}

func TestSPIReadFailed(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.SpiReadRequest); !ok {
			return nil
		}
		return []drtioaux.Packet{drtioaux.SpiReadReply{Succeeded: false}}
	}

	_, err := m.SPIRead(1, 0)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrFailed)
	}
}

func TestPullAnalyzer(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	var calls int
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		switch p.(type) {
		case drtioaux.AnalyzerHeaderRequest:
			return []drtioaux.Packet{drtioaux.AnalyzerHeader{
				SentBytes:      8,
				TotalByteCount: 16,
				Overflow:       true,
			}}
		case drtioaux.AnalyzerDataRequest:
			calls++
			if calls == 1 {
				return []drtioaux.Packet{drtioaux.AnalyzerData{Last: false, Data: []byte("aaaa")}}
			}
			return []drtioaux.Packet{drtioaux.AnalyzerData{Last: true, Data: []byte("bbbb")}}
		}
		return nil
	}

	dump, err := m.PullAnalyzer(1)
	if err != nil {
		t.Fatalf("could not pull analyzer: %+v", err)
	}
	if dump.TotalByteCount != 16 || !dump.Overflow {
		t.Fatalf("invalid header: %+v", dump)
	}
	if string(dump.Data) != "aaaabbbb" {
		t.Fatalf("invalid data: got=%q, want=%q", dump.Data, "aaaabbbb")
	}
}

func TestCXPReadWaitLoop(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	var calls int
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.CXPReadRequest); !ok {
			return nil
		}
		calls++
		if calls < 3 {
			return []drtioaux.Packet{drtioaux.CXPWaitReply{}}
		}
		return []drtioaux.Packet{drtioaux.CXPReadReply{Data: []byte{0xde, 0xad}}}
	}

	data, err := m.CXPRead(1, 0x4000, 2)
	if err != nil {
		t.Fatalf("could not read camera register: %+v", err)
	}
	if !bytes.Equal(data, []byte{0xde, 0xad}) {
		t.Fatalf("invalid data: got=%v", data)
	}
	if calls != 3 {
		t.Fatalf("invalid request count: got=%d, want=%d", calls, 3)
	}
}

func TestCXPROIData(t *testing.T) {
	m, ports := newTestMaster(t, 1)
	var calls int
	ports[0].reply = func(p drtioaux.Packet) []drtioaux.Packet {
		if _, ok := p.(drtioaux.CXPROIViewerDataRequest); !ok {
			return nil
		}
		calls++
		if calls == 1 {
			return []drtioaux.Packet{drtioaux.CXPROIViewerPixelDataReply{Data: bytes.Repeat([]byte{1}, 8)}}
		}
		return []drtioaux.Packet{drtioaux.CXPROIViewerFrameDataReply{Width: 4, Height: 2, PixelCode: 0x0101}}
	}

	frame, err := m.CXPROIData(1)
	if err != nil {
		t.Fatalf("could not pull ROI data: %+v", err)
	}
	if frame.Width != 4 || frame.Height != 2 || frame.PixelCode != 0x0101 {
		t.Fatalf("invalid frame header: %+v", frame)
	}
	if len(frame.Pixels) != 8 {
		t.Fatalf("invalid pixel count: got=%d, want=%d", len(frame.Pixels), 8)
	}
}
