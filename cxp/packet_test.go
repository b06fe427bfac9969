// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestChecksum(t *testing.T) {
	// the IEEE-802.3 check value 0xCBF43926, complemented and
	// byte-swapped
	if got, want := checksum([]byte("123456789")), uint32(0xd9c60b34); got != want {
		t.Fatalf("invalid checksum: got=%#08x, want=%#08x", got, want)
	}
}

func TestVote(t *testing.T) {
	for _, tc := range []struct {
		a, b, c, d uint8
		want       uint8
	}{
		{0x5a, 0x5a, 0x5a, 0x5a, 0x5a},
		{0xff, 0x5a, 0x5a, 0x5a, 0x5a}, // one corrupted copy
		{0x5a, 0x00, 0x5a, 0x5a, 0x5a},
		{0x5a, 0x5a, 0x5b, 0x5a, 0x5a}, // single bit error
		{0x5a, 0x5a, 0x5a, 0xa5, 0x5a},
	} {
		if got := vote(tc.a, tc.b, tc.c, tc.d); got != tc.want {
			t.Errorf("vote(%#02x,%#02x,%#02x,%#02x): got=%#02x, want=%#02x",
				tc.a, tc.b, tc.c, tc.d, got, tc.want)
		}
	}
}

func TestMarshalRead(t *testing.T) {
	frame, err := marshalRead(nil, 0x00000004, 4)
	if err != nil {
		t.Fatalf("could not marshal read: %+v", err)
	}
	want := []byte{
		0x02, 0x02, 0x02, 0x02, // packet type, 4x
		0x00, 0x00, 0x00, 0x04, // read command, length
		0x00, 0x00, 0x00, 0x04, // address
		0x4f, 0x42, 0x30, 0x68, // checksum
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("invalid frame:\ngot= %x\nwant=%x", frame, want)
	}
}

func TestMarshalReadTagged(t *testing.T) {
	tag := uint8(7)
	frame, err := marshalRead(&tag, 0x4004, 4)
	if err != nil {
		t.Fatalf("could not marshal read: %+v", err)
	}
	want := []byte{0x05, 0x05, 0x05, 0x05, 0x07, 0x07, 0x07, 0x07}
	if !bytes.Equal(frame[:8], want) {
		t.Fatalf("invalid header: got=%x, want=%x", frame[:8], want)
	}
	if got := checksum(frame[4 : len(frame)-4]); got != binary.BigEndian.Uint32(frame[len(frame)-4:]) {
		t.Fatalf("frame carries invalid checksum")
	}
}

func TestMarshalWritePadding(t *testing.T) {
	frame, err := marshalWrite(nil, 0x4000, []byte{0xde, 0xad, 0xbe})
	if err != nil {
		t.Fatalf("could not marshal write: %+v", err)
	}
	// header(4) + cmd(4) + addr(4) + data(3) + pad(1) + crc(4)
	if got, want := len(frame), 20; got != want {
		t.Fatalf("invalid frame length: got=%d, want=%d", got, want)
	}
	if frame[15] != 0 {
		t.Fatalf("missing word-boundary padding: %x", frame)
	}
	if got := checksum(frame[4:16]); got != binary.BigEndian.Uint32(frame[16:]) {
		t.Fatalf("frame carries invalid checksum")
	}
}

func TestMarshalLengthOutOfRange(t *testing.T) {
	for _, n := range []uint32{0, DataMaxSize + 1} {
		if _, err := marshalRead(nil, 0, n); err == nil {
			t.Errorf("marshal read length=%d: expected an error", n)
		} else {
			var lerr *LengthError
			if !errors.As(err, &lerr) {
				t.Errorf("marshal read length=%d: got %+v, want LengthError", n, err)
			}
		}
	}
	if _, err := marshalWrite(nil, 0, nil); err == nil {
		t.Errorf("marshal empty write: expected an error")
	}
}

// replyFrame hand-builds one reply-direction frame.
func replyFrame(tagged bool, tag, ackcode uint8, data []byte) []byte {
	var buf []byte
	app4x := func(v uint8) { buf = append(buf, v, v, v, v) }
	if tagged {
		app4x(typeReplyTag)
		app4x(tag)
	} else {
		app4x(typeReplyNoTag)
	}
	app4x(ackcode)
	switch ackcode {
	case ackReply, ackDelay:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(data)))
		buf = append(buf, b[:]...)
		buf = append(buf, data...)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
		binary.BigEndian.PutUint32(b[:], checksum(buf[4:]))
		buf = append(buf, b[:]...)
	}
	return buf
}

func TestParseReply(t *testing.T) {
	data := []byte{0xca, 0xfe, 0xba, 0xbe, 0x42}
	rx, err := parseCtrl(replyFrame(true, 3, ackReply, data))
	if err != nil {
		t.Fatalf("could not parse reply: %+v", err)
	}
	want := rxCtrl{kind: rxReply, tagged: true, tag: 3, data: data}
	if !reflect.DeepEqual(rx, want) {
		t.Fatalf("invalid reply:\ngot= %#v\nwant=%#v", rx, want)
	}
}

func TestParseAck(t *testing.T) {
	rx, err := parseCtrl(replyFrame(false, 0, ackOK, nil))
	if err != nil {
		t.Fatalf("could not parse ack: %+v", err)
	}
	if rx.kind != rxAck || rx.tagged {
		t.Fatalf("invalid ack: %#v", rx)
	}
}

func TestParseDelay(t *testing.T) {
	rx, err := parseCtrl(replyFrame(true, 9, ackDelay, []byte{0x00, 0x00, 0x01, 0xf4}))
	if err != nil {
		t.Fatalf("could not parse delay: %+v", err)
	}
	if rx.kind != rxDelay || rx.delay != 500 || rx.tag != 9 {
		t.Fatalf("invalid delay: %#v", rx)
	}
}

func TestParseAckError(t *testing.T) {
	_, err := parseCtrl(replyFrame(false, 0, 0x40, nil))
	var aerr *AckError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %+v, want AckError", err)
	}
	if aerr.Code != 0x40 {
		t.Fatalf("invalid ack code: got=%#02x, want=0x40", aerr.Code)
	}
}

func TestParseSingleCopyError(t *testing.T) {
	// one corrupted copy of a duplicated character must be voted out
	frame := replyFrame(true, 3, ackReply, []byte{0x01, 0x02, 0x03, 0x04})
	frame[5] ^= 0xff // second copy of the tag
	rx, err := parseCtrl(frame)
	if err != nil {
		t.Fatalf("could not parse reply with single copy error: %+v", err)
	}
	if rx.tag != 3 {
		t.Fatalf("invalid voted tag: got=%d, want=3", rx.tag)
	}
}

func TestParseCorrupted(t *testing.T) {
	frame := replyFrame(false, 0, ackReply, []byte{0x01, 0x02, 0x03, 0x04})
	frame[14] ^= 0x01 // flip one data bit
	if _, err := parseCtrl(frame); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("got %+v, want ErrCorrupted", err)
	}
}

func TestParseTruncated(t *testing.T) {
	frame := replyFrame(false, 0, ackReply, []byte{0x01, 0x02, 0x03, 0x04})
	for _, n := range []int{0, 3, 8, len(frame) - 1} {
		if _, err := parseCtrl(frame[:n]); !errors.Is(err, ErrCorrupted) {
			t.Errorf("parse %d bytes: got %+v, want ErrCorrupted", n, err)
		}
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := parseCtrl([]byte{0x6f, 0x6f, 0x6f, 0x6f})
	var uerr *UnknownPacketError
	if !errors.As(err, &uerr) {
		t.Fatalf("got %+v, want UnknownPacketError", err)
	}
	if uerr.Type != 0x6f {
		t.Fatalf("invalid packet type: got=%#02x, want=0x6f", uerr.Type)
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	// every tx frame must carry a checksum the rx side accepts
	tag := uint8(1)
	for _, frame := range [][]byte{
		mustMarshalRead(t, nil, 0x4004, 8),
		mustMarshalRead(t, &tag, 0x0004, 4),
		mustMarshalWrite(t, nil, 0x4014, []byte{1, 2, 3, 4}),
		mustMarshalWrite(t, &tag, 0x401c, []byte{1}),
	} {
		if got := checksum(frame[4 : len(frame)-4]); got != binary.BigEndian.Uint32(frame[len(frame)-4:]) {
			t.Errorf("frame %x carries invalid checksum", frame)
		}
		if len(frame)%4 != 0 {
			t.Errorf("frame %x is not word aligned", frame)
		}
	}
}

func mustMarshalRead(t *testing.T, tag *uint8, addr, length uint32) []byte {
	t.Helper()
	frame, err := marshalRead(tag, addr, length)
	if err != nil {
		t.Fatalf("could not marshal read: %+v", err)
	}
	return frame
}

func mustMarshalWrite(t *testing.T, tag *uint8, addr uint32, data []byte) []byte {
	t.Helper()
	frame, err := marshalWrite(tag, addr, data)
	if err != nil {
		t.Fatalf("could not marshal write: %+v", err)
	}
	return frame
}
