// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestLinkSendRecv(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	want := DmaPlaybackStatus{
		Source:      3,
		Destination: 0,
		ID:          7,
		Error:       0,
		Channel:     0x00030010,
		Timestamp:   123456789,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- NewLink(cli).Send(want)
	}()

	got, err := NewLink(srv).Recv(1 * time.Second)
	if err != nil {
		t.Fatalf("could not receive frame: %+v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("could not send frame: %+v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid frame:\ngot= %#v\nwant=%#v", got, want)
	}
}

func TestLinkRecvTimeout(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	_, err := NewLink(srv).Recv(10 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrTimeout)
	}
}

func TestLinkRecvCorrupted(t *testing.T) {
	cli, srv := net.Pipe()
	defer cli.Close()
	defer srv.Close()

	// a well-formed EchoRequest frame with a flipped CRC bit.
	raw := []byte{byte(TypeEchoRequest), 0, 0, 0}
	frame := make([]byte, 2, 2+len(raw)+4)
	binary.BigEndian.PutUint16(frame, uint16(len(raw)+4))
	frame = append(frame, raw...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(raw)^1)
	frame = append(frame, crc[:]...)

	go func() {
		_, _ = cli.Write(frame)
	}()

	_, err := NewLink(srv).Recv(1 * time.Second)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrCorrupted)
	}
}
