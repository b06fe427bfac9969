// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drtioaux

// Sliceable is an in-memory buffer with a read cursor, used to serialize
// arbitrarily large data (logs, config values, exceptions, messages) into
// successive bounded-size packet payloads.
//
// Peek is idempotent: the cursor only moves on Ack, so a sender that must
// wait for the peer to consume a slice can re-send the same chunk until
// acknowledged. Next combines both for eager producers.
type Sliceable struct {
	destination uint8
	data        []byte
	pos         int
	peeked      int
}

// NewSliceable returns a Sliceable over data, remembering the destination
// the slices are bound for.
func NewSliceable(destination uint8, data []byte) *Sliceable {
	return &Sliceable{destination: destination, data: data}
}

// Destination returns the destination recorded at construction.
func (s *Sliceable) Destination() uint8 { return s.destination }

// AtEnd reports whether the cursor consumed the whole buffer.
func (s *Sliceable) AtEnd() bool { return s.pos == len(s.data) }

// Extend appends more data past the current end of the buffer.
func (s *Sliceable) Extend(p []byte) { s.data = append(s.data, p...) }

// Peek returns the next chunk of at most max bytes and its payload
// status, without advancing the cursor. The returned slice aliases the
// underlying buffer.
func (s *Sliceable) Peek(max int) ([]byte, PayloadStatus) {
	n := len(s.data) - s.pos
	if n > max {
		n = max
	}
	s.peeked = n

	st := PayloadMiddle
	if s.pos == 0 {
		st |= PayloadFirst
	}
	if s.pos+n == len(s.data) {
		st |= PayloadLast
	}
	return s.data[s.pos : s.pos+n], st
}

// Ack advances the cursor past the last peeked chunk.
func (s *Sliceable) Ack() {
	s.pos += s.peeked
	s.peeked = 0
}

// Next returns the next chunk and advances the cursor.
func (s *Sliceable) Next(max int) ([]byte, PayloadStatus) {
	p, st := s.Peek(max)
	s.Ack()
	return p, st
}

// Chunks cuts data into payloads of at most max bytes and calls f for
// each with its position marker, in order. Empty data yields a single
// empty PayloadOnly chunk.
func Chunks(data []byte, max int, f func(chunk []byte, st PayloadStatus) error) error {
	s := NewSliceable(0, data)
	for {
		p, st := s.Next(max)
		if err := f(p, st); err != nil {
			return err
		}
		if st.IsLast() {
			return nil
		}
	}
}
