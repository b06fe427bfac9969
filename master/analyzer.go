// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// AnalyzerDump is the RTIO analyzer buffer of a destination, pulled in
// one pass.
type AnalyzerDump struct {
	TotalByteCount uint64
	Overflow       bool
	Data           []byte
}

// PullAnalyzer transfers the analyzer buffer of a destination. The
// satellite arms its analyzer on the header request, so the data that
// follows is a consistent snapshot.
func (m *Master) PullAnalyzer(destination uint8) (AnalyzerDump, error) {
	var dump AnalyzerDump

	reply, err := m.Transact(destination, drtioaux.AnalyzerHeaderRequest{Destination: destination})
	if err != nil {
		return dump, fmt.Errorf("master: could not pull analyzer header: %w", err)
	}
	hdr, ok := reply.(drtioaux.AnalyzerHeader)
	if !ok {
		return dump, fmt.Errorf("master: could not pull analyzer header: %w: %T", ErrUnexpectedReply, reply)
	}
	dump.TotalByteCount = hdr.TotalByteCount
	dump.Overflow = hdr.Overflow
	if hdr.SentBytes == 0 {
		return dump, nil
	}

	dump.Data = make([]byte, 0, hdr.SentBytes)
	for {
		reply, err := m.Transact(destination, drtioaux.AnalyzerDataRequest{Destination: destination})
		if err != nil {
			return dump, fmt.Errorf("master: could not pull analyzer data: %w", err)
		}
		chunk, ok := reply.(drtioaux.AnalyzerData)
		if !ok {
			return dump, fmt.Errorf("master: could not pull analyzer data: %w: %T", ErrUnexpectedReply, reply)
		}
		dump.Data = append(dump.Data, chunk.Data...)
		if chunk.Last {
			return dump, nil
		}
	}
}
