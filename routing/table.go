// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package routing holds the destination routing table and the packet
// router deciding, at each node, whether an aux packet is local traffic
// or must be forwarded upstream or down one of the repeater links.
package routing // import "github.com/QuantumQuadrate/madmax-artiq-zynq/routing"

import (
	"fmt"
	"strings"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// DestCount is the size of the destination address space.
const DestCount = 256

// MaxHops is the maximum routing path length, one hop per rank.
const MaxHops = drtioaux.MaxHops

// HopLocal marks the end of a path: the packet is for this node.
const HopLocal = 0

// Table maps a destination to its ordered hop path. The hop for a node
// of rank r toward destination d is Table[d][r]: 0 means the packet is
// local, n>0 means "send down link n-1".
type Table [DestCount][MaxHops]uint8

// DefaultMaster returns the single-level table used before any explicit
// routing configuration: destination 0 is the master itself, destination
// d in 1..=links goes directly down link d-1.
func DefaultMaster(links int) *Table {
	var t Table
	for d := 1; d <= links && d < DestCount; d++ {
		t[d][0] = uint8(d)
	}
	return &t
}

// Hop returns the next hop for destination at the given rank.
func (t *Table) Hop(destination, rank uint8) uint8 {
	return t[destination][rank]
}

// SetPath installs the hop path for one destination.
func (t *Table) SetPath(destination uint8, hops [MaxHops]uint8) {
	t[destination] = hops
}

// Path returns the hop path of one destination.
func (t *Table) Path(destination uint8) [MaxHops]uint8 {
	return t[destination]
}

func (t *Table) String() string {
	var b strings.Builder
	b.WriteString("routing table:")
	for d := 0; d < DestCount; d++ {
		empty := true
		for _, h := range t[d] {
			if h != HopLocal {
				empty = false
				break
			}
		}
		if empty && d != 0 {
			continue
		}
		fmt.Fprintf(&b, " %d:", d)
		for _, h := range t[d] {
			fmt.Fprintf(&b, " %d", h)
			if h == HopLocal {
				break
			}
		}
		b.WriteString(";")
	}
	return b.String()
}
