// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package master implements the master side of the DRTIO aux channel:
// per-link bring-up with echo handshake and TSC synchronization,
// routing table distribution, the periodic destination health survey
// and the synchronous transaction primitive the client operations
// (distributed DMA, subkernels, core management, I2C passthrough) are
// built on.
package master // import "github.com/QuantumQuadrate/madmax-artiq-zynq/master"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

var (
	// ErrLinkDown is returned when an operation names a destination
	// whose link did not pass the echo handshake.
	ErrLinkDown = errors.New("master: link is down")

	// ErrNoRoute is returned when the routing table has no path to the
	// requested destination.
	ErrNoRoute = errors.New("master: no route to destination")

	// ErrUnexpectedReply is returned when a transaction came back with
	// a reply of the wrong kind.
	ErrUnexpectedReply = errors.New("master: unexpected reply")

	// ErrFailed is returned when the satellite reported a failed
	// operation.
	ErrFailed = errors.New("master: operation refused by satellite")
)

const (
	auxTimeout   = 200 * time.Millisecond
	pollTimeout  = 5 * time.Millisecond
	pingTimeout  = 100 * time.Millisecond
	pingLimit    = 100
	drainPeriod  = 200 * time.Millisecond
	tscTimeout   = 10 * time.Second
	surveyPeriod = 200 * time.Millisecond
)

// Async error bits reported to the host, as latched from destination
// survey replies.
const (
	AsyncErrorSequence uint8 = 1 << iota
	AsyncErrorCollision
	AsyncErrorBusy
)

type config struct {
	msg   *log.Logger
	ports []LinkPort
	names func(uint32) string
	table *routing.Table
}

// Option configures a Master.
type Option func(*config)

// WithLogger sets the logger. By default logging goes to stdout.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) { cfg.msg = msg }
}

// WithLinkPort appends a downstream DRTIO link port.
func WithLinkPort(port LinkPort) Option {
	return func(cfg *config) { cfg.ports = append(cfg.ports, port) }
}

// WithChannelNames sets the RTIO channel name resolver used in survey
// error reports.
func WithChannelNames(names func(uint32) string) Option {
	return func(cfg *config) { cfg.names = names }
}

// WithRoutingTable sets the routing table. The default table routes
// destination d down link d-1.
func WithRoutingTable(tbl *routing.Table) Option {
	return func(cfg *config) { cfg.table = tbl }
}

// Master supervises the DRTIO links of the root node. Destination 0 is
// the master itself; every other destination is reached through one of
// the links per the routing table.
type Master struct {
	msg   *log.Logger
	names func(uint32) string
	now   func() time.Time

	table *routing.Table
	links []*Link

	mu          sync.Mutex
	upDest      [routing.DestCount]bool
	asyncErrors uint8
	finished    map[uint32]finishedNotice
	playback    map[uint32]playbackNotice
	messages    map[uint32]*incomingMessage
	msgBuffer   map[uint32]*incomingMessage
}

type finishedNotice struct {
	withException bool
	excSource     uint8
}

type playbackNotice struct {
	err       uint8
	channel   uint32
	timestamp uint64
}

type incomingMessage struct {
	count uint8
	data  []byte
}

// New returns a Master over the given link ports.
func New(opts ...Option) *Master {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.New(os.Stdout, "master: ", 0)
	}
	if cfg.table == nil {
		cfg.table = routing.DefaultMaster(len(cfg.ports))
	}
	m := &Master{
		msg:       cfg.msg,
		names:     cfg.names,
		now:       time.Now,
		table:     cfg.table,
		finished:  make(map[uint32]finishedNotice),
		playback:  make(map[uint32]playbackNotice),
		messages:  make(map[uint32]*incomingMessage),
		msgBuffer: make(map[uint32]*incomingMessage),
	}
	for i, port := range cfg.ports {
		m.links = append(m.links, newLink(i, port))
	}
	m.upDest[0] = true
	return m
}

// Table returns the routing table.
func (m *Master) Table() *routing.Table { return m.table }

// DestinationUp reports whether the last survey saw the destination
// respond.
func (m *Master) DestinationUp(destination uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upDest[destination]
}

// TakeAsyncErrors returns the accumulated async error bits and clears
// them.
func (m *Master) TakeAsyncErrors() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.asyncErrors
	m.asyncErrors = 0
	return errs
}

// linkFor resolves the link carrying traffic for destination.
func (m *Master) linkFor(destination uint8) (*Link, error) {
	hop := m.table.Hop(destination, 0)
	if hop == routing.HopLocal || int(hop) > len(m.links) {
		return nil, fmt.Errorf("%w: destination %d", ErrNoRoute, destination)
	}
	return m.links[hop-1], nil
}

// Transact sends request towards destination and returns the first
// synchronous reply. Asynchronous notifications (playback status,
// subkernel completions, inter-kernel messages) arriving while the
// reply is pending are consumed in place.
func (m *Master) Transact(destination uint8, request drtioaux.Packet) (drtioaux.Packet, error) {
	link, err := m.linkFor(destination)
	if err != nil {
		return nil, err
	}
	if !link.Up() {
		return nil, fmt.Errorf("%w: link %d", ErrLinkDown, link.n)
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if err := link.port.Send(request); err != nil {
		return nil, fmt.Errorf("master: link %d send failed: %w", link.n, err)
	}
	for {
		p, err := link.port.Recv(auxTimeout)
		if err != nil {
			return nil, fmt.Errorf("master: link %d transaction failed: %w", link.n, err)
		}
		if m.processAsync(link, p) {
			continue
		}
		return p, nil
	}
}

// processAsync consumes p when it is an asynchronous notification and
// reports whether it did.
func (m *Master) processAsync(link *Link, p drtioaux.Packet) bool {
	switch p := p.(type) {
	case drtioaux.DmaPlaybackStatus:
		m.mu.Lock()
		m.playback[p.ID] = playbackNotice{err: p.Error, channel: p.Channel, timestamp: p.Timestamp}
		m.mu.Unlock()
		return true

	case drtioaux.SubkernelFinished:
		m.mu.Lock()
		m.finished[p.ID] = finishedNotice{withException: p.WithException, excSource: p.ExceptionSrc}
		m.mu.Unlock()
		return true

	case drtioaux.SubkernelMessage:
		m.handleMessageChunk(p)
		if err := link.port.Send(drtioaux.SubkernelMessageAck{Destination: p.Source}); err != nil {
			m.msg.Printf("master: could not acknowledge message chunk: %+v", err)
		}
		return true

	default:
		return false
	}
}

func (m *Master) handleMessageChunk(p drtioaux.SubkernelMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status.IsFirst() {
		if len(p.Data) == 0 {
			m.msg.Printf("master: empty inter-kernel message %d dropped", p.ID)
			return
		}
		m.msgBuffer[p.ID] = &incomingMessage{
			count: p.Data[0],
			data:  append([]byte(nil), p.Data[1:]...),
		}
	} else {
		buf := m.msgBuffer[p.ID]
		if buf == nil {
			m.msg.Printf("master: out-of-order inter-kernel message chunk for %d dropped", p.ID)
			return
		}
		buf.data = append(buf.data, p.Data...)
	}
	if p.Status.IsLast() {
		m.messages[p.ID] = m.msgBuffer[p.ID]
		delete(m.msgBuffer, p.ID)
	}
}

// pollAsync drains pending asynchronous traffic from every live link.
func (m *Master) pollAsync() {
	for _, link := range m.links {
		if !link.Up() {
			continue
		}
		link.mu.Lock()
		for {
			p, err := link.port.Recv(pollTimeout)
			if err != nil {
				break
			}
			if !m.processAsync(link, p) {
				m.msg.Printf("master: unsolicited aux packet dropped: %T", p)
			}
		}
		link.mu.Unlock()
	}
}

// connectLink brings one link up: echo handshake, stale traffic drain,
// TSC synchronization, routing table push and rank assignment.
func (m *Master) connectLink(link *Link) {
	count, err := link.ping()
	if err != nil {
		m.msg.Printf("master: %+v", err)
		return
	}
	m.msg.Printf("link %d is up, %d echo attempts", link.n, count)
	link.drain(drainPeriod)

	if err := link.syncTSC(); err != nil {
		m.msg.Printf("master: %+v", err)
	}
	if err := m.pushRouting(link); err != nil {
		m.msg.Printf("master: could not push routing table on link %d: %+v", link.n, err)
	}
	if err := m.setRank(link, 1); err != nil {
		m.msg.Printf("master: could not set rank on link %d: %+v", link.n, err)
	}
	link.setUp(true)
}

// transactLink runs one request/reply exchange on a link that is not
// necessarily marked up yet (bring-up traffic).
func (m *Master) transactLink(link *Link, request drtioaux.Packet) (drtioaux.Packet, error) {
	link.mu.Lock()
	defer link.mu.Unlock()
	if err := link.port.Send(request); err != nil {
		return nil, fmt.Errorf("master: link %d send failed: %w", link.n, err)
	}
	for {
		p, err := link.port.Recv(auxTimeout)
		if err != nil {
			return nil, fmt.Errorf("master: link %d transaction failed: %w", link.n, err)
		}
		if m.processAsync(link, p) {
			continue
		}
		return p, nil
	}
}

func (m *Master) pushRouting(link *Link) error {
	for d := 0; d < routing.DestCount; d++ {
		path := m.table.Path(uint8(d))
		if d != 0 && path[0] == routing.HopLocal {
			continue // unconfigured destination
		}
		reply, err := m.transactLink(link, drtioaux.RoutingSetPath{
			Destination: uint8(d),
			Hops:        path,
		})
		if err != nil {
			return err
		}
		if _, ok := reply.(drtioaux.RoutingAck); !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
		}
	}
	return nil
}

func (m *Master) setRank(link *Link, rank uint8) error {
	reply, err := m.transactLink(link, drtioaux.RoutingSetRank{Rank: rank})
	if err != nil {
		return err
	}
	if _, ok := reply.(drtioaux.RoutingAck); !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
	}
	return nil
}

// Reset propagates an RTIO reset to every live link.
func (m *Master) Reset() {
	for _, link := range m.links {
		if !link.Up() {
			continue
		}
		reply, err := m.transactLink(link, drtioaux.ResetRequest{})
		if err != nil {
			m.msg.Printf("master: could not reset link %d: %+v", link.n, err)
			continue
		}
		if _, ok := reply.(drtioaux.ResetAck); !ok {
			m.msg.Printf("master: reset on link %d: %+v: %T", link.n, ErrUnexpectedReply, reply)
		}
	}
}

// Service supervises the links until ctx is cancelled: it brings links
// up as their receivers lock, drops them when the lock is lost, runs
// the destination survey every 200ms and drains async notifications in
// between.
func (m *Master) Service(ctx context.Context) error {
	survey := time.NewTicker(surveyPeriod)
	defer survey.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-survey.C:
		}
		for _, link := range m.links {
			switch {
			case !link.Up() && link.port.RXUp():
				m.connectLink(link)
			case link.Up() && !link.port.RXUp():
				m.msg.Printf("link %d is down", link.n)
				link.setUp(false)
				m.dropDestinations(link)
			}
		}
		m.Survey()
		m.pollAsync()
	}
}
