// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/cxp"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/kern"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

type config struct {
	msg    *log.Logger
	logBuf *LogBuffer
	store  *Config

	ports   []RepeaterPort
	i2c     I2C
	camera  *cxp.Camera
	roi     *ROIViewer
	engine  PlaybackEngine
	control *kern.Control
	names   func(uint32) string
	reboot  func() error

	analyzerMem gw.RW
}

// Option configures a Satellite.
type Option func(*config)

// WithLogger sets the logger. By default logging goes to stdout and the
// retained log buffer.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) { cfg.msg = msg }
}

// WithLogBuffer sets the buffer retaining log output for management
// retrieval.
func WithLogBuffer(buf *LogBuffer) Option {
	return func(cfg *config) { cfg.logBuf = buf }
}

// WithConfigStore sets the persistent key/value store.
func WithConfigStore(store *Config) Option {
	return func(cfg *config) { cfg.store = store }
}

// WithRepeaterPort appends a downstream link port.
func WithRepeaterPort(port RepeaterPort) Option {
	return func(cfg *config) { cfg.ports = append(cfg.ports, port) }
}

// WithI2C sets the local I2C bus driver.
func WithI2C(bus I2C) Option {
	return func(cfg *config) { cfg.i2c = bus }
}

// WithCamera sets the CoaXPress camera of the frame grabber.
func WithCamera(cam *cxp.Camera) Option {
	return func(cfg *config) { cfg.camera = cam }
}

// WithROIViewer sets the region-of-interest viewer of the frame
// grabber.
func WithROIViewer(v *ROIViewer) Option {
	return func(cfg *config) { cfg.roi = v }
}

// WithPlaybackEngine sets the local DMA playback engine.
func WithPlaybackEngine(engine PlaybackEngine) Option {
	return func(cfg *config) { cfg.engine = engine }
}

// WithControl sets the kernel execution engine channel.
func WithControl(control *kern.Control) Option {
	return func(cfg *config) { cfg.control = control }
}

// WithChannelNames sets the RTIO channel name resolver used in
// exception reports.
func WithChannelNames(names func(uint32) string) Option {
	return func(cfg *config) { cfg.names = names }
}

// WithReboot sets the firmware reboot hook.
func WithReboot(reboot func() error) Option {
	return func(cfg *config) { cfg.reboot = reboot }
}

// WithAnalyzer sets the RTIO analyzer register window.
func WithAnalyzer(mem gw.RW) Option {
	return func(cfg *config) { cfg.analyzerMem = mem }
}

// Satellite ties the satellite subsystems together and services the
// upstream DRTIO link.
type Satellite struct {
	cfg config

	core   *Core
	uplink *drtioaux.Link

	router      *routing.Router
	table       routing.Table
	rank        uint8
	destination uint8
	repeaters   []*Repeater

	i2c      I2C
	cxpman   *CXPManager
	analyzer *Analyzer
	dma      *DmaManager
	km       *KernelManager
	mgr      *CoreManager

	store  *Config
	logBuf *LogBuffer
	msg    *log.Logger
}

// New returns a Satellite over the core register window coreMem and the
// upstream aux link.
func New(coreMem gw.RW, uplink *drtioaux.Link, opts ...Option) *Satellite {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logBuf == nil {
		cfg.logBuf = NewLogBuffer(0)
	}
	if cfg.msg == nil {
		cfg.msg = log.New(io.MultiWriter(os.Stdout, cfg.logBuf), "satman: ", 0)
	}
	if cfg.store == nil {
		cfg.store = NewMemConfig()
	}
	if cfg.engine == nil {
		cfg.engine = nullEngine{}
	}
	if cfg.control == nil {
		cfg.control = kern.NewControl()
	}

	sat := &Satellite{
		cfg:         cfg,
		core:        NewCore(coreMem),
		uplink:      uplink,
		rank:        1,
		destination: 1,
		i2c:         cfg.i2c,
		store:       cfg.store,
		logBuf:      cfg.logBuf,
		msg:         cfg.msg,
	}
	for i, port := range cfg.ports {
		sat.repeaters = append(sat.repeaters, NewRepeater(i, port, cfg.msg))
	}
	sat.startSession()
	return sat
}

// startSession recreates the per-link-session state: DMA traces, kernel
// sessions and management cursors do not survive a link drop.
func (sat *Satellite) startSession() {
	sat.router = routing.NewRouter(sat.msg, len(sat.repeaters))
	sat.dma = NewDmaManager(sat.cfg.engine, sat.msg)
	sat.km = NewKernelManager(sat.cfg.control, sat.cfg.names, sat.msg)
	sat.mgr = NewCoreManager(sat.store, sat.logBuf, sat.cfg.reboot, sat.msg)
	sat.cxpman = NewCXPManager(sat.cfg.camera, sat.cfg.roi, sat.msg)
	if sat.cfg.analyzerMem != nil {
		sat.analyzer = NewAnalyzer(sat.cfg.analyzerMem)
	}
}

// Run services the upstream link until ctx is cancelled.
func (sat *Satellite) Run(ctx context.Context) error {
	sat.msg.Printf("satellite startup")
	sat.core.Reset(true)
	sat.core.SetSEDSpread(sat.store.ReadString("sed_spread_enable") == "1")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for !sat.core.LinkRXUp() {
			if err := ctx.Err(); err != nil {
				return err
			}
			sat.core.ProcessErrors(sat.msg)
			sat.serviceRepeaters()
			time.Sleep(pollTimeout)
		}

		sat.msg.Printf("uplink is up")
		sat.startSession()
		sat.core.Reset(false)
		sat.core.ResetPHY(false)

		for sat.core.LinkRXUp() {
			if err := ctx.Err(); err != nil {
				return err
			}
			sat.core.ProcessErrors(sat.msg)
			sat.processAuxPackets()
			sat.serviceRepeaters()

			if sat.core.TSCLoaded() {
				sat.syncTSC()
			}
			if st := sat.dma.CheckState(); st != nil {
				sat.reportPlayback(st)
			}
			sat.km.ProcessKernRequests(sat.router, &sat.table, sat.rank, sat.destination, sat.dma)
			sat.drainRouter()
		}

		sat.msg.Printf("uplink is down")
		sat.core.ResetPHY(true)
		sat.core.Reset(true)
		sat.core.TSCLoaded() // discard a stale strobe from the dropped session
	}
}

func (sat *Satellite) serviceRepeaters() {
	for _, rep := range sat.repeaters {
		rep.Service(sat.router, &sat.table, sat.rank, sat.destination)
	}
}

// syncTSC propagates a timestamp counter load downstream and
// acknowledges it upstream.
func (sat *Satellite) syncTSC() {
	for _, rep := range sat.repeaters {
		if !rep.Up() {
			continue
		}
		if err := rep.SyncTSC(); err != nil {
			sat.msg.Printf("satman: could not sync TSC downstream: %+v", err)
		}
	}
	if err := sat.uplink.Send(drtioaux.TSCAck{}); err != nil {
		sat.msg.Printf("satman: could not acknowledge TSC load: %+v", err)
	}
}

func (sat *Satellite) reportPlayback(st *PlaybackStatus) {
	sat.msg.Printf("playback done, error: %d, channel: %d, timestamp: %d",
		st.Error, st.Channel, st.Timestamp)
	err := sat.router.Route(drtioaux.DmaPlaybackStatus{
		Source:      sat.destination,
		Destination: st.Source,
		ID:          st.ID,
		Error:       st.Error,
		Channel:     st.Channel,
		Timestamp:   st.Timestamp,
	}, &sat.table, sat.rank, sat.destination, routing.FromLocal)
	if err != nil {
		sat.msg.Printf("satman: could not report playback status: %+v", err)
	}
}

// drainRouter flushes packets queued by the router towards their next
// hop.
func (sat *Satellite) drainRouter() {
	for {
		repno, p, ok := sat.router.GetDownstreamPacket()
		if !ok {
			break
		}
		if repno >= len(sat.repeaters) {
			sat.msg.Printf("satman: routed packet for missing port %d dropped", repno)
			continue
		}
		if err := sat.repeaters[repno].AuxSend(p); err != nil {
			sat.msg.Printf("satman: could not send downstream: %+v", err)
		}
	}
	for {
		p, ok := sat.router.GetUpstreamPacket()
		if !ok {
			break
		}
		if err := sat.uplink.Send(p); err != nil {
			sat.msg.Printf("satman: could not send upstream: %+v", err)
		}
	}
}

// nullEngine stands in when no local playback hardware is configured.
type nullEngine struct{}

func (nullEngine) Start(trace []byte, timestamp uint64) error {
	return errors.New("satman: no local DMA playback engine")
}

func (nullEngine) Poll() (uint8, uint32, uint64, bool) { return 0, 0, 0, false }
