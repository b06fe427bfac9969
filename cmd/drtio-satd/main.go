// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command drtio-satd runs the DRTIO satellite manager as a TDAQ server.
package main // import "github.com/QuantumQuadrate/madmax-artiq-zynq/cmd/drtio-satd"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/cxp"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/devdb"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/satman"
)

func main() {
	var (
		uplink  = flag.String("uplink", "localhost:41000", "address of the uplink aux bridge")
		links   = flag.String("links", "", "comma-separated addresses of the downstream aux bridges")
		memBase = flag.Int64("mem-base", 0, "physical base of the gateware register block (0 = simulated)")
		cfgPath = flag.String("cfg", "/var/lib/drtio/config.yml", "path of the persistent config store")
		i2cBus  = flag.Int("i2c-bus", -1, "local I2C bus number (-1 = none)")
		camera  = flag.Bool("camera", false, "drive the CoaXPress frame grabber")
		dbName  = flag.String("devdb", "", "device database name (empty = no channel names)")
	)

	cmd := flags.New()

	log.SetPrefix("drtio-satd: ")
	log.SetFlags(0)

	dev := &satd{
		uplinkAddr: *uplink,
		linkAddrs:  split(*links),
		memBase:    *memBase,
		cfgPath:    *cfgPath,
		i2cBus:     *i2cBus,
		camera:     *camera,
		dbName:     *dbName,
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type satd struct {
	uplinkAddr string
	linkAddrs  []string
	memBase    int64
	cfgPath    string
	i2cBus     int
	camera     bool
	dbName     string

	mem   gw.RW
	sat   *satman.Satellite
	runCh chan struct{}
	close []io.Closer
}

// Register map handed to the gateware: RTIO core at the base, the
// downstream port blocks after it, then ROI viewer, grabber and
// analyzer.
func (dev *satd) roiOffset() int {
	return satman.CoreWindowSize + len(dev.linkAddrs)*satman.PortWindowSize
}

func (dev *satd) grabberOffset() int {
	return dev.roiOffset() + satman.ROIViewerWindowSize
}

func (dev *satd) analyzerOffset() int {
	return dev.grabberOffset() + cxp.GrabberWindowSize
}

func (dev *satd) memSize() int {
	return dev.analyzerOffset() + satman.AnalyzerWindowSize
}

func (dev *satd) window(off, size int) gw.RW {
	return gw.NewWindow(dev.mem, int64(off), size)
}

func (dev *satd) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *satd) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("initializing satellite manager...")

	if dev.sat != nil {
		ctx.Msg.Errorf("satellite already initialized")
		return fmt.Errorf("satellite already initialized")
	}

	switch dev.memBase {
	case 0:
		dev.mem = gw.NewMem(dev.memSize())
	default:
		hw, err := gw.Open(dev.memBase, dev.memSize())
		if err != nil {
			return fmt.Errorf("could not map gateware registers: %w", err)
		}
		dev.close = append(dev.close, hw)
		dev.mem = hw
	}

	uplink, err := dev.dialAux(dev.uplinkAddr)
	if err != nil {
		return fmt.Errorf("could not reach uplink: %w", err)
	}

	store, err := satman.OpenConfig(dev.cfgPath)
	if err != nil {
		return fmt.Errorf("could not open config store %q: %w", dev.cfgPath, err)
	}

	opts := []satman.Option{
		satman.WithConfigStore(store),
		satman.WithAnalyzer(dev.window(dev.analyzerOffset(), satman.AnalyzerWindowSize)),
		satman.WithReboot(reboot),
	}

	for i, addr := range dev.linkAddrs {
		link, err := dev.dialAux(addr)
		if err != nil {
			return fmt.Errorf("could not reach downstream link %d: %w", i, err)
		}
		port := dev.window(satman.CoreWindowSize+i*satman.PortWindowSize, satman.PortWindowSize)
		opts = append(opts, satman.WithRepeaterPort(
			satman.NewGatewarePort(drtioaux.NewLink(link), port),
		))
	}

	if dev.i2cBus >= 0 {
		bus, err := satman.OpenSMBus(dev.i2cBus)
		if err != nil {
			return fmt.Errorf("could not open i2c bus %d: %w", dev.i2cBus, err)
		}
		dev.close = append(dev.close, bus)
		opts = append(opts, satman.WithI2C(bus))
	}

	if dev.camera {
		grabber := cxp.NewGrabber(dev.window(dev.grabberOffset(), cxp.GrabberWindowSize))
		opts = append(opts,
			satman.WithCamera(cxp.NewCamera(grabber, log.New(os.Stdout, "drtio-satd: ", 0))),
			satman.WithROIViewer(satman.NewROIViewer(dev.window(dev.roiOffset(), satman.ROIViewerWindowSize))),
		)
	}

	if dev.dbName != "" {
		db, err := devdb.Open(dev.dbName)
		if err != nil {
			return fmt.Errorf("could not open device db %q: %w", dev.dbName, err)
		}
		names, err := db.Resolver(ctx.Ctx)
		db.Close()
		if err != nil {
			return fmt.Errorf("could not load channel map: %w", err)
		}
		opts = append(opts, satman.WithChannelNames(names))
	}

	dev.sat = satman.New(
		dev.window(0, satman.CoreWindowSize),
		drtioaux.NewLink(uplink),
		opts...,
	)
	dev.runCh = make(chan struct{}, 1)
	ctx.Msg.Infof("initializing satellite manager... [done]")
	return nil
}

func (dev *satd) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.release()
	dev.sat = nil
	return nil
}

func (dev *satd) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	if dev.sat == nil {
		return fmt.Errorf("satellite not initialized")
	}
	ctx.Msg.Infof("starting satellite service loop...")
	dev.runCh <- struct{}{}
	return nil
}

func (dev *satd) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (dev *satd) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.release()
	return nil
}

func (dev *satd) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-dev.runCh:
		}
		err := dev.sat.Run(ctx.Ctx)
		if err != nil && ctx.Ctx.Err() == nil {
			ctx.Msg.Errorf("satellite service loop failed: %+v", err)
		}
	}
}

func (dev *satd) release() {
	for _, c := range dev.close {
		_ = c.Close()
	}
	dev.close = nil
}

func (dev *satd) dialAux(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial aux bridge %q: %w", addr, err)
	}
	dev.close = append(dev.close, conn)
	return conn, nil
}

func reboot() error {
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}
