// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command drtio-mast runs the DRTIO master supervisor as a TDAQ server.
package main // import "github.com/QuantumQuadrate/madmax-artiq-zynq/cmd/drtio-mast"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/devdb"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/gw"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/master"
)

func main() {
	var (
		links   = flag.String("links", "localhost:41000", "comma-separated addresses of the downstream aux bridges")
		memBase = flag.Int64("mem-base", 0, "physical base of the link register block (0 = simulated)")
		dbName  = flag.String("devdb", "", "device database name (empty = no channel names)")
	)

	cmd := flags.New()

	log.SetPrefix("drtio-mast: ")
	log.SetFlags(0)

	dev := &mastd{
		linkAddrs: split(*links),
		memBase:   *memBase,
		dbName:    *dbName,
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

type mastd struct {
	linkAddrs []string
	memBase   int64
	dbName    string

	mast  *master.Master
	runCh chan struct{}
	close []io.Closer
}

func (dev *mastd) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *mastd) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("initializing master supervisor...")

	if dev.mast != nil {
		ctx.Msg.Errorf("master already initialized")
		return fmt.Errorf("master already initialized")
	}

	var mem gw.RW
	switch dev.memBase {
	case 0:
		mem = gw.NewMem(len(dev.linkAddrs) * master.LinkWindowSize)
	default:
		hw, err := gw.Open(dev.memBase, len(dev.linkAddrs)*master.LinkWindowSize)
		if err != nil {
			return fmt.Errorf("could not map link registers: %w", err)
		}
		dev.close = append(dev.close, hw)
		mem = hw
	}

	opts := []master.Option{}
	for i, addr := range dev.linkAddrs {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("could not dial aux bridge %q: %w", addr, err)
		}
		dev.close = append(dev.close, conn)
		win := gw.NewWindow(mem, int64(i*master.LinkWindowSize), master.LinkWindowSize)
		opts = append(opts, master.WithLinkPort(
			master.NewGatewareLinkPort(drtioaux.NewLink(conn), win),
		))
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
		opts = append(opts, master.WithChannelNames(names))
	}

	dev.mast = master.New(opts...)
	dev.runCh = make(chan struct{}, 1)
	ctx.Msg.Infof("initializing master supervisor... [done]")
	return nil
}

func (dev *mastd) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if dev.mast != nil {
		dev.mast.Reset()
	}
	return nil
}

func (dev *mastd) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	if dev.mast == nil {
		return fmt.Errorf("master not initialized")
	}
	ctx.Msg.Infof("starting link supervision...")
	dev.runCh <- struct{}{}
	return nil
}

func (dev *mastd) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (dev *mastd) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.release()
	return nil
}

func (dev *mastd) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-dev.runCh:
		}
		err := dev.mast.Service(ctx.Ctx)
		if err != nil && ctx.Ctx.Err() == nil {
			ctx.Msg.Errorf("link supervision failed: %+v", err)
		}
	}
}

func (dev *mastd) release() {
	for _, c := range dev.close {
		_ = c.Close()
	}
	dev.close = nil
}
