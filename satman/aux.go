// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satman

import (
	"errors"
	"fmt"
	"time"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
	"github.com/QuantumQuadrate/madmax-artiq-zynq/routing"
)

// processAuxPackets services one packet arriving on the uplink and one
// routed to this node.
func (sat *Satellite) processAuxPackets() {
	p, err := sat.uplink.Recv(pollTimeout)
	switch {
	case err == nil:
		if err := sat.processPacket(p); err != nil {
			sat.msg.Printf("satman: could not process packet: %+v", err)
		}
	case errors.Is(err, drtioaux.ErrTimeout):
		// no traffic
	default:
		sat.msg.Printf("satman: uplink receive failed: %+v", err)
	}

	if p, ok := sat.router.GetLocalPacket(); ok {
		if err := sat.processPacket(p); err != nil {
			sat.msg.Printf("satman: could not process routed packet: %+v", err)
		}
	}
}

func (sat *Satellite) reply(p drtioaux.Packet) error {
	if err := sat.uplink.Send(p); err != nil {
		return fmt.Errorf("satman: could not send reply: %w", err)
	}
	return nil
}

// forward relays p one hop downstream when the routing table says its
// destination is not this node. It reports whether the packet was
// consumed by forwarding.
func (sat *Satellite) forward(destination uint8, p drtioaux.Packet) (bool, error) {
	hop := sat.table.Hop(destination, sat.rank)
	if hop == routing.HopLocal {
		return false, nil
	}
	repno := int(hop) - 1
	if repno >= len(sat.repeaters) {
		return true, fmt.Errorf("%w: destination %d via port %d", ErrRouting, destination, hop)
	}
	rep := sat.repeaters[repno]
	if drtioaux.ExpectsResponse(p) {
		return true, rep.AuxForward(p, sat.router, &sat.table, sat.rank, sat.destination)
	}
	return true, rep.AuxSend(p)
}

func (sat *Satellite) processPacket(p drtioaux.Packet) error {
	switch p := p.(type) {
	case drtioaux.EchoRequest:
		return sat.reply(drtioaux.EchoReply{})

	case drtioaux.ResetRequest:
		sat.core.Reset(true)
		time.Sleep(100 * time.Microsecond)
		sat.core.Reset(false)
		for _, rep := range sat.repeaters {
			if !rep.Up() {
				continue
			}
			if err := rep.RTIOReset(); err != nil {
				sat.msg.Printf("satman: could not propagate RTIO reset: %+v", err)
			}
		}
		return sat.reply(drtioaux.ResetAck{})

	case drtioaux.DestinationStatusRequest:
		return sat.destinationStatus(p)

	case drtioaux.RoutingSetPath:
		sat.table.SetPath(p.Destination, p.Hops)
		for _, rep := range sat.repeaters {
			if !rep.Up() {
				continue
			}
			if err := rep.SetPath(p.Destination, p.Hops); err != nil {
				sat.msg.Printf("satman: could not propagate routing path: %+v", err)
			}
		}
		return sat.reply(drtioaux.RoutingAck{})

	case drtioaux.RoutingSetRank:
		sat.rank = p.Rank
		for _, rep := range sat.repeaters {
			if !rep.Up() {
				continue
			}
			if err := rep.SetRank(p.Rank + 1); err != nil {
				sat.msg.Printf("satman: could not propagate rank: %+v", err)
			}
		}
		sat.msg.Printf("rank: %d", p.Rank)
		sat.msg.Printf("routing table: %v", sat.table.String())
		return sat.reply(drtioaux.RoutingAck{})

	case drtioaux.MonitorRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.MonitorReply{Value: sat.core.Monitor(p.Channel, p.Probe)})

	case drtioaux.InjectionRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.core.Inject(p.Channel, p.Overrd, p.Value)
		return nil

	case drtioaux.InjectionStatusRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.InjectionStatusReply{Value: sat.core.InjectionStatus(p.Channel, p.Overrd)})

	case drtioaux.I2cStartRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.I2cBasicReply{Succeeded: sat.i2c != nil && sat.i2c.Start(p.BusNo) == nil})

	case drtioaux.I2cRestartRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.I2cBasicReply{Succeeded: sat.i2c != nil && sat.i2c.Restart(p.BusNo) == nil})

	case drtioaux.I2cStopRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.I2cBasicReply{Succeeded: sat.i2c != nil && sat.i2c.Stop(p.BusNo) == nil})

	case drtioaux.I2cWriteRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if sat.i2c == nil {
			return sat.reply(drtioaux.I2cWriteReply{})
		}
		ack, err := sat.i2c.WriteByte(p.BusNo, p.Data)
		return sat.reply(drtioaux.I2cWriteReply{Succeeded: err == nil, Ack: ack})

	case drtioaux.I2cReadRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if sat.i2c == nil {
			return sat.reply(drtioaux.I2cReadReply{Data: 0xff})
		}
		data, err := sat.i2c.ReadByte(p.BusNo, p.Ack)
		if err != nil {
			return sat.reply(drtioaux.I2cReadReply{Data: 0xff})
		}
		return sat.reply(drtioaux.I2cReadReply{Succeeded: true, Data: data})

	case drtioaux.I2cSwitchSelectRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		succeeded := sat.i2c != nil && sat.i2c.SwitchSelect(p.BusNo, p.Address, p.Mask) == nil
		return sat.reply(drtioaux.I2cBasicReply{Succeeded: succeeded})

	case drtioaux.SpiSetConfigRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.SpiBasicReply{}) // no SPI on this hardware

	case drtioaux.SpiWriteRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.SpiBasicReply{})

	case drtioaux.SpiReadRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.SpiReadReply{})

	case drtioaux.AnalyzerHeaderRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if sat.analyzer == nil {
			return sat.reply(drtioaux.AnalyzerHeader{})
		}
		hdr, err := sat.analyzer.Header()
		if err != nil {
			sat.msg.Printf("satman: could not read analyzer header: %+v", err)
		}
		return sat.reply(hdr)

	case drtioaux.AnalyzerDataRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if sat.analyzer == nil {
			return sat.reply(drtioaux.AnalyzerData{Last: true})
		}
		data, last := sat.analyzer.Data(drtioaux.SatPayloadMaxSize)
		return sat.reply(drtioaux.AnalyzerData{Last: last, Data: data})

	case drtioaux.DmaAddTraceRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.destination = p.Destination
		err := sat.dma.Add(p.Source, p.ID, p.Status, p.Trace)
		if err != nil {
			sat.msg.Printf("satman: could not add DMA trace: %+v", err)
		}
		return sat.route(drtioaux.DmaAddTraceReply{
			Source:      sat.destination,
			Destination: p.Source,
			ID:          p.ID,
			Succeeded:   err == nil,
		})

	case drtioaux.DmaAddTraceReply:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.dma.AckUpload(sat.km, p.Source, p.ID, p.Succeeded, sat.router, &sat.table, sat.rank, sat.destination)
		return nil

	case drtioaux.DmaRemoveTraceRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		err := sat.dma.Erase(p.Source, p.ID)
		if err != nil {
			sat.msg.Printf("satman: could not erase DMA trace: %+v", err)
		}
		return sat.route(drtioaux.DmaRemoveTraceReply{Destination: p.Source, Succeeded: err == nil})

	case drtioaux.DmaRemoveTraceReply:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return nil // erase is best-effort

	case drtioaux.DmaPlaybackRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		succeeded := false
		if !sat.km.Running() {
			err := sat.dma.Playback(p.Source, p.ID, p.Timestamp)
			if err != nil {
				sat.msg.Printf("satman: could not start DMA playback: %+v", err)
			}
			succeeded = err == nil
		}
		return sat.route(drtioaux.DmaPlaybackReply{Destination: p.Source, Succeeded: succeeded})

	case drtioaux.DmaPlaybackReply:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if !p.Succeeded {
			sat.km.DdmaNack()
		}
		return nil

	case drtioaux.DmaPlaybackStatus:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.dma.RemoteFinished(sat.km, p.ID, p.Error, p.Channel, p.Timestamp)
		return nil

	case drtioaux.SubkernelAddDataRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.destination = p.Destination
		err := sat.km.Add(p.ID, p.Status, p.Data)
		return sat.reply(drtioaux.SubkernelAddDataReply{Succeeded: err == nil})

	case drtioaux.SubkernelLoadRunRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		succeeded := sat.km.Load(p.ID) == nil
		if p.Run {
			if sat.dma.Running() {
				succeeded = false
			} else if err := sat.km.Run(p.Source, p.ID, p.Timestamp); err != nil {
				sat.msg.Printf("satman: could not run subkernel %d: %+v", p.ID, err)
				succeeded = false
			} else {
				succeeded = true
			}
		}
		return sat.route(drtioaux.SubkernelLoadRunReply{Destination: p.Source, Succeeded: succeeded})

	case drtioaux.SubkernelLoadRunReply:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.km.SubkernelLoadRunReply(p.Succeeded)
		return nil

	case drtioaux.SubkernelFinished:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.km.RemoteSubkernelFinished(p.ID, p.WithException, p.ExceptionSrc)
		return nil

	case drtioaux.SubkernelExceptionRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		data, status := sat.km.ExceptionGetSlice(drtioaux.SatPayloadMaxSize)
		return sat.route(drtioaux.SubkernelException{
			Destination: p.Source,
			Last:        status.IsLast(),
			Data:        data,
		})

	case drtioaux.SubkernelException:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.km.ReceivedException(p.Data, p.Last, sat.router, &sat.table, sat.rank, sat.destination)
		return nil

	case drtioaux.SubkernelMessage:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.km.MessageHandleIncoming(p.Status, p.ID, p.Data)
		return sat.route(drtioaux.SubkernelMessageAck{Destination: p.Source})

	case drtioaux.SubkernelMessageAck:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if !sat.km.MessageAckSlice() {
			return nil
		}
		data, status, dest, ok := sat.km.MessageGetSlice(drtioaux.MasterPayloadMaxSize)
		if !ok {
			sat.msg.Printf("satman: could not get next message chunk")
			return nil
		}
		return sat.route(drtioaux.SubkernelMessage{
			Source:      sat.destination,
			Destination: dest,
			ID:          sat.km.CurrentID(),
			Status:      status,
			Data:        data,
		})

	case drtioaux.CoreMgmtGetLogRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		data, status := sat.mgr.LogSlice(drtioaux.SatPayloadMaxSize, p.Clear)
		return sat.reply(drtioaux.CoreMgmtGetLogReply{Last: status.IsLast(), Data: data})

	case drtioaux.CoreMgmtClearLogRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.mgr.ClearLog()
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: true})

	case drtioaux.CoreMgmtSetLogLevelRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: sat.mgr.SetLogLevel(p.Level) == nil})

	case drtioaux.CoreMgmtSetUartLogLevelRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: sat.mgr.SetUartLogLevel(p.Level) == nil})

	case drtioaux.CoreMgmtConfigReadRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if err := sat.mgr.FetchConfigValue(p.Key); err != nil {
			sat.msg.Printf("satman: could not read config: %+v", err)
			return sat.reply(drtioaux.CoreMgmtReply{Succeeded: false})
		}
		data, status := sat.mgr.ConfigValueSlice(drtioaux.SatPayloadMaxSize)
		return sat.reply(drtioaux.CoreMgmtConfigReadReply{Last: status.IsLast(), Value: data})

	case drtioaux.CoreMgmtConfigReadContinue:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		data, status := sat.mgr.ConfigValueSlice(drtioaux.SatPayloadMaxSize)
		return sat.reply(drtioaux.CoreMgmtConfigReadReply{Last: status.IsLast(), Value: data})

	case drtioaux.CoreMgmtConfigWriteRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.mgr.AddConfigData(p.Data)
		succeeded := true
		if p.Last {
			if err := sat.mgr.WriteConfig(); err != nil {
				sat.msg.Printf("satman: could not write config: %+v", err)
				succeeded = false
			}
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: succeeded})

	case drtioaux.CoreMgmtConfigRemoveRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: sat.mgr.RemoveConfig(p.Key) == nil})

	case drtioaux.CoreMgmtConfigEraseRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: sat.mgr.EraseConfig() == nil})

	case drtioaux.CoreMgmtRebootRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		if err := sat.reply(drtioaux.CoreMgmtReply{Succeeded: true}); err != nil {
			return err
		}
		if err := sat.mgr.Reboot(); err != nil {
			sat.msg.Printf("satman: could not reboot: %+v", err)
		}
		return nil

	case drtioaux.CoreMgmtAllocatorDebugRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: false}) // not supported here

	case drtioaux.CoreMgmtFlashRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.mgr.AllocateImage(p.PayloadLength)
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: true})

	case drtioaux.CoreMgmtFlashAddDataRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.mgr.AddImageData(p.Data)
		if p.Last {
			return sat.reply(drtioaux.CoreMgmtDropLink{})
		}
		return sat.reply(drtioaux.CoreMgmtReply{Succeeded: true})

	case drtioaux.CoreMgmtDropLinkAck:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		sat.core.SetTXEnable(false)
		if err := sat.mgr.WriteImage(); err != nil {
			sat.msg.Printf("satman: could not write flash image: %+v", err)
			sat.core.SetTXEnable(true)
			return nil
		}
		if err := sat.mgr.Reboot(); err != nil {
			sat.msg.Printf("satman: could not reboot into new image: %+v", err)
		}
		return nil

	case drtioaux.CXPReadRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(sat.cxpman.ProcessReadRequest(p.Address, p.Length))

	case drtioaux.CXPWrite32Request:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(sat.cxpman.ProcessWrite32Request(p.Address, p.Value))

	case drtioaux.CXPROIViewerSetupRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(sat.cxpman.ProcessROISetup(p.X0, p.Y0, p.X1, p.Y1))

	case drtioaux.CXPROIViewerDataRequest:
		if done, err := sat.forward(p.Destination, p); done {
			return err
		}
		return sat.reply(sat.cxpman.ProcessROIData())

	default:
		sat.msg.Printf("satman: unexpected aux packet dropped: %T", p)
		return nil
	}
}

// destinationStatus services the 200ms destination survey of the
// master: it reports error latches for this node and probes the link
// for downstream destinations.
func (sat *Satellite) destinationStatus(p drtioaux.DestinationStatusRequest) error {
	hop := sat.table.Hop(p.Destination, sat.rank)
	if hop == routing.HopLocal {
		sat.destination = p.Destination
		errs := sat.core.RTIOError()
		switch {
		case errs&RTIOErrSequence != 0:
			sat.core.ClearRTIOError(RTIOErrSequence)
			return sat.reply(drtioaux.DestinationSequenceErrorReply{Channel: sat.core.SequenceErrorChannel()})
		case errs&RTIOErrCollision != 0:
			sat.core.ClearRTIOError(RTIOErrCollision)
			return sat.reply(drtioaux.DestinationCollisionReply{Channel: sat.core.CollisionChannel()})
		case errs&RTIOErrBusy != 0:
			sat.core.ClearRTIOError(RTIOErrBusy)
			return sat.reply(drtioaux.DestinationBusyReply{Channel: sat.core.BusyChannel()})
		default:
			return sat.reply(drtioaux.DestinationOkReply{})
		}
	}

	repno := int(hop) - 1
	if repno >= len(sat.repeaters) {
		return sat.reply(drtioaux.DestinationDownReply{})
	}
	err := sat.repeaters[repno].AuxForward(p, sat.router, &sat.table, sat.rank, sat.destination)
	if err != nil {
		if !errors.Is(err, ErrRepeaterDown) {
			sat.msg.Printf("satman: destination %d survey failed: %+v", p.Destination, err)
		}
		return sat.reply(drtioaux.DestinationDownReply{})
	}
	return nil
}

func (sat *Satellite) route(p drtioaux.Packet) error {
	return sat.router.Route(p, &sat.table, sat.rank, sat.destination, routing.FromLocal)
}
