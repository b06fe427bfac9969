// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cxp

import (
	"encoding/binary"
	"log"
	"time"
)

// Bootstrap register addresses (chapter 12 of CXP-001-2021).
const (
	regRevision             = 0x0004
	regConnectionReset      = 0x4000
	regDeviceConnectionID   = 0x4004
	regMasterHostConnID     = 0x4008
	regStreamPacketSizeMax  = 0x4010
	regConnectionCfg        = 0x4014
	regConnectionCfgDefault = 0x4018
	regTestMode             = 0x401c
	regTestErrCountSelector = 0x4020
	regTestErrCount         = 0x4024
	regTestPacketCountTX    = 0x4028
	regTestPacketCountRX    = 0x4030
	regVersionSupported     = 0x4044
	regVersionUsed          = 0x4048
)

const (
	// channelLen is the number of channels the grabber drives. Only the
	// master channel is wired up.
	channelLen = 1

	hostConnectionID = 0x00006303

	// maxStreamPakSize should be as large as possible; the ROI pipeline
	// consumes pixel data without buffering, so any big number will do.
	maxStreamPakSize = 16384

	txTestCount = 10

	// monitorTimeout covers CDR lock at the lowest line rate (29.6ms at
	// 1.25Gbps), doubled for overhead.
	monitorTimeout = 60 * time.Millisecond

	// connectionResetWait gives the camera time to come back after a
	// ConnectionReset before the receiver retunes.
	connectionResetWait = 200 * time.Millisecond
)

// State tracks camera bring-up progress.
type State uint8

const (
	// Disconnected means no camera answered at any discovery rate.
	Disconnected State = iota
	// Detected means a camera answered at a discovery rate but has not
	// completed bring-up.
	Detected
	// Connected means the camera passed bring-up and runs at its
	// operation line rate.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Detected:
		return "detected"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Camera manages discovery and bring-up of the device behind one
// grabber core.
type Camera struct {
	phy  PHY
	ctrl *Ctrl
	msg  *log.Logger

	state State
	// tagged transactions are mandatory from CXP 2.0 on
	withTag bool

	now   func() time.Time
	sleep func(time.Duration)
}

// NewCamera wraps phy. Log output goes to msg.
func NewCamera(phy PHY, msg *log.Logger) *Camera {
	return &Camera{
		phy:   phy,
		ctrl:  NewCtrl(phy),
		msg:   msg,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// State returns the current bring-up state.
func (cam *Camera) State() State { return cam.state }

// Ctrl exposes the transaction layer for register access once the
// camera is connected.
func (cam *Camera) Ctrl() *Ctrl { return cam.ctrl }

// WithTag reports whether the negotiated protocol version carries
// transaction tags. Valid after Setup.
func (cam *Camera) WithTag() bool { return cam.withTag }

// monitorChannel waits for the receiver to lock onto the master
// channel.
func (cam *Camera) monitorChannel() error {
	limit := cam.now().Add(monitorTimeout)
	for cam.now().Before(limit) {
		if cam.phy.ChannelReady() {
			return nil
		}
		cam.sleep(recvPollInterval)
	}
	return ErrConnectionLost
}

// Discover probes the two discovery line rates (section 7.6 of
// CXP-001-2021). Cameras support exactly one of 1.25Gbps and 3.125Gbps
// for discovery, so both are tried in turn.
func (cam *Camera) Discover() error {
	cam.state = Disconnected
	for _, speed := range []Speed{CXP1, CXP3} {
		// set tx rate, reset the connection, give the camera time to
		// come back, then retune the receiver and watch for lock
		// (section 12.1.2)
		cam.phy.SetTXSpeed(speed)
		var one [4]byte
		binary.BigEndian.PutUint32(one[:], 1)
		if err := cam.ctrl.WriteBytesNoAck(regConnectionReset, one[:], false); err != nil {
			return err
		}
		cam.sleep(connectionResetWait)
		cam.phy.SetRXSpeed(speed)

		if err := cam.monitorChannel(); err == nil {
			cam.msg.Printf("cxp: camera detected at line rate %v", speed)
			cam.state = Detected
			return nil
		}
	}
	return ErrCameraNotDetected
}

// checkMasterChannel verifies channel #0 faces the camera's master
// connection.
func (cam *Camera) checkMasterChannel() error {
	id, err := cam.ctrl.ReadU32(regDeviceConnectionID, false)
	if err != nil {
		return err
	}
	if id != 0 {
		return ErrUnsupportedTopology
	}
	return nil
}

// disableExcessChannels forces the camera down to the grabber's single
// channel. After ConnectionReset only the master connection should be
// active, but some cameras (e.g. Basler boA2448-250cm) leave extension
// connections up anyway.
func (cam *Camera) disableExcessChannels() error {
	cfg, err := cam.ctrl.ReadU32(regConnectionCfg, false)
	if err != nil {
		return err
	}
	if cfg>>16 <= channelLen {
		return nil
	}
	cam.msg.Printf("cxp: only %d channel(s) available on grabber, disabling excess channels on camera", channelLen)
	// preserve the discovery line rate in the low half
	if err := cam.ctrl.WriteU32(regConnectionCfg, cfg&0xffff|channelLen<<16, false); err != nil {
		return err
	}
	// the master channel may bounce after the cfg change
	return cam.monitorChannel()
}

func (cam *Camera) setHostConnectionID() error {
	cam.msg.Printf("cxp: set host connection id to %#x", hostConnectionID)
	return cam.ctrl.WriteU32(regMasterHostConnID, hostConnectionID, false)
}

// negotiateVersion picks the highest protocol version both sides speak
// and reports whether transactions must be tagged from here on.
func (cam *Camera) negotiateVersion() (bool, error) {
	rev, err := cam.ctrl.ReadU32(regRevision, false)
	if err != nil {
		return false, err
	}
	major := rev >> 16
	minor := rev & 0xff
	cam.msg.Printf("cxp: camera CoaXPress revision is %d.%d", major, minor)

	// from CXP 2.0 on, the host picks the highest common version from
	// VersionSupported (section 12.1.4)
	if major >= 2 {
		reg, err := cam.ctrl.ReadU32(regVersionSupported, false)
		if err != nil {
			return false, err
		}
		switch {
		case reg>>3&1 == 1:
			major, minor = 2, 1
		case reg>>2&1 == 1:
			major, minor = 2, 0
		case reg>>1&1 == 1:
			major, minor = 1, 1
		default:
			return false, ErrUnsupportedVersion
		}
		if err := cam.ctrl.WriteU32(regVersionUsed, major<<16|minor, false); err != nil {
			return false, err
		}
	}
	cam.msg.Printf("cxp: switching to CoaXPress %d.%d protocol", major, minor)
	return major >= 2, nil
}

func (cam *Camera) negotiatePakMaxSize() error {
	return cam.ctrl.WriteU32(regStreamPacketSizeMax, maxStreamPakSize, cam.withTag)
}

// setOperationLinerate switches both ends to the camera's recommended
// line rate.
func (cam *Camera) setOperationLinerate() error {
	code, err := cam.ctrl.ReadU32(regConnectionCfgDefault, cam.withTag)
	if err != nil {
		return err
	}
	code &= 0xffff
	speed, ok := speedFromCode(code)
	if !ok {
		return &UnsupportedSpeedError{Code: code}
	}
	cam.msg.Printf("cxp: changing line rate to %v", speed)

	// preserve the number of active channels in the high half
	cfg, err := cam.ctrl.ReadU32(regConnectionCfg, cam.withTag)
	if err != nil {
		return err
	}
	if err := cam.ctrl.WriteU32(regConnectionCfg, cfg&0xffff0000|code, cam.withTag); err != nil {
		return err
	}
	cam.phy.SetTXSpeed(speed)
	cam.phy.SetRXSpeed(speed)
	return cam.monitorChannel()
}

func (cam *Camera) resetTestCounters() error {
	cam.phy.ResetTestCounts()
	if err := cam.ctrl.WriteU32(regTestErrCountSelector, 0, cam.withTag); err != nil {
		return err
	}
	if err := cam.ctrl.WriteU32(regTestErrCount, 0, cam.withTag); err != nil {
		return err
	}
	if err := cam.ctrl.WriteU64(regTestPacketCountTX, 0, cam.withTag); err != nil {
		return err
	}
	return cam.ctrl.WriteU64(regTestPacketCountRX, 0, cam.withTag)
}

func (cam *Camera) verifyTestResult() error {
	if err := cam.ctrl.WriteU32(regTestErrCountSelector, 0, cam.withTag); err != nil {
		return err
	}

	// grabber -> camera direction (section 9.9.3)
	rx, err := cam.ctrl.ReadU64(regTestPacketCountRX, cam.withTag)
	if err != nil {
		return err
	}
	if rx != txTestCount {
		return ErrUnstableTX
	}
	errCnt, err := cam.ctrl.ReadU32(regTestErrCount, cam.withTag)
	if err != nil {
		return err
	}
	if errCnt > 0 {
		return ErrUnstableTX
	}

	// camera -> grabber direction (section 9.9.4)
	camTX, err := cam.ctrl.ReadU64(regTestPacketCountTX, cam.withTag)
	if err != nil {
		return err
	}
	if cam.phy.RXTestPacketCount() != uint32(camTX) {
		return ErrUnstableRX
	}
	if cam.phy.RXTestErrorCount() > 0 {
		return ErrUnstableRX
	}
	cam.msg.Printf("cxp: channel #0 passed connection test")
	return nil
}

// testChannelStability runs the link test in both directions at the
// operation line rate.
func (cam *Camera) testChannelStability() error {
	if err := cam.resetTestCounters(); err != nil {
		return err
	}

	for i := 0; i < txTestCount; i++ {
		if err := cam.ctrl.SendTestPacket(); err != nil {
			return err
		}
		// the full test sequence takes a minimum of 1.972ms at
		// 20.833Mbps; leave room for IDLE words
		cam.sleep(2 * time.Millisecond)
	}

	// enabling TESTMODE on the master channel sends test packets on
	// all channels; the ctrl write overhead doubles as the delay
	if err := cam.ctrl.WriteU32(regTestMode, 1, cam.withTag); err != nil {
		return err
	}
	if err := cam.ctrl.WriteU32(regTestMode, 0, cam.withTag); err != nil {
		return err
	}
	return cam.verifyTestResult()
}

// Setup brings a detected camera to the Connected state: topology and
// version checks, stream sizing, operation line rate, then a link
// stability test.
func (cam *Camera) Setup() error {
	cam.ctrl.ResetTag()
	cam.withTag = false

	if err := cam.checkMasterChannel(); err != nil {
		return err
	}
	if err := cam.disableExcessChannels(); err != nil {
		return err
	}
	if err := cam.setHostConnectionID(); err != nil {
		return err
	}
	withTag, err := cam.negotiateVersion()
	if err != nil {
		return err
	}
	cam.withTag = withTag

	if err := cam.negotiatePakMaxSize(); err != nil {
		return err
	}
	if err := cam.setOperationLinerate(); err != nil {
		return err
	}
	if err := cam.testChannelStability(); err != nil {
		return err
	}
	cam.state = Connected
	return nil
}
