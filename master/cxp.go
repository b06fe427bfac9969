// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// Camera transactions run on the satellite in the background; the
// satellite answers CXPWaitReply until the result is ready and the
// request must be repeated.

// CXPRead reads a register block from the camera behind a destination.
func (m *Master) CXPRead(destination uint8, address uint32, length uint16) ([]byte, error) {
	req := drtioaux.CXPReadRequest{
		Destination: destination,
		Address:     address,
		Length:      length,
	}
	for {
		reply, err := m.Transact(destination, req)
		if err != nil {
			return nil, fmt.Errorf("master: could not read camera register: %w", err)
		}
		switch reply := reply.(type) {
		case drtioaux.CXPReadReply:
			return reply.Data, nil
		case drtioaux.CXPWaitReply:
		case drtioaux.CXPError:
			return nil, fmt.Errorf("master: could not read camera register: %s", reply.Message)
		default:
			return nil, fmt.Errorf("master: could not read camera register: %w: %T", ErrUnexpectedReply, reply)
		}
	}
}

// CXPWrite32 writes a 32-bit camera register behind a destination.
func (m *Master) CXPWrite32(destination uint8, address, value uint32) error {
	req := drtioaux.CXPWrite32Request{
		Destination: destination,
		Address:     address,
		Value:       value,
	}
	for {
		reply, err := m.Transact(destination, req)
		if err != nil {
			return fmt.Errorf("master: could not write camera register: %w", err)
		}
		switch reply := reply.(type) {
		case drtioaux.CXPWrite32Reply:
			return nil
		case drtioaux.CXPWaitReply:
		case drtioaux.CXPError:
			return fmt.Errorf("master: could not write camera register: %s", reply.Message)
		default:
			return fmt.Errorf("master: could not write camera register: %w: %T", ErrUnexpectedReply, reply)
		}
	}
}

// CXPROISetup configures the ROI viewer window on a destination.
func (m *Master) CXPROISetup(destination uint8, x0, y0, x1, y1 uint16) error {
	reply, err := m.Transact(destination, drtioaux.CXPROIViewerSetupRequest{
		Destination: destination,
		X0:          x0,
		Y0:          y0,
		X1:          x1,
		Y1:          y1,
	})
	if err != nil {
		return fmt.Errorf("master: could not set up ROI viewer: %w", err)
	}
	switch reply := reply.(type) {
	case drtioaux.CXPROIViewerSetupReply:
		return nil
	case drtioaux.CXPError:
		return fmt.Errorf("master: could not set up ROI viewer: %s", reply.Message)
	default:
		return fmt.Errorf("master: could not set up ROI viewer: %w: %T", ErrUnexpectedReply, reply)
	}
}

// ROIFrame is a complete ROI viewer frame pulled from a destination.
type ROIFrame struct {
	Width     uint16
	Height    uint16
	PixelCode uint16
	Pixels    []byte
}

// CXPROIData drains the ROI viewer of a destination until the frame
// completes.
func (m *Master) CXPROIData(destination uint8) (ROIFrame, error) {
	var frame ROIFrame
	for {
		reply, err := m.Transact(destination, drtioaux.CXPROIViewerDataRequest{Destination: destination})
		if err != nil {
			return frame, fmt.Errorf("master: could not pull ROI data: %w", err)
		}
		switch reply := reply.(type) {
		case drtioaux.CXPROIViewerPixelDataReply:
			frame.Pixels = append(frame.Pixels, reply.Data...)
		case drtioaux.CXPROIViewerFrameDataReply:
			frame.Width = reply.Width
			frame.Height = reply.Height
			frame.PixelCode = reply.PixelCode
			return frame, nil
		case drtioaux.CXPError:
			return frame, fmt.Errorf("master: could not pull ROI data: %s", reply.Message)
		default:
			return frame, fmt.Errorf("master: could not pull ROI data: %w: %T", ErrUnexpectedReply, reply)
		}
	}
}
