// Copyright 2025 The madmax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package master

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/QuantumQuadrate/madmax-artiq-zynq/drtioaux"
)

// UploadTrace distributes a DMA trace to several destinations. Uploads
// to different links run concurrently; the per-link mutex keeps
// transactions on one link sequential. The first failed destination
// aborts the upload with a single aggregated error.
func (m *Master) UploadTrace(id uint32, trace []byte, destinations []uint8) error {
	var grp errgroup.Group
	for _, destination := range destinations {
		destination := destination
		grp.Go(func() error {
			return m.uploadTraceTo(id, trace, destination)
		})
	}
	if err := grp.Wait(); err != nil {
		return fmt.Errorf("master: could not upload DMA trace %d: %w", id, err)
	}
	return nil
}

func (m *Master) uploadTraceTo(id uint32, trace []byte, destination uint8) error {
	return drtioaux.Chunks(trace, drtioaux.MasterPayloadMaxSize, func(chunk []byte, st drtioaux.PayloadStatus) error {
		reply, err := m.Transact(destination, drtioaux.DmaAddTraceRequest{
			Source:      0,
			Destination: destination,
			ID:          id,
			Status:      st,
			Trace:       chunk,
		})
		if err != nil {
			return err
		}
		add, ok := reply.(drtioaux.DmaAddTraceReply)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
		}
		if !add.Succeeded {
			return fmt.Errorf("%w: destination %d", ErrFailed, destination)
		}
		return nil
	})
}

// EraseTrace removes an uploaded DMA trace from every destination.
func (m *Master) EraseTrace(id uint32, destinations []uint8) error {
	var grp errgroup.Group
	for _, destination := range destinations {
		destination := destination
		grp.Go(func() error {
			reply, err := m.Transact(destination, drtioaux.DmaRemoveTraceRequest{
				Source:      0,
				Destination: destination,
				ID:          id,
			})
			if err != nil {
				return err
			}
			rm, ok := reply.(drtioaux.DmaRemoveTraceReply)
			if !ok {
				return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
			}
			if !rm.Succeeded {
				return fmt.Errorf("%w: destination %d", ErrFailed, destination)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return fmt.Errorf("master: could not erase DMA trace %d: %w", id, err)
	}
	return nil
}

// PlaybackTrace starts playback of an uploaded trace on destination at
// the given RTIO timestamp.
func (m *Master) PlaybackTrace(id uint32, destination uint8, timestamp uint64) error {
	reply, err := m.Transact(destination, drtioaux.DmaPlaybackRequest{
		Source:      0,
		Destination: destination,
		ID:          id,
		Timestamp:   timestamp,
	})
	if err != nil {
		return fmt.Errorf("master: could not start playback of trace %d: %w", id, err)
	}
	pb, ok := reply.(drtioaux.DmaPlaybackReply)
	if !ok {
		return fmt.Errorf("master: could not start playback of trace %d: %w: %T", id, ErrUnexpectedReply, reply)
	}
	if !pb.Succeeded {
		return fmt.Errorf("master: could not start playback of trace %d: %w: destination %d", id, ErrFailed, destination)
	}
	return nil
}

// AwaitPlayback waits for the completion notice of a started playback.
// It returns the error code, offending channel and timestamp reported
// by the destination.
func (m *Master) AwaitPlayback(id uint32, timeout time.Duration) (errCode uint8, channel uint32, timestamp uint64, err error) {
	deadline := m.now().Add(timeout)
	for {
		m.mu.Lock()
		notice, ok := m.playback[id]
		if ok {
			delete(m.playback, id)
		}
		m.mu.Unlock()
		if ok {
			return notice.err, notice.channel, notice.timestamp, nil
		}
		if timeout > 0 && m.now().After(deadline) {
			return 0, 0, 0, fmt.Errorf("master: playback of trace %d: %w", id, drtioaux.ErrTimeout)
		}
		m.pollAsync()
	}
}
