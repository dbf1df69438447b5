package server

import (
	"github.com/vtrack/vtrackd/internal/device"
	"github.com/vtrack/vtrackd/internal/protocol"
)

// The Sink methods below are the driver-facing half of the server. They are
// called from device sampling goroutines: they record the change under the
// appropriate lock, bump the producer-side version, and interrupt the
// dispatcher so the fan-out runs promptly instead of waiting for the next
// timer or socket wakeup.

var _ device.Sink = (*Server)(nil)

func (s *Server) UpdateTracker(index int, state device.TrackerState, timeStamp uint32, valid bool) {
	s.stateMu.Lock()
	if index >= 0 && index < len(s.state.Trackers) {
		s.state.Trackers[index] = state
		s.state.TimeStamps[index] = timeStamp
		s.state.Valid[index] = valid
		s.pendingTrackers[index] = true
		s.havePending = true
	}
	s.stateMu.Unlock()
}

func (s *Server) UpdateButton(index int, pressed bool) {
	s.stateMu.Lock()
	if index >= 0 && index < len(s.state.Buttons) {
		s.state.Buttons[index] = pressed
		s.pendingButtons[index] = true
		s.havePending = true
	}
	s.stateMu.Unlock()
}

func (s *Server) UpdateValuator(index int, value float32) {
	s.stateMu.Lock()
	if index >= 0 && index < len(s.state.Valuators) {
		s.state.Valuators[index] = value
		s.pendingValuators[index] = true
		s.havePending = true
	}
	s.stateMu.Unlock()
}

// UpdateCompleted marks the current state a consistent snapshot. Version
// counters advance even with no streaming clients, so a late joiner's first
// snapshot reflects every change made before it arrived.
func (s *Server) UpdateCompleted() {
	s.stateMu.Lock()
	s.stateVersion++
	s.stateMu.Unlock()
	s.dispatcher.Interrupt()
}

func (s *Server) UpdateBatteryState(deviceIndex int, state device.BatteryState) {
	s.batteryMu.Lock()
	if deviceIndex >= 0 && deviceIndex < len(s.batteryStates) {
		s.batteryStates[deviceIndex] = state
		s.batteryVersions[deviceIndex]++
	}
	s.batteryMu.Unlock()
	s.dispatcher.Interrupt()
}

func (s *Server) UpdateHMDConfiguration(hmdIndex int, config device.HMDConfiguration) {
	s.hmdMu.Lock()
	if hmdIndex >= 0 && hmdIndex < len(s.hmdConfigurations) {
		s.hmdConfigurations[hmdIndex] = config
		s.hmdVersions[hmdIndex]++
	}
	s.hmdMu.Unlock()
	s.dispatcher.Interrupt()
}

// stateDelta is what one fan-out round owes the streaming clients.
type stateDelta struct {
	stale     bool
	snapshot  *device.State
	trackers  []int
	buttons   []int
	valuators []int

	batteryIndices []int
	batteryStates  []device.BatteryState

	hmdIndices []int
	hmdConfigs []device.HMDConfiguration
}

// collectDelta snapshots and clears all stale version counters. Streamed
// versions never run ahead of producer versions; equality means nothing is
// pending.
func (s *Server) collectDelta() stateDelta {
	var d stateDelta

	s.stateMu.Lock()
	if s.streamedStateVersion != s.stateVersion {
		d.stale = true
		d.snapshot = s.state.Clone()
		if s.havePending {
			for i, p := range s.pendingTrackers {
				if p {
					d.trackers = append(d.trackers, i)
					s.pendingTrackers[i] = false
				}
			}
			for i, p := range s.pendingButtons {
				if p {
					d.buttons = append(d.buttons, i)
					s.pendingButtons[i] = false
				}
			}
			for i, p := range s.pendingValuators {
				if p {
					d.valuators = append(d.valuators, i)
					s.pendingValuators[i] = false
				}
			}
			s.havePending = false
		}
		s.streamedStateVersion = s.stateVersion
	}
	s.stateMu.Unlock()

	s.batteryMu.Lock()
	for i := range s.batteryVersions {
		if s.streamedBatteryVersions[i] != s.batteryVersions[i] {
			d.batteryIndices = append(d.batteryIndices, i)
			d.batteryStates = append(d.batteryStates, s.batteryStates[i])
			s.streamedBatteryVersions[i] = s.batteryVersions[i]
		}
	}
	s.batteryMu.Unlock()

	s.hmdMu.Lock()
	for i := range s.hmdVersions {
		if s.streamedHMDVersions[i] != s.hmdVersions[i] {
			d.hmdIndices = append(d.hmdIndices, i)
			d.hmdConfigs = append(d.hmdConfigs, s.hmdConfigurations[i])
			s.streamedHMDVersions[i] = s.hmdVersions[i]
		}
	}
	s.hmdMu.Unlock()

	return d
}

// flushUpdates runs after every dispatch pass on the dispatching goroutine.
// Each client gets the most efficient applicable representation, batched
// into one write; a failed write disconnects only that client.
func (s *Server) flushUpdates() {
	d := s.collectDelta()
	if !d.stale && len(d.batteryIndices) == 0 && len(d.hmdIndices) == 0 {
		return
	}
	if s.numStreamingClients == 0 {
		return
	}

	incremental := len(d.trackers)+len(d.buttons)+len(d.valuators) > 0

	for i := 0; i < len(s.clients); {
		c := s.clients[i]
		if !c.streaming {
			i++
			continue
		}
		c.out.Reset()

		if d.stale {
			if incremental && c.version >= protocol.VersionIncrementalUpdates {
				for _, t := range d.trackers {
					c.out.PutMessageID(protocol.TrackerUpdate)
					c.out.PutUint16(uint16(t))
					protocol.AppendTrackerState(&c.out, &d.snapshot.Trackers[t])
					c.out.PutUint32(d.snapshot.TimeStamps[t])
					c.out.PutBool(d.snapshot.Valid[t])
				}
				for _, b := range d.buttons {
					c.out.PutMessageID(protocol.ButtonUpdate)
					c.out.PutUint16(uint16(b))
					c.out.PutBool(d.snapshot.Buttons[b])
				}
				for _, v := range d.valuators {
					c.out.PutMessageID(protocol.ValuatorUpdate)
					c.out.PutUint16(uint16(v))
					c.out.PutFloat32(d.snapshot.Valuators[v])
				}
				s.met.UpdatePushed("tracker", len(d.trackers))
				s.met.UpdatePushed("button", len(d.buttons))
				s.met.UpdatePushed("valuator", len(d.valuators))
			} else {
				protocol.AppendPacketReply(&c.out, d.snapshot, c.expectsTimeStamps, c.expectsValidFlags)
				s.met.UpdatePushed("full", 1)
			}
		}

		if c.version >= protocol.VersionBatteryStates {
			for j, idx := range d.batteryIndices {
				c.out.PutMessageID(protocol.BatteryStateUpdate)
				c.out.PutUint16(uint16(idx))
				protocol.AppendBatteryState(&c.out, d.batteryStates[j])
			}
			s.met.UpdatePushed("battery", len(d.batteryIndices))
		}
		if c.version >= protocol.VersionHMDConfigurations {
			for j, idx := range d.hmdIndices {
				c.out.PutMessageID(protocol.HMDConfigUpdate)
				c.out.PutUint16(uint16(idx))
				protocol.AppendHMDConfiguration(&c.out, &d.hmdConfigs[j])
			}
			s.met.UpdatePushed("hmd", len(d.hmdIndices))
		}

		if c.out.Len() > 0 {
			if err := c.flushOut(); err != nil {
				s.dropClient(c, err, true)
				continue
			}
		}
		i++
	}
}
