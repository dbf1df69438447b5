package protocol

import (
	"fmt"

	"github.com/vtrack/vtrackd/internal/device"
)

// ConnectInfo is everything a ConnectReply carries. Which sections appear on
// the wire depends on Version; readers and writers gate identically.
type ConnectInfo struct {
	Version           uint32
	Layout            device.Layout
	VirtualDevices    []device.VirtualDevice
	HMDConfigurations []device.HMDConfiguration
	BatteryStates     []device.BatteryState
	NumPowerFeatures  uint32
	NumHapticFeatures uint32
}

// AppendConnectReply encodes a full connect reply, message ID included.
func AppendConnectReply(w *Buffer, info ConnectInfo) {
	w.PutMessageID(ConnectReply)
	w.PutUint32(info.Version)
	w.PutUint32(uint32(info.Layout.NumTrackers))
	w.PutUint32(uint32(info.Layout.NumButtons))
	w.PutUint32(uint32(info.Layout.NumValuators))
	if info.Version >= VersionVirtualDevices {
		w.PutUint32(uint32(len(info.VirtualDevices)))
		for i := range info.VirtualDevices {
			AppendVirtualDevice(w, &info.VirtualDevices[i])
		}
	}
	if info.Version >= VersionHMDConfigurations {
		w.PutUint32(uint32(len(info.HMDConfigurations)))
		for i := range info.HMDConfigurations {
			AppendHMDConfiguration(w, &info.HMDConfigurations[i])
		}
	}
	if info.Version >= VersionBatteryStates {
		w.PutUint32(uint32(len(info.BatteryStates)))
		for i := range info.BatteryStates {
			AppendBatteryState(w, info.BatteryStates[i])
		}
	}
	if info.Version >= VersionPowerHapticFeatures {
		w.PutUint32(info.NumPowerFeatures)
		w.PutUint32(info.NumHapticFeatures)
	}
}

// ReadConnectReply decodes a connect reply body (the message ID has already
// been consumed).
func ReadConnectReply(d *Decoder) (ConnectInfo, error) {
	var info ConnectInfo
	info.Version = d.Uint32()
	info.Layout.NumTrackers = int(d.Uint32())
	info.Layout.NumButtons = int(d.Uint32())
	info.Layout.NumValuators = int(d.Uint32())
	if err := d.Err(); err != nil {
		return info, err
	}
	if info.Layout.NumTrackers > 4096 || info.Layout.NumButtons > 65536 || info.Layout.NumValuators > 65536 {
		return info, fmt.Errorf("implausible device layout %+v", info.Layout)
	}
	if info.Version >= VersionVirtualDevices {
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			info.VirtualDevices = append(info.VirtualDevices, ReadVirtualDevice(d))
		}
	}
	if info.Version >= VersionHMDConfigurations {
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			info.HMDConfigurations = append(info.HMDConfigurations, ReadHMDConfiguration(d))
		}
	}
	if info.Version >= VersionBatteryStates {
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			info.BatteryStates = append(info.BatteryStates, ReadBatteryState(d))
		}
	}
	if info.Version >= VersionPowerHapticFeatures {
		info.NumPowerFeatures = d.Uint32()
		info.NumHapticFeatures = d.Uint32()
	}
	return info, d.Err()
}

func AppendTrackerState(w *Buffer, ts *device.TrackerState) {
	for _, v := range ts.Position {
		w.PutFloat32(v)
	}
	for _, v := range ts.Orientation {
		w.PutFloat32(v)
	}
	for _, v := range ts.LinearVelocity {
		w.PutFloat32(v)
	}
	for _, v := range ts.AngularVelocity {
		w.PutFloat32(v)
	}
}

func ReadTrackerState(d *Decoder) device.TrackerState {
	var ts device.TrackerState
	for i := range ts.Position {
		ts.Position[i] = d.Float32()
	}
	for i := range ts.Orientation {
		ts.Orientation[i] = d.Float32()
	}
	for i := range ts.LinearVelocity {
		ts.LinearVelocity[i] = d.Float32()
	}
	for i := range ts.AngularVelocity {
		ts.AngularVelocity[i] = d.Float32()
	}
	return ts
}

// AppendPacketReply encodes a full state snapshot. Time stamps and valid
// flags are only sent to clients that negotiated them.
func AppendPacketReply(w *Buffer, s *device.State, withTimeStamps, withValidFlags bool) {
	w.PutMessageID(PacketReply)
	for i := range s.Trackers {
		AppendTrackerState(w, &s.Trackers[i])
	}
	for _, b := range s.Buttons {
		w.PutBool(b)
	}
	for _, v := range s.Valuators {
		w.PutFloat32(v)
	}
	if withTimeStamps {
		for _, t := range s.TimeStamps {
			w.PutUint32(t)
		}
	}
	if withValidFlags {
		for _, v := range s.Valid {
			w.PutBool(v)
		}
	}
}

// ReadPacketReply decodes a snapshot body into a state sized by layout.
func ReadPacketReply(d *Decoder, layout device.Layout, withTimeStamps, withValidFlags bool) (*device.State, error) {
	s := device.NewState(layout)
	for i := range s.Trackers {
		s.Trackers[i] = ReadTrackerState(d)
	}
	for i := range s.Buttons {
		s.Buttons[i] = d.Bool()
	}
	for i := range s.Valuators {
		s.Valuators[i] = d.Float32()
	}
	if withTimeStamps {
		for i := range s.TimeStamps {
			s.TimeStamps[i] = d.Uint32()
		}
	}
	if withValidFlags {
		for i := range s.Valid {
			s.Valid[i] = d.Bool()
		}
	}
	return s, d.Err()
}

func AppendVirtualDevice(w *Buffer, vd *device.VirtualDevice) {
	w.PutString(vd.Name)
	w.PutUint32(vd.TrackType)
	for _, v := range vd.RayDirection {
		w.PutFloat32(v)
	}
	w.PutFloat32(vd.RayStart)
	w.PutInt32(vd.TrackerIndex)
	w.PutUint32(uint32(len(vd.ButtonIndices)))
	for i := range vd.ButtonIndices {
		w.PutInt32(vd.ButtonIndices[i])
		w.PutString(vd.ButtonNames[i])
	}
	w.PutUint32(uint32(len(vd.ValuatorIndices)))
	for i := range vd.ValuatorIndices {
		w.PutInt32(vd.ValuatorIndices[i])
		w.PutString(vd.ValuatorNames[i])
	}
}

func ReadVirtualDevice(d *Decoder) device.VirtualDevice {
	var vd device.VirtualDevice
	vd.Name = d.String()
	vd.TrackType = d.Uint32()
	for i := range vd.RayDirection {
		vd.RayDirection[i] = d.Float32()
	}
	vd.RayStart = d.Float32()
	vd.TrackerIndex = d.Int32()
	nb := int(d.Uint32())
	for i := 0; i < nb && d.Err() == nil; i++ {
		vd.ButtonIndices = append(vd.ButtonIndices, d.Int32())
		vd.ButtonNames = append(vd.ButtonNames, d.String())
	}
	nv := int(d.Uint32())
	for i := 0; i < nv && d.Err() == nil; i++ {
		vd.ValuatorIndices = append(vd.ValuatorIndices, d.Int32())
		vd.ValuatorNames = append(vd.ValuatorNames, d.String())
	}
	return vd
}

func AppendBatteryState(w *Buffer, bs device.BatteryState) {
	w.PutBool(bs.Charging)
	w.PutUint8(bs.Percent)
}

func ReadBatteryState(d *Decoder) device.BatteryState {
	return device.BatteryState{Charging: d.Bool(), Percent: d.Uint8()}
}

func AppendHMDConfiguration(w *Buffer, c *device.HMDConfiguration) {
	w.PutUint16(c.TrackerIndex)
	w.PutUint16(c.FaceDetectorButtonIndex)
	w.PutInt32(c.DisplayLatency)
	w.PutFloat32(c.IPD)
	for eye := 0; eye < 2; eye++ {
		for _, v := range c.EyePositions[eye] {
			w.PutFloat32(v)
		}
	}
	w.PutUint32(c.RenderTargetSize[0])
	w.PutUint32(c.RenderTargetSize[1])
	w.PutUint32(c.DistortionMeshSize[0])
	w.PutUint32(c.DistortionMeshSize[1])
	for _, vertex := range c.DistortionMesh {
		for comp := 0; comp < 3; comp++ {
			w.PutFloat32(vertex[comp][0])
			w.PutFloat32(vertex[comp][1])
		}
	}
}

func ReadHMDConfiguration(d *Decoder) device.HMDConfiguration {
	var c device.HMDConfiguration
	c.TrackerIndex = d.Uint16()
	c.FaceDetectorButtonIndex = d.Uint16()
	c.DisplayLatency = d.Int32()
	c.IPD = d.Float32()
	for eye := 0; eye < 2; eye++ {
		for i := range c.EyePositions[eye] {
			c.EyePositions[eye][i] = d.Float32()
		}
	}
	c.RenderTargetSize[0] = d.Uint32()
	c.RenderTargetSize[1] = d.Uint32()
	c.DistortionMeshSize[0] = d.Uint32()
	c.DistortionMeshSize[1] = d.Uint32()
	vertices := uint64(c.DistortionMeshSize[0]) * uint64(c.DistortionMeshSize[1])
	if vertices > 1<<20 {
		d.Fail(fmt.Errorf("distortion mesh size %dx%d exceeds protocol limit",
			c.DistortionMeshSize[0], c.DistortionMeshSize[1]))
		return c
	}
	for i := 0; i < int(vertices) && d.Err() == nil; i++ {
		var vertex [3][2]float32
		for comp := 0; comp < 3; comp++ {
			vertex[comp][0] = d.Float32()
			vertex[comp][1] = d.Float32()
		}
		c.DistortionMesh = append(c.DistortionMesh, vertex)
	}
	return c
}
