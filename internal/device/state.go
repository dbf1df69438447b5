// Package device holds the tracking device data model shared between the
// distribution server, the wire protocol and device drivers.
package device

// TrackType flags describe which components of a virtual device's tracker
// data are meaningful.
const (
	TrackPos uint32 = 1 << iota
	TrackDir
	TrackOrient

	TrackNone uint32 = 0
)

// TrackerState is one tracked body: position, orientation (unit quaternion,
// x y z w) and velocities.
type TrackerState struct {
	Position        [3]float32
	Orientation     [4]float32
	LinearVelocity  [3]float32
	AngularVelocity [3]float32
}

// Layout describes the flat device state a server exposes.
type Layout struct {
	NumTrackers  int
	NumButtons   int
	NumValuators int
}

// State is a snapshot of every tracker, button and valuator. TimeStamps are
// microseconds on the producer's clock; Valid marks trackers whose data is
// current.
type State struct {
	Trackers   []TrackerState
	TimeStamps []uint32
	Valid      []bool
	Buttons    []bool
	Valuators  []float32
}

// NewState allocates a zeroed state for the given layout.
func NewState(layout Layout) *State {
	return &State{
		Trackers:   make([]TrackerState, layout.NumTrackers),
		TimeStamps: make([]uint32, layout.NumTrackers),
		Valid:      make([]bool, layout.NumTrackers),
		Buttons:    make([]bool, layout.NumButtons),
		Valuators:  make([]float32, layout.NumValuators),
	}
}

// Layout returns the dimensions of the state.
func (s *State) Layout() Layout {
	return Layout{
		NumTrackers:  len(s.Trackers),
		NumButtons:   len(s.Buttons),
		NumValuators: len(s.Valuators),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := NewState(s.Layout())
	copy(c.Trackers, s.Trackers)
	copy(c.TimeStamps, s.TimeStamps)
	copy(c.Valid, s.Valid)
	copy(c.Buttons, s.Buttons)
	copy(c.Valuators, s.Valuators)
	return c
}

// BatteryState is the charge state of one wireless device.
type BatteryState struct {
	Charging bool
	Percent  uint8
}

// HMDConfiguration describes a head-mounted display attached to a tracker:
// optics, render target and the lens distortion correction mesh. The mesh
// holds DistortionMeshSize[0]*DistortionMeshSize[1] vertices, each with one
// (u,v) pair per color component.
type HMDConfiguration struct {
	TrackerIndex            uint16
	FaceDetectorButtonIndex uint16
	DisplayLatency          int32 // nanoseconds
	IPD                     float32
	EyePositions            [2][3]float32
	RenderTargetSize        [2]uint32
	DistortionMeshSize      [2]uint32
	DistortionMesh          [][3][2]float32
}

// VirtualDevice groups a subset of the flat state into one logical input
// device as presented to clients.
type VirtualDevice struct {
	Name            string
	TrackType       uint32
	RayDirection    [3]float32
	RayStart        float32
	TrackerIndex    int32
	ButtonIndices   []int32
	ButtonNames     []string
	ValuatorIndices []int32
	ValuatorNames   []string
}
