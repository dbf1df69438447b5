package device

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSink counts updates and remembers the last value per slot.
type recordingSink struct {
	mu        sync.Mutex
	trackers  map[int]TrackerState
	valid     map[int]bool
	completed int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{trackers: map[int]TrackerState{}, valid: map[int]bool{}}
}

func (r *recordingSink) UpdateTracker(index int, state TrackerState, _ uint32, valid bool) {
	r.mu.Lock()
	r.trackers[index] = state
	r.valid[index] = valid
	r.mu.Unlock()
}

func (r *recordingSink) UpdateButton(int, bool)                       {}
func (r *recordingSink) UpdateValuator(int, float32)                  {}
func (r *recordingSink) UpdateBatteryState(int, BatteryState)         {}
func (r *recordingSink) UpdateHMDConfiguration(int, HMDConfiguration) {}

func (r *recordingSink) UpdateCompleted() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *recordingSink) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func TestSimulatorLayout(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		NumTrackers:  3,
		NumButtons:   8,
		NumValuators: 4,
		WithHMD:      true,
	}, newRecordingSink())

	require.Equal(t, Layout{NumTrackers: 3, NumButtons: 8, NumValuators: 4}, sim.Layout())
	require.Equal(t, 3, sim.NumBatteryStates())
	require.Equal(t, 1, sim.NumHMDConfigurations())
	require.Equal(t, 3, sim.NumPowerFeatures())
	require.Equal(t, 3, sim.NumHapticFeatures())

	// Every button and valuator belongs to exactly one virtual device.
	devices := sim.VirtualDevices()
	require.Len(t, devices, 3)
	buttons := map[int32]bool{}
	valuators := map[int32]bool{}
	for _, vd := range devices {
		require.Len(t, vd.ButtonIndices, len(vd.ButtonNames))
		for _, b := range vd.ButtonIndices {
			require.False(t, buttons[b], "button %d assigned twice", b)
			buttons[b] = true
		}
		for _, v := range vd.ValuatorIndices {
			require.False(t, valuators[v], "valuator %d assigned twice", v)
			valuators[v] = true
		}
	}
	require.Len(t, buttons, 8)
	require.Len(t, valuators, 4)

	hmd := sim.HMDConfigurations()[0]
	require.Equal(t, int(hmd.DistortionMeshSize[0]*hmd.DistortionMeshSize[1]), len(hmd.DistortionMesh))
}

func TestSimulatorProducesFrames(t *testing.T) {
	sink := newRecordingSink()
	sim := NewSimulator(SimulatorConfig{NumTrackers: 2, UpdateRate: 200}, sink)

	sim.Start()
	sim.Start() // idempotent
	require.Eventually(t, func() bool {
		return sink.completedCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	sim.Stop()
	sim.Stop()

	after := sink.completedCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, sink.completedCount(), "frames kept arriving after Stop")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.trackers, 2)
	for i, ts := range sink.trackers {
		require.True(t, sink.valid[i])
		// Trackers orbit at radius 1, fixed height.
		r := math.Hypot(float64(ts.Position[0]), float64(ts.Position[2]))
		require.InDelta(t, 1.0, r, 1e-5)
		require.Equal(t, float32(1.5), ts.Position[1])
		// Orientation stays a unit quaternion.
		var q float64
		for _, c := range ts.Orientation {
			q += float64(c) * float64(c)
		}
		require.InDelta(t, 1.0, q, 1e-5)
	}
}

func TestSimulatorFeatureRangeChecks(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{NumTrackers: 2}, newRecordingSink())

	require.NoError(t, sim.PowerOff(0))
	require.Error(t, sim.PowerOff(2))
	require.Error(t, sim.PowerOff(-1))
	require.NoError(t, sim.HapticTick(1, 10*time.Millisecond, 0, 255))
	require.Error(t, sim.HapticTick(5, 10*time.Millisecond, 0, 255))
}

func TestStateClone(t *testing.T) {
	s := NewState(Layout{NumTrackers: 1, NumButtons: 2, NumValuators: 1})
	s.Trackers[0].Position = [3]float32{1, 2, 3}
	s.Buttons[1] = true
	s.TimeStamps[0] = 99

	c := s.Clone()
	require.Equal(t, s, c)
	c.Trackers[0].Position[0] = -1
	c.Buttons[1] = false
	require.Equal(t, float32(1), s.Trackers[0].Position[0])
	require.True(t, s.Buttons[1])
	require.Equal(t, s.Layout(), c.Layout())
}
