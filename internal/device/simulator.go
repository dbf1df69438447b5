package device

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vtrack/vtrackd/internal/logger"
)

// SimulatorConfig sizes the synthetic device layout.
type SimulatorConfig struct {
	NumTrackers  int
	NumButtons   int
	NumValuators int
	UpdateRate   float64 // samples per second
	WithHMD      bool
}

// Simulator is a software device driver producing smooth synthetic tracker
// motion plus periodic button, valuator and battery changes. It lets the
// daemon run end to end without hardware and backs the integration tests.
type Simulator struct {
	cfg            SimulatorConfig
	sink           Sink
	virtualDevices []VirtualDevice
	hmds           []HMDConfiguration
	batteries      []BatteryState

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSimulator builds a simulator for cfg feeding updates into sink. The
// layout is exposed as one virtual device per tracker, with buttons and
// valuators distributed round-robin.
func NewSimulator(cfg SimulatorConfig, sink Sink) *Simulator {
	if cfg.NumTrackers < 1 {
		cfg.NumTrackers = 1
	}
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = 60
	}
	s := &Simulator{cfg: cfg, sink: sink}

	for i := 0; i < cfg.NumTrackers; i++ {
		vd := VirtualDevice{
			Name:         fmt.Sprintf("SimTracker%d", i),
			TrackType:    TrackPos | TrackDir | TrackOrient,
			RayDirection: [3]float32{0, 0, -1},
			TrackerIndex: int32(i),
		}
		for b := 0; b < cfg.NumButtons; b++ {
			if b%cfg.NumTrackers == i {
				vd.ButtonIndices = append(vd.ButtonIndices, int32(b))
				vd.ButtonNames = append(vd.ButtonNames, fmt.Sprintf("Button%d", b))
			}
		}
		for v := 0; v < cfg.NumValuators; v++ {
			if v%cfg.NumTrackers == i {
				vd.ValuatorIndices = append(vd.ValuatorIndices, int32(v))
				vd.ValuatorNames = append(vd.ValuatorNames, fmt.Sprintf("Valuator%d", v))
			}
		}
		s.virtualDevices = append(s.virtualDevices, vd)
		s.batteries = append(s.batteries, BatteryState{Charging: false, Percent: 100})
	}

	if cfg.WithHMD {
		s.hmds = append(s.hmds, HMDConfiguration{
			TrackerIndex:            0,
			FaceDetectorButtonIndex: 0,
			DisplayLatency:          11111111, // one 90Hz frame
			IPD:                     0.063,
			EyePositions:            [2][3]float32{{-0.0315, 0, 0}, {0.0315, 0, 0}},
			RenderTargetSize:        [2]uint32{1512, 1680},
			DistortionMeshSize:      [2]uint32{2, 2},
			DistortionMesh: [][3][2]float32{
				{{0, 0}, {0, 0}, {0, 0}},
				{{1, 0}, {1, 0}, {1, 0}},
				{{0, 1}, {0, 1}, {0, 1}},
				{{1, 1}, {1, 1}, {1, 1}},
			},
		})
	}
	return s
}

func (s *Simulator) Layout() Layout {
	return Layout{
		NumTrackers:  s.cfg.NumTrackers,
		NumButtons:   s.cfg.NumButtons,
		NumValuators: s.cfg.NumValuators,
	}
}

func (s *Simulator) VirtualDevices() []VirtualDevice { return s.virtualDevices }
func (s *Simulator) NumBatteryStates() int           { return len(s.batteries) }
func (s *Simulator) NumHMDConfigurations() int       { return len(s.hmds) }
func (s *Simulator) NumPowerFeatures() int           { return len(s.batteries) }
func (s *Simulator) NumHapticFeatures() int          { return s.cfg.NumTrackers }

// HMDConfigurations returns the initial HMD setups for publication at
// server start.
func (s *Simulator) HMDConfigurations() []HMDConfiguration { return s.hmds }

// Start begins the sampling goroutine. Idempotent while running.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.sample(s.stop)
	logger.Debugf("simulator started at %.0f Hz", s.cfg.UpdateRate)
}

// Stop halts sampling and waits for the goroutine to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
	logger.Debug("simulator stopped")
}

func (s *Simulator) PowerOff(featureIndex int) error {
	if featureIndex < 0 || featureIndex >= len(s.batteries) {
		return fmt.Errorf("power feature %d out of range", featureIndex)
	}
	logger.Infof("simulator: power off device %d", featureIndex)
	return nil
}

func (s *Simulator) HapticTick(featureIndex int, duration time.Duration, frequency uint16, amplitude uint8) error {
	if featureIndex < 0 || featureIndex >= s.cfg.NumTrackers {
		return fmt.Errorf("haptic feature %d out of range", featureIndex)
	}
	logger.Debugf("simulator: haptic tick on %d for %v (%d Hz, amplitude %d)",
		featureIndex, duration, frequency, amplitude)
	return nil
}

func (s *Simulator) sample(stop chan struct{}) {
	defer s.wg.Done()

	period := time.Duration(float64(time.Second) / s.cfg.UpdateRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	frame := 0
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.emitFrame(now.Sub(start), frame)
			frame++
		}
	}
}

// emitFrame writes one consistent snapshot: trackers orbit the origin at
// staggered phases, buttons toggle about once a second, valuators sweep a
// sine, and batteries drain a percent every few seconds.
func (s *Simulator) emitFrame(elapsed time.Duration, frame int) {
	t := elapsed.Seconds()
	stamp := uint32(elapsed.Microseconds())

	for i := 0; i < s.cfg.NumTrackers; i++ {
		phase := t + float64(i)*2*math.Pi/float64(s.cfg.NumTrackers)
		ts := TrackerState{
			Position: [3]float32{
				float32(math.Cos(phase)),
				1.5,
				float32(math.Sin(phase)),
			},
			Orientation:     [4]float32{0, float32(math.Sin(phase / 2)), 0, float32(math.Cos(phase / 2))},
			LinearVelocity:  [3]float32{float32(-math.Sin(phase)), 0, float32(math.Cos(phase))},
			AngularVelocity: [3]float32{0, 1, 0},
		}
		s.sink.UpdateTracker(i, ts, stamp, true)
	}

	framesPerSecond := int(s.cfg.UpdateRate)
	if framesPerSecond < 1 {
		framesPerSecond = 1
	}
	if s.cfg.NumButtons > 0 && frame%framesPerSecond == 0 {
		b := (frame / framesPerSecond) % s.cfg.NumButtons
		s.sink.UpdateButton(b, (frame/framesPerSecond)%2 == 0)
	}
	for v := 0; v < s.cfg.NumValuators; v++ {
		s.sink.UpdateValuator(v, float32(math.Sin(t+float64(v))))
	}
	s.sink.UpdateCompleted()

	if frame > 0 && frame%(framesPerSecond*5) == 0 {
		for i := range s.batteries {
			if s.batteries[i].Percent > 0 {
				s.batteries[i].Percent--
			}
			s.sink.UpdateBatteryState(i, s.batteries[i])
		}
	}
}
