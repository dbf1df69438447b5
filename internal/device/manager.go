package device

import "time"

// Manager is the driver side of the distribution server: it describes the
// device layout and accepts control requests. Start and Stop bracket device
// sampling and are called by the server as the first client activates and
// the last one deactivates.
type Manager interface {
	Layout() Layout
	VirtualDevices() []VirtualDevice
	NumBatteryStates() int
	NumHMDConfigurations() int
	NumPowerFeatures() int
	NumHapticFeatures() int

	Start()
	Stop()
	PowerOff(featureIndex int) error
	HapticTick(featureIndex int, duration time.Duration, frequency uint16, amplitude uint8) error
}

// Sink receives device updates from a driver. Implementations must be safe
// to call from the driver's sampling goroutine. A driver reports any number
// of per-item updates followed by one UpdateCompleted marking a consistent
// snapshot.
type Sink interface {
	UpdateTracker(index int, state TrackerState, timeStamp uint32, valid bool)
	UpdateButton(index int, pressed bool)
	UpdateValuator(index int, value float32)
	UpdateCompleted()
	UpdateBatteryState(deviceIndex int, state BatteryState)
	UpdateHMDConfiguration(hmdIndex int, config HMDConfiguration)
}
