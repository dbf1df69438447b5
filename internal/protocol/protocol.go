// Package protocol defines the binary wire protocol between the device
// distribution server and its clients. All fields are little-endian.
// Capabilities are strictly version-gated; the negotiated version is
// min(client requested, Version).
package protocol

// Version is the highest protocol version this implementation speaks.
const Version uint32 = 8

// Minimum protocol versions unlocking each capability.
const (
	VersionVirtualDevices      uint32 = 2 // virtual device descriptors in connect reply
	VersionTimeStamps          uint32 = 3 // per-tracker time stamps and valid flags
	VersionHMDConfigurations   uint32 = 4 // HMD configurations at connect and as updates
	VersionBatteryStates       uint32 = 5 // battery states at connect and as updates
	VersionPowerHapticFeatures uint32 = 6 // power/haptic feature counts and requests
	VersionIncrementalUpdates  uint32 = 7 // per-item tracker/button/valuator streaming
	VersionHapticWaveform      uint32 = 8 // haptic ticks carry frequency and amplitude
)

// MessageID tags every message on the wire.
type MessageID uint16

const (
	ConnectRequest MessageID = iota
	ConnectReply
	ActivateRequest
	DeactivateRequest
	PacketRequest
	PacketReply
	StartStreamRequest
	StopStreamRequest
	StopStreamReply
	PowerOffRequest
	HapticTickRequest
	TrackerUpdate
	ButtonUpdate
	ValuatorUpdate
	BatteryStateUpdate
	HMDConfigUpdate
	DisconnectRequest

	numMessageIDs
)

var messageNames = [numMessageIDs]string{
	"ConnectRequest", "ConnectReply", "ActivateRequest", "DeactivateRequest",
	"PacketRequest", "PacketReply", "StartStreamRequest", "StopStreamRequest",
	"StopStreamReply", "PowerOffRequest", "HapticTickRequest", "TrackerUpdate",
	"ButtonUpdate", "ValuatorUpdate", "BatteryStateUpdate", "HMDConfigUpdate",
	"DisconnectRequest",
}

func (id MessageID) String() string {
	if id < numMessageIDs {
		return messageNames[id]
	}
	return "Unknown"
}

// RequestSize returns the payload size in bytes, excluding the message ID,
// of a client-to-server message under the given negotiated version. The
// second result is false for IDs clients never send.
func RequestSize(id MessageID, version uint32) (int, bool) {
	switch id {
	case ConnectRequest:
		return 4, true
	case ActivateRequest, DeactivateRequest, PacketRequest,
		StartStreamRequest, StopStreamRequest, DisconnectRequest:
		return 0, true
	case PowerOffRequest:
		return 2, true
	case HapticTickRequest:
		if version >= VersionHapticWaveform {
			return 2 + 2 + 2 + 1, true
		}
		return 2 + 2, true
	default:
		return 0, false
	}
}
