package device

import "fmt"

// Capacity limits for the fixed-size tables of a [Device].
const (
	// MaxConfigurationCount is the number of configurations a device exposes.
	// The core never models multi-configuration devices.
	MaxConfigurationCount = 1

	// MaxInterfaceCount is the capacity of the interface registry.
	MaxInterfaceCount = 4

	// MaxEndpointCount is the number of endpoint numbers tracked per
	// direction, including EP0.
	MaxEndpointCount = 8

	// EP0MaxPacketSize is the control endpoint packet size at full and
	// high speed.
	EP0MaxPacketSize = 64

	// ControlBufferSize is the capacity of the EP0 scratch buffer. Any
	// SETUP with a larger wLength is stalled.
	ControlBufferSize = 512

	// MaxTransferLength is the default outstanding transfer limit for
	// non-control endpoints.
	MaxTransferLength = 0xFFFF
)

// NoInterface marks an endpoint that is not owned by any interface.
const NoInterface = 0xFF

// State represents the USB device state (USB 2.0 section 9.1).
type State uint8

// Device states.
const (
	StateDefault    State = iota // Reset, using the default address
	StateAddressed               // Unique address assigned
	StateConfigured              // Configuration active
	StateSuspended               // Link suspended, prior state retained
)

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateAddressed:
		return "Addressed"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// ControlStage is the stage of the endpoint-0 control transfer machine.
type ControlStage uint8

// Control stages.
const (
	StageIdle          ControlStage = iota // Waiting for SETUP
	StageSetupReceived                     // SETUP parsed, handler running
	StageNoData                            // wLength == 0, no data stage
	StageDataOut                           // Host-to-device data stage
	StageDataIn                            // Device-to-host data stage
	StageStatus                            // Zero-length status handshake
	StageStalled                           // Protocol STALL until next SETUP or reset
)

// String returns the stage name.
func (s ControlStage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageSetupReceived:
		return "SetupReceived"
	case StageNoData:
		return "NoData"
	case StageDataOut:
		return "DataOut"
	case StageDataIn:
		return "DataIn"
	case StageStatus:
		return "Status"
	case StageStalled:
		return "Stalled"
	default:
		return fmt.Sprintf("Stage(%d)", s)
	}
}
