package hal

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// MaxPacketSize0 returns the control endpoint packet size used at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// LinkState is the USB 2.0 LPM link power state.
type LinkState uint8

// Link states.
const (
	LinkOn      LinkState = iota // L0: active
	LinkSleep                    // L1: LPM sleep
	LinkSuspend                  // L2: suspend
	LinkOff                      // L3: disconnected
)

// String returns the link state name.
func (l LinkState) String() string {
	switch l {
	case LinkOn:
		return "L0"
	case LinkSleep:
		return "L1"
	case LinkSuspend:
		return "L2"
	case LinkOff:
		return "L3"
	default:
		return fmt.Sprintf("L?(%d)", uint8(l))
	}
}

// EndpointConfig describes an endpoint to open on the peripheral.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacket is the wire form of a SETUP transaction as seen by the
// peripheral. The device core parses it into its own richer type.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// EventHandler receives bus events from a peripheral driver.
//
// Calls arrive from a single context (the interrupt handler chain on bare
// metal). Implementations must not block.
type EventHandler interface {
	// OnSetup delivers the 8 bytes of a SETUP transaction on EP0.
	OnSetup(packet []byte)

	// OnOutComplete reports that length bytes were written into the buffer
	// most recently queued on the OUT endpoint ep.
	OnOutComplete(ep uint8, length int)

	// OnInComplete reports that the packet most recently queued on the IN
	// endpoint ep was acknowledged by the host.
	OnInComplete(ep uint8)

	// OnReset reports a bus reset and the negotiated speed.
	OnReset(speed Speed)

	// OnLinkStateChange reports a link power state transition.
	OnLinkStateChange(state LinkState)
}

// Driver is the narrow interface the device core uses to drive a USB
// peripheral. Platform vendors implement it for their controller.
//
// QueueTransfer moves at most one packet. For IN endpoints data is the
// packet to transmit and may be empty (ZLP). For OUT endpoints data is the
// receive buffer for the next packet; the driver writes into it and reports
// the byte count through [EventHandler.OnOutComplete]. The buffer stays
// borrowed until that event.
//
// Driver methods are called from within EventHandler callbacks and must
// not call back into the handler synchronously.
type Driver interface {
	// Init prepares the controller and records the event sink.
	Init(ctx context.Context, handler EventHandler) error

	// Start attaches to the bus.
	Start() error

	// Stop detaches from the bus.
	Stop() error

	// SetAddress programs the device address. The core only calls it after
	// the status stage of SET_ADDRESS has completed.
	SetAddress(address uint8) error

	// OpenEndpoint enables an endpoint.
	OpenEndpoint(cfg EndpointConfig) error

	// CloseEndpoint disables an endpoint and drops anything queued on it.
	CloseEndpoint(address uint8) error

	// QueueTransfer queues one packet on the endpoint.
	QueueTransfer(address uint8, data []byte) error

	// Stall halts the endpoint.
	Stall(address uint8) error

	// ClearStall clears a halt condition and resets the data toggle.
	ClearStall(address uint8) error

	// RemoteWakeup signals resume to the host.
	RemoteWakeup() error
}

// EventKind identifies the type of an [Event].
type EventKind uint8

// Event kinds.
const (
	EventSetup EventKind = iota + 1
	EventOutComplete
	EventInComplete
	EventReset
	EventLinkState
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSetup:
		return "setup"
	case EventOutComplete:
		return "out"
	case EventInComplete:
		return "in"
	case EventReset:
		return "reset"
	case EventLinkState:
		return "link"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a bus event in value form, for drivers that deliver events
// over a channel instead of invoking an EventHandler directly.
type Event struct {
	Kind     EventKind
	Endpoint uint8
	Length   int
	Setup    [SetupPacketSize]byte
	Speed    Speed
	Link     LinkState
}

// Dispatch delivers e to h.
func Dispatch(h EventHandler, e *Event) error {
	switch e.Kind {
	case EventSetup:
		h.OnSetup(e.Setup[:])
	case EventOutComplete:
		h.OnOutComplete(e.Endpoint, e.Length)
	case EventInComplete:
		h.OnInComplete(e.Endpoint)
	case EventReset:
		h.OnReset(e.Speed)
	case EventLinkState:
		h.OnLinkStateChange(e.Link)
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
	return nil
}
