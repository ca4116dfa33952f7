package device

import (
	"fmt"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// EndpointState is the tracker state of one endpoint direction.
type EndpointState uint8

// Endpoint states.
const (
	EndpointDisabled  EndpointState = iota // Not opened
	EndpointIdle                           // Open, nothing in flight
	EndpointSetup                          // EP0 OUT holding a SETUP request
	EndpointDataIn                         // IN data transfer in flight
	EndpointDataOut                        // OUT data transfer in flight
	EndpointStatusIn                       // Zero-length IN status in flight
	EndpointStatusOut                      // Zero-length OUT status in flight
	EndpointStall                          // Halted
)

// String returns the state name.
func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "Disabled"
	case EndpointIdle:
		return "Idle"
	case EndpointSetup:
		return "Setup"
	case EndpointDataIn:
		return "DataIn"
	case EndpointDataOut:
		return "DataOut"
	case EndpointStatusIn:
		return "StatusIn"
	case EndpointStatusOut:
		return "StatusOut"
	case EndpointStall:
		return "Stall"
	default:
		return fmt.Sprintf("EndpointState(%d)", s)
	}
}

// Transfer is the in-flight context of an endpoint. Data is borrowed from
// the caller until the transfer completes or is aborted.
type Transfer struct {
	Data     []byte
	Length   int
	Progress int
}

// Endpoint tracks one direction of one endpoint number.
//
// Trackers are mutated only by the device core, in response to transfer API
// calls and completion events. They are not safe for concurrent use.
type Endpoint struct {
	Address       uint8  // Endpoint address including direction
	Attributes    uint8  // Transfer type and sync/usage for isochronous
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt/isochronous)

	// MaxLength bounds the length accepted by Start.
	MaxLength int

	// IfNum is the owning interface, or NoInterface.
	IfNum uint8

	State    EndpointState
	Transfer Transfer

	zlp     bool // append a zero-length packet after a full last packet
	pending int  // length of the packet last handed to the driver
}

// Open enables the tracker with the given configuration.
func (e *Endpoint) Open(cfg hal.EndpointConfig, maxLength int, ifNum uint8) {
	*e = Endpoint{
		Address:       cfg.Address,
		Attributes:    cfg.Attributes,
		MaxPacketSize: cfg.MaxPacketSize,
		Interval:      cfg.Interval,
		MaxLength:     maxLength,
		IfNum:         ifNum,
		State:         EndpointIdle,
	}
}

// Close disables the tracker and drops any transfer.
func (e *Endpoint) Close() {
	addr := e.Address
	*e = Endpoint{Address: addr, IfNum: NoInterface}
}

// Config returns the driver configuration of the endpoint.
func (e *Endpoint) Config() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       e.Address,
		Attributes:    e.Attributes,
		MaxPacketSize: e.MaxPacketSize,
		Interval:      e.Interval,
	}
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// Direction returns the endpoint direction (EndpointDirectionIn or EndpointDirectionOut).
func (e *Endpoint) Direction() uint8 {
	return e.Address & 0x80
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.Direction() == EndpointDirectionIn
}

// TransferType returns the transfer type (Control, Isochronous, Bulk, or Interrupt).
func (e *Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsBulk returns true if this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *Endpoint) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// Enabled reports whether the endpoint is open.
func (e *Endpoint) Enabled() bool {
	return e.State != EndpointDisabled
}

// Halted reports whether the endpoint is stalled.
func (e *Endpoint) Halted() bool {
	return e.State == EndpointStall
}

// Busy reports whether a transfer or status stage is in flight.
func (e *Endpoint) Busy() bool {
	switch e.State {
	case EndpointSetup, EndpointDataIn, EndpointDataOut, EndpointStatusIn, EndpointStatusOut:
		return true
	}
	return false
}

func (e *Endpoint) checkStart() error {
	switch {
	case e.Busy():
		return fmt.Errorf("endpoint 0x%02X: %w", e.Address, pkg.ErrBusy)
	case e.State == EndpointDisabled:
		return fmt.Errorf("endpoint 0x%02X disabled: %w", e.Address, pkg.ErrInvalidEndpoint)
	case e.State == EndpointStall:
		return fmt.Errorf("endpoint 0x%02X: %w", e.Address, pkg.ErrStall)
	}
	return nil
}

// Start arms the endpoint for a single data transfer of length bytes from
// or into data. A zero-length packet is appended to IN transfers whose
// last packet is full when zlp is set.
//
// Returns an error wrapping [pkg.ErrBusy] if a transfer is in flight, or
// [pkg.ErrInvalid] if the endpoint is not usable or length exceeds
// MaxLength or len(data).
func (e *Endpoint) Start(data []byte, length int, zlp bool) error {
	if err := e.checkStart(); err != nil {
		return err
	}
	if length < 0 || length > e.MaxLength || length > len(data) {
		return fmt.Errorf("endpoint 0x%02X length %d: %w", e.Address, length, pkg.ErrInvalidLength)
	}
	e.Transfer = Transfer{Data: data, Length: length}
	e.pending = 0
	e.zlp = false
	if e.IsIn() {
		e.State = EndpointDataIn
		e.zlp = zlp && length > 0 && e.MaxPacketSize > 0 && length%int(e.MaxPacketSize) == 0
	} else {
		e.State = EndpointDataOut
	}
	return nil
}

// StartStatus arms a zero-length status stage in the endpoint's direction.
func (e *Endpoint) StartStatus() error {
	if err := e.checkStart(); err != nil {
		return err
	}
	e.Transfer = Transfer{}
	e.pending = 0
	e.zlp = false
	if e.IsIn() {
		e.State = EndpointStatusIn
	} else {
		e.State = EndpointStatusOut
	}
	return nil
}

// Next returns the next packet-sized window of the transfer: the bytes to
// transmit for IN, or the receive buffer for OUT. Status stages and
// trailing ZLPs yield an empty slice.
func (e *Endpoint) Next() []byte {
	t := &e.Transfer
	if e.State != EndpointDataIn && e.State != EndpointDataOut {
		e.pending = 0
		return t.Data[:0:0]
	}
	end := t.Progress + int(e.MaxPacketSize)
	if end > t.Length || e.MaxPacketSize == 0 {
		end = t.Length
	}
	e.pending = end - t.Progress
	return t.Data[t.Progress:end]
}

// Pending returns the length of the packet last returned by Next.
func (e *Endpoint) Pending() int {
	return e.pending
}

// Advance accounts for n bytes moved by the peripheral. It returns true
// exactly once per transfer, when the transfer completes; the endpoint is
// Idle afterwards and Transfer.Progress holds the final count. Events on an
// endpoint with nothing in flight return false.
//
// An OUT transfer also completes on a short packet.
func (e *Endpoint) Advance(n int) bool {
	t := &e.Transfer
	switch e.State {
	case EndpointStatusIn, EndpointStatusOut, EndpointSetup:
		e.State = EndpointIdle
		return true

	case EndpointDataIn:
		t.Progress += n
		if t.Progress > t.Length {
			t.Progress = t.Length
		}
		if t.Progress < t.Length {
			return false
		}
		if e.zlp && n > 0 {
			e.zlp = false
			return false
		}
		e.State = EndpointIdle
		return true

	case EndpointDataOut:
		t.Progress += n
		if t.Progress > t.Length {
			t.Progress = t.Length
		}
		if t.Progress < t.Length && n >= int(e.MaxPacketSize) {
			return false
		}
		e.State = EndpointIdle
		return true
	}
	return false
}

// Abort drops any in-flight transfer and returns the endpoint to Idle.
// It never signals completion. Aborting an idle, stalled, or disabled
// endpoint has no effect.
func (e *Endpoint) Abort() {
	if !e.Busy() {
		return
	}
	pkg.LogTrace(pkg.ComponentEndpoint, "transfer aborted",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"state", e.State.String(),
		"progress", e.Transfer.Progress)
	e.State = EndpointIdle
	e.Transfer = Transfer{}
	e.pending = 0
	e.zlp = false
}

// Stall halts an enabled endpoint, dropping any transfer.
func (e *Endpoint) Stall() {
	if e.State == EndpointDisabled {
		return
	}
	e.Abort()
	e.State = EndpointStall
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stalled",
		"address", fmt.Sprintf("0x%02X", e.Address))
}

// ClearStall returns a halted endpoint to Idle.
func (e *Endpoint) ClearStall() {
	if e.State != EndpointStall {
		return
	}
	e.State = EndpointIdle
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stall cleared",
		"address", fmt.Sprintf("0x%02X", e.Address))
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeIsochronous:
		return "Isochronous"
	case EndpointTypeBulk:
		return "Bulk"
	default:
		return "Interrupt"
	}
}

// DirectionName returns a human-readable direction name.
func DirectionName(dir uint8) string {
	if dir&EndpointDirectionIn != 0 {
		return "IN"
	}
	return "OUT"
}
