package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbd/device/hal"
)

// MaxEndpoints is the number of endpoint numbers per direction.
const MaxEndpoints = 16

// Errors reported to the host side of the bus.
var (
	ErrStalled        = errors.New("sim: endpoint stalled")
	ErrNAK            = errors.New("sim: endpoint not ready")
	ErrNotOpen        = errors.New("sim: endpoint not open")
	ErrPacketSize     = errors.New("sim: packet exceeds max packet size")
	ErrBusy           = errors.New("sim: packet already queued")
	ErrNotInitialized = errors.New("sim: driver not initialized")
)

// Call is one Driver method invocation recorded by the bus.
type Call struct {
	Op      string
	Address uint8
	Length  int
}

// String returns a compact form of the call.
func (c Call) String() string {
	return fmt.Sprintf("%s(0x%02X, %d)", c.Op, c.Address, c.Length)
}

type endpoint struct {
	cfg     hal.EndpointConfig
	open    bool
	stalled bool
	queued  bool
	packet  []byte // IN: copy of the queued packet; OUT: borrowed receive buffer
}

// Bus is an in-memory USB bus. Its Driver half is handed to the device core;
// its host half (Reset, Control, WriteOut, ReadIn, ...) plays the host.
//
// Host methods never hold the bus lock while calling the event handler, so
// the core may call back into the Driver from within its handlers.
type Bus struct {
	mutex   sync.Mutex
	handler hal.EventHandler
	ctx     context.Context
	started bool
	address uint8
	wakeups int

	out [MaxEndpoints]endpoint
	in  [MaxEndpoints]endpoint

	calls []Call
}

var _ hal.Driver = (*Bus)(nil)

// New creates an idle bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) ep(addr uint8) *endpoint {
	num := addr & 0x0F
	if addr&0x80 != 0 {
		return &b.in[num]
	}
	return &b.out[num]
}

func (b *Bus) record(op string, addr uint8, length int) {
	b.calls = append(b.calls, Call{Op: op, Address: addr, Length: length})
}

// Init implements [hal.Driver].
func (b *Bus) Init(ctx context.Context, handler hal.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("sim: nil event handler")
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ctx = ctx
	b.handler = handler
	b.record("Init", 0, 0)
	return nil
}

// Start implements [hal.Driver].
func (b *Bus) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.handler == nil {
		return ErrNotInitialized
	}
	b.started = true
	b.record("Start", 0, 0)
	return nil
}

// Stop implements [hal.Driver].
func (b *Bus) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.started = false
	b.record("Stop", 0, 0)
	return nil
}

// SetAddress implements [hal.Driver].
func (b *Bus) SetAddress(address uint8) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.address = address
	b.record("SetAddress", address, 0)
	return nil
}

// OpenEndpoint implements [hal.Driver].
func (b *Bus) OpenEndpoint(cfg hal.EndpointConfig) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	*b.ep(cfg.Address) = endpoint{cfg: cfg, open: true}
	b.record("OpenEndpoint", cfg.Address, int(cfg.MaxPacketSize))
	return nil
}

// CloseEndpoint implements [hal.Driver].
func (b *Bus) CloseEndpoint(address uint8) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	*b.ep(address) = endpoint{}
	b.record("CloseEndpoint", address, 0)
	return nil
}

// QueueTransfer implements [hal.Driver]. IN packets are copied; OUT
// buffers stay borrowed until the host writes into them.
func (b *Bus) QueueTransfer(address uint8, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.record("QueueTransfer", address, len(data))

	ep := b.ep(address)
	switch {
	case !ep.open:
		return ErrNotOpen
	case ep.stalled:
		return ErrStalled
	case ep.queued:
		return ErrBusy
	}
	if address&0x80 != 0 {
		if len(data) > int(ep.cfg.MaxPacketSize) {
			return ErrPacketSize
		}
		ep.packet = append(ep.packet[:0], data...)
	} else {
		ep.packet = data
	}
	ep.queued = true
	return nil
}

// Stall implements [hal.Driver].
func (b *Bus) Stall(address uint8) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ep := b.ep(address)
	ep.stalled = true
	ep.queued = false
	b.record("Stall", address, 0)
	return nil
}

// ClearStall implements [hal.Driver].
func (b *Bus) ClearStall(address uint8) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ep(address).stalled = false
	b.record("ClearStall", address, 0)
	return nil
}

// RemoteWakeup implements [hal.Driver].
func (b *Bus) RemoteWakeup() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.wakeups++
	b.record("RemoteWakeup", 0, 0)
	return nil
}

// Address returns the address last programmed by the device.
func (b *Bus) Address() uint8 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.address
}

// Started reports whether the device attached to the bus.
func (b *Bus) Started() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.started
}

// RemoteWakeups returns the number of remote wakeup signals.
func (b *Bus) RemoteWakeups() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.wakeups
}

// Stalled reports whether the endpoint is halted.
func (b *Bus) Stalled(address uint8) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.ep(address).stalled
}

// Opened returns the configuration of an open endpoint.
func (b *Bus) Opened(address uint8) (hal.EndpointConfig, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ep := b.ep(address)
	return ep.cfg, ep.open
}

// Queued reports whether a packet or receive buffer is armed.
func (b *Bus) Queued(address uint8) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.ep(address).queued
}

// Calls returns a copy of the recorded Driver calls.
func (b *Bus) Calls() []Call {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]Call(nil), b.calls...)
}

// ResetCalls discards the recorded Driver calls.
func (b *Bus) ResetCalls() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.calls = b.calls[:0]
}

func (b *Bus) sink() (hal.EventHandler, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.handler == nil {
		return nil, ErrNotInitialized
	}
	return b.handler, nil
}

// Reset signals a bus reset at speed. The address and every endpoint
// halt and queued packet are cleared before the device is notified.
func (b *Bus) Reset(speed hal.Speed) error {
	h, err := b.sink()
	if err != nil {
		return err
	}
	b.mutex.Lock()
	b.address = 0
	for num := range b.in {
		b.in[num].stalled, b.in[num].queued = false, false
		b.out[num].stalled, b.out[num].queued = false, false
	}
	b.mutex.Unlock()

	h.OnReset(speed)
	return nil
}

// Setup delivers a SETUP packet. Like hardware, it clears the EP0 halt and
// flushes anything queued on EP0.
func (b *Bus) Setup(setup hal.SetupPacket) error {
	h, err := b.sink()
	if err != nil {
		return err
	}
	b.mutex.Lock()
	for _, ep := range []*endpoint{&b.in[0], &b.out[0]} {
		ep.stalled, ep.queued = false, false
	}
	b.mutex.Unlock()

	var buf [hal.SetupPacketSize]byte
	setup.MarshalTo(buf[:])
	h.OnSetup(buf[:])
	return nil
}

// WriteOut sends one OUT data packet to endpoint address.
func (b *Bus) WriteOut(address uint8, packet []byte) error {
	address &^= 0x80
	h, err := b.sink()
	if err != nil {
		return err
	}

	b.mutex.Lock()
	ep := b.ep(address)
	switch {
	case !ep.open:
		b.mutex.Unlock()
		return ErrNotOpen
	case ep.stalled:
		b.mutex.Unlock()
		return ErrStalled
	case len(packet) > int(ep.cfg.MaxPacketSize):
		b.mutex.Unlock()
		return ErrPacketSize
	case !ep.queued:
		b.mutex.Unlock()
		return ErrNAK
	}
	n := copy(ep.packet, packet)
	ep.queued = false
	ep.packet = nil
	b.mutex.Unlock()

	h.OnOutComplete(address, n)
	return nil
}

// ReadIn takes the packet queued on IN endpoint address and acknowledges it.
func (b *Bus) ReadIn(address uint8) ([]byte, error) {
	address |= 0x80
	h, err := b.sink()
	if err != nil {
		return nil, err
	}

	b.mutex.Lock()
	ep := b.ep(address)
	switch {
	case !ep.open:
		b.mutex.Unlock()
		return nil, ErrNotOpen
	case ep.stalled:
		b.mutex.Unlock()
		return nil, ErrStalled
	case !ep.queued:
		b.mutex.Unlock()
		return nil, ErrNAK
	}
	packet := append([]byte(nil), ep.packet...)
	ep.queued = false
	b.mutex.Unlock()

	h.OnInComplete(address)
	return packet, nil
}

// Write sends data to OUT endpoint address as a sequence of max-size
// packets. An empty data sends a single ZLP.
func (b *Bus) Write(address uint8, data []byte) error {
	mps := b.maxPacket(address &^ 0x80)
	if mps == 0 {
		return ErrNotOpen
	}
	for {
		n := min(len(data), mps)
		if err := b.WriteOut(address, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}
}

// Read collects IN packets from endpoint address until a short packet or
// until limit bytes have been read.
func (b *Bus) Read(address uint8, limit int) ([]byte, error) {
	mps := b.maxPacket(address | 0x80)
	if mps == 0 {
		return nil, ErrNotOpen
	}
	var data []byte
	for {
		packet, err := b.ReadIn(address)
		if err != nil {
			return data, err
		}
		data = append(data, packet...)
		if len(packet) < mps || len(data) >= limit {
			return data, nil
		}
	}
}

func (b *Bus) maxPacket(address uint8) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ep := b.ep(address)
	if !ep.open {
		return 0
	}
	return int(ep.cfg.MaxPacketSize)
}

func (b *Bus) ep0Stalled() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.in[0].stalled || b.out[0].stalled
}

// Control runs a complete control transfer: SETUP, the data stage in the
// direction given by bmRequestType, and the status stage. For
// host-to-device requests data is sent in the data stage; for
// device-to-host requests the received bytes are returned. A halted EP0
// yields [ErrStalled].
func (b *Bus) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if err := b.Setup(setup); err != nil {
		return nil, err
	}
	if b.ep0Stalled() {
		return nil, ErrStalled
	}

	var resp []byte
	deviceToHost := setup.RequestType&0x80 != 0
	switch {
	case setup.Length == 0:
	case deviceToHost:
		mps := b.maxPacket(0x80)
		for {
			packet, err := b.ReadIn(0x80)
			if err != nil {
				return resp, err
			}
			resp = append(resp, packet...)
			if len(packet) < mps || len(resp) >= int(setup.Length) {
				break
			}
		}
		if b.ep0Stalled() {
			return resp, ErrStalled
		}
		if err := b.WriteOut(0x00, nil); err != nil {
			return resp, fmt.Errorf("status stage: %w", err)
		}
		return resp, b.checkEP0()
	default:
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		if err := b.Write(0x00, data); err != nil {
			return nil, err
		}
		if b.ep0Stalled() {
			return nil, ErrStalled
		}
	}

	if _, err := b.ReadIn(0x80); err != nil {
		return resp, fmt.Errorf("status stage: %w", err)
	}
	return resp, b.checkEP0()
}

func (b *Bus) checkEP0() error {
	if b.ep0Stalled() {
		return ErrStalled
	}
	return nil
}

// Suspend moves the link to L2.
func (b *Bus) Suspend() error { return b.link(hal.LinkSuspend) }

// Sleep moves the link to L1.
func (b *Bus) Sleep() error { return b.link(hal.LinkSleep) }

// Resume moves the link to L0.
func (b *Bus) Resume() error { return b.link(hal.LinkOn) }

// Disconnect moves the link to L3.
func (b *Bus) Disconnect() error { return b.link(hal.LinkOff) }

func (b *Bus) link(state hal.LinkState) error {
	h, err := b.sink()
	if err != nil {
		return err
	}
	h.OnLinkStateChange(state)
	return nil
}

// Enumeration holds the descriptors read while enumerating a device.
type Enumeration struct {
	Address       uint8
	Device        []byte
	Configuration []byte
}

// Enumerate performs the standard host enumeration sequence: reset, a
// short device descriptor read, SET_ADDRESS, full device and configuration
// descriptor reads, and SET_CONFIGURATION with the first configuration.
func (b *Bus) Enumerate(speed hal.Speed, address uint8) (*Enumeration, error) {
	if err := b.Reset(speed); err != nil {
		return nil, err
	}

	var e Enumeration
	get := func(descType uint8, length uint16) ([]byte, error) {
		return b.Control(hal.SetupPacket{
			RequestType: 0x80,
			Request:     0x06,
			Value:       uint16(descType) << 8,
			Length:      length,
		}, nil)
	}

	if _, err := get(0x01, 8); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if _, err := b.Control(hal.SetupPacket{Request: 0x05, Value: uint16(address)}, nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	e.Address = address

	dev, err := get(0x01, 18)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	e.Device = dev

	head, err := get(0x02, 9)
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if len(head) < 4 {
		return nil, fmt.Errorf("configuration descriptor: short read of %d bytes", len(head))
	}
	conf, err := get(0x02, binary.LittleEndian.Uint16(head[2:4]))
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	e.Configuration = conf

	if _, err := b.Control(hal.SetupPacket{Request: 0x09, Value: 1}, nil); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}
	return &e, nil
}
