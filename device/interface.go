package device

import (
	"fmt"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Interface is one registered class instance. It occupies exactly one
// interface number in the configuration.
type Interface struct {
	// Class is the class driver. Its capabilities are resolved at
	// registration and never re-read.
	Class Class

	// AltCount is the number of alternate settings (at least 1).
	AltCount uint8

	// AltSelector is the active alternate setting, always below AltCount.
	// Only SET_INTERFACE and bus reset change it.
	AltSelector uint8

	device *Device
	num    uint8
	caps   capabilities
}

// NewInterface returns an unregistered interface for class with altCount
// alternate settings.
func NewInterface(class Class, altCount uint8) *Interface {
	return &Interface{Class: class, AltCount: altCount}
}

// Number returns the interface number assigned at registration.
func (i *Interface) Number() uint8 {
	return i.num
}

// Device returns the owning device, or nil before registration.
func (i *Interface) Device() *Device {
	return i.device
}

// Registered reports whether the interface belongs to a device.
func (i *Interface) Registered() bool {
	return i.device != nil
}

// Supports reports whether the class implements the capability.
func (i *Interface) Supports(c Capability) bool {
	return i.caps.has(c)
}

// StringIndex returns the device string index routed to this interface's
// internal string intNum.
func (i *Interface) StringIndex(intNum uint8) uint8 {
	return InterfaceStringIndex(i.num, intNum)
}

// Register appends iface to the registry and assigns it the next interface
// number. It fails with an error wrapping [pkg.ErrInvalid] when the
// registry is full, when iface is nil, already registered, or has no
// alternate settings, or when the device is configured. The interface
// count is unchanged on failure.
func (d *Device) Register(iface *Interface) error {
	switch {
	case iface == nil:
		return fmt.Errorf("register nil interface: %w", pkg.ErrInvalidParameter)
	case iface.device != nil:
		return fmt.Errorf("interface %d already registered: %w", iface.num, pkg.ErrInvalidInterface)
	case iface.AltCount == 0:
		return fmt.Errorf("interface has no alternate settings: %w", pkg.ErrInvalidParameter)
	case d.configSelector != 0:
		return fmt.Errorf("register while configured: %w", pkg.ErrInvalidState)
	case d.ifCount >= MaxInterfaceCount:
		return fmt.Errorf("register interface %d of %d: %w", d.ifCount+1, MaxInterfaceCount, pkg.ErrNoMemory)
	}

	iface.device = d
	iface.num = uint8(d.ifCount)
	iface.AltSelector = 0
	iface.caps = resolveCapabilities(iface.Class)
	d.interfaces[d.ifCount] = iface
	d.ifCount++

	pkg.LogDebug(pkg.ComponentInterface, "interface registered",
		"interface", iface.num,
		"class", fmt.Sprintf("%T", iface.Class),
		"alternates", iface.AltCount)
	return nil
}

// Resolve returns the interface registered under ifNum.
func (d *Device) Resolve(ifNum uint8) (*Interface, error) {
	if int(ifNum) >= d.ifCount {
		return nil, fmt.Errorf("interface %d of %d: %w", ifNum, d.ifCount, pkg.ErrInvalidInterface)
	}
	return d.interfaces[ifNum], nil
}

// IfCount returns the number of registered interfaces.
func (d *Device) IfCount() int {
	return d.ifCount
}

// Interfaces returns the registered interfaces in interface-number order.
// The slice aliases the registry and must not be modified.
func (d *Device) Interfaces() []*Interface {
	return d.interfaces[:d.ifCount]
}

// Dispatch invokes capability c of interface ifNum. Descriptor and string
// queries use [Device.InterfaceDescriptor] and [Device.InterfaceString].
//
// A missing capability returns an error wrapping [pkg.ErrNotSupported].
// For [CapOutData] and [CapInData], ep is the completed endpoint.
func (d *Device) Dispatch(c Capability, ifNum uint8, ep *Endpoint) error {
	iface, err := d.Resolve(ifNum)
	if err != nil {
		return err
	}
	if !iface.caps.has(c) {
		return fmt.Errorf("interface %d %s: %w", ifNum, c, pkg.ErrNotSupported)
	}

	switch c {
	case CapInit:
		iface.caps.init.Init(iface)
	case CapDeinit:
		iface.caps.deinit.Deinit(iface)
	case CapSetup:
		return iface.caps.setup.SetupStage(iface, &d.setup)
	case CapDataStage:
		iface.caps.dataStage.DataStage(iface)
	case CapOutData:
		iface.caps.out.OutData(iface, ep)
	case CapInData:
		iface.caps.in.InData(iface, ep)
	default:
		return fmt.Errorf("dispatch %s: %w", c, pkg.ErrInvalidParameter)
	}
	return nil
}

// InterfaceDescriptor asks interface ifNum for its configuration descriptor
// fragment. Interfaces without the capability contribute nothing.
func (d *Device) InterfaceDescriptor(ifNum uint8, dest []byte) (int, error) {
	iface, err := d.Resolve(ifNum)
	if err != nil {
		return 0, err
	}
	if iface.caps.descriptor == nil {
		return 0, nil
	}
	n := iface.caps.descriptor.GetDescriptor(iface, ifNum, dest)
	if n < 0 || n > len(dest) {
		return 0, fmt.Errorf("interface %d descriptor length %d: %w", ifNum, n, pkg.ErrBufferTooSmall)
	}
	return n, nil
}

// InterfaceString asks interface ifNum for its internal string intNum.
func (d *Device) InterfaceString(ifNum, intNum uint8) (string, error) {
	iface, err := d.Resolve(ifNum)
	if err != nil {
		return "", err
	}
	if iface.caps.str == nil {
		return "", fmt.Errorf("interface %d strings: %w", ifNum, pkg.ErrNotSupported)
	}
	s := iface.caps.str.GetString(iface, intNum)
	if s == "" {
		return "", fmt.Errorf("interface %d string %d: %w", ifNum, intNum, pkg.ErrInvalidRequest)
	}
	return s, nil
}

// Setup returns the request currently being processed on EP0.
func (i *Interface) Setup() *SetupPacket {
	return &i.device.setup
}

// ControlBuffer returns the EP0 scratch buffer. A SetupStage handler may
// build its response here and pass a prefix to [Interface.ControlIn].
func (i *Interface) ControlBuffer() []byte {
	return i.device.ctrl[:]
}

// ControlIn stages the response of the device-to-host request currently in
// SetupStage. data is borrowed until the data stage completes and is
// truncated to wLength.
func (i *Interface) ControlIn(data []byte) error {
	d := i.device
	if d == nil {
		return errUnregistered
	}
	if d.ctl.stage != StageSetupReceived || d.ctl.owner != i || !d.setup.IsDeviceToHost() {
		return fmt.Errorf("interface %d control response outside setup stage: %w", i.num, pkg.ErrInvalidState)
	}
	d.ctl.response = data
	d.ctl.staged = true
	return nil
}

// ControlData returns the bytes received in the host-to-device data stage.
// It is valid during DataStage.
func (i *Interface) ControlData() []byte {
	return i.device.ctrl[:i.device.ctl.received]
}

// OpenEndpoint enables a non-control endpoint owned by this interface.
// maxLength bounds transfer lengths; zero selects [MaxTransferLength].
func (i *Interface) OpenEndpoint(cfg hal.EndpointConfig, maxLength int) error {
	d := i.device
	if d == nil {
		return errUnregistered
	}
	ep := d.endpoint(cfg.Address)
	if ep == nil || cfg.Number() == 0 {
		return fmt.Errorf("open endpoint 0x%02X: %w", cfg.Address, pkg.ErrInvalidEndpoint)
	}
	if ep.Enabled() && ep.IfNum != i.num {
		return fmt.Errorf("endpoint 0x%02X owned by interface %d: %w", cfg.Address, ep.IfNum, pkg.ErrInvalidEndpoint)
	}
	if maxLength <= 0 {
		maxLength = MaxTransferLength
	}
	if err := d.driver.OpenEndpoint(cfg); err != nil {
		return fmt.Errorf("%w: open endpoint 0x%02X: %w", pkg.ErrDriver, cfg.Address, err)
	}
	ep.Open(cfg, maxLength, i.num)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint opened",
		"interface", i.num,
		"address", fmt.Sprintf("0x%02X", cfg.Address),
		"type", TransferTypeName(cfg.Attributes),
		"maxPacket", cfg.MaxPacketSize)
	return nil
}

// CloseEndpoint disables an endpoint owned by this interface, aborting any
// transfer without completion.
func (i *Interface) CloseEndpoint(addr uint8) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	i.device.closeEndpoint(ep)
	return nil
}

// Endpoint returns the tracker of an endpoint owned by this interface, or
// nil. Callers must treat it as read-only.
func (i *Interface) Endpoint(addr uint8) *Endpoint {
	ep, err := i.owned(addr)
	if err != nil {
		return nil
	}
	return ep
}

// Transmit starts an IN transfer of data on an endpoint owned by this
// interface. Bulk transfers ending on a full packet get a trailing ZLP.
func (i *Interface) Transmit(addr uint8, data []byte) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	return i.device.transmit(ep, data, ep.IsBulk())
}

// Send is [Interface.Transmit] with explicit control of the trailing ZLP.
// Protocols whose host side knows the transfer length pass zlp=false.
func (i *Interface) Send(addr uint8, data []byte, zlp bool) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	return i.device.transmit(ep, data, zlp)
}

// Receive arms an OUT transfer into buf on an endpoint owned by this
// interface. It completes when len(buf) bytes or a short packet arrive.
func (i *Interface) Receive(addr uint8, buf []byte) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	return i.device.receive(ep, buf)
}

// Stall halts an endpoint owned by this interface.
func (i *Interface) Stall(addr uint8) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	return i.device.haltEndpoint(ep, true)
}

// ClearStall clears the halt of an endpoint owned by this interface.
func (i *Interface) ClearStall(addr uint8) error {
	ep, err := i.owned(addr)
	if err != nil {
		return err
	}
	return i.device.haltEndpoint(ep, false)
}

var errUnregistered = fmt.Errorf("interface not registered: %w", pkg.ErrInvalidInterface)

func (i *Interface) owned(addr uint8) (*Endpoint, error) {
	if i.device == nil {
		return nil, errUnregistered
	}
	ep := i.device.endpoint(addr)
	if ep == nil || ep.Number() == 0 || !ep.Enabled() || ep.IfNum != i.num {
		return nil, fmt.Errorf("interface %d endpoint 0x%02X: %w", i.num, addr, pkg.ErrInvalidEndpoint)
	}
	return ep, nil
}
