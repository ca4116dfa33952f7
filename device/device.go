package device

import (
	"fmt"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Device is the protocol core of one USB peripheral.
//
// A Device is driven by a single writer: the peripheral driver's event
// chain, plus class callbacks invoked synchronously from it. It performs no
// locking. Use [Stack] when events and application calls come from
// different goroutines.
type Device struct {
	desc   *Description
	driver hal.Driver

	langID    uint16
	highSpeed bool
	class     [3]uint8
	classSet  bool

	setup SetupPacket
	ctrl  [ControlBufferSize]byte
	ctl   control

	link           hal.LinkState
	speed          hal.Speed
	features       Features
	configSelector uint8
	state          State
	prevState      State
	address        uint8

	interfaces [MaxInterfaceCount]*Interface
	ifCount    int

	in  [MaxEndpointCount]Endpoint
	out [MaxEndpointCount]Endpoint

	onStateChange func(old, new State)
	onStage       func(old, new ControlStage)
}

// Option configures a [Device].
type Option func(*Device)

// WithLangID sets the language ID reported in string descriptor zero.
func WithLangID(id uint16) Option {
	return func(d *Device) { d.langID = id }
}

// WithHighSpeed marks the device high-speed capable, enabling the device
// qualifier descriptor.
func WithHighSpeed() Option {
	return func(d *Device) { d.highSpeed = true }
}

// WithDeviceClass overrides the class triple of the device descriptor.
// Without it, devices with more than one interface report the IAD triple
// (0xEF, 0x02, 0x01) and single-interface devices report zero.
func WithDeviceClass(class, subClass, protocol uint8) Option {
	return func(d *Device) {
		d.class = [3]uint8{class, subClass, protocol}
		d.classSet = true
	}
}

// New creates a device for desc driven through driver. desc is referenced,
// not copied, and must outlive the device.
func New(desc *Description, driver hal.Driver, opts ...Option) (*Device, error) {
	if desc == nil || driver == nil {
		return nil, fmt.Errorf("new device: %w", pkg.ErrInvalidParameter)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		desc:   desc,
		driver: driver,
		langID: LangIDUSEnglish,
		link:   hal.LinkOff,
		state:  StateDefault,
	}
	for _, opt := range opts {
		opt(d)
	}
	for num := range d.in {
		d.in[num] = Endpoint{Address: EndpointDirectionIn | uint8(num), IfNum: NoInterface}
		d.out[num] = Endpoint{Address: uint8(num), IfNum: NoInterface}
	}
	d.features = d.features.With(FeatureSelfPowered, desc.Config.Attributes.SelfPowered())
	return d, nil
}

// Description returns the device description.
func (d *Device) Description() *Description {
	return d.desc
}

// Driver returns the peripheral driver.
func (d *Device) Driver() hal.Driver {
	return d.driver
}

// State returns the current device state.
func (d *Device) State() State {
	return d.state
}

// Address returns the device address applied to the peripheral.
func (d *Device) Address() uint8 {
	return d.address
}

// Speed returns the speed negotiated at the last bus reset.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// LinkState returns the last notified link state.
func (d *Device) LinkState() hal.LinkState {
	return d.link
}

// Features returns the feature flags reported by GET_STATUS.
func (d *Device) Features() Features {
	return d.features
}

// ConfigSelector returns the active configuration value, 0 if none.
func (d *Device) ConfigSelector() uint8 {
	return d.configSelector
}

// Configured reports whether a configuration is active. It stays true
// while a configured device is suspended.
func (d *Device) Configured() bool {
	return d.configSelector != 0
}

// Endpoint returns the tracker for addr, or nil if addr is out of range.
// Callers must treat it as read-only.
func (d *Device) Endpoint(addr uint8) *Endpoint {
	return d.endpoint(addr)
}

// OnStateChange registers fn to observe device state transitions.
func (d *Device) OnStateChange(fn func(old, new State)) {
	d.onStateChange = fn
}

// SetSelfPowered updates the self-powered status bit.
func (d *Device) SetSelfPowered(on bool) {
	d.features = d.features.With(FeatureSelfPowered, on)
}

// RemoteWakeup signals resume to the host. It is only valid while
// suspended with remote wakeup enabled by the host.
func (d *Device) RemoteWakeup() error {
	if d.state != StateSuspended || !d.features.RemoteWakeup() {
		return fmt.Errorf("remote wakeup in %s: %w", d.state, pkg.ErrInvalidState)
	}
	if err := d.driver.RemoteWakeup(); err != nil {
		return fmt.Errorf("%w: remote wakeup: %w", pkg.ErrDriver, err)
	}
	pkg.LogDebug(pkg.ComponentDevice, "remote wakeup signalled")
	return nil
}

// Close deactivates the configuration and disables every endpoint.
func (d *Device) Close() {
	d.deconfigure()
	d.abortControl()
	for num := range d.in {
		d.closeEndpoint(&d.in[num])
		d.closeEndpoint(&d.out[num])
	}
	d.configSelector = 0
	d.setState(StateDefault)
}

func (d *Device) setState(s State) {
	old := d.state
	d.state = s
	if old == s {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "device state changed",
		"from", old.String(),
		"to", s.String())
	if d.onStateChange != nil {
		d.onStateChange(old, s)
	}
}

func (d *Device) endpoint(addr uint8) *Endpoint {
	num := addr & 0x0F
	if addr&0x70 != 0 || num >= MaxEndpointCount {
		return nil
	}
	if addr&EndpointDirectionIn != 0 {
		return &d.in[num]
	}
	return &d.out[num]
}

func (d *Device) closeEndpoint(ep *Endpoint) {
	if !ep.Enabled() {
		return
	}
	ep.Abort()
	if err := d.driver.CloseEndpoint(ep.Address); err != nil {
		pkg.LogWarn(pkg.ComponentEndpoint, "close endpoint failed",
			"address", fmt.Sprintf("0x%02X", ep.Address),
			"error", err)
	}
	ep.Close()
}

func (d *Device) haltEndpoint(ep *Endpoint, halt bool) error {
	var err error
	if halt {
		ep.Stall()
		err = d.driver.Stall(ep.Address)
	} else {
		ep.ClearStall()
		err = d.driver.ClearStall(ep.Address)
	}
	if err != nil {
		return fmt.Errorf("%w: halt endpoint 0x%02X: %w", pkg.ErrDriver, ep.Address, err)
	}
	return nil
}

func (d *Device) openControl() {
	mps := d.speed.MaxPacketSize0()
	for _, ep := range []*Endpoint{&d.out[0], &d.in[0]} {
		cfg := hal.EndpointConfig{
			Address:       ep.Address,
			Attributes:    EndpointTypeControl,
			MaxPacketSize: mps,
		}
		ep.Open(cfg, ControlBufferSize, NoInterface)
		if err := d.driver.OpenEndpoint(cfg); err != nil {
			pkg.LogError(pkg.ComponentDevice, "open control endpoint failed",
				"address", fmt.Sprintf("0x%02X", ep.Address),
				"error", err)
		}
	}
}

// OnReset handles a bus reset: every transfer is aborted, the active
// configuration is torn down, and the device returns to Default with
// address 0 and EP0 reopened at the negotiated speed.
func (d *Device) OnReset(speed hal.Speed) {
	pkg.LogDebug(pkg.ComponentDevice, "bus reset", "speed", speed.String())

	d.deconfigure()
	d.abortControl()
	for num := 1; num < MaxEndpointCount; num++ {
		d.in[num].Abort()
		d.out[num].Abort()
	}
	for _, iface := range d.Interfaces() {
		iface.AltSelector = 0
	}

	d.configSelector = 0
	d.address = 0
	d.features = d.features.With(FeatureRemoteWakeup, false)
	d.speed = speed
	d.link = hal.LinkOn
	d.prevState = StateDefault
	d.openControl()
	d.setState(StateDefault)
}

// OnLinkStateChange applies a link power transition. L1 and L2 suspend the
// device and L0 restores the state held before suspend. L3 is a
// disconnect and returns the device to Default.
func (d *Device) OnLinkStateChange(state hal.LinkState) {
	pkg.LogDebug(pkg.ComponentDevice, "link state changed",
		"from", d.link.String(),
		"to", state.String())
	d.link = state

	switch state {
	case hal.LinkSleep, hal.LinkSuspend:
		if d.state != StateSuspended {
			d.prevState = d.state
			d.setState(StateSuspended)
		}
	case hal.LinkOn:
		if d.state == StateSuspended {
			d.setState(d.prevState)
		}
	case hal.LinkOff:
		d.deconfigure()
		d.abortControl()
		for num := range d.in {
			d.in[num].Abort()
			d.out[num].Abort()
		}
		d.configSelector = 0
		d.address = 0
		d.features = d.features.With(FeatureRemoteWakeup, false)
		d.prevState = StateDefault
		d.setState(StateDefault)
	}
}

// applyAddress runs once the status stage of SET_ADDRESS has completed.
func (d *Device) applyAddress(addr uint8) {
	if err := d.driver.SetAddress(addr); err != nil {
		pkg.LogError(pkg.ComponentDevice, "set address failed",
			"address", addr,
			"error", err)
		return
	}
	d.address = addr
	switch {
	case addr != 0 && d.state == StateDefault:
		d.setState(StateAddressed)
	case addr == 0 && d.state == StateAddressed:
		d.setState(StateDefault)
	}
}

// applyConfiguration activates configuration value, or deactivates the
// current one when value is 0. The previous configuration's interfaces are
// fully deinitialized before any interface is initialized.
func (d *Device) applyConfiguration(value uint8) {
	d.deconfigure()

	if value == 0 {
		d.setState(StateAddressed)
		return
	}

	d.configSelector = value
	d.setState(StateConfigured)
	for _, iface := range d.Interfaces() {
		iface.AltSelector = 0
		d.dispatchOptional(CapInit, iface)
	}
	pkg.LogInfo(pkg.ComponentDevice, "configuration activated",
		"value", value,
		"interfaces", d.ifCount)
}

// applyAlternate switches iface to alternate setting alt.
func (d *Device) applyAlternate(iface *Interface, alt uint8) {
	d.dispatchOptional(CapDeinit, iface)
	d.closeInterfaceEndpoints(iface)
	iface.AltSelector = alt
	d.dispatchOptional(CapInit, iface)
	pkg.LogDebug(pkg.ComponentInterface, "alternate setting selected",
		"interface", iface.num,
		"alt", alt)
}

// deconfigure deinitializes every interface of the active configuration and
// closes the endpoints they left open.
func (d *Device) deconfigure() {
	if d.configSelector == 0 {
		return
	}
	for idx := d.ifCount - 1; idx >= 0; idx-- {
		d.dispatchOptional(CapDeinit, d.interfaces[idx])
	}
	for _, iface := range d.Interfaces() {
		d.closeInterfaceEndpoints(iface)
	}
	d.configSelector = 0
	pkg.LogDebug(pkg.ComponentDevice, "configuration deactivated")
}

func (d *Device) closeInterfaceEndpoints(iface *Interface) {
	for num := 1; num < MaxEndpointCount; num++ {
		for _, ep := range []*Endpoint{&d.in[num], &d.out[num]} {
			if ep.Enabled() && ep.IfNum == iface.num {
				d.closeEndpoint(ep)
			}
		}
	}
}

func (d *Device) dispatchOptional(c Capability, iface *Interface) {
	if !iface.caps.has(c) {
		return
	}
	if err := d.Dispatch(c, iface.num, nil); err != nil {
		pkg.LogWarn(pkg.ComponentInterface, "dispatch failed",
			"interface", iface.num,
			"capability", c.String(),
			"error", err)
	}
}
