package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbd/pkg"
)

// handleRequest processes the SETUP packet in d.setup. On success a
// device-to-host request has staged its response. Any error stalls EP0.
func (d *Device) handleRequest() error {
	s := &d.setup
	if !s.IsStandard() {
		return d.forward()
	}
	if err := checkStandard(s); err != nil {
		return err
	}

	switch s.Recipient() {
	case RequestRecipientDevice:
		return d.handleDeviceRequest()
	case RequestRecipientInterface:
		return d.handleInterfaceRequest()
	case RequestRecipientEndpoint:
		return d.handleEndpointRequest()
	default:
		return fmt.Errorf("standard request to recipient %d: %w", s.Recipient(), pkg.ErrInvalidRequest)
	}
}

// checkStandard rejects standard requests whose direction or wLength
// contradicts the request code. Codes the core does not know, such as
// class-defined descriptor requests, pass through.
func checkStandard(s *SetupPacket) error {
	switch s.Request {
	case RequestGetStatus, RequestGetDescriptor, RequestGetConfiguration, RequestGetInterface:
		if !s.IsDeviceToHost() {
			return fmt.Errorf("request 0x%02X host-to-device: %w", s.Request, pkg.ErrInvalidRequest)
		}
	case RequestSetAddress, RequestClearFeature, RequestSetFeature, RequestSetConfiguration, RequestSetInterface:
		if !s.IsHostToDevice() {
			return fmt.Errorf("request 0x%02X device-to-host: %w", s.Request, pkg.ErrInvalidRequest)
		}
		if s.Length != 0 {
			return fmt.Errorf("request 0x%02X wLength %d: %w", s.Request, s.Length, pkg.ErrInvalidLength)
		}
	}
	return nil
}

// handleDeviceRequest handles device-level standard requests.
func (d *Device) handleDeviceRequest() error {
	s := &d.setup
	switch s.Request {
	case RequestGetStatus:
		if s.Length < 2 {
			return fmt.Errorf("get status length %d: %w", s.Length, pkg.ErrInvalidLength)
		}
		binary.LittleEndian.PutUint16(d.ctrl[:2], d.features.Status())
		d.respond(d.ctrl[:2])
		return nil
	case RequestClearFeature:
		return d.setDeviceFeature(false)
	case RequestSetFeature:
		return d.setDeviceFeature(true)
	case RequestSetAddress:
		return d.setAddress()
	case RequestGetDescriptor:
		return d.getDescriptor()
	case RequestGetConfiguration:
		d.ctrl[0] = d.configSelector
		d.respond(d.ctrl[:1])
		return nil
	case RequestSetConfiguration:
		return d.setConfiguration()
	case RequestSetDescriptor, RequestSynchFrame:
		return fmt.Errorf("request 0x%02X: %w", s.Request, pkg.ErrNotSupported)
	default:
		return fmt.Errorf("device request 0x%02X: %w", s.Request, pkg.ErrInvalidRequest)
	}
}

// setDeviceFeature handles SET_FEATURE and CLEAR_FEATURE for the device.
// Remote wakeup can only be armed on a configured device whose
// configuration advertises it.
func (d *Device) setDeviceFeature(on bool) error {
	s := &d.setup
	switch s.Value {
	case FeatureDeviceRemoteWakeup:
		if d.state != StateConfigured || !d.desc.Config.Attributes.RemoteWakeup() {
			return fmt.Errorf("remote wakeup feature in %s: %w", d.state, pkg.ErrInvalidState)
		}
		d.features = d.features.With(FeatureRemoteWakeup, on)
		pkg.LogDebug(pkg.ComponentDevice, "remote wakeup feature", "enabled", on)
		return nil
	case FeatureTestMode:
		return fmt.Errorf("test mode: %w", pkg.ErrNotSupported)
	default:
		return fmt.Errorf("device feature %d: %w", s.Value, pkg.ErrInvalidRequest)
	}
}

// setAddress validates SET_ADDRESS. The address is applied after the
// status stage.
func (d *Device) setAddress() error {
	s := &d.setup
	switch {
	case s.Value > 127 || s.Index != 0 || s.Length != 0:
		return fmt.Errorf("set address %d: %w", s.Value, pkg.ErrInvalidParameter)
	case d.state == StateConfigured:
		return fmt.Errorf("set address in %s: %w", d.state, pkg.ErrInvalidState)
	}
	d.deferRequest(deferAddress, uint8(s.Value), nil)
	return nil
}

// setConfiguration validates SET_CONFIGURATION. The configuration is
// switched after the status stage.
func (d *Device) setConfiguration() error {
	s := &d.setup
	value := s.Value
	switch {
	case value > MaxConfigurationCount || s.Index != 0:
		return fmt.Errorf("set configuration %d index %d: %w", value, s.Index, pkg.ErrInvalidParameter)
	case d.state != StateAddressed && d.state != StateConfigured:
		return fmt.Errorf("set configuration in %s: %w", d.state, pkg.ErrInvalidState)
	}
	d.deferRequest(deferConfiguration, uint8(value), nil)
	return nil
}

// getDescriptor builds the requested descriptor in the control buffer. The
// control stage truncates it to wLength.
func (d *Device) getDescriptor() error {
	s := &d.setup
	var (
		n   int
		err error
	)

	switch s.DescriptorType() {
	case DescriptorTypeDevice:
		n = d.deviceDescriptor(d.ctrl[:])
	case DescriptorTypeConfiguration:
		if s.DescriptorIndex() >= MaxConfigurationCount {
			return fmt.Errorf("configuration descriptor %d: %w", s.DescriptorIndex(), pkg.ErrInvalidParameter)
		}
		n, err = d.configurationDescriptor(d.ctrl[:])
	case DescriptorTypeString:
		n, err = d.stringDescriptor(d.ctrl[:], s.DescriptorIndex())
	case DescriptorTypeDeviceQualifier:
		if !d.highSpeed {
			return fmt.Errorf("device qualifier: %w", pkg.ErrNotSupported)
		}
		n = d.deviceQualifier(d.ctrl[:])
	case DescriptorTypeBOS:
		if !d.desc.Config.LPM {
			return fmt.Errorf("BOS descriptor: %w", pkg.ErrNotSupported)
		}
		n = BOSDescriptorTo(d.ctrl[:], true)
	default:
		return fmt.Errorf("descriptor type 0x%02X: %w", s.DescriptorType(), pkg.ErrInvalidRequest)
	}

	if err != nil {
		return err
	}
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	d.respond(d.ctrl[:n])
	return nil
}

func (d *Device) deviceClass() (class, subClass, protocol uint8) {
	switch {
	case d.classSet:
		return d.class[0], d.class[1], d.class[2]
	case d.ifCount > 1:
		// Composite device using interface association descriptors.
		return ClassMisc, 0x02, 0x01
	default:
		return ClassPerInterface, 0, 0
	}
}

func (d *Device) usbVersion() uint16 {
	if d.desc.Config.LPM {
		return USBVersion21
	}
	return USBVersion20
}

func (d *Device) deviceDescriptor(buf []byte) int {
	desc := d.desc
	dd := DeviceDescriptor{
		USBVersion:        d.usbVersion(),
		MaxPacketSize0:    uint8(d.speed.MaxPacketSize0()),
		VendorID:          desc.Vendor.ID,
		ProductID:         desc.Product.ID,
		DeviceVersion:     desc.Product.Version.BCD(),
		NumConfigurations: MaxConfigurationCount,
	}
	dd.DeviceClass, dd.DeviceSubClass, dd.DeviceProtocol = d.deviceClass()
	if desc.Vendor.Name != "" {
		dd.ManufacturerIndex = StringIndexVendor
	}
	if desc.Product.Name != "" {
		dd.ProductIndex = StringIndexProduct
	}
	if len(desc.SerialNumber) > 0 {
		dd.SerialNumberIndex = StringIndexSerial
	}
	return dd.MarshalTo(buf)
}

func (d *Device) deviceQualifier(buf []byte) int {
	q := DeviceQualifierDescriptor{
		USBVersion:        d.usbVersion(),
		MaxPacketSize0:    EP0MaxPacketSize,
		NumConfigurations: MaxConfigurationCount,
	}
	q.DeviceClass, q.DeviceSubClass, q.DeviceProtocol = d.deviceClass()
	return q.MarshalTo(buf)
}

// configurationDescriptor writes the configuration header followed by each
// interface's fragment in interface-number order.
func (d *Device) configurationDescriptor(buf []byte) (int, error) {
	if len(buf) < ConfigurationDescriptorSize {
		return 0, pkg.ErrBufferTooSmall
	}
	off := ConfigurationDescriptorSize
	for _, iface := range d.Interfaces() {
		n, err := d.InterfaceDescriptor(iface.num, buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}

	cd := ConfigurationDescriptor{
		TotalLength:        uint16(off),
		NumInterfaces:      uint8(d.ifCount),
		ConfigurationValue: 1,
		Attributes:         d.desc.Config.Attributes.Byte(),
		MaxPower:           d.desc.Config.MaxPower(),
	}
	if d.desc.Config.Name != "" {
		cd.ConfigurationIndex = StringIndexConfiguration
	}
	cd.MarshalTo(buf)
	return off, nil
}

// stringDescriptor resolves a string index. Indexes below
// StringIndexInterfaceBase name device strings; the rest route to an
// interface via [InterfaceStringIndex].
func (d *Device) stringDescriptor(buf []byte, index uint8) (int, error) {
	var s string
	switch index {
	case StringIndexLangID:
		return LanguageDescriptorTo(buf, d.langID), nil
	case StringIndexVendor:
		s = d.desc.Vendor.Name
	case StringIndexProduct:
		s = d.desc.Product.Name
	case StringIndexSerial:
		s = d.desc.SerialString()
	case StringIndexConfiguration:
		s = d.desc.Config.Name
	default:
		ifNum, intNum, ok := splitInterfaceStringIndex(index)
		if !ok {
			return 0, fmt.Errorf("string index 0x%02X: %w", index, pkg.ErrInvalidRequest)
		}
		var err error
		if s, err = d.InterfaceString(ifNum, intNum); err != nil {
			return 0, err
		}
	}
	if s == "" {
		return 0, fmt.Errorf("string index %d empty: %w", index, pkg.ErrInvalidRequest)
	}
	return StringDescriptorTo(buf, s), nil
}

// handleInterfaceRequest handles interface-level standard requests. Those
// the core does not own, such as class descriptor queries, go to the
// interface's setup handler.
func (d *Device) handleInterfaceRequest() error {
	s := &d.setup
	iface, err := d.Resolve(s.InterfaceNumber())
	if err != nil {
		return err
	}

	switch s.Request {
	case RequestGetStatus, RequestGetInterface, RequestSetInterface:
		if d.state != StateConfigured {
			return fmt.Errorf("interface request in %s: %w", d.state, pkg.ErrInvalidState)
		}
	}

	switch s.Request {
	case RequestGetStatus:
		if s.Length < 2 {
			return fmt.Errorf("get status length %d: %w", s.Length, pkg.ErrInvalidLength)
		}
		d.ctrl[0], d.ctrl[1] = 0, 0
		d.respond(d.ctrl[:2])
		return nil
	case RequestGetInterface:
		d.ctrl[0] = iface.AltSelector
		d.respond(d.ctrl[:1])
		return nil
	case RequestSetInterface:
		alt := s.Value
		if alt >= uint16(iface.AltCount) {
			return fmt.Errorf("interface %d alternate %d of %d: %w", iface.num, alt, iface.AltCount, pkg.ErrInvalidParameter)
		}
		d.deferRequest(deferInterface, uint8(alt), iface)
		return nil
	case RequestClearFeature, RequestSetFeature:
		return fmt.Errorf("interface feature %d: %w", s.Value, pkg.ErrInvalidRequest)
	default:
		return d.forwardTo(iface)
	}
}

// handleEndpointRequest handles endpoint-level standard requests.
func (d *Device) handleEndpointRequest() error {
	s := &d.setup
	ep := d.endpoint(s.EndpointAddress())
	switch {
	case ep == nil || !ep.Enabled():
		return fmt.Errorf("endpoint 0x%02X: %w", s.EndpointAddress(), pkg.ErrInvalidEndpoint)
	case ep.Number() != 0 && d.state != StateConfigured:
		return fmt.Errorf("endpoint 0x%02X in %s: %w", ep.Address, d.state, pkg.ErrInvalidState)
	}

	switch s.Request {
	case RequestGetStatus:
		if s.Length < 2 {
			return fmt.Errorf("get status length %d: %w", s.Length, pkg.ErrInvalidLength)
		}
		var status uint16
		if ep.Halted() {
			status = 1
		}
		binary.LittleEndian.PutUint16(d.ctrl[:2], status)
		d.respond(d.ctrl[:2])
		return nil
	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureEndpointHalt {
			return fmt.Errorf("endpoint feature %d: %w", s.Value, pkg.ErrInvalidRequest)
		}
		// EP0 halts clear themselves on the next SETUP.
		if ep.Number() == 0 {
			return nil
		}
		return d.haltEndpoint(ep, s.Request == RequestSetFeature)
	case RequestSynchFrame:
		return fmt.Errorf("synch frame: %w", pkg.ErrNotSupported)
	default:
		return fmt.Errorf("endpoint request 0x%02X: %w", s.Request, pkg.ErrInvalidRequest)
	}
}

// forward routes a class or vendor request to the owning interface. Device
// and other-recipient requests are offered to each interface in order until
// one accepts.
func (d *Device) forward() error {
	s := &d.setup
	switch s.Recipient() {
	case RequestRecipientInterface:
		iface, err := d.Resolve(s.InterfaceNumber())
		if err != nil {
			return err
		}
		return d.forwardTo(iface)

	case RequestRecipientEndpoint:
		ep := d.endpoint(s.EndpointAddress())
		if ep == nil || !ep.Enabled() || int(ep.IfNum) >= d.ifCount {
			return fmt.Errorf("endpoint 0x%02X has no owner: %w", s.EndpointAddress(), pkg.ErrInvalidEndpoint)
		}
		return d.forwardTo(d.interfaces[ep.IfNum])

	default:
		for _, iface := range d.Interfaces() {
			if !iface.caps.has(CapSetup) {
				continue
			}
			if err := d.forwardTo(iface); err == nil {
				return nil
			}
			d.ctl = control{stage: d.ctl.stage}
		}
		return fmt.Errorf("request 0x%02X unclaimed: %w", s.Request, pkg.ErrNotSupported)
	}
}

func (d *Device) forwardTo(iface *Interface) error {
	d.ctl.owner = iface
	return d.Dispatch(CapSetup, iface.num, nil)
}
