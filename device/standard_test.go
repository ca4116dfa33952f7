package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/pkg"
)

func TestStringDescriptors(t *testing.T) {
	class := &mockClass{strs: map[uint8]string{1: "Vendor Function"}}
	h := newHarness(t, testDescription(), []Class{class, bareClass{}}, WithLangID(0x0407))
	h.reset(t)

	tests := []struct {
		name  string
		index uint8
		want  string
	}{
		{"vendor", StringIndexVendor, "Acme"},
		{"product", StringIndexProduct, "Widget"},
		{"serial", StringIndexSerial, "1234AB"},
		{"configuration", StringIndexConfiguration, "Default"},
		{"interface", InterfaceStringIndex(0, 1), "Vendor Function"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := h.getDescriptor(t, DescriptorTypeString, tt.index, 255)
			got, err := DecodeStringDescriptor(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("language IDs", func(t *testing.T) {
		data := h.getDescriptor(t, DescriptorTypeString, 0, 255)
		assert.Equal(t, []byte{4, DescriptorTypeString, 0x07, 0x04}, data)
	})

	t.Run("truncated", func(t *testing.T) {
		data := h.getDescriptor(t, DescriptorTypeString, StringIndexVendor, 2)
		assert.Equal(t, []byte{10, DescriptorTypeString}, data)
	})

	missing := []struct {
		name  string
		index uint8
	}{
		{"unknown interface string", InterfaceStringIndex(0, 2)},
		{"interface without strings", InterfaceStringIndex(1, 1)},
		{"unregistered interface", InterfaceStringIndex(3, 1)},
		{"reserved low nibble", 0x12},
	}
	for _, tt := range missing {
		t.Run(tt.name, func(t *testing.T) {
			var s SetupPacket
			GetStringSetup(&s, tt.index, LangIDUSEnglish, 255)
			assert.True(t, h.stalls(s, nil))
		})
	}
}

func TestStringDescriptorsOmitted(t *testing.T) {
	desc := testDescription()
	desc.Vendor.Name = ""
	desc.SerialNumber = nil
	desc.Config.Name = ""
	h := newHarness(t, desc, nil)
	h.reset(t)

	var dd DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(h.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
	assert.Zero(t, dd.ManufacturerIndex)
	assert.Equal(t, uint8(StringIndexProduct), dd.ProductIndex)
	assert.Zero(t, dd.SerialNumberIndex)

	var cd ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(h.getDescriptor(t, DescriptorTypeConfiguration, 0, 9), &cd))
	assert.Zero(t, cd.ConfigurationIndex)

	for _, index := range []uint8{StringIndexVendor, StringIndexSerial, StringIndexConfiguration} {
		var s SetupPacket
		GetStringSetup(&s, index, LangIDUSEnglish, 255)
		assert.True(t, h.stalls(s, nil), "string %d", index)
	}
}

func TestConfigurationDescriptor(t *testing.T) {
	a := &mockClass{epIn: 0x81}
	b := &mockClass{epIn: 0x82, epOut: 0x02}
	h := newHarness(t, testDescription(), []Class{a, b, bareClass{}})
	h.reset(t)

	data := h.getDescriptor(t, DescriptorTypeConfiguration, 0, ControlBufferSize)

	want := ConfigurationDescriptorSize +
		InterfaceDescriptorSize + EndpointDescriptorSize +
		InterfaceDescriptorSize + 2*EndpointDescriptorSize
	require.Len(t, data, want)

	var cd ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(data, &cd))
	assert.Equal(t, uint16(want), cd.TotalLength)
	assert.Equal(t, uint8(3), cd.NumInterfaces, "interfaces without descriptors still count")

	var id InterfaceDescriptor
	require.NoError(t, ParseInterfaceDescriptor(data[ConfigurationDescriptorSize:], &id))
	assert.Zero(t, id.InterfaceNumber)
	assert.Equal(t, uint8(1), id.NumEndpoints)

	off := ConfigurationDescriptorSize + InterfaceDescriptorSize + EndpointDescriptorSize
	require.NoError(t, ParseInterfaceDescriptor(data[off:], &id))
	assert.Equal(t, uint8(1), id.InterfaceNumber)
	assert.Equal(t, uint8(2), id.NumEndpoints)

	// Composite devices advertise the IAD class triple.
	var dd DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(h.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
	assert.Equal(t, uint8(ClassMisc), dd.DeviceClass)
	assert.Equal(t, uint8(0x02), dd.DeviceSubClass)
	assert.Equal(t, uint8(0x01), dd.DeviceProtocol)

	var s SetupPacket
	GetDescriptorSetup(&s, DescriptorTypeConfiguration, 1, 9)
	assert.True(t, h.stalls(s, nil), "only configuration index 0 exists")
}

func TestDeviceClassOverride(t *testing.T) {
	h := newHarness(t, testDescription(), []Class{bareClass{}, bareClass{}}, WithDeviceClass(ClassVendor, 1, 2))
	h.reset(t)

	var dd DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(h.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
	assert.Equal(t, uint8(ClassVendor), dd.DeviceClass)
	assert.Equal(t, uint8(1), dd.DeviceSubClass)
	assert.Equal(t, uint8(2), dd.DeviceProtocol)
}

func TestOptionalDescriptors(t *testing.T) {
	t.Run("full speed only", func(t *testing.T) {
		h := newHarness(t, testDescription(), nil)
		h.reset(t)

		for _, dt := range []uint8{DescriptorTypeDeviceQualifier, DescriptorTypeBOS, DescriptorTypeOtherSpeedConfig, DescriptorTypeDebug} {
			var s SetupPacket
			GetDescriptorSetup(&s, dt, 0, 64)
			assert.True(t, h.stalls(s, nil), "descriptor type 0x%02X", dt)
		}
	})

	t.Run("high speed with LPM", func(t *testing.T) {
		desc := testDescription()
		desc.Config.LPM = true
		h := newHarness(t, desc, nil, WithHighSpeed())
		h.reset(t)

		q := h.getDescriptor(t, DescriptorTypeDeviceQualifier, 0, 64)
		require.Len(t, q, DeviceQualifierSize)
		assert.Equal(t, uint8(DescriptorTypeDeviceQualifier), q[1])
		assert.Equal(t, []byte{0x01, 0x02}, q[2:4], "bcdUSB 2.01")
		assert.Equal(t, uint8(64), q[7])
		assert.Equal(t, uint8(1), q[8])

		bos := h.getDescriptor(t, DescriptorTypeBOS, 0, 64)
		require.Len(t, bos, BOSHeaderSize+USB2ExtensionSize)
		assert.Equal(t, uint8(DescriptorTypeBOS), bos[1])
		assert.Equal(t, uint8(USB2ExtensionAttrLPM), bos[BOSHeaderSize+3])

		var dd DeviceDescriptor
		require.NoError(t, ParseDeviceDescriptor(h.getDescriptor(t, DescriptorTypeDevice, 0, 18), &dd))
		assert.Equal(t, uint16(USBVersion21), dd.USBVersion)
	})
}

func TestInterfaceRequests(t *testing.T) {
	var log []string
	class := &mockClass{name: "a", log: &log, epIn: 0x81}
	h := newHarness(t, testDescription(), nil)
	iface := NewInterface(class, 3)
	require.NoError(t, h.dev.Register(iface))
	h.reset(t)

	var s SetupPacket
	GetInterfaceSetup(&s, 0)
	assert.True(t, h.stalls(s, nil), "interface requests need a configuration")

	h.configure(t)

	data, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)

	GetStatusSetup(&s, RequestRecipientInterface, 0)
	data, err = h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	log = nil
	GetSetInterfaceSetup(&s, 0, 2)
	_, err = h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), iface.AltSelector)
	assert.Equal(t, []string{"a:deinit", "a:init2"}, log)
	assert.True(t, h.dev.Endpoint(0x81).Enabled(), "reopened by Init")

	GetInterfaceSetup(&s, 0)
	data, err = h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, data)

	GetSetInterfaceSetup(&s, 0, 3)
	assert.True(t, h.stalls(s, nil))
	assert.Equal(t, uint8(2), iface.AltSelector)

	GetSetInterfaceSetup(&s, 1, 0)
	assert.True(t, h.stalls(s, nil))

	GetSetFeatureSetup(&s, RequestRecipientInterface, 0, 0)
	assert.True(t, h.stalls(s, nil))

	// Bus reset returns every interface to alternate 0.
	h.reset(t)
	assert.Zero(t, iface.AltSelector)
}

func TestInterfaceStandardForwarded(t *testing.T) {
	class := &mockClass{response: []byte{0x05, 0x01, 0x09, 0x06}}
	h := newHarness(t, testDescription(), []Class{class})
	h.configure(t)

	// GET_DESCRIPTOR(Report) to an interface belongs to the class.
	s := SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestRecipientInterface,
		Request:     RequestGetDescriptor,
		Value:       0x2200, // HID report descriptor
		Length:      64,
	}
	data, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, class.response, data)
	require.Len(t, class.setups, 1)
	assert.Equal(t, s, class.setups[0])
}

func TestEndpointRequests(t *testing.T) {
	class := &mockClass{epIn: 0x81}
	h := newHarness(t, testDescription(), []Class{class})
	h.reset(t)

	var s SetupPacket
	GetStatusSetup(&s, RequestRecipientEndpoint, 0x81)
	assert.True(t, h.stalls(s, nil), "endpoint not open before configuration")

	GetStatusSetup(&s, RequestRecipientEndpoint, 0x80)
	data, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data, "EP0 is always addressable")

	h.configure(t)

	GetSetFeatureSetup(&s, RequestRecipientEndpoint, FeatureEndpointHalt, 0x81)
	_, err = h.control(s, nil)
	require.NoError(t, err)
	assert.True(t, h.dev.Endpoint(0x81).Halted())
	assert.True(t, h.bus.Stalled(0x81))

	GetStatusSetup(&s, RequestRecipientEndpoint, 0x81)
	data, err = h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, data)

	iface, _ := h.dev.Resolve(0)
	assert.ErrorIs(t, iface.Transmit(0x81, []byte{1}), pkg.ErrStall)

	GetClearFeatureSetup(&s, RequestRecipientEndpoint, FeatureEndpointHalt, 0x81)
	_, err = h.control(s, nil)
	require.NoError(t, err)
	assert.False(t, h.dev.Endpoint(0x81).Halted())
	assert.False(t, h.bus.Stalled(0x81))
	assert.NoError(t, iface.Transmit(0x81, []byte{1}))

	// Halting EP0 through SET_FEATURE is a no-op.
	GetSetFeatureSetup(&s, RequestRecipientEndpoint, FeatureEndpointHalt, 0x00)
	_, err = h.control(s, nil)
	require.NoError(t, err)
	assert.False(t, h.dev.Endpoint(0x00).Halted())

	GetSetFeatureSetup(&s, RequestRecipientEndpoint, 0x05, 0x81)
	assert.True(t, h.stalls(s, nil))

	GetStatusSetup(&s, RequestRecipientEndpoint, 0x83)
	assert.True(t, h.stalls(s, nil))

	s = SetupPacket{RequestType: 0x82, Request: RequestSynchFrame, Index: 0x81, Length: 2}
	assert.True(t, h.stalls(s, nil))
}

func TestClassRequestRouting(t *testing.T) {
	a := &mockClass{epIn: 0x81, response: []byte{0xA}}
	b := &mockClass{epIn: 0x82, response: []byte{0xB}}
	h := newHarness(t, testDescription(), []Class{a, b, bareClass{}})
	h.configure(t)

	tests := []struct {
		name  string
		setup SetupPacket
		want  []byte
	}{
		{
			"interface recipient",
			SetupPacket{RequestType: 0xA1, Request: 0x01, Index: 1, Length: 1},
			[]byte{0xB},
		},
		{
			"endpoint recipient",
			SetupPacket{RequestType: 0xA2, Request: 0x01, Index: 0x82, Length: 1},
			[]byte{0xB},
		},
		{
			"vendor device recipient offered in order",
			SetupPacket{RequestType: 0xC0, Request: 0x01, Length: 1},
			[]byte{0xA},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := h.control(tt.setup, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}

	t.Run("first rejection falls through", func(t *testing.T) {
		a.setupErr = pkg.ErrNotSupported
		defer func() { a.setupErr = nil }()
		data, err := h.control(SetupPacket{RequestType: 0xC0, Request: 0x01, Length: 1}, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xB}, data)
	})

	t.Run("interface without setup handler", func(t *testing.T) {
		assert.True(t, h.stalls(SetupPacket{RequestType: 0xA1, Request: 0x01, Index: 2, Length: 1}, nil))
	})

	t.Run("endpoint without owner", func(t *testing.T) {
		assert.True(t, h.stalls(SetupPacket{RequestType: 0xA2, Request: 0x01, Index: 0x85, Length: 1}, nil))
	})
}

func TestUnsupportedDeviceRequests(t *testing.T) {
	h := newHarness(t, testDescription(), nil)
	h.reset(t)

	for _, req := range []uint8{RequestSetDescriptor, RequestSynchFrame, RequestGetInterface} {
		assert.True(t, h.stalls(SetupPacket{Request: req}, nil), "request 0x%02X", req)
	}

	var s SetupPacket
	GetStatusSetup(&s, RequestRecipientDevice, 0)
	s.Length = 1
	assert.True(t, h.stalls(s, nil))

	s = SetupPacket{RequestType: 0x83, Request: RequestGetStatus, Length: 2}
	assert.True(t, h.stalls(s, nil), "standard other-recipient requests")
}
