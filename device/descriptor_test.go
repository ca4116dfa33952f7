package device

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/pkg"
)

func TestDeviceDescriptor_MarshalTo(t *testing.T) {
	desc := &DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		VendorID:          0xCAFE,
		ProductID:         0xBABE,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}

	var buf [18]byte
	require.Equal(t, DeviceDescriptorSize, desc.MarshalTo(buf[:]))
	assert.Equal(t, uint8(18), buf[0])
	assert.Equal(t, uint8(DescriptorTypeDevice), buf[1])
	assert.Equal(t, uint16(0xCAFE), binary.LittleEndian.Uint16(buf[8:10]))
	assert.Equal(t, uint16(0xBABE), binary.LittleEndian.Uint16(buf[10:12]))

	var parsed DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(buf[:], &parsed))
	assert.Equal(t, *desc, parsed)

	assert.Zero(t, desc.MarshalTo(buf[:10]))
}

func TestDescriptorRoundTrip(t *testing.T) {
	cfg := ConfigurationDescriptor{
		TotalLength:        25,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         ConfigAttributes(0).With(ConfigAttrSelfPowered, true).Byte(),
		MaxPower:           50,
	}
	iface := InterfaceDescriptor{InterfaceNumber: 2, NumEndpoints: 1, InterfaceClass: ClassHID, InterfaceIndex: 4}
	ep := EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeInterrupt, MaxPacketSize: 8, Interval: 10}

	var buf [ConfigurationDescriptorSize + InterfaceDescriptorSize + EndpointDescriptorSize]byte
	n := cfg.MarshalTo(buf[:])
	n += iface.MarshalTo(buf[n:])
	n += ep.MarshalTo(buf[n:])
	require.Equal(t, len(buf), n)
	assert.Equal(t, uint8(0xC0), buf[7])

	var (
		gotCfg   ConfigurationDescriptor
		gotIface InterfaceDescriptor
		gotEP    EndpointDescriptor
	)
	require.NoError(t, ParseConfigurationDescriptor(buf[:], &gotCfg))
	require.NoError(t, ParseInterfaceDescriptor(buf[ConfigurationDescriptorSize:], &gotIface))
	require.NoError(t, ParseEndpointDescriptor(buf[ConfigurationDescriptorSize+InterfaceDescriptorSize:], &gotEP))
	assert.Equal(t, cfg, gotCfg)
	assert.Equal(t, iface, gotIface)
	assert.Equal(t, ep, gotEP)
}

func TestParseDescriptorErrors(t *testing.T) {
	var dev DeviceDescriptor
	assert.ErrorIs(t, ParseDeviceDescriptor(make([]byte, 10), &dev), pkg.ErrDescriptorTooShort)

	wrong := make([]byte, 18)
	wrong[1] = DescriptorTypeConfiguration
	assert.ErrorIs(t, ParseDeviceDescriptor(wrong, &dev), pkg.ErrDescriptorTypeMismatch)

	var cfg ConfigurationDescriptor
	assert.ErrorIs(t, ParseConfigurationDescriptor(make([]byte, 4), &cfg), pkg.ErrDescriptorTooShort)

	var ep EndpointDescriptor
	bad := []byte{7, DescriptorTypeInterface, 0x81, 3, 8, 0, 10}
	assert.ErrorIs(t, ParseEndpointDescriptor(bad, &ep), pkg.ErrDescriptorTypeMismatch)
}

func TestDeviceQualifier_MarshalTo(t *testing.T) {
	q := &DeviceQualifierDescriptor{USBVersion: USBVersion20, MaxPacketSize0: 64, NumConfigurations: 1}

	var buf [DeviceQualifierSize]byte
	require.Equal(t, DeviceQualifierSize, q.MarshalTo(buf[:]))
	assert.Equal(t, []byte{10, DescriptorTypeDeviceQualifier, 0x00, 0x02, 0, 0, 0, 64, 1, 0}, buf[:])
	assert.Zero(t, q.MarshalTo(buf[:9]))
}

func TestBOSDescriptorTo(t *testing.T) {
	var buf [16]byte

	n := BOSDescriptorTo(buf[:], true)
	require.Equal(t, 12, n)
	assert.Equal(t, []byte{
		5, DescriptorTypeBOS, 12, 0, 1,
		7, DescriptorTypeDeviceCapability, DeviceCapabilityUSB2Ext, 0x02, 0, 0, 0,
	}, buf[:n])

	n = BOSDescriptorTo(buf[:], false)
	require.Equal(t, 12, n)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[8:12]))

	assert.Zero(t, BOSDescriptorTo(buf[:11], true))
}

func TestStringDescriptorTo(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 2},
		{"A", 4},
		{"Hello", 12},
		{"日本語", 8},
		{"\U0001F600", 6}, // surrogate pair
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var buf [256]byte
			n := StringDescriptorTo(buf[:], tt.input)
			require.Equal(t, tt.want, n)
			assert.Equal(t, uint8(tt.want), buf[0])
			assert.Equal(t, uint8(DescriptorTypeString), buf[1])

			got, err := DecodeStringDescriptor(buf[:n])
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestStringDescriptorTo_Truncation(t *testing.T) {
	var buf [256]byte
	n := StringDescriptorTo(buf[:], strings.Repeat("A", 300))
	assert.Equal(t, 254, n)
	assert.Equal(t, uint8(n), buf[0])

	var small [3]byte
	assert.Zero(t, StringDescriptorTo(small[:], "AB"))
}

func TestDecodeStringDescriptor_Errors(t *testing.T) {
	_, err := DecodeStringDescriptor([]byte{4})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)

	_, err = DecodeStringDescriptor([]byte{8, DescriptorTypeString, 'a', 0})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)

	_, err = DecodeStringDescriptor([]byte{4, DescriptorTypeDevice, 'a', 0})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTypeMismatch)
}

func TestLanguageDescriptorTo(t *testing.T) {
	var buf [6]byte
	n := LanguageDescriptorTo(buf[:], LangIDUSEnglish)
	require.Equal(t, 4, n)
	assert.Equal(t, []byte{4, DescriptorTypeString, 0x09, 0x04}, buf[:n])

	n = LanguageDescriptorTo(buf[:], 0x0409, 0x0407)
	assert.Equal(t, 6, n)
	assert.Zero(t, LanguageDescriptorTo(buf[:2], 0x0409))
}

func TestWalkDescriptors(t *testing.T) {
	var buf [64]byte
	n := (&ConfigurationDescriptor{TotalLength: 25, NumInterfaces: 1}).MarshalTo(buf[:])
	n += (&InterfaceDescriptor{NumEndpoints: 1}).MarshalTo(buf[n:])
	n += (&EndpointDescriptor{EndpointAddress: 0x81, MaxPacketSize: 8}).MarshalTo(buf[n:])

	var types []uint8
	err := WalkDescriptors(buf[:n], func(descType uint8, desc []byte) error {
		types = append(types, descType)
		assert.Equal(t, int(desc[0]), len(desc))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint8{DescriptorTypeConfiguration, DescriptorTypeInterface, DescriptorTypeEndpoint}, types)

	assert.ErrorIs(t, WalkDescriptors(buf[:n-1], func(uint8, []byte) error { return nil }), pkg.ErrDescriptorTooShort)
	assert.ErrorIs(t, WalkDescriptors([]byte{0, 4}, func(uint8, []byte) error { return nil }), pkg.ErrDescriptorTooShort)

	stop := WalkDescriptors(buf[:n], func(uint8, []byte) error { return pkg.ErrInvalidRequest })
	assert.ErrorIs(t, stop, pkg.ErrInvalidRequest)
}
