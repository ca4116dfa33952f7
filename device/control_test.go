package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

func vendorIn(length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeVendor | RequestRecipientDevice,
		Request:     0x42,
		Length:      length,
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestControl_StallAndRecover(t *testing.T) {
	h := newHarness(t, testDescription(), nil)
	h.reset(t)

	bad := SetupPacket{RequestType: 0x80, Request: 0x0F, Length: 2}
	assert.True(t, h.stalls(bad, nil))
	assert.Equal(t, StageStalled, h.dev.Stage())
	assert.True(t, h.bus.Stalled(0x80))
	assert.True(t, h.bus.Stalled(0x00))
	assert.True(t, h.dev.Endpoint(0x80).Halted())

	var s SetupPacket
	GetConfigurationSetup(&s)
	data, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
	assert.Equal(t, StageIdle, h.dev.Stage())
	assert.False(t, h.dev.Endpoint(0x80).Halted())
}

func TestControl_StageSequence(t *testing.T) {
	h := newHarness(t, testDescription(), nil)
	h.reset(t)

	var stages []ControlStage
	h.dev.OnControlStage(func(_, s ControlStage) { stages = append(stages, s) })

	var s SetupPacket
	GetSetAddressSetup(&s, 4)
	_, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []ControlStage{StageSetupReceived, StageNoData, StageStatus, StageIdle}, stages)

	stages = nil
	GetDescriptorSetup(&s, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	_, err = h.control(s, nil)
	require.NoError(t, err)
	assert.Equal(t, []ControlStage{StageSetupReceived, StageDataIn, StageStatus, StageIdle}, stages)

	stages = nil
	s = SetupPacket{RequestType: 0x80, Request: 0x0F}
	h.stalls(s, nil)
	assert.Equal(t, []ControlStage{StageSetupReceived, StageStalled}, stages)
}

func TestControl_ResponseLength(t *testing.T) {
	tests := []struct {
		name     string
		response int
		length   uint16
		packets  []int
	}{
		{"truncated", 200, 70, []int{64, 6}},
		{"exact multiple", 128, 128, []int{64, 64}},
		{"short multiple needs ZLP", 64, 100, []int{64, 0}},
		{"short", 10, 100, []int{10}},
		{"empty response", 0, 8, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := &mockClass{response: pattern(tt.response)}
			h := newHarness(t, testDescription(), []Class{class})
			h.reset(t)

			require.NoError(t, h.bus.Setup(hal.SetupPacket(vendorIn(tt.length))))
			require.Equal(t, StageDataIn, h.dev.Stage())

			got := []byte{}
			var sizes []int
			for range tt.packets {
				pkt, err := h.bus.ReadIn(0x80)
				require.NoError(t, err)
				sizes = append(sizes, len(pkt))
				got = append(got, pkt...)
			}
			assert.Equal(t, tt.packets, sizes)
			assert.Equal(t, StageStatus, h.dev.Stage())
			assert.False(t, h.bus.Queued(0x80), "no packet after the data stage")

			n := min(tt.response, int(tt.length))
			assert.Equal(t, pattern(tt.response)[:n], got)

			require.NoError(t, h.bus.WriteOut(0x00, nil))
			assert.Equal(t, StageIdle, h.dev.Stage())
		})
	}
}

func TestControl_EarlyStatus(t *testing.T) {
	class := &mockClass{response: pattern(256)}
	h := newHarness(t, testDescription(), []Class{class})
	h.reset(t)

	require.NoError(t, h.bus.Setup(hal.SetupPacket(vendorIn(256))))
	_, err := h.bus.ReadIn(0x80)
	require.NoError(t, err)
	require.Equal(t, StageDataIn, h.dev.Stage())

	// Host gives up on the rest of the data and sends the OUT status.
	h.stack.OnOutComplete(0x00, 0)
	assert.Equal(t, StageIdle, h.dev.Stage())
	assert.False(t, h.dev.Endpoint(0x80).Busy())
}

func TestControl_DataOut(t *testing.T) {
	class := &mockClass{}
	h := newHarness(t, testDescription(), []Class{class})
	h.reset(t)

	var s SetupPacket
	ClassInterfaceSetup(&s, false, 0x20, 0, 0, 100)
	payload := pattern(100)
	_, err := h.control(s, payload)
	require.NoError(t, err)

	require.Len(t, class.setups, 1)
	assert.Equal(t, s, class.setups[0])
	assert.Equal(t, payload, class.received)
	assert.Equal(t, StageIdle, h.dev.Stage())

	// A short packet ends the data stage early.
	class.received = nil
	require.NoError(t, h.bus.Setup(hal.SetupPacket(s)))
	require.NoError(t, h.bus.WriteOut(0x00, payload[:64]))
	require.NoError(t, h.bus.WriteOut(0x00, payload[64:70]))
	assert.Equal(t, payload[:70], class.received)
	assert.Equal(t, StageStatus, h.dev.Stage())
}

func TestControl_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		class      *mockClass
		setup      SetupPacket
		seen       bool
		configured bool
	}{
		{
			name:  "accepted without data",
			class: &mockClass{},
			setup: vendorIn(16),
			seen:  true,
		},
		{
			name:  "handler error",
			class: &mockClass{setupErr: pkg.ErrInvalidRequest, response: []byte{1}},
			setup: vendorIn(16),
			seen:  true,
		},
		{
			name:  "busy handler",
			class: &mockClass{setupErr: pkg.ErrBusy},
			setup: SetupPacket{RequestType: 0x21, Request: 0x0A},
			seen:  true,
		},
		{
			name:  "oversized wLength",
			class: &mockClass{response: pattern(600)},
			setup: vendorIn(ControlBufferSize + 1),
		},
		{
			name:  "reserved type",
			class: &mockClass{},
			setup: SetupPacket{RequestType: 0x60},
		},
		{
			name:  "unknown interface",
			class: &mockClass{},
			setup: SetupPacket{RequestType: 0x21, Request: 0x0A, Index: 3},
		},
		{
			name:       "get descriptor host-to-device",
			class:      &mockClass{},
			setup:      SetupPacket{Request: RequestGetDescriptor, Value: 0x0100, Length: 18},
			configured: true,
		},
		{
			name:       "get configuration host-to-device",
			class:      &mockClass{},
			setup:      SetupPacket{Request: RequestGetConfiguration, Length: 1},
			configured: true,
		},
		{
			name:       "set configuration device-to-host",
			class:      &mockClass{},
			setup:      SetupPacket{RequestType: 0x80, Request: RequestSetConfiguration, Value: 1},
			configured: true,
		},
		{
			name:       "set configuration with data",
			class:      &mockClass{},
			setup:      SetupPacket{Request: RequestSetConfiguration, Value: 1, Length: 2},
			configured: true,
		},
		{
			name:       "set configuration reserved byte",
			class:      &mockClass{},
			setup:      SetupPacket{Request: RequestSetConfiguration, Value: 0x0101},
			configured: true,
		},
		{
			name:       "set interface with data",
			class:      &mockClass{},
			setup:      SetupPacket{RequestType: 0x01, Request: RequestSetInterface, Length: 1},
			configured: true,
		},
		{
			name:       "clear feature device-to-host",
			class:      &mockClass{epIn: 0x81},
			setup:      SetupPacket{RequestType: 0x82, Request: RequestClearFeature, Value: FeatureEndpointHalt, Index: 0x81},
			configured: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testDescription(), []Class{tt.class})
			if tt.configured {
				h.configure(t)
			} else {
				h.reset(t)
			}
			assert.True(t, h.stalls(tt.setup, make([]byte, tt.setup.Length)))
			assert.Equal(t, tt.seen, len(tt.class.setups) > 0)
			if tt.configured {
				assert.Equal(t, StateConfigured, h.dev.State())
				assert.Equal(t, uint8(1), h.dev.ConfigSelector())
			}
		})
	}
}

func TestControl_SetupDuringDataOut(t *testing.T) {
	class := &mockClass{}
	h := newHarness(t, testDescription(), []Class{class})
	h.reset(t)

	var s SetupPacket
	ClassInterfaceSetup(&s, false, 0x20, 0, 0, 128)
	require.NoError(t, h.bus.Setup(hal.SetupPacket(s)))
	require.NoError(t, h.bus.WriteOut(0x00, pattern(64)))
	require.Equal(t, StageDataOut, h.dev.Stage())
	assert.Nil(t, class.received)

	next := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}
	ClassInterfaceSetup(&s, false, 0x21, 0, 0, uint16(len(next)))
	_, err := h.control(s, next)
	require.NoError(t, err)

	require.Len(t, class.setups, 2)
	assert.Equal(t, next, class.received)
	assert.Equal(t, StageIdle, h.dev.Stage())
}

func TestControl_SetupAbortsTransfer(t *testing.T) {
	h := newHarness(t, testDescription(), nil)
	h.reset(t)

	var s SetupPacket
	GetSetAddressSetup(&s, 9)
	require.NoError(t, h.bus.Setup(hal.SetupPacket(s)))
	require.Equal(t, StageStatus, h.dev.Stage())

	// A new SETUP before the status stage drops the pending address.
	GetDescriptorSetup(&s, DescriptorTypeDevice, 0, 64)
	data, err := h.control(s, nil)
	require.NoError(t, err)
	assert.Len(t, data, DeviceDescriptorSize)
	assert.Zero(t, h.dev.Address())
	assert.Equal(t, StateDefault, h.dev.State())
}

func TestControl_ControlInOutsideSetup(t *testing.T) {
	h := newHarness(t, testDescription(), []Class{&mockClass{}})
	h.reset(t)

	iface, err := h.dev.Resolve(0)
	require.NoError(t, err)
	assert.ErrorIs(t, iface.ControlIn([]byte{1}), pkg.ErrInvalidState)

	assert.ErrorIs(t, NewInterface(bareClass{}, 1).ControlIn(nil), pkg.ErrInvalidInterface)
}

func TestControl_ResponseBufferBorrowed(t *testing.T) {
	class := &mockClass{response: bytes.Repeat([]byte{0xAA}, 100)}
	h := newHarness(t, testDescription(), []Class{class})
	h.reset(t)

	require.NoError(t, h.bus.Setup(hal.SetupPacket(vendorIn(100))))

	// The core reads the staged slice packet by packet.
	class.response[64] = 0x55
	first, err := h.bus.ReadIn(0x80)
	require.NoError(t, err)
	second, err := h.bus.ReadIn(0x80)
	require.NoError(t, err)

	assert.Len(t, first, 64)
	require.Len(t, second, 36)
	assert.Equal(t, byte(0x55), second[0])
}
