package cdc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
	"github.com/ardnew/usbd/pkg"
)

type fixture struct {
	bus   *sim.Bus
	dev   *device.Device
	stack *device.Stack
	acm   *ACM
	enum  *sim.Enumeration
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	acm := NewACM(opts...)
	bus := sim.New()
	dev, err := device.New(&device.Description{
		Vendor:  device.Vendor{Name: "Acme", ID: 0xCAFE},
		Product: device.Product{Name: "Serial", ID: 0x0002},
		Config:  device.Config{MaxCurrentMA: 100},
	}, bus)
	require.NoError(t, err)
	require.NoError(t, acm.Register(dev))

	stack := device.NewStack(dev)
	require.NoError(t, stack.Start(context.Background()))
	t.Cleanup(func() { _ = stack.Stop() })

	e, err := bus.Enumerate(hal.SpeedFull, 4)
	require.NoError(t, err)
	return &fixture{bus: bus, dev: dev, stack: stack, acm: acm, enum: e}
}

func (f *fixture) request(t *testing.T, in bool, request uint8, value uint16, data []byte, length uint16) []byte {
	t.Helper()
	var s device.SetupPacket
	device.ClassInterfaceSetup(&s, in, request, value, 0, length)
	resp, err := f.bus.Control(hal.SetupPacket(s), data)
	require.NoError(t, err)
	return resp
}

func TestDescriptors(t *testing.T) {
	f := newFixture(t, WithName("Console"))

	var dd device.DeviceDescriptor
	require.NoError(t, device.ParseDeviceDescriptor(f.enum.Device, &dd))
	assert.Equal(t, uint8(device.ClassMisc), dd.DeviceClass, "composite class triple")
	assert.Equal(t, uint8(0x02), dd.DeviceSubClass)
	assert.Equal(t, uint8(0x01), dd.DeviceProtocol)

	conf := f.enum.Configuration
	require.Len(t, conf, device.ConfigurationDescriptorSize+ControlDescriptorSize+DataDescriptorSize)

	var cd device.ConfigurationDescriptor
	require.NoError(t, device.ParseConfigurationDescriptor(conf, &cd))
	assert.Equal(t, uint8(2), cd.NumInterfaces)

	iad := conf[device.ConfigurationDescriptorSize:]
	assert.Equal(t, []byte{
		device.IADSize, device.DescriptorTypeInterfaceAssociation,
		0, 2, ClassCDC, SubclassACM, ProtocolAT, device.InterfaceStringIndex(0, 0),
	}, iad[:device.IADSize])

	var id device.InterfaceDescriptor
	require.NoError(t, device.ParseInterfaceDescriptor(iad[device.IADSize:], &id))
	assert.Equal(t, uint8(ClassCDC), id.InterfaceClass)
	assert.Equal(t, uint8(1), id.NumEndpoints)

	fn := iad[device.IADSize+device.InterfaceDescriptorSize:]
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01}, fn[:5])
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeCallManagement, 0, 1}, fn[5:10])
	assert.Equal(t, []byte{4, DescriptorTypeCSInterface, SubtypeACM, ACMCapLineCoding | ACMCapSendBreak}, fn[10:14])
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeUnion, 0, 1}, fn[14:19])

	var ed device.EndpointDescriptor
	require.NoError(t, device.ParseEndpointDescriptor(fn[19:], &ed))
	assert.Equal(t, uint8(DefaultNotifyEndpoint), ed.EndpointAddress)
	assert.Equal(t, uint8(device.EndpointTypeInterrupt), ed.Attributes)

	data := conf[device.ConfigurationDescriptorSize+ControlDescriptorSize:]
	require.NoError(t, device.ParseInterfaceDescriptor(data, &id))
	assert.Equal(t, uint8(1), id.InterfaceNumber)
	assert.Equal(t, uint8(ClassCDCData), id.InterfaceClass)
	require.NoError(t, device.ParseEndpointDescriptor(data[device.InterfaceDescriptorSize:], &ed))
	assert.Equal(t, uint8(DefaultDataInEndpoint), ed.EndpointAddress)
	assert.Equal(t, uint16(64), ed.MaxPacketSize)
	require.NoError(t, device.ParseEndpointDescriptor(data[device.InterfaceDescriptorSize+device.EndpointDescriptorSize:], &ed))
	assert.Equal(t, uint8(DefaultDataOutEndpoint), ed.EndpointAddress)

	assert.True(t, f.acm.Configured())
}

func TestLineCoding(t *testing.T) {
	f := newFixture(t)

	var changes []LineCoding
	f.acm.SetOnLineCodingChange(func(lc *LineCoding) { changes = append(changes, *lc) })

	var buf [LineCodingSize]byte
	DefaultLineCoding.MarshalTo(buf[:])
	assert.Equal(t, buf[:], f.request(t, true, RequestGetLineCoding, 0, nil, LineCodingSize))

	want := LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}
	want.MarshalTo(buf[:])
	f.request(t, false, RequestSetLineCoding, 0, buf[:], LineCodingSize)

	assert.Equal(t, []LineCoding{want}, changes)
	assert.Equal(t, want, f.acm.LineCoding())
	assert.Equal(t, buf[:], f.request(t, true, RequestGetLineCoding, 0, nil, LineCodingSize))

	var s device.SetupPacket
	device.ClassInterfaceSetup(&s, false, RequestSetLineCoding, 0, 0, 3)
	_, err := f.bus.Control(hal.SetupPacket(s), []byte{1, 2, 3})
	assert.ErrorIs(t, err, sim.ErrStalled)
	assert.Len(t, changes, 1)
}

func TestControlLineStateAndBreak(t *testing.T) {
	f := newFixture(t)

	var dtr, rts bool
	f.acm.SetOnControlStateChange(func(d, r bool) { dtr, rts = d, r })
	var breaks []uint16
	f.acm.SetOnBreak(func(ms uint16) { breaks = append(breaks, ms) })

	f.request(t, false, RequestSetControlLineState, ControlLineDTR|ControlLineRTS, nil, 0)
	assert.True(t, dtr)
	assert.True(t, rts)
	assert.True(t, f.acm.DTR())

	f.request(t, false, RequestSetControlLineState, ControlLineRTS, nil, 0)
	assert.False(t, dtr)
	assert.True(t, f.acm.RTS())

	f.request(t, false, RequestSendBreak, 250, nil, 0)
	assert.Equal(t, []uint16{250}, breaks)

	var s device.SetupPacket
	device.ClassInterfaceSetup(&s, false, RequestSetCommFeature, 0, 0, 0)
	_, err := f.bus.Control(hal.SetupPacket(s), nil)
	assert.ErrorIs(t, err, sim.ErrStalled)

	// Requests addressed to the data interface have no handler.
	device.ClassInterfaceSetup(&s, false, RequestSendBreak, 0, 1, 0)
	_, err = f.bus.Control(hal.SetupPacket(s), nil)
	assert.ErrorIs(t, err, sim.ErrStalled)
}

func TestReceiveAndEcho(t *testing.T) {
	f := newFixture(t, WithEcho())

	var got []byte
	f.acm.SetOnReceive(func(data []byte) { got = append(got, data...) })

	require.NoError(t, f.bus.Write(DefaultDataOutEndpoint, []byte("hello")))
	assert.Equal(t, []byte("hello"), got)

	echo, err := f.bus.Read(DefaultDataInEndpoint, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), echo)
	assert.True(t, f.bus.Queued(DefaultDataOutEndpoint), "receive loop re-armed")

	require.NoError(t, f.bus.Write(DefaultDataOutEndpoint, []byte("world")))
	assert.Equal(t, []byte("helloworld"), got)
}

func TestWrite(t *testing.T) {
	f := newFixture(t)
	done := 0
	f.acm.SetOnTransmitDone(func() { done++ })

	write := func(data []byte) error {
		return f.stack.Do(func(*device.Device) error { return f.acm.Write(data) })
	}

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, write(payload))
	assert.ErrorIs(t, write([]byte{1}), pkg.ErrBusy)

	pkt, err := f.bus.ReadIn(DefaultDataInEndpoint)
	require.NoError(t, err)
	assert.Equal(t, payload, pkt)
	assert.Zero(t, done, "waiting for the ZLP")

	zlp, err := f.bus.ReadIn(DefaultDataInEndpoint)
	require.NoError(t, err)
	assert.Empty(t, zlp)
	assert.Equal(t, 1, done)
}

func TestSerialState(t *testing.T) {
	f := newFixture(t)

	send := func(state uint16) error {
		return f.stack.Do(func(*device.Device) error { return f.acm.SendSerialState(state) })
	}

	require.NoError(t, send(SerialStateRxCarrier|SerialStateTxCarrier))
	assert.ErrorIs(t, send(0), pkg.ErrBusy)
	assert.Equal(t, uint16(SerialStateRxCarrier|SerialStateTxCarrier), f.acm.SerialState())

	pkt, err := f.bus.ReadIn(DefaultNotifyEndpoint)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA1, NotificationSerialState, 0, 0, 0, 0, 2, 0, 0x03, 0x00}, pkt)
	assert.False(t, f.bus.Queued(DefaultNotifyEndpoint))
}

func TestNotConfigured(t *testing.T) {
	acm := NewACM()
	assert.False(t, acm.Configured())
	assert.ErrorIs(t, acm.Write([]byte{1}), pkg.ErrNotConfigured)
	assert.ErrorIs(t, acm.SendSerialState(0), pkg.ErrNotConfigured)

	f := newFixture(t)
	require.NoError(t, f.bus.Reset(hal.SpeedFull))
	assert.False(t, f.acm.Configured())
	assert.ErrorIs(t, f.acm.Write([]byte{1}), pkg.ErrNotConfigured)
}

func TestRegisterFull(t *testing.T) {
	dev, err := device.New(&device.Description{}, sim.New())
	require.NoError(t, err)
	for range device.MaxInterfaceCount - 1 {
		require.NoError(t, dev.Register(device.NewInterface(struct{}{}, 1)))
	}
	err = NewACM().Register(dev)
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
}

func TestHighSpeedPacketSize(t *testing.T) {
	acm := NewACM()
	bus := sim.New()
	dev, err := device.New(&device.Description{}, bus, device.WithHighSpeed())
	require.NoError(t, err)
	require.NoError(t, acm.Register(dev))
	stack := device.NewStack(dev)
	require.NoError(t, stack.Start(context.Background()))
	t.Cleanup(func() { _ = stack.Stop() })

	e, err := bus.Enumerate(hal.SpeedHigh, 1)
	require.NoError(t, err)

	var ed device.EndpointDescriptor
	off := device.ConfigurationDescriptorSize + ControlDescriptorSize + device.InterfaceDescriptorSize
	require.NoError(t, device.ParseEndpointDescriptor(e.Configuration[off:], &ed))
	assert.Equal(t, uint16(512), ed.MaxPacketSize)

	cfg, open := bus.Opened(DefaultDataInEndpoint)
	require.True(t, open)
	assert.Equal(t, uint16(512), cfg.MaxPacketSize)
}

func TestLineCodingString(t *testing.T) {
	assert.Equal(t, "115200 8N1", DefaultLineCoding.String())
	assert.Equal(t, "9600 7E2", LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}.String())
	assert.Equal(t, "300 5S1.5", LineCoding{DTERate: 300, CharFormat: StopBits1_5, ParityType: ParitySpace, DataBits: 5}.String())
	assert.Equal(t, "0 8??", LineCoding{CharFormat: 9, ParityType: 7, DataBits: 8}.String())

	var lc LineCoding
	assert.False(t, ParseLineCoding(make([]byte, LineCodingSize-1), &lc))
	assert.Zero(t, lc.MarshalTo(make([]byte, LineCodingSize-1)))
}

func TestMarshalFunctional(t *testing.T) {
	buf := make([]byte, FunctionalDescriptorsSize)
	require.Equal(t, FunctionalDescriptorsSize, MarshalFunctional(buf, 2, 3, ACMCapCommFeature))
	assert.Equal(t, []byte{4, DescriptorTypeCSInterface, SubtypeACM, ACMCapCommFeature}, buf[10:14])
	assert.Equal(t, []byte{5, DescriptorTypeCSInterface, SubtypeUnion, 2, 3}, buf[14:])
	assert.Zero(t, MarshalFunctional(buf[:FunctionalDescriptorsSize-1], 0, 1, 0))
}
