package device

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
)

func testDescription() *Description {
	return &Description{
		Config: Config{
			Name:         "Default",
			MaxCurrentMA: 100,
		},
		Vendor:       Vendor{Name: "Acme", ID: 0xCAFE},
		Product:      Product{Name: "Widget", ID: 0xBABE, Version: Version{Major: 1, Minor: 2}},
		SerialNumber: []byte{0x12, 0x34, 0xAB},
	}
}

// mockClass implements every capability and records what the core asks of
// it.
type mockClass struct {
	name     string
	log      *[]string
	epIn     uint8 // bulk IN endpoint opened on Init, 0 for none
	epOut    uint8 // bulk OUT endpoint opened on Init, 0 for none
	strs     map[uint8]string
	setupErr error
	response []byte // staged for device-to-host requests
	received []byte // data of the last host-to-device data stage
	setups   []SetupPacket
	outs     []int
	ins      []int
}

func (m *mockClass) record(format string, args ...any) {
	if m.log != nil {
		*m.log = append(*m.log, m.name+":"+fmt.Sprintf(format, args...))
	}
}

func (m *mockClass) GetDescriptor(iface *Interface, ifNum uint8, dest []byte) int {
	id := InterfaceDescriptor{
		InterfaceNumber: ifNum,
		InterfaceClass:  ClassVendor,
	}
	n := id.MarshalTo(dest)
	for _, addr := range []uint8{m.epIn, m.epOut} {
		if addr == 0 {
			continue
		}
		id.NumEndpoints++
		ed := EndpointDescriptor{EndpointAddress: addr, Attributes: EndpointTypeBulk, MaxPacketSize: 64}
		n += ed.MarshalTo(dest[n:])
	}
	id.MarshalTo(dest)
	return n
}

func (m *mockClass) GetString(iface *Interface, intNum uint8) string {
	return m.strs[intNum]
}

func (m *mockClass) Init(iface *Interface) {
	m.record("init%d", iface.AltSelector)
	for _, addr := range []uint8{m.epIn, m.epOut} {
		if addr == 0 {
			continue
		}
		cfg := hal.EndpointConfig{Address: addr, Attributes: EndpointTypeBulk, MaxPacketSize: 64}
		if err := iface.OpenEndpoint(cfg, 0); err != nil {
			m.record("open failed: %v", err)
		}
	}
}

func (m *mockClass) Deinit(iface *Interface) {
	m.record("deinit")
}

func (m *mockClass) SetupStage(iface *Interface, setup *SetupPacket) error {
	m.setups = append(m.setups, *setup)
	if m.setupErr != nil {
		return m.setupErr
	}
	if setup.IsDeviceToHost() && m.response != nil {
		return iface.ControlIn(m.response)
	}
	return nil
}

func (m *mockClass) DataStage(iface *Interface) {
	m.received = append([]byte(nil), iface.ControlData()...)
}

func (m *mockClass) OutData(iface *Interface, ep *Endpoint) {
	m.outs = append(m.outs, ep.Transfer.Progress)
}

func (m *mockClass) InData(iface *Interface, ep *Endpoint) {
	m.ins = append(m.ins, ep.Transfer.Progress)
}

// bareClass implements no capabilities.
type bareClass struct{}

type harness struct {
	bus   *sim.Bus
	dev   *Device
	stack *Stack
}

func newHarness(t *testing.T, desc *Description, classes []Class, opts ...Option) *harness {
	t.Helper()
	bus := sim.New()
	dev, err := New(desc, bus, opts...)
	require.NoError(t, err)
	for _, c := range classes {
		require.NoError(t, dev.Register(NewInterface(c, 1)))
	}
	stack := NewStack(dev)
	require.NoError(t, stack.Start(context.Background()))
	t.Cleanup(func() { _ = stack.Stop() })
	return &harness{bus: bus, dev: dev, stack: stack}
}

// reset resets the bus at full speed.
func (h *harness) reset(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bus.Reset(hal.SpeedFull))
}

// configure brings the device to Configured at address 5.
func (h *harness) configure(t *testing.T) {
	t.Helper()
	_, err := h.bus.Enumerate(hal.SpeedFull, 5)
	require.NoError(t, err)
	require.Equal(t, StateConfigured, h.dev.State())
}

func (h *harness) control(setup SetupPacket, data []byte) ([]byte, error) {
	return h.bus.Control(hal.SetupPacket(setup), data)
}

func (h *harness) getDescriptor(t *testing.T, descType, index uint8, length uint16) []byte {
	t.Helper()
	var s SetupPacket
	GetDescriptorSetup(&s, descType, index, length)
	data, err := h.control(s, nil)
	require.NoError(t, err)
	return data
}

func (h *harness) stalls(setup SetupPacket, data []byte) bool {
	_, err := h.control(setup, data)
	return err == sim.ErrStalled
}
