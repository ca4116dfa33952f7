package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
	"github.com/ardnew/usbd/pkg"
)

func bulkHarness(t *testing.T) (*harness, *mockClass, *Interface) {
	t.Helper()
	class := &mockClass{epIn: 0x81, epOut: 0x02}
	h := newHarness(t, testDescription(), []Class{class})
	h.configure(t)
	iface, err := h.dev.Resolve(0)
	require.NoError(t, err)
	return h, class, iface
}

func TestTransmitPackets(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		packets []int
	}{
		{"empty", 0, []int{0}},
		{"short", 10, []int{10}},
		{"one full packet", 64, []int{64, 0}},
		{"two full packets", 128, []int{64, 64, 0}},
		{"partial last packet", 130, []int{64, 64, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, class, iface := bulkHarness(t)
			data := pattern(tt.length)
			require.NoError(t, iface.Transmit(0x81, data))

			got := []byte{}
			for i, size := range tt.packets {
				assert.Empty(t, class.ins, "no completion before packet %d", i)
				pkt, err := h.bus.ReadIn(0x81)
				require.NoError(t, err)
				require.Len(t, pkt, size)
				got = append(got, pkt...)
			}

			assert.Equal(t, []int{tt.length}, class.ins, "InData fires once")
			assert.Equal(t, data, got)
			assert.False(t, h.bus.Queued(0x81))
			assert.False(t, h.dev.Endpoint(0x81).Busy())
		})
	}
}

func TestTransmitInterruptNoZLP(t *testing.T) {
	class := &interruptClass{}
	h := newHarness(t, testDescription(), []Class{class})
	h.configure(t)
	iface, err := h.dev.Resolve(0)
	require.NoError(t, err)

	require.NoError(t, iface.Transmit(0x83, pattern(8)))
	pkt, err := h.bus.ReadIn(0x83)
	require.NoError(t, err)
	assert.Len(t, pkt, 8)
	assert.Equal(t, 1, class.done)
	assert.False(t, h.bus.Queued(0x83))
}

func TestSendWithoutZLP(t *testing.T) {
	h, class, iface := bulkHarness(t)
	data := pattern(128)
	require.NoError(t, iface.Send(0x81, data, false))
	for range 2 {
		pkt, err := h.bus.ReadIn(0x81)
		require.NoError(t, err)
		assert.Len(t, pkt, 64)
	}
	assert.Equal(t, []int{128}, class.ins)
	assert.False(t, h.bus.Queued(0x81))

	assert.ErrorIs(t, iface.Send(0x85, data, false), pkg.ErrInvalidEndpoint)
}

// interruptClass owns an interrupt IN endpoint whose packet size equals the
// report size.
type interruptClass struct {
	done int
}

func (c *interruptClass) Init(iface *Interface) {
	cfg := hal.EndpointConfig{Address: 0x83, Attributes: EndpointTypeInterrupt, MaxPacketSize: 8, Interval: 10}
	_ = iface.OpenEndpoint(cfg, 8)
}

func (c *interruptClass) InData(iface *Interface, ep *Endpoint) {
	c.done++
}

func TestReceive(t *testing.T) {
	t.Run("short packet completes", func(t *testing.T) {
		h, class, iface := bulkHarness(t)
		buf := make([]byte, 200)
		require.NoError(t, iface.Receive(0x02, buf))

		payload := pattern(74)
		require.NoError(t, h.bus.WriteOut(0x02, payload[:64]))
		assert.Empty(t, class.outs)
		require.NoError(t, h.bus.WriteOut(0x02, payload[64:]))

		assert.Equal(t, []int{74}, class.outs)
		assert.Equal(t, payload, buf[:74])
		assert.ErrorIs(t, h.bus.WriteOut(0x02, []byte{1}), sim.ErrNAK, "nothing armed after completion")
	})

	t.Run("full length completes", func(t *testing.T) {
		h, class, iface := bulkHarness(t)
		buf := make([]byte, 128)
		require.NoError(t, iface.Receive(0x02, buf))
		require.NoError(t, h.bus.Write(0x02, pattern(128)))
		assert.Equal(t, []int{128}, class.outs)
		assert.Equal(t, pattern(128), buf)
	})

	t.Run("zero-length packet", func(t *testing.T) {
		h, class, iface := bulkHarness(t)
		require.NoError(t, iface.Receive(0x02, make([]byte, 64)))
		require.NoError(t, h.bus.WriteOut(0x02, nil))
		assert.Equal(t, []int{0}, class.outs)
	})
}

func TestTransferErrors(t *testing.T) {
	t.Run("busy", func(t *testing.T) {
		_, _, iface := bulkHarness(t)
		require.NoError(t, iface.Transmit(0x81, pattern(100)))
		err := iface.Transmit(0x81, pattern(10))
		assert.ErrorIs(t, err, pkg.ErrBusy)
		assert.Equal(t, pkg.ResultBusy, pkg.ResultOf(err))

		require.NoError(t, iface.Receive(0x02, make([]byte, 64)))
		assert.ErrorIs(t, iface.Receive(0x02, make([]byte, 64)), pkg.ErrBusy)
	})

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, testDescription(), []Class{&mockClass{epIn: 0x81}})
		h.reset(t)
		assert.ErrorIs(t, h.dev.Transmit(0x81, []byte{1}), pkg.ErrNotConfigured)
		assert.ErrorIs(t, h.dev.Receive(0x02, make([]byte, 8)), pkg.ErrNotConfigured)
	})

	t.Run("wrong direction or control endpoint", func(t *testing.T) {
		h, _, iface := bulkHarness(t)
		assert.ErrorIs(t, h.dev.Transmit(0x01, []byte{1}), pkg.ErrInvalidEndpoint)
		assert.ErrorIs(t, h.dev.Transmit(0x80, []byte{1}), pkg.ErrInvalidEndpoint)
		assert.ErrorIs(t, h.dev.Receive(0x81, make([]byte, 8)), pkg.ErrInvalidEndpoint)
		assert.ErrorIs(t, h.dev.Receive(0x00, make([]byte, 8)), pkg.ErrInvalidEndpoint)
		assert.ErrorIs(t, iface.Transmit(0x84, []byte{1}), pkg.ErrInvalidEndpoint)
	})

	t.Run("length beyond buffer", func(t *testing.T) {
		_, _, iface := bulkHarness(t)
		ep := iface.Endpoint(0x81)
		require.NotNil(t, ep)
		assert.ErrorIs(t, ep.Start(make([]byte, 4), 8, false), pkg.ErrInvalidLength)
	})

	t.Run("stalled", func(t *testing.T) {
		h, class, iface := bulkHarness(t)
		require.NoError(t, iface.Transmit(0x81, pattern(100)))
		require.NoError(t, iface.Stall(0x81))
		assert.True(t, h.bus.Stalled(0x81))
		assert.True(t, iface.Endpoint(0x81).Halted())
		assert.ErrorIs(t, iface.Transmit(0x81, []byte{1}), pkg.ErrStall)

		require.NoError(t, iface.ClearStall(0x81))
		require.NoError(t, iface.Transmit(0x81, []byte{1}))
		_, err := h.bus.ReadIn(0x81)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, class.ins, "the stalled transfer never completes")
	})

	t.Run("driver refuses packet", func(t *testing.T) {
		h, _, iface := bulkHarness(t)
		require.NoError(t, h.bus.Stall(0x81))
		err := iface.Transmit(0x81, []byte{1})
		assert.ErrorIs(t, err, pkg.ErrDriver)
		assert.ErrorIs(t, err, sim.ErrStalled)
		assert.Equal(t, pkg.ResultError, pkg.ResultOf(err))
		assert.False(t, iface.Endpoint(0x81).Busy(), "transfer aborted")
	})
}

func TestTransferAbortedByReset(t *testing.T) {
	h, class, iface := bulkHarness(t)
	require.NoError(t, iface.Transmit(0x81, pattern(100)))
	require.NoError(t, iface.Receive(0x02, make([]byte, 64)))

	h.reset(t)

	assert.False(t, h.dev.Endpoint(0x81).Enabled())
	assert.False(t, h.dev.Endpoint(0x02).Enabled())
	_, err := h.bus.ReadIn(0x81)
	assert.ErrorIs(t, err, sim.ErrNotOpen)
	assert.Empty(t, class.ins)
	assert.Empty(t, class.outs)
}

func TestStrayCompletion(t *testing.T) {
	h, class, _ := bulkHarness(t)

	h.stack.OnInComplete(0x81)
	h.stack.OnOutComplete(0x02, 10)
	h.stack.OnInComplete(0x8F)
	h.stack.OnOutComplete(0x7F, 1)

	assert.Empty(t, class.ins)
	assert.Empty(t, class.outs)
	assert.Equal(t, StateConfigured, h.dev.State())
}

func TestCloseEndpoint(t *testing.T) {
	h, class, iface := bulkHarness(t)
	require.NoError(t, iface.Transmit(0x81, pattern(10)))
	require.NoError(t, iface.CloseEndpoint(0x81))

	assert.Nil(t, iface.Endpoint(0x81))
	_, open := h.bus.Opened(0x81)
	assert.False(t, open)
	assert.ErrorIs(t, iface.Transmit(0x81, []byte{1}), pkg.ErrInvalidEndpoint)
	assert.ErrorIs(t, iface.CloseEndpoint(0x81), pkg.ErrInvalidEndpoint)
	assert.Empty(t, class.ins)
}
