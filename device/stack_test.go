package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
	"github.com/ardnew/usbd/pkg"
)

func TestStackLifecycle(t *testing.T) {
	bus := sim.New()
	dev, err := New(testDescription(), bus)
	require.NoError(t, err)
	stack := NewStack(dev)
	assert.Same(t, dev, stack.Device())
	assert.False(t, stack.IsRunning())

	require.NoError(t, stack.Start(context.Background()))
	assert.True(t, stack.IsRunning())
	assert.True(t, bus.Started())
	assert.ErrorIs(t, stack.Start(context.Background()), pkg.ErrAlreadyRunning)

	_, err = bus.Enumerate(hal.SpeedFull, 3)
	require.NoError(t, err)
	assert.Equal(t, StateConfigured, dev.State())

	require.NoError(t, stack.Stop())
	assert.False(t, stack.IsRunning())
	assert.False(t, bus.Started())
	assert.Equal(t, StateDefault, dev.State())
	assert.False(t, dev.Configured())

	require.NoError(t, stack.Stop(), "stopping twice is harmless")
}

func TestStackDo(t *testing.T) {
	h := newHarness(t, testDescription(), []Class{&mockClass{epIn: 0x81}})
	h.configure(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.stack.Do(func(d *Device) error {
				d.OnInComplete(0x81)
				return nil
			})
		}()
	}
	wg.Wait()

	err := h.stack.Do(func(d *Device) error {
		iface, err := d.Resolve(0)
		if err != nil {
			return err
		}
		return iface.Transmit(0x81, []byte{1, 2, 3})
	})
	require.NoError(t, err)
	assert.True(t, h.bus.Queued(0x81))
}

func TestStackServe(t *testing.T) {
	h := newHarness(t, testDescription(), nil)

	var setup [hal.SetupPacketSize]byte
	var s SetupPacket
	GetSetAddressSetup(&s, 7)
	s.MarshalTo(setup[:])

	events := make(chan hal.Event, 8)
	events <- hal.Event{Kind: hal.EventReset, Speed: hal.SpeedFull}
	events <- hal.Event{Kind: hal.EventSetup, Setup: setup}
	events <- hal.Event{Kind: hal.EventKind(0)}
	events <- hal.Event{Kind: hal.EventInComplete, Endpoint: 0x80}
	events <- hal.Event{Kind: hal.EventLinkState, Link: hal.LinkSuspend}
	close(events)

	require.NoError(t, h.stack.Serve(context.Background(), events))
	assert.Equal(t, uint8(7), h.dev.Address())
	assert.Equal(t, StateSuspended, h.dev.State())
	assert.Equal(t, hal.LinkSuspend, h.dev.LinkState())
}

func TestStackServeCancel(t *testing.T) {
	h := newHarness(t, testDescription(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.stack.Serve(ctx, make(chan hal.Event)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// failingDriver refuses to initialize.
type failingDriver struct {
	*sim.Bus
}

func (failingDriver) Init(context.Context, hal.EventHandler) error {
	return sim.ErrNotInitialized
}

func TestStackStartDriverError(t *testing.T) {
	dev, err := New(testDescription(), failingDriver{sim.New()})
	require.NoError(t, err)
	stack := NewStack(dev)

	err = stack.Start(context.Background())
	assert.ErrorIs(t, err, pkg.ErrDriver)
	assert.ErrorIs(t, err, sim.ErrNotInitialized)
	assert.False(t, stack.IsRunning())
}
