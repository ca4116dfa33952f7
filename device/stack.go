package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Stack binds a [Device] to its driver and serialises every entry into the
// core. Driver events and application calls made through [Stack.Do] never
// run concurrently.
//
// Class callbacks run with the stack lock held and must use the
// [Interface] API directly, never [Stack.Do].
type Stack struct {
	device *Device

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
}

var _ hal.EventHandler = (*Stack)(nil)

// NewStack creates a stack for dev.
func NewStack(dev *Device) *Stack {
	return &Stack{device: dev}
}

// Start initializes the driver with the stack as its event sink and
// attaches to the bus.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return pkg.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	drv := s.device.driver
	if err := drv.Init(ctx, s); err != nil {
		cancel()
		return fmt.Errorf("%w: init: %w", pkg.ErrDriver, err)
	}
	if err := drv.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start: %w", pkg.ErrDriver, err)
	}

	s.cancel = cancel
	s.running = true
	pkg.LogDebug(pkg.ComponentStack, "device stack started")
	return nil
}

// Stop detaches from the bus and tears down the configuration.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()

	s.device.Close()
	if err := s.device.driver.Stop(); err != nil {
		return fmt.Errorf("%w: stop: %w", pkg.ErrDriver, err)
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}

// Device returns the underlying device. Access it through [Stack.Do] while
// the stack is running.
func (s *Stack) Device() *Device {
	return s.device
}

// Do runs fn with exclusive access to the device.
func (s *Stack) Do(fn func(*Device) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return fn(s.device)
}

// Serve delivers events from a channel-based driver until ctx is done or
// events is closed.
func (s *Stack) Serve(ctx context.Context, events <-chan hal.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := hal.Dispatch(s, &ev); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "event dropped",
					"kind", ev.Kind.String(),
					"error", err)
			}
		}
	}
}

// OnSetup implements [hal.EventHandler].
func (s *Stack) OnSetup(packet []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.device.OnSetup(packet)
}

// OnOutComplete implements [hal.EventHandler].
func (s *Stack) OnOutComplete(ep uint8, length int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.device.OnOutComplete(ep, length)
}

// OnInComplete implements [hal.EventHandler].
func (s *Stack) OnInComplete(ep uint8) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.device.OnInComplete(ep)
}

// OnReset implements [hal.EventHandler].
func (s *Stack) OnReset(speed hal.Speed) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.device.OnReset(speed)
}

// OnLinkStateChange implements [hal.EventHandler].
func (s *Stack) OnLinkStateChange(state hal.LinkState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.device.OnLinkStateChange(state)
}
