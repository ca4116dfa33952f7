package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ardnew/usbd/config"
	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
	"github.com/ardnew/usbd/trace"
)

// loadFile reads a description file, or returns the built-in template.
func loadFile(path string, logger *slog.Logger) (*config.File, error) {
	if path == "" {
		logger.Debug("no device file given, using the built-in template")
		return config.Template(), nil
	}
	return config.Load(path)
}

func parseSpeed(s string) (hal.Speed, error) {
	switch s {
	case "", "full":
		return hal.SpeedFull, nil
	case "high":
		return hal.SpeedHigh, nil
	case "low":
		return hal.SpeedLow, nil
	default:
		return hal.SpeedUnknown, fmt.Errorf("unknown speed %q", s)
	}
}

// session is a device from a description file running on a simulated bus.
type session struct {
	bus      *sim.Bus
	recorder *trace.Recorder
	gadget   *config.Gadget
	stack    *device.Stack
}

func startSession(ctx context.Context, f *config.File, record bool) (*session, error) {
	s := &session{bus: sim.New()}
	var driver hal.Driver = s.bus
	if record {
		s.recorder = trace.NewRecorder(s.bus)
		driver = s.recorder
	}

	g, err := f.Build(driver)
	if err != nil {
		return nil, err
	}
	s.gadget = g
	s.stack = device.NewStack(g.Device)
	if err := s.stack.Start(ctx); err != nil {
		_ = g.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) close(logger *slog.Logger) {
	if err := s.stack.Stop(); err != nil {
		logger.Warn("stop device stack", "error", err)
	}
	if err := s.gadget.Close(); err != nil {
		logger.Warn("close disk images", "error", err)
	}
}

// readString fetches string descriptor index in the device's first
// language. Index zero yields the empty string.
func (s *session) readString(index uint8, langID uint16) (string, error) {
	if index == 0 {
		return "", nil
	}
	var setup device.SetupPacket
	device.GetStringSetup(&setup, index, langID, 255)
	data, err := s.bus.Control(hal.SetupPacket(setup), nil)
	if err != nil {
		return "", fmt.Errorf("string %d: %w", index, err)
	}
	return device.DecodeStringDescriptor(data)
}

// language returns the first language ID of string descriptor zero.
func (s *session) language() (uint16, error) {
	var setup device.SetupPacket
	device.GetStringSetup(&setup, 0, 0, 255)
	data, err := s.bus.Control(hal.SetupPacket(setup), nil)
	if err != nil {
		return 0, fmt.Errorf("language IDs: %w", err)
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("language IDs: %d bytes", len(data))
	}
	return uint16(data[2]) | uint16(data[3])<<8, nil
}
