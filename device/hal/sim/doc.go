// Package sim provides an in-memory USB bus for exercising the device core
// without hardware.
//
// A [Bus] is both halves of the wire. Its Driver methods are handed to the
// device core, and its host methods script the other side:
//
//	bus := sim.New()
//	dev, _ := device.New(desc, bus)
//	stack := device.NewStack(dev)
//	stack.Start(ctx)
//
//	enum, err := bus.Enumerate(hal.SpeedFull, 5)
//
// Host methods deliver events synchronously on the calling goroutine and
// never hold the bus lock while the core runs.
package sim
