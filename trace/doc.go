// Package trace captures the traffic between the device core and its
// peripheral driver.
//
// A [Recorder] sits between a [device.Device] and its [hal.Driver]: it is
// handed to the device as the driver, and the real driver delivers its
// events to the recorder. Every event and every driver call becomes a
// [Record]. Captures are stored as a CBOR stream with [Encode] and read
// back with [Decode].
//
// Captured events can be injected straight into an event handler with
// [Replay], or driven through the host half of a simulated bus with
// [Rerun], which also compares the IN packets the device produces against
// the ones that were recorded:
//
//	bus := sim.New()
//	rec := trace.NewRecorder(bus)
//	dev, _ := device.New(desc, rec)
//	...
//	bus.Enumerate(hal.SpeedFull, 1)
//	trace.Encode(w, rec.Records())
//
// [device.Device]: github.com/ardnew/usbd/device.Device
package trace
