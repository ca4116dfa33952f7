// Package device implements the protocol core of a USB 2.0 device stack.
//
// The core is event driven. A peripheral driver implementing [hal.Driver]
// reports SETUP packets, packet completions, bus resets, and link state
// changes through [hal.EventHandler]; the core answers by queueing one
// packet at a time. Nothing in the core blocks or spawns goroutines.
//
// # Architecture
//
//   - [Endpoint] tracks the transfer in flight on one endpoint direction
//   - [Interface] is a registered class instance; [Device.Register] assigns
//     interface numbers and resolves the class capabilities
//   - [Device] runs the EP0 control state machine, handles standard
//     requests, and owns device state and configuration
//   - [Stack] serialises driver events and application calls
//
// # Class Drivers
//
// A class is any value implementing a subset of [DescriptorProvider],
// [StringProvider], [Initializer], [Deinitializer], [SetupHandler],
// [DataStageHandler], [OutHandler], and [InHandler]. Missing capabilities
// mean "not supported".
//
// Built-in classes:
//
//   - [github.com/ardnew/usbd/device/class/hid] - Human Interface Device
//   - [github.com/ardnew/usbd/device/class/cdc] - CDC-ACM serial port
//
// # Device States
//
//	Default → Addressed → Configured
//	   ↑          ↑           │
//	   └──────────┴─ Suspended ┘
//
// SET_ADDRESS, SET_CONFIGURATION, and SET_INTERFACE take effect only once
// their status stage completes.
//
// # Zero-Allocation Design
//
// Descriptors are serialized with MarshalTo(buf) into the device's control
// buffer, registries are fixed-size arrays, and transfer buffers are
// borrowed from the caller.
//
// # Example
//
//	dev, err := device.New(&device.Description{
//	    Vendor:  device.Vendor{Name: "Acme", ID: 0xCAFE},
//	    Product: device.Product{Name: "Widget", ID: 0xBABE},
//	    Config:  device.Config{MaxCurrentMA: 100},
//	}, drv)
//	if err != nil {
//	    return err
//	}
//	dev.Register(device.NewInterface(hid.New(hid.KeyboardReportDescriptor), 1))
//	stack := device.NewStack(dev)
//	stack.Start(ctx)
//
// A simulated bus for tests is available in
// [github.com/ardnew/usbd/device/hal/sim].
package device
