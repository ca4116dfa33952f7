// Package cdc implements the USB Communications Device Class (CDC) on top of
// the device core.
//
// This package provides CDC-ACM (Abstract Control Model) functionality for
// implementing USB serial devices. CDC-ACM is the standard class for USB
// to serial adapters and virtual COM ports.
//
// # Architecture
//
// A CDC-ACM device consists of two interfaces:
//
//   - Control Interface (Communications Class): Handles CDC-specific requests
//     like SET_LINE_CODING and SET_CONTROL_LINE_STATE
//   - Data Interface (Data Class): Handles bulk data transfer via IN and OUT
//     endpoints
//
// The control interface is preceded by an interface association descriptor
// so hosts bind both interfaces to one function.
//
// # Zero-Allocation Design
//
// This implementation follows zero-allocation patterns:
//
//   - Fixed-size buffers for line coding, notifications, and received data
//   - Caller-provided buffers for data transfer
//   - No dynamic allocation in hot paths
//
// # Usage
//
// To create a CDC-ACM device:
//
//	acm := cdc.NewACM(cdc.WithName("Serial"))
//
//	acm.SetOnLineCodingChange(func(lc *cdc.LineCoding) {
//	    // Handle baud rate, data bits, etc. changes
//	})
//	acm.SetOnReceive(func(data []byte) {
//	    // Consume bytes from the host
//	})
//
//	// Interface 0 = control, interface 1 = data
//	acm.Register(dev)
//	stack := device.NewStack(dev)
//	stack.Start(ctx)
//
//	stack.Do(func(*device.Device) error {
//	    return acm.Write(data)
//	})
//
// # CDC Descriptors
//
// [MarshalFunctional] writes the Header, Call Management, ACM and Union
// functional descriptors that follow the control interface descriptor.
package cdc
