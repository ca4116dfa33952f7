// Package hid implements the USB Human Interface Device (HID) class on top of
// the device core.
//
// This package provides HID functionality for implementing USB input devices
// such as keyboards, mice, gamepads, and other human interface devices.
//
// # Architecture
//
// A HID device consists of a single HID interface with:
//
//   - An Interrupt IN endpoint for sending input reports to the host
//   - An optional Interrupt OUT endpoint for receiving output reports
//   - HID class descriptors (HID descriptor, Report descriptor)
//
// # Zero-Allocation Design
//
// This implementation follows zero-allocation patterns:
//
//   - Fixed-size buffers for HID reports
//   - Caller-provided buffers for data transfer
//   - Report descriptors are stored by reference, not copied
//
// # Usage
//
// Register a keyboard as one interface of a device:
//
//	keyboard := hid.New(hid.KeyboardReportDescriptor,
//	    hid.WithEndpoints(0x81, 0),
//	    hid.WithBootProtocol(hid.ProtocolKeyboard),
//	    hid.WithName("Keyboard"))
//
//	keyboard.SetOnOutputReport(func(data []byte) {
//	    // Handle LED state from host
//	})
//
//	dev.Register(device.NewInterface(keyboard, 1))
//	stack := device.NewStack(dev)
//	stack.Start(ctx)
//
// Reports are sent from inside the stack's domain:
//
//	stack.Do(func(*device.Device) error {
//	    return keyboard.SendKeyboardReport(&report)
//	})
//
// # Report Descriptors
//
// The package includes common report descriptors:
//
//   - KeyboardReportDescriptor: boot-compatible 8-byte keyboard report
//   - MouseReportDescriptor: 4-byte mouse report (3 buttons, X/Y/wheel)
//
// [KeyboardReport] and [MouseReport] build the matching reports, and
// [Keycode] maps letters, digits and whitespace to a usage ID plus modifiers.
//
// Custom report descriptors can be created using the HID report descriptor
// specification and passed to [New].
package hid
