// Package hal defines the boundary between the usbd device core and a USB
// peripheral driver.
//
// The boundary is event-driven and runs in both directions:
//
//   - The driver reports bus activity through [EventHandler]: SETUP
//     packets, OUT and IN packet completions, bus reset, and link power
//     state changes.
//   - The core drives the hardware through [Driver]: one packet at a time
//     with QueueTransfer, plus stall, address, and endpoint management.
//
// The driver owns everything register-level (SIE and FIFO access, speed
// negotiation, link power transitions). The core owns all protocol logic.
//
// # Implementing a Driver
//
//  1. Record the [EventHandler] passed to Init.
//  2. From the interrupt handler, translate hardware events into
//     EventHandler calls. Deliver them from a single context.
//  3. Implement QueueTransfer as "arm exactly one packet". For OUT
//     endpoints the data slice is the receive buffer.
//  4. Never call the EventHandler from inside a Driver method.
//
// Drivers that prefer channels can emit [Event] values and let the core's
// Stack pump them with [Dispatch].
//
// An in-memory driver with a scripted host is available in
// [github.com/ardnew/usbd/device/hal/sim].
package hal
