// Package pkg provides shared utilities for the usbd device core.
//
// It contains:
//
//   - Structured logging via Go's standard [log/slog] package
//   - The [Result] taxonomy and the sentinel errors that feed it
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device configured", "config", 1)
//
// Per-packet events are logged at [LevelTrace].
//
// # Errors
//
// Errors are sentinel values. Every malformed-request error wraps
// [ErrInvalid], so callers classify with [errors.Is] or [ResultOf]:
//
//	switch pkg.ResultOf(err) {
//	case pkg.ResultBusy:
//	    // retry after the in-flight transfer completes
//	case pkg.ResultInvalid:
//	    // STALL
//	}
package pkg
