// Package errors provides the structured error types used across the engine.
//
// Errors carry a Phase (where the failure occurred) and a Kind (the failure
// category from the engine's error taxonomy). Load-time kinds abort
// construction; most call-time kinds fault the evaluation session, which is
// reported by Fatal.
//
// Construct errors with the convenience constructors:
//
//	err := errors.UnsupportedABI("module declares ABI 2.0, engine supports 1.x")
//	err := errors.MemoryFault("read", 0x8000, 64, 0x4000)
//
// All errors support the standard errors.Is/As chain. Kind matching without a
// target value is available through IsKind.
package errors
