package errors

import "fmt"

// Convenience constructors for the engine's error taxonomy

// UnsupportedABI creates a load-time ABI version rejection
func UnsupportedABI(format string, args ...any) *Error {
	return New(PhaseLoad, KindUnsupportedABI, format, args...)
}

// Instantiation creates a load-time instantiation failure
func Instantiation(cause error, detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Cause:  cause,
		Detail: detail,
	}
}

// UnresolvedBuiltin reports a builtin the policy requires but the host did
// not register.
func UnresolvedBuiltin(phase Phase, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnresolvedBuiltin,
		Detail: fmt.Sprintf("policy requires builtin %q but no implementation is registered", name),
	}
}

// OutOfMemory reports a refused guest allocation
func OutOfMemory(size uint32) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindOutOfMemory,
		Detail: fmt.Sprintf("guest allocator refused %d bytes", size),
	}
}

// MemoryFault reports an access outside the guest's current memory size
func MemoryFault(op string, addr, length, memSize uint32) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindMemoryFault,
		Detail: fmt.Sprintf("%s of %d bytes at 0x%x exceeds guest memory size 0x%x", op, length, addr, memSize),
	}
}

// MalformedValue reports an encode/decode failure at the value boundary
func MalformedValue(phase Phase, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMalformedValue,
		Cause:  cause,
		Detail: detail,
	}
}

// Builtin reports a domain error raised by a host builtin implementation.
// Not fatal to the session; the policy observes the call as undefined.
func Builtin(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindBuiltin,
		Cause:  cause,
		Detail: fmt.Sprintf("builtin %q failed", name),
	}
}

// ExecutionFault reports a guest trap, abort, or exceeded execution ceiling
func ExecutionFault(cause error, detail string) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindExecutionFault,
		Cause:  cause,
		Detail: detail,
	}
}

// SessionFaulted reports a call on a session that already faulted
func SessionFaulted() *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindSessionFaulted,
		Detail: "session is faulted and must be discarded",
	}
}

// Undefined reports an evaluation that produced no results
func Undefined(entrypoint string) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindUndefined,
		Detail: fmt.Sprintf("entrypoint %q produced no results", entrypoint),
	}
}

// NotFound reports a missing named item such as an unknown entrypoint
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("unknown %s %q", what, name),
	}
}

// InvalidInput reports rejected caller input
func InvalidInput(phase Phase, format string, args ...any) *Error {
	return New(phase, KindInvalidInput, format, args...)
}

// IO reports a failed file or stream operation
func IO(phase Phase, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Cause:  cause,
		Detail: detail,
	}
}

// Registration reports an invalid builtin registration
func Registration(format string, args ...any) *Error {
	return New(PhaseLoad, KindRegistration, format, args...)
}
