package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // module loading and ABI negotiation
	PhaseEval     Phase = "eval"     // evaluation calls
	PhaseEncode   Phase = "encode"   // host value to guest memory
	PhaseDecode   Phase = "decode"   // guest memory to host value
	PhaseDispatch Phase = "dispatch" // builtin callback handling
	PhaseBundle   Phase = "bundle"   // bundle parsing
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedABI    Kind = "unsupported_abi"
	KindInstantiation     Kind = "instantiation"
	KindUnresolvedBuiltin Kind = "unresolved_builtin"
	KindOutOfMemory       Kind = "out_of_memory"
	KindMemoryFault       Kind = "memory_fault"
	KindMalformedValue    Kind = "malformed_value"
	KindBuiltin           Kind = "builtin"
	KindExecutionFault    Kind = "execution_fault"
	KindSessionFaulted    Kind = "session_faulted"
	KindUndefined         Kind = "undefined"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindIO                Kind = "io"
	KindRegistration      Kind = "registration"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Phase and Kind; zero fields on the target act
// as wildcards, so errors.Is(err, &Error{Kind: KindMemoryFault}) matches any
// memory fault.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// New creates an error with a formatted detail message
func New(phase Phase, kind Kind, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an error wrapping a cause
func Wrap(phase Phase, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Cause:  cause,
		Detail: fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether err (or anything in its chain) is an *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fatal reports whether err ends the evaluation session. Builtin domain
// errors and lookup failures are recoverable; memory, codec, and execution
// faults are not.
func Fatal(err error) bool {
	switch {
	case IsKind(err, KindOutOfMemory),
		IsKind(err, KindMemoryFault),
		IsKind(err, KindMalformedValue),
		IsKind(err, KindExecutionFault):
		return true
	}
	return false
}
