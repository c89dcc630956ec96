// Package gpuerr implements the runtime's closed error taxonomy, its
// severity mapping, and a pluggable structured logger. It is the single
// place a retryable error is observed and possibly consumed before
// re-surfacing to the caller.
package gpuerr

import (
	"fmt"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
)

// Kind is the closed set of error categories the runtime can raise.
type Kind int

const (
	InvalidArgument Kind = iota
	InvalidKernelParameters
	OutOfMemory
	DeviceUnavailable
	DriverError
	KernelCompilationFailed
	LaunchFailed
	Timeout
	Cancelled
	Unsupported
	InternalInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidKernelParameters:
		return "InvalidKernelParameters"
	case OutOfMemory:
		return "OutOfMemory"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case DriverError:
		return "DriverError"
	case KernelCompilationFailed:
		return "KernelCompilationFailed"
	case LaunchFailed:
		return "LaunchFailed"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	case Unsupported:
		return "Unsupported"
	case InternalInvariantViolated:
		return "InternalInvariantViolated"
	default:
		return "Unknown"
	}
}

// Severity is the logging severity a Kind maps to.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SeverityFor maps a Kind to its default severity. DriverError's severity
// depends on whether the driver classified the failure as transient;
// non-transient DriverError is Error, transient is Warning (it's expected
// to be retried).
func SeverityFor(k Kind, transient bool) Severity {
	switch k {
	case InternalInvariantViolated:
		return SeverityCritical
	case KernelCompilationFailed:
		return SeverityError
	case DriverError:
		if transient {
			return SeverityWarning
		}
		return SeverityError
	case OutOfMemory, Timeout:
		return SeverityWarning
	case Cancelled:
		return SeverityInfo
	default:
		return SeverityError
	}
}

// Retryable reports whether local recovery should ever be attempted for k.
// This is independent of whether a given instance is actually retried (a
// DriverError must additionally be backend-tagged transient).
func (k Kind) Retryable() bool {
	switch k {
	case OutOfMemory, Timeout, DriverError:
		return true
	default:
		return false
	}
}

// Error is the runtime's single diagnostic type. It satisfies the error
// interface and Unwrap, and carries everything the propagation policy
// requires: the originating device, the kernel name when relevant, thread
// and block indices when the driver supplies them, and a free-form context
// map for anything else worth surfacing to an operator.
type Error struct {
	Kind       Kind
	Device     device.ID
	Kernel     string
	ThreadIdx  *[3]uint32
	BlockIdx   *[3]uint32
	Context    map[string]string
	Suggestion string
	Transient  bool

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gpu: %s", e.Kind)
	if e.Kernel != "" {
		msg += fmt.Sprintf(" kernel=%s", e.Kernel)
	}
	if e.Device.Kind != device.KindNone || e.Device.Payload != 0 {
		msg += fmt.Sprintf(" device=%s", e.Device)
	}
	if e.cause != nil {
		msg += fmt.Sprintf(": %v", e.cause)
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (suggestion: %s)", e.Suggestion)
	}
	return msg
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Severity returns this error's logging severity.
func (e *Error) Severity() Severity { return SeverityFor(e.Kind, e.Transient) }

// Option mutates an *Error at construction time.
type Option func(*Error)

// WithDevice attaches the originating device identity.
func WithDevice(id device.ID) Option { return func(e *Error) { e.Device = id } }

// WithKernel attaches the kernel name that failed.
func WithKernel(name string) Option { return func(e *Error) { e.Kernel = name } }

// WithThreadBlock attaches driver-supplied thread/block indices.
func WithThreadBlock(thread, block [3]uint32) Option {
	return func(e *Error) {
		e.ThreadIdx = &thread
		e.BlockIdx = &block
	}
}

// WithContext merges key/value pairs into the error's context map.
func WithContext(kv map[string]string) Option {
	return func(e *Error) {
		if e.Context == nil {
			e.Context = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			e.Context[k] = v
		}
	}
}

// WithSuggestion attaches a human-readable recovery suggestion.
func WithSuggestion(s string) Option { return func(e *Error) { e.Suggestion = s } }

// Transient marks a DriverError as backend-classified transient, making it
// eligible for the recovery dispatcher's retry policy.
func Transient() Option { return func(e *Error) { e.Transient = true } }

// New constructs an *Error of the given kind.
func New(kind Kind, opts ...Option) *Error {
	e := &Error{Kind: kind}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap constructs an *Error of the given kind around an existing error,
// preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, cause error, opts ...Option) *Error {
	e := New(kind, opts...)
	e.cause = cause
	return e
}

// Is reports whether err is a *Error of the given kind, matching through
// any wrapping via errors.As semantics.
func Is(err error, kind Kind) bool {
	var ge *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ge = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ge != nil && ge.Kind == kind
}
