package hal

import "github.com/pkg/errors"

// Error kinds returned by the runtime.
//
// Every fallible operation wraps one of these sentinels (with github.com/pkg/errors,
// so messages carry context and stack traces), and callers can classify failures with
// errors.Is.
var (
	// ErrNotFound : unknown device driver, unknown function or unknown export.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument : shape/type/count mismatch between supplied buffers and a
	// function's declared signature, malformed buffer parameters, or operations issued
	// against the wrong device.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSizeMismatch : host data length does not match the storage size computed from
	// shape and element type.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrFormat : module bytes failed validation or parsing.
	ErrFormat = errors.New("invalid module format")

	// ErrResourceExhausted : allocation failure, or popping more outputs than a call
	// produced.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout : a blocking transfer or wait exceeded its deadline. The destination
	// of a timed-out transfer is undefined and must be treated as failed.
	ErrTimeout = errors.New("timeout")

	// ErrInternal : the device backend reported an execution fault during invocation.
	ErrInternal = errors.New("internal error")
)
