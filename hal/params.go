package hal

import "github.com/pkg/errors"

// MemoryType selects where a buffer's storage is placed.
type MemoryType uint8

const (
	// MemoryTypeDeviceLocal places the storage in memory optimal for device access.
	MemoryTypeDeviceLocal MemoryType = iota

	// MemoryTypeHostVisible places the storage where the host can map it.
	MemoryTypeHostVisible

	memoryTypeCount
)

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	switch t {
	case MemoryTypeDeviceLocal:
		return "device-local"
	case MemoryTypeHostVisible:
		return "host-visible"
	}
	return "invalid-memory-type"
}

// MemoryAccess is a bitmask of the accesses permitted on a buffer's storage.
type MemoryAccess uint8

const (
	MemoryAccessRead MemoryAccess = 1 << iota
	MemoryAccessWrite

	// MemoryAccessAll allows reading and writing.
	MemoryAccessAll = MemoryAccessRead | MemoryAccessWrite
)

// String implements fmt.Stringer.
func (a MemoryAccess) String() string {
	switch a {
	case MemoryAccessRead:
		return "read"
	case MemoryAccessWrite:
		return "write"
	case MemoryAccessAll:
		return "read-write"
	}
	return "invalid-memory-access"
}

// BufferUsage hints what a buffer will be used for, so drivers can pick placements.
type BufferUsage uint8

const (
	// BufferUsageDefault is suitable for use as function input/output.
	BufferUsageDefault BufferUsage = iota

	// BufferUsageTransfer is optimized for host/device staging copies.
	BufferUsageTransfer

	bufferUsageCount
)

// String implements fmt.Stringer.
func (u BufferUsage) String() string {
	switch u {
	case BufferUsageDefault:
		return "default"
	case BufferUsageTransfer:
		return "transfer"
	}
	return "invalid-buffer-usage"
}

// BufferParams configures allocation placement and the permissible operations on the
// resulting storage.
type BufferParams struct {
	Type   MemoryType
	Access MemoryAccess
	Usage  BufferUsage
}

// DefaultBufferParams returns device-local, read-write, general-usage parameters --
// the right choice for function arguments and results.
func DefaultBufferParams() BufferParams {
	return BufferParams{
		Type:   MemoryTypeDeviceLocal,
		Access: MemoryAccessAll,
		Usage:  BufferUsageDefault,
	}
}

// Validate returns an ErrInvalidArgument-wrapped error if any option is unrecognized,
// or if no access is granted at all.
func (p BufferParams) Validate() error {
	if p.Type >= memoryTypeCount {
		return errors.Wrapf(ErrInvalidArgument, "unrecognized memory type %d", p.Type)
	}
	if p.Access == 0 || p.Access&^MemoryAccessAll != 0 {
		return errors.Wrapf(ErrInvalidArgument, "unrecognized memory access %d", p.Access)
	}
	if p.Usage >= bufferUsageCount {
		return errors.Wrapf(ErrInvalidArgument, "unrecognized buffer usage %d", p.Usage)
	}
	return nil
}

// EncodingType describes how the elements of a buffer view are laid out in storage.
type EncodingType uint8

const (
	// EncodingOpaque is storage with no defined element layout.
	EncodingOpaque EncodingType = iota

	// EncodingDenseRowMajor is a densely packed row-major layout, the only encoding
	// the current drivers compute on.
	EncodingDenseRowMajor
)

// String implements fmt.Stringer.
func (e EncodingType) String() string {
	switch e {
	case EncodingOpaque:
		return "opaque"
	case EncodingDenseRowMajor:
		return "dense-row-major"
	}
	return "invalid-encoding"
}

// TransferFlags modify transfer operations. None are currently defined.
type TransferFlags uint32

// TransferFlagsDefault requests plain copy behavior.
const TransferFlagsDefault TransferFlags = 0
