package hal

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/gort/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// BufferView is a typed, shaped descriptor over a device buffer: element type,
// encoding, shape, and a reference to the underlying storage.
//
// A view owns one reference to its buffer. Retain/Release on the view forward to the
// buffer, so several views can share storage, each holding its own reference. A view
// pushed into a call's input list is logically consumed: the call machinery takes over
// the view's reference, and the pusher must Retain first if it wants to keep using it.
type BufferView struct {
	buffer      *Buffer
	dtype       dtypes.DType
	encoding    EncodingType
	dims        []int
	numElements int
}

// NewBufferView wraps buffer into a typed, shaped view, taking ownership of the
// caller's buffer reference (also on failure).
//
// It fails with ErrInvalidArgument for invalid dtype, encoding or negative dimensions,
// and with ErrSizeMismatch if the buffer's storage size is not exactly the size
// computed from shape and element type.
func NewBufferView(buffer *Buffer, dtype dtypes.DType, encoding EncodingType, dims []int) (*BufferView, error) {
	if err := validateViewShape(dtype, encoding, dims); err != nil {
		buffer.Release()
		return nil, err
	}
	byteSize, _ := dtype.SizeForDimensions(dims...)
	if buffer.Size() != byteSize {
		defer buffer.Release()
		return nil, errors.Wrapf(ErrSizeMismatch,
			"buffer holds %d bytes, but shape %v of %s requires %d bytes", buffer.Size(), dims, dtype, byteSize)
	}
	return &BufferView{
		buffer:      buffer,
		dtype:       dtype,
		encoding:    encoding,
		dims:        slices.Clone(dims),
		numElements: byteSize / dtype.Size(),
	}, nil
}

func validateViewShape(dtype dtypes.DType, encoding EncodingType, dims []int) error {
	if !dtype.IsValid() {
		return errors.Wrapf(ErrInvalidArgument, "invalid element type %s", dtype)
	}
	if encoding != EncodingDenseRowMajor {
		return errors.Wrapf(ErrInvalidArgument, "unsupported encoding %s, only %s is supported", encoding, EncodingDenseRowMajor)
	}
	for _, dim := range dims {
		if dim < 0 {
			return errors.Wrapf(ErrInvalidArgument, "negative dimension in shape %v", dims)
		}
	}
	return nil
}

// AllocateBufferCopy allocates device storage sized to shape and element type, per
// params, copies hostData into it and returns a view over it. This is the only way
// data enters device memory, so type and shape metadata is always attached at entry.
//
// hostData byte length must exactly equal the computed storage size, or the call fails
// with an ErrSizeMismatch-wrapped error before any storage is allocated. The caller
// receives the view's (single) reference and must Release it when no longer needed.
//
// The host-to-device copy runs as a device submission, so it orders after previously
// submitted work; AllocateBufferCopy blocks until it completes.
func AllocateBufferCopy(device Device, allocator Allocator, dims []int, dtype dtypes.DType,
	encoding EncodingType, params BufferParams, hostData []byte) (*BufferView, error) {
	if err := validateViewShape(dtype, encoding, dims); err != nil {
		return nil, err
	}
	byteSize, err := dtype.SizeForDimensions(dims...)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if len(hostData) != byteSize {
		return nil, errors.Wrapf(ErrSizeMismatch,
			"host data is %d bytes, but shape %v of %s requires %d bytes", len(hostData), dims, dtype, byteSize)
	}
	buffer, err := allocator.Allocate(byteSize, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %d bytes on %s", byteSize, device)
	}
	if err = device.Submit(func() error {
		copy(buffer.Bytes(), hostData)
		return nil
	}).Await(InfiniteTimeout); err != nil {
		buffer.Release()
		return nil, errors.WithMessagef(err, "copying %d host bytes to %s", byteSize, device)
	}
	return NewBufferView(buffer, dtype, encoding, dims)
}

// Buffer returns the underlying storage reference. The buffer is shared with the view;
// retain it separately if it must outlive the view.
func (v *BufferView) Buffer() *Buffer {
	return v.buffer
}

// DType returns the element type.
func (v *BufferView) DType() dtypes.DType {
	return v.dtype
}

// Encoding returns the element layout.
func (v *BufferView) Encoding() EncodingType {
	return v.encoding
}

// Dimensions returns the shape. The returned slice is owned by the view, don't change it.
func (v *BufferView) Dimensions() []int {
	return v.dims
}

// NumElements returns the product of the dimensions.
func (v *BufferView) NumElements() int {
	return v.numElements
}

// Device returns the device the view's storage lives on.
func (v *BufferView) Device() Device {
	return v.buffer.Device()
}

// IsValid reports whether the view's storage is still alive.
func (v *BufferView) IsValid() bool {
	return v != nil && v.buffer.IsValid()
}

// Retain adds one reference to the underlying buffer.
func (v *BufferView) Retain() {
	v.buffer.Retain()
}

// Release drops the view's reference to the underlying buffer.
func (v *BufferView) Release() {
	v.buffer.Release()
}

// String implements fmt.Stringer: e.g. "Float32[4x2]".
func (v *BufferView) String() string {
	return fmt.Sprintf("%s%s", v.dtype, shapeString(v.dims))
}

func shapeString(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

var fprintScratch BytePool

// Fprint renders the view's shape and up to maxElementCount elements in row-major
// order to w, for diagnostics. It transfers the needed prefix of the storage to the
// host, so it blocks like a transfer; it has no effect on the view.
func (v *BufferView) Fprint(w io.Writer, maxElementCount int) error {
	numPrint := min(v.numElements, max(maxElementCount, 0))
	byteSize := numPrint * v.dtype.Size()
	scratch := fprintScratch.Get(byteSize)
	defer fprintScratch.Put(scratch)
	err := v.Device().TransferToHost(v.buffer, 0, scratch, TransferFlagsDefault, InfiniteTimeout)
	if err != nil {
		return errors.WithMessagef(err, "transferring %s to host for printing", v)
	}
	if _, err = fmt.Fprintf(w, "%s=", v); err != nil {
		return errors.Wrapf(err, "writing %s", v)
	}
	if err = fprintElements(w, v.dtype, scratch, numPrint); err != nil {
		return err
	}
	if numPrint < v.numElements {
		_, err = fmt.Fprintf(w, "...")
	}
	return errors.Wrapf(err, "writing %s", v)
}

func fprintElements(w io.Writer, dtype dtypes.DType, data []byte, numPrint int) error {
	var err error
	writeAll := func(flat any) {
		_, err = fmt.Fprintf(w, "%v", flat)
	}
	switch dtype {
	case dtypes.Bool:
		writeAll(BytesToFlat[bool](data))
	case dtypes.Int8:
		writeAll(BytesToFlat[int8](data))
	case dtypes.Int16:
		writeAll(BytesToFlat[int16](data))
	case dtypes.Int32:
		writeAll(BytesToFlat[int32](data))
	case dtypes.Int64:
		writeAll(BytesToFlat[int64](data))
	case dtypes.Uint8:
		writeAll(BytesToFlat[uint8](data))
	case dtypes.Uint16:
		writeAll(BytesToFlat[uint16](data))
	case dtypes.Uint32:
		writeAll(BytesToFlat[uint32](data))
	case dtypes.Uint64:
		writeAll(BytesToFlat[uint64](data))
	case dtypes.Float16:
		// Print as float32 values, not raw bits.
		flat := BytesToFlat[float16.Float16](data)
		asF32 := make([]float32, len(flat))
		for ii, value := range flat {
			asF32[ii] = value.Float32()
		}
		writeAll(asF32)
	case dtypes.Float32:
		writeAll(BytesToFlat[float32](data))
	case dtypes.Float64:
		writeAll(BytesToFlat[float64](data))
	default:
		return errors.Wrapf(ErrInvalidArgument, "cannot print elements of type %s", dtype)
	}
	return errors.Wrapf(err, "writing %d elements of %s", numPrint, dtype)
}
