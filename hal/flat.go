package hal

import (
	"time"
	"unsafe"

	"github.com/gomlx/gort/dtypes"
	"github.com/pkg/errors"
)

// FlatToBytes copies a flat slice of a supported element type to its raw byte form,
// as accepted by AllocateBufferCopy.
func FlatToBytes[T dtypes.Supported](flat []T) []byte {
	var t T
	byteSize := len(flat) * int(unsafe.Sizeof(t))
	data := make([]byte, byteSize)
	if byteSize > 0 {
		copy(data, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), byteSize))
	}
	return data
}

// BytesToFlat reinterprets raw bytes as a flat slice of the given element type,
// without copying. The result aliases data; len(data) must be a multiple of the
// element size.
func BytesToFlat[T dtypes.Supported](data []byte) []T {
	var t T
	elemSize := int(unsafe.Sizeof(t))
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/elemSize)
}

// AllocateBufferCopyFromFlat is a convenience wrapper over AllocateBufferCopy taking a
// typed flat slice instead of raw bytes. The flat slice length must match the product
// of the dimensions.
func AllocateBufferCopyFromFlat[T dtypes.Supported](device Device, allocator Allocator,
	dims []int, params BufferParams, flat []T) (*BufferView, error) {
	dtype := dtypes.FromGenericsType[T]()
	return AllocateBufferCopy(device, allocator, dims, dtype, EncodingDenseRowMajor, params, FlatToBytes(flat))
}

// TransferToFlat synchronously copies the view's full storage to the host and returns
// it as a freshly allocated flat slice in row-major order.
//
// It fails with ErrInvalidArgument if T does not match the view's element type.
func TransferToFlat[T dtypes.Supported](view *BufferView, flags TransferFlags, timeout time.Duration) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != view.DType() {
		return nil, errors.Wrapf(ErrInvalidArgument, "view holds %s elements, requested %s", view.DType(), dtype)
	}
	data := make([]byte, view.NumElements()*dtype.Size())
	err := view.Device().TransferToHost(view.Buffer(), 0, data, flags, timeout)
	if err != nil {
		return nil, err
	}
	return BytesToFlat[T](data), nil
}
