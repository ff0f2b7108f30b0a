package hal

import (
	"bytes"
	"testing"

	"github.com/gomlx/gort/dtypes"
	"github.com/stretchr/testify/require"
)

func TestNewBufferView(t *testing.T) {
	device := newTestDevice()

	buffer, err := device.Allocate(4*2*4, DefaultBufferParams())
	require.NoError(t, err)
	view, err := NewBufferView(buffer, dtypes.Float32, EncodingDenseRowMajor, []int{4, 2})
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, view.DType())
	require.Equal(t, EncodingDenseRowMajor, view.Encoding())
	require.Equal(t, []int{4, 2}, view.Dimensions())
	require.Equal(t, 8, view.NumElements())
	require.Equal(t, "Float32[4x2]", view.String())
	require.True(t, view.IsValid())
	view.Release()
	require.False(t, view.IsValid())
}

func TestNewBufferViewErrors(t *testing.T) {
	device := newTestDevice()
	aliveBefore := BuffersAlive()

	// Wrong storage size: the consumed buffer is released even on failure.
	buffer, err := device.Allocate(10, DefaultBufferParams())
	require.NoError(t, err)
	_, err = NewBufferView(buffer, dtypes.Float32, EncodingDenseRowMajor, []int{4})
	require.ErrorIs(t, err, ErrSizeMismatch)
	require.Equal(t, aliveBefore, BuffersAlive())

	buffer, err = device.Allocate(16, DefaultBufferParams())
	require.NoError(t, err)
	_, err = NewBufferView(buffer, dtypes.InvalidDType, EncodingDenseRowMajor, []int{4})
	require.ErrorIs(t, err, ErrInvalidArgument)

	buffer, err = device.Allocate(16, DefaultBufferParams())
	require.NoError(t, err)
	_, err = NewBufferView(buffer, dtypes.Float32, EncodingOpaque, []int{4})
	require.ErrorIs(t, err, ErrInvalidArgument)

	buffer, err = device.Allocate(16, DefaultBufferParams())
	require.NoError(t, err)
	_, err = NewBufferView(buffer, dtypes.Float32, EncodingDenseRowMajor, []int{-4})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, aliveBefore, BuffersAlive())
}

func TestAllocateBufferCopy(t *testing.T) {
	device := newTestDevice()
	input := []float32{1.0, 1.1, 1.2, 1.3}

	view, err := AllocateBufferCopyFromFlat(device, device.Allocator(), []int{4}, DefaultBufferParams(), input)
	require.NoError(t, err)

	output, err := TransferToFlat[float32](view, TransferFlagsDefault, InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, input, output)

	// Element type of the transfer must match the view.
	_, err = TransferToFlat[float64](view, TransferFlagsDefault, InfiniteTimeout)
	require.ErrorIs(t, err, ErrInvalidArgument)
	view.Release()
}

func TestAllocateBufferCopySizeMismatch(t *testing.T) {
	device := newTestDevice()
	aliveBefore := BuffersAlive()

	// The size check happens before any storage is allocated.
	_, err := AllocateBufferCopy(device, device.Allocator(), []int{4}, dtypes.Float32,
		EncodingDenseRowMajor, DefaultBufferParams(), make([]byte, 12))
	require.ErrorIs(t, err, ErrSizeMismatch)
	require.Equal(t, aliveBefore, BuffersAlive())
}

func TestBufferViewFprint(t *testing.T) {
	device := newTestDevice()

	view, err := AllocateBufferCopyFromFlat(device, device.Allocator(), []int{4},
		DefaultBufferParams(), []float32{10, 110, 1200, 13000})
	require.NoError(t, err)
	defer view.Release()

	var w bytes.Buffer
	require.NoError(t, view.Fprint(&w, 16))
	require.Equal(t, "Float32[4]=[10 110 1200 13000]", w.String())

	// Truncating to fewer elements marks the tail.
	w.Reset()
	require.NoError(t, view.Fprint(&w, 2))
	require.Equal(t, "Float32[4]=[10 110]...", w.String())

	// Non-positive element counts clamp to printing none.
	w.Reset()
	require.NoError(t, view.Fprint(&w, -1))
	require.Equal(t, "Float32[4]=[]...", w.String())
}

func TestFlatRoundTrip(t *testing.T) {
	input := []int32{-1, 0, 1, 1 << 20}
	data := FlatToBytes(input)
	require.Len(t, data, 16)
	require.Equal(t, input, BytesToFlat[int32](data))
	require.Nil(t, BytesToFlat[int32](nil))
}
