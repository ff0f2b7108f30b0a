package hal

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testDevice is a minimal inline-execution device for tests of this package. The real
// drivers live in their own packages and have their own tests.
type testDevice struct {
	refs  atomic.Int64
	freed atomic.Int64
	pool  BytePool
}

func newTestDevice() *testDevice {
	d := &testDevice{}
	d.refs.Store(1)
	return d
}

func (d *testDevice) Driver() string { return "unit-fake" }

func (d *testDevice) String() string { return "Device[unit-fake]" }

func (d *testDevice) Allocator() Allocator { return d }

func (d *testDevice) Allocate(byteSize int, params BufferParams) (*Buffer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return NewDeviceBuffer(d, d.pool.Get(byteSize), params, func(data []byte) {
		d.freed.Add(1)
		d.pool.Put(data)
	}), nil
}

func (d *testDevice) Submit(work func() error) *Event {
	event := NewEvent()
	event.Signal(work())
	return event
}

func (d *testDevice) TransferToHost(buffer *Buffer, offset int, dst []byte,
	flags TransferFlags, timeout time.Duration) error {
	if !buffer.IsValid() {
		return errors.Wrap(ErrInvalidArgument, "transfer from an already-released buffer")
	}
	if offset < 0 || offset+len(dst) > buffer.Size() {
		return errors.Wrapf(ErrInvalidArgument, "transfer range [%d, %d) out of bounds",
			offset, offset+len(dst))
	}
	copy(dst, buffer.Bytes()[offset:offset+len(dst)])
	return nil
}

func (d *testDevice) Retain() { d.refs.Add(1) }

func (d *testDevice) Release() { d.refs.Add(-1) }

var _ Device = (*testDevice)(nil)

func TestDriverRegistry(t *testing.T) {
	RegisterDriver("unit-fake", func(config string) (Device, error) {
		if config != "" {
			return nil, errors.Wrapf(ErrInvalidArgument, "unit-fake takes no configuration, got %q", config)
		}
		return newTestDevice(), nil
	})
	require.Contains(t, Drivers(), "unit-fake")

	device, err := NewDevice("unit-fake", "")
	require.NoError(t, err)
	require.Equal(t, "unit-fake", device.Driver())
	device.Release()

	_, err = NewDevice("unit-fake", "bogus")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewDevice("no-such-driver", "")
	require.ErrorIs(t, err, ErrNotFound)
	fmt.Printf("\t> %v\n", err)

	require.Panics(t, func() {
		RegisterDriver("unit-fake", func(config string) (Device, error) { return nil, nil })
	})
}

func TestDriversSorted(t *testing.T) {
	names := Drivers()
	for ii := 1; ii < len(names); ii++ {
		require.Less(t, names[ii-1], names[ii])
	}
}

func TestBufferParamsValidate(t *testing.T) {
	require.NoError(t, DefaultBufferParams().Validate())

	bad := BufferParams{Type: MemoryType(99), Access: MemoryAccessAll, Usage: BufferUsageDefault}
	require.ErrorIs(t, bad.Validate(), ErrInvalidArgument)

	bad = DefaultBufferParams()
	bad.Access = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidArgument)
}
