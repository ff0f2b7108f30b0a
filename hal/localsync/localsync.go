// Package localsync implements the "local-sync" device driver: a CPU backend that runs
// every submission inline on the calling goroutine.
//
// It trades scheduling independence for zero dispatch overhead, and pairs with the
// local-task driver as the second device of two-device pipelines and tests.
package localsync

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverName this driver registers itself under.
const DriverName = "local-sync"

func init() {
	hal.RegisterDriver(DriverName, New)
}

const maxAllocation = 1 << 40

// New creates a fresh local-sync device with one reference. config must be empty.
func New(config string) (hal.Device, error) {
	if config != "" {
		return nil, errors.Wrapf(hal.ErrInvalidArgument, "%s driver takes no configuration, got %q", DriverName, config)
	}
	d := &Device{}
	d.refs.Store(1)
	d.alloc = &allocator{device: d}
	return d, nil
}

// Device is a handle to the local-sync backend. It implements hal.Device.
type Device struct {
	refs  atomic.Int64
	done  atomic.Bool
	alloc *allocator
}

var _ hal.Device = (*Device)(nil)

// Driver implements hal.Device.
func (d *Device) Driver() string {
	return DriverName
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Device[%s]", DriverName)
}

// Allocator implements hal.Device.
func (d *Device) Allocator() hal.Allocator {
	return d.alloc
}

// Submit implements hal.Device: the work runs inline and the returned event is already
// signaled. Submission order trivially equals execution order.
func (d *Device) Submit(work func() error) *hal.Event {
	event := hal.NewEvent()
	if d.done.Load() {
		event.Signal(errors.Errorf("%s device already fully released", DriverName))
		return event
	}
	event.Signal(runGuarded(work))
	return event
}

func runGuarded(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(hal.ErrInternal, "device work panicked: %v", r)
		}
	}()
	return work()
}

// TransferToHost implements hal.Device. Since execution is inline, the copy is always
// complete when Submit returns and no timeout can elapse.
func (d *Device) TransferToHost(buffer *hal.Buffer, offset int, dst []byte,
	flags hal.TransferFlags, timeout time.Duration) error {
	if !buffer.IsValid() {
		return errors.Wrap(hal.ErrInvalidArgument, "transfer from an already-released buffer")
	}
	if buffer.Device() != d {
		return errors.Wrapf(hal.ErrInvalidArgument,
			"transfer of a buffer owned by %s issued against %s", buffer.Device(), d)
	}
	if offset < 0 || offset+len(dst) > buffer.Size() {
		return errors.Wrapf(hal.ErrInvalidArgument,
			"transfer range [%d, %d) out of bounds of a %d-byte buffer", offset, offset+len(dst), buffer.Size())
	}
	event := d.Submit(func() error {
		copy(dst, buffer.Bytes()[offset:offset+len(dst)])
		return nil
	})
	return errors.WithMessagef(event.Await(timeout),
		"transferring %d bytes at offset %d from %s to host", len(dst), offset, d)
}

// Retain implements hal.Device.
func (d *Device) Retain() {
	d.refs.Add(1)
}

// Release implements hal.Device: the last release marks the device down, so later
// submissions fail like on the other drivers instead of silently running.
func (d *Device) Release() {
	refs := d.refs.Add(-1)
	if refs == 0 {
		d.done.Store(true)
		return
	}
	if refs < 0 {
		klog.Errorf("%s released more times than retained (refs=%d)", d, refs)
	}
}

type allocator struct {
	device *Device
	pool   hal.BytePool
}

// Allocate implements hal.Allocator.
func (a *allocator) Allocate(byteSize int, params hal.BufferParams) (*hal.Buffer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if byteSize < 0 {
		return nil, errors.Wrapf(hal.ErrInvalidArgument, "cannot allocate %d bytes", byteSize)
	}
	if byteSize > maxAllocation {
		return nil, errors.Wrapf(hal.ErrResourceExhausted,
			"%d bytes exceed the %d bytes limit of %s", byteSize, maxAllocation, DriverName)
	}
	return hal.NewDeviceBuffer(a.device, a.pool.Get(byteSize), params, a.pool.Put), nil
}
