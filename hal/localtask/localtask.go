// Package localtask implements the "local-task" device driver: a CPU backend that runs
// submissions asynchronously on a dispatcher goroutine, strictly in submission order.
//
// The blocking operations of the runtime (invoke, transfer-to-host) await the event of
// their submission, so from the caller's perspective the device behaves synchronously
// while still being independently scheduled -- which is what makes it a useful peer in
// two-device pipelines and in timeout tests.
package localtask

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverName this driver registers itself under.
const DriverName = "local-task"

func init() {
	hal.RegisterDriver(DriverName, New)
}

const defaultQueueDepth = 64

// maxAllocation guards against absurd allocation requests taking the process down.
const maxAllocation = 1 << 40

// New creates a fresh local-task device with one reference.
//
// config is either empty or the submission queue depth as a decimal integer.
func New(config string) (hal.Device, error) {
	queueDepth := defaultQueueDepth
	if config != "" {
		var err error
		queueDepth, err = strconv.Atoi(config)
		if err != nil || queueDepth < 1 {
			return nil, errors.Wrapf(hal.ErrInvalidArgument,
				"%s driver configuration must be empty or a positive queue depth, got %q", DriverName, config)
		}
	}
	d := &Device{
		queue: make(chan submission, queueDepth),
	}
	d.refs.Store(1)
	d.alloc = &allocator{device: d}
	go d.run()
	return d, nil
}

// Device is a handle to the local-task backend. It implements hal.Device.
type Device struct {
	refs  atomic.Int64
	mu    sync.Mutex
	done  bool
	queue chan submission
	alloc *allocator
}

var _ hal.Device = (*Device)(nil)

type submission struct {
	work  func() error
	event *hal.Event
}

// run is the dispatcher loop: one submission at a time, in submission order.
func (d *Device) run() {
	for sub := range d.queue {
		sub.event.Signal(runGuarded(sub.work))
	}
}

// runGuarded converts a panicking submission into a backend fault instead of taking
// the dispatcher down.
func runGuarded(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(hal.ErrInternal, "device work panicked: %v", r)
		}
	}()
	return work()
}

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

// Submit implements hal.Device: it enqueues work for the dispatcher and returns the
// event signaling its completion. It blocks if the submission queue is full.
func (d *Device) Submit(work func() error) *hal.Event {
	event := hal.NewEvent()
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		event.Signal(errors.Errorf("%s device already fully released", DriverName))
		return event
	}
	d.queue <- submission{work: work, event: event}
	d.mu.Unlock()
	return event
}

// TransferToHost implements hal.Device. The copy is a submission like any other, so it
// observes all previously submitted work; a zero timeout behind a busy queue fails
// with hal.ErrTimeout instead of hanging.
func (d *Device) TransferToHost(buffer *hal.Buffer, offset int, dst []byte,
	flags hal.TransferFlags, timeout time.Duration) error {
	if err := checkTransfer(d, buffer, offset, len(dst)); err != nil {
		return err
	}
	event := d.Submit(func() error {
		copy(dst, buffer.Bytes()[offset:offset+len(dst)])
		return nil
	})
	return errors.WithMessagef(event.Await(timeout),
		"transferring %d bytes at offset %d from %s to host", len(dst), offset, d)
}

func checkTransfer(device hal.Device, buffer *hal.Buffer, offset, length int) error {
	if !buffer.IsValid() {
		return errors.Wrap(hal.ErrInvalidArgument, "transfer from an already-released buffer")
	}
	if buffer.Device() != device {
		return errors.Wrapf(hal.ErrInvalidArgument,
			"transfer of a buffer owned by %s issued against %s", buffer.Device(), device)
	}
	if offset < 0 || offset+length > buffer.Size() {
		return errors.Wrapf(hal.ErrInvalidArgument,
			"transfer range [%d, %d) out of bounds of a %d-byte buffer", offset, offset+length, buffer.Size())
	}
	return nil
}

// Retain implements hal.Device.
func (d *Device) Retain() {
	d.refs.Add(1)
}

// Release implements hal.Device: the last release shuts the dispatcher down.
// Submissions already queued still run; their events are signaled as usual.
func (d *Device) Release() {
	refs := d.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		klog.Errorf("%s released more times than retained (refs=%d)", d, refs)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.done {
		d.done = true
		close(d.queue)
	}
}

// allocator hands out pooled host-resident storage for this device's buffers.
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
