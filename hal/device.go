package hal

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Device is a handle to one execution backend -- a CPU task pool, a GPU queue, etc.
//
// Devices are reference-counted: a Device is created with one reference (see NewDevice),
// every Session holding it retains another, and it is torn down when the last reference
// is released. Work submitted to a Device executes strictly in submission order; the
// ordering between two different Devices is established only by an explicit blocking
// TransferToHost on one of them.
//
// A Device is safe for concurrent Submit from multiple goroutines, but the runtime
// layers above serialize per Session.
type Device interface {
	// Driver returns the name the device's driver was registered under, e.g. "local-task".
	Driver() string

	// String returns a description suitable for logging.
	String() string

	// Allocator returns the allocator all buffer storage bound to this device comes from.
	Allocator() Allocator

	// Submit enqueues work on the device and returns the Event signaling its completion.
	// Submissions run one at a time, in submission order.
	Submit(work func() error) *Event

	// TransferToHost synchronously copies len(dst) bytes starting at offset within
	// buffer's storage into dst. It blocks until the copy completes or timeout elapses,
	// returning an ErrTimeout-wrapped error in the latter case, in which case the
	// contents of dst are undefined.
	//
	// The transfer is itself a submission: it observes the effects of all previously
	// submitted work, which is what makes it a cross-device visibility point.
	TransferToHost(buffer *Buffer, offset int, dst []byte, flags TransferFlags, timeout time.Duration) error

	// Retain adds one reference to the device.
	Retain()

	// Release drops one reference; the last release tears the device down. Submitting
	// to a fully-released device is a programming error.
	Release()
}

// Allocator hands out device buffer storage.
type Allocator interface {
	// Allocate returns a zero-initialized device buffer of byteSize bytes, placed per
	// params. The caller receives the buffer's initial reference.
	Allocate(byteSize int, params BufferParams) (*Buffer, error)
}

// Constructor creates a fresh device from a driver-specific configuration string.
type Constructor func(config string) (Device, error)

var (
	muDrivers    sync.Mutex
	constructors = make(map[string]Constructor)
)

// RegisterDriver registers a device driver constructor under the given name.
// Driver packages call it from their init; registering the same name twice panics.
func RegisterDriver(name string, constructor Constructor) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, found := constructors[name]; found {
		panic(errors.Errorf("hal driver %q registered twice", name))
	}
	constructors[name] = constructor
}

// Drivers returns the sorted names of all registered drivers.
func Drivers() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDevice creates a fresh device from the driver registered under name.
//
// An unknown name yields an ErrNotFound-wrapped error: a recoverable condition, since
// callers commonly probe for several device kinds where some are absent in a given
// build or environment.
func NewDevice(name, config string) (Device, error) {
	muDrivers.Lock()
	constructor, found := constructors[name]
	muDrivers.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "no device driver registered as %q (registered: %v)", name, Drivers())
	}
	device, err := constructor(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "driver %q failed to create a device", name)
	}
	return device, nil
}
