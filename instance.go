package gort

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriversEnv is the environment variable restricting which device drivers an Instance
// enables, as a comma-separated list of driver names. InstanceOptions.Drivers takes
// precedence over it.
const DriversEnv = "GORT_DRIVERS"

// InstanceOptions configures NewInstance.
type InstanceOptions struct {
	// Drivers lists the device driver names the instance may resolve. nil enables all
	// registered drivers (also the default when the DriversEnv environment variable is
	// unset).
	Drivers []string
}

// Instance is the process-wide shared runtime context: it resolves device backends by
// name and tracks the sessions derived from it.
//
// It is shared read-only across sessions and safe to query from multiple goroutines.
// Destroy it exactly once, after every session derived from it -- sessions must not
// outlive their instance.
type Instance struct {
	// enabled driver names; nil means all registered.
	enabled map[string]bool

	liveSessions atomic.Int64
	destroyed    atomic.Bool

	hostAllocator HostAllocator
}

// NewInstance creates the shared runtime context. opts may be nil, meaning all
// registered device drivers are available (unless the DriversEnv environment variable
// restricts them).
func NewInstance(opts *InstanceOptions) (*Instance, error) {
	var driverNames []string
	if opts != nil && opts.Drivers != nil {
		driverNames = opts.Drivers
	} else if env, found := os.LookupEnv(DriversEnv); found {
		driverNames = strings.Split(env, ",")
	}
	i := &Instance{}
	if driverNames != nil {
		i.enabled = make(map[string]bool, len(driverNames))
		for _, name := range driverNames {
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, errors.Wrapf(hal.ErrInvalidArgument, "empty driver name in instance options %v", driverNames)
			}
			i.enabled[name] = true
		}
	}
	klog.V(1).Infof("gort.Instance created, drivers available: %v", i.DriverNames())
	return i, nil
}

// DriverNames returns the sorted driver names this instance may resolve --
// registration is still checked at TryCreateDefaultDevice time.
func (i *Instance) DriverNames() []string {
	if i.enabled == nil {
		return hal.Drivers()
	}
	names := make([]string, 0, len(i.enabled))
	for _, name := range hal.Drivers() {
		if i.enabled[name] {
			names = append(names, name)
		}
	}
	return names
}

// TryCreateDefaultDevice resolves a device backend by its driver name (e.g.
// "local-task") and returns a fresh device with its default configuration. The caller
// receives the device's initial reference and must Release it -- creating a Session
// with it retains another one, so the usual pattern releases right after.
//
// An unavailable backend yields an hal.ErrNotFound-wrapped error: a recoverable
// condition, since an instance is commonly probed for several device kinds where some
// are absent in this build or environment.
func (i *Instance) TryCreateDefaultDevice(name string) (hal.Device, error) {
	if i.destroyed.Load() {
		return nil, errors.Errorf("gort.Instance already destroyed")
	}
	if i.enabled != nil && !i.enabled[name] {
		return nil, errors.Wrapf(hal.ErrNotFound, "device driver %q not enabled for this instance (enabled: %v)",
			name, i.DriverNames())
	}
	device, err := hal.NewDevice(name, "")
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("gort.Instance created device %s", device)
	return device, nil
}

// HostAllocator returns the shared allocator for transient host-side scratch
// (staging transfers, argument bookkeeping). Sessions expose it as a pass-through.
func (i *Instance) HostAllocator() *HostAllocator {
	return &i.hostAllocator
}

// Destroy releases the instance. It fails if sessions derived from it are still
// alive: tear down sessions first -- an instance must outlive everything it spawned.
func (i *Instance) Destroy() error {
	if live := i.liveSessions.Load(); live > 0 {
		return errors.Errorf("gort.Instance destroyed while %d derived sessions are still alive; destroy sessions first", live)
	}
	if i.destroyed.Swap(true) {
		return errors.Errorf("gort.Instance destroyed twice")
	}
	return nil
}
