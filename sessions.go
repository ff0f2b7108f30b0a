package gort

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/gort/hal"
	"github.com/gomlx/gort/vm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SessionOptions configures NewSession. There are currently no options; it exists so
// call sites won't change when some appear.
type SessionOptions struct{}

var sessionsAlive atomic.Int64

// SessionsAlive returns the number of sessions currently live. Useful to verify tests
// and programs destroyed everything they created.
func SessionsAlive() int64 {
	return sessionsAlive.Load()
}

// Session is a unit of execution state bound to exactly one device, fixed at creation:
// it owns the modules loaded into it and resolves qualified function names to their
// exports. Independent sessions on different devices share no mutable state.
//
// A Session is not safe for concurrent use from multiple goroutines without external
// serialization: in particular, don't run two calls against the same session
// concurrently. Destroy it exactly once, before its instance.
type Session struct {
	instance *Instance
	device   hal.Device
	opts     SessionOptions

	modules []*vm.Module
	exports map[string]*vm.Function

	destroyed bool
	cleanup   runtime.Cleanup
}

// NewSession creates a session bound to device, which must come from the same
// instance. The session retains its own device reference, so callers typically
// Release theirs right after.
func NewSession(instance *Instance, opts *SessionOptions, device hal.Device) (*Session, error) {
	if instance == nil || device == nil {
		return nil, errors.Wrap(hal.ErrInvalidArgument, "NewSession requires an instance and a device")
	}
	if instance.destroyed.Load() {
		return nil, errors.Errorf("NewSession on an already-destroyed gort.Instance")
	}
	s := &Session{
		instance: instance,
		device:   device,
		exports:  make(map[string]*vm.Function),
	}
	if opts != nil {
		s.opts = *opts
	}
	device.Retain()
	instance.liveSessions.Add(1)
	sessionsAlive.Add(1)

	// GC backstop: a leaked session still releases its device, with a complaint.
	s.cleanup = runtime.AddCleanup(&s.instance, func(device hal.Device) {
		klog.Errorf("gort.Session on %s garbage-collected without Destroy", device)
		device.Release()
		instance.liveSessions.Add(-1)
		sessionsAlive.Add(-1)
	}, device)
	return s, nil
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("Session[%s, %d exports]", s.device, len(s.exports))
}

// Instance returns the instance the session was created from.
func (s *Session) Instance() *Instance {
	return s.instance
}

// Device returns the device the session is bound to. The reference is the session's;
// retain separately if it must outlive the session.
func (s *Session) Device() hal.Device {
	return s.device
}

// DeviceAllocator returns the allocator of the bound device, used for all buffer
// storage of the session's calls. A pass-through view, not an owned copy.
func (s *Session) DeviceAllocator() hal.Allocator {
	return s.device.Allocator()
}

// HostAllocator returns the instance's allocator for transient host metadata. A
// pass-through view, not an owned copy.
func (s *Session) HostAllocator() *HostAllocator {
	return s.instance.HostAllocator()
}

// AppendModuleFromMemory parses the module blob and registers its exports into the
// session under their qualified "<module>.<function>" names.
//
// Malformed bytes, or an export whose qualified name collides with one already loaded,
// fail with an hal.ErrFormat-wrapped error, and in either case nothing is registered.
func (s *Session) AppendModuleFromMemory(data []byte) error {
	if s.destroyed {
		return errors.Errorf("AppendModuleFromMemory on destroyed %s", s)
	}
	module, err := vm.Load(data)
	if err != nil {
		return err
	}
	// Check all names before registering any, so a collision registers nothing.
	for _, f := range module.Functions() {
		if previous, found := s.exports[f.QualifiedName()]; found {
			return errors.Wrapf(hal.ErrFormat, "module %q export %s collides with already-loaded %s",
				module.Name(), f, previous)
		}
	}
	for _, f := range module.Functions() {
		s.exports[f.QualifiedName()] = f
	}
	s.modules = append(s.modules, module)
	klog.V(1).Infof("%s loaded %s", s, module)
	return nil
}

// findExport resolves a qualified function name against the loaded modules.
func (s *Session) findExport(qualifiedName string) (*vm.Function, error) {
	f, found := s.exports[qualifiedName]
	if !found {
		return nil, errors.Wrapf(hal.ErrNotFound, "no export %q loaded in %s", qualifiedName, s)
	}
	return f, nil
}

// Destroy releases the session and its device reference. Live calls created from the
// session must be deinitialized first. Destroying twice is a no-op.
func (s *Session) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.cleanup.Stop()
	s.device.Release()
	s.device = nil
	s.exports = nil
	s.modules = nil
	s.instance.liveSessions.Add(-1)
	sessionsAlive.Add(-1)
	return nil
}
