package gort

import (
	"testing"

	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	"github.com/gomlx/gort/hal/localsync"
	"github.com/gomlx/gort/hal/localtask"
	"github.com/gomlx/gort/vm"
	"github.com/stretchr/testify/require"
)

// newTestSession creates an instance and a session on the named driver, with cleanup
// that also verifies everything was torn down.
func newTestSession(t *testing.T, driverName string) (*Instance, *Session) {
	instance, err := NewInstance(nil)
	require.NoError(t, err)
	device, err := instance.TryCreateDefaultDevice(driverName)
	require.NoError(t, err)
	session, err := NewSession(instance, nil, device)
	require.NoError(t, err)
	device.Release()
	t.Cleanup(func() {
		require.NoError(t, session.Destroy())
		require.NoError(t, instance.Destroy())
	})
	return instance, session
}

// buildSimpleMul returns a module blob exporting module.simple_mul, the elementwise
// product of two Float32[4] arguments.
func buildSimpleMul(t *testing.T) []byte {
	b := vm.NewModuleBuilder("module")
	f := b.AddFunction("simple_mul")
	lhs := f.AddInput(dtypes.Float32, 4)
	rhs := f.AddInput(dtypes.Float32, 4)
	f.Returns(f.AppendBinary(vm.OpMul, lhs, rhs))
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

func TestSessionRequiresInstanceAndDevice(t *testing.T) {
	instance, err := NewInstance(nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, instance.Destroy()) }()

	_, err = NewSession(instance, nil, nil)
	require.ErrorIs(t, err, hal.ErrInvalidArgument)
	_, err = NewSession(nil, nil, nil)
	require.ErrorIs(t, err, hal.ErrInvalidArgument)
}

func TestSessionAccessors(t *testing.T) {
	instance, session := newTestSession(t, localsync.DriverName)
	require.Equal(t, instance, session.Instance())
	require.Equal(t, localsync.DriverName, session.Device().Driver())
	require.NotNil(t, session.DeviceAllocator())
	require.Same(t, instance.HostAllocator(), session.HostAllocator())
}

func TestSessionAppendModule(t *testing.T) {
	_, session := newTestSession(t, localsync.DriverName)
	require.NoError(t, session.AppendModuleFromMemory(buildSimpleMul(t)))

	call, err := session.NewCall("module.simple_mul")
	require.NoError(t, err)
	call.Deinitialize()

	_, err = session.NewCall("module.no_such_function")
	require.ErrorIs(t, err, hal.ErrNotFound)
	_, err = session.NewCall("simple_mul")
	require.ErrorIs(t, err, hal.ErrNotFound, "names must be module-qualified")
}

func TestSessionAppendModuleErrors(t *testing.T) {
	_, session := newTestSession(t, localsync.DriverName)

	err := session.AppendModuleFromMemory([]byte("not a module"))
	require.ErrorIs(t, err, hal.ErrFormat)

	// A qualified-name collision across loads registers nothing.
	require.NoError(t, session.AppendModuleFromMemory(buildSimpleMul(t)))
	err = session.AppendModuleFromMemory(buildSimpleMul(t))
	require.ErrorIs(t, err, hal.ErrFormat)
	require.ErrorContains(t, err, "collides")

	// The first load keeps working, and differently-named modules still load.
	_, err = session.NewCall("module.simple_mul")
	require.NoError(t, err)
	b := vm.NewModuleBuilder("other")
	f := b.AddFunction("simple_mul")
	f.Returns(f.AppendUnary(vm.OpNeg, f.AddInput(dtypes.Float32, 4)))
	data, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, session.AppendModuleFromMemory(data))
	_, err = session.NewCall("other.simple_mul")
	require.NoError(t, err)
}

func TestSessionDestroy(t *testing.T) {
	instance, err := NewInstance(nil)
	require.NoError(t, err)
	device, err := instance.TryCreateDefaultDevice(localtask.DriverName)
	require.NoError(t, err)

	aliveBefore := SessionsAlive()
	session, err := NewSession(instance, nil, device)
	require.NoError(t, err)
	device.Release()
	require.Equal(t, aliveBefore+1, SessionsAlive())

	require.NoError(t, session.Destroy())
	require.Equal(t, aliveBefore, SessionsAlive())
	require.NoError(t, session.Destroy(), "destroying twice is a no-op")

	err = session.AppendModuleFromMemory(buildSimpleMul(t))
	require.ErrorContains(t, err, "destroyed")
	_, err = session.NewCall("module.simple_mul")
	require.ErrorContains(t, err, "destroyed")

	require.NoError(t, instance.Destroy())
}
