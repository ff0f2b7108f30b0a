// twodevices runs the same element-wise multiply on two independent devices,
// relaying the first device's result through the host into the second:
//
//	deviceA: r = lhs * rhs
//	deviceB: out = relay(r) * scale
//
// It is a smoke test of the full stack: instance and driver selection, module
// building and loading, per-device sessions, calls, and host transfers.
package main

import (
	"fmt"
	"os"

	"github.com/gomlx/gort"
	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	_ "github.com/gomlx/gort/hal/localsync"
	_ "github.com/gomlx/gort/hal/localtask"
	"github.com/gomlx/gort/vm"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// buildModule assembles a module with one export, simple_mul, multiplying two
// Float32[4] inputs element-wise.
func buildModule() []byte {
	b := vm.NewModuleBuilder("module")
	f := b.AddFunction("simple_mul")
	lhs := f.AddInput(dtypes.Float32, 4)
	rhs := f.AddInput(dtypes.Float32, 4)
	f.Returns(f.AppendBinary(vm.OpMul, lhs, rhs))
	return must.M1(b.Build())
}

// mul invokes module.simple_mul on the session's device and returns the result view,
// taking ownership of both argument views.
func mul(session *gort.Session, lhs, rhs *hal.BufferView) *hal.BufferView {
	call := must.M1(session.NewCall("module.simple_mul"))
	defer call.Deinitialize()
	must.M(call.PushInput(lhs))
	must.M(call.PushInput(rhs))
	must.M(call.Invoke(gort.InvokeFlagsNone))
	return must.M1(call.PopOutput())
}

// relay copies a result from its device through the host onto another device.
func relay(view *hal.BufferView, session *gort.Session) *hal.BufferView {
	defer view.Release()
	flat := must.M1(hal.TransferToFlat[float32](view, hal.TransferFlagsDefault, hal.InfiniteTimeout))
	return must.M1(hal.AllocateBufferCopyFromFlat(
		session.Device(), session.DeviceAllocator(), view.Dimensions(), hal.DefaultBufferParams(), flat))
}

func newInput(session *gort.Session, flat []float32) *hal.BufferView {
	return must.M1(hal.AllocateBufferCopyFromFlat(
		session.Device(), session.DeviceAllocator(), []int{len(flat)}, hal.DefaultBufferParams(), flat))
}

func printResult(label string, view *hal.BufferView) {
	fmt.Printf("%s: ", label)
	must.M(view.Fprint(os.Stdout, 16))
	fmt.Println()
}

func main() {
	instance := must.M1(gort.NewInstance(nil))
	defer func() { must.M(instance.Destroy()) }()

	// A GPU driver may legitimately be absent; fall back without failing.
	if _, err := instance.TryCreateDefaultDevice("hip"); err != nil {
		if !errors.Is(err, hal.ErrNotFound) {
			must.M(err)
		}
		fmt.Println("hip driver not available, using local devices")
	}

	deviceA := must.M1(instance.TryCreateDefaultDevice("local-task"))
	sessionA := must.M1(gort.NewSession(instance, nil, deviceA))
	deviceA.Release()
	defer func() { must.M(sessionA.Destroy()) }()

	deviceB := must.M1(instance.TryCreateDefaultDevice("local-sync"))
	sessionB := must.M1(gort.NewSession(instance, nil, deviceB))
	deviceB.Release()
	defer func() { must.M(sessionB.Destroy()) }()

	module := buildModule()
	must.M(sessionA.AppendModuleFromMemory(module))
	must.M(sessionB.AppendModuleFromMemory(module))

	// First device: [1.0 1.1 1.2 1.3] * [10 100 1000 10000].
	resultA := mul(sessionA,
		newInput(sessionA, []float32{1.0, 1.1, 1.2, 1.3}),
		newInput(sessionA, []float32{10, 100, 1000, 10000}))
	printResult(deviceA.String(), resultA)

	// Second device: relayed result * [2000 200 20 2].
	resultB := mul(sessionB,
		relay(resultA, sessionB),
		newInput(sessionB, []float32{2000, 200, 20, 2}))
	printResult(deviceB.String(), resultB)
	resultB.Release()
}
