// Package gort is a host-side runtime for loading precompiled compute modules and
// invoking their exported functions on one or more in-process accelerator devices.
//
// The pieces, from outside in:
//
//   - Instance: process-wide context that resolves device drivers by name and hands
//     out hal.Device handles. Create one per process (or per test).
//   - Session: execution state bound to exactly one device, holding the modules loaded
//     into it and their name-to-function table.
//   - Call: one invocation's cursor -- push inputs in order, Invoke, pop outputs in
//     order.
//   - hal.BufferView: a typed, shaped, reference-counted view over device storage, the
//     only currency of call arguments and results.
//
// Data moves between two devices by relaying through the host: a blocking
// hal.Device.TransferToHost out of the source device, then hal.AllocateBufferCopy into
// the target device. The blocking transfer is what establishes cross-device ordering;
// within a single session, calls and transfers observe program order.
//
// A minimal two-device pipeline looks like:
//
//	instance := must.M1(gort.NewInstance(nil))
//	deviceA := must.M1(instance.TryCreateDefaultDevice("local-task"))
//	sessionA := must.M1(gort.NewSession(instance, nil, deviceA))
//	deviceA.Release() // The session holds its own reference now.
//	must.M(sessionA.AppendModuleFromMemory(moduleBlob))
//	call := must.M1(sessionA.NewCall("module.simple_mul"))
//	must.M(call.PushInput(arg0))
//	must.M(call.PushInput(arg1))
//	must.M(call.Invoke(gort.InvokeFlagsNone))
//	result := must.M1(call.PopOutput())
//	call.Deinitialize()
//
// See cmd/twodevices for the complete version, including the device-to-device relay.
package gort
