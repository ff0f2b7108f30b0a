// Package hal is the hardware abstraction layer of gort: devices, device drivers,
// reference-counted device buffers, typed buffer views and host/device transfers.
//
// A Device is a handle to one execution backend. Drivers register themselves by name
// (see RegisterDriver), usually from their package init, and fresh devices are created
// with NewDevice -- typically indirectly, through gort.Instance.TryCreateDefaultDevice.
//
// Work enters a device through Device.Submit and is executed in submission order: the
// returned Event is the synchronization point that establishes host-visible ordering.
// Data enters device memory only through AllocateBufferCopy, so shape and element type
// metadata is always attached at the point of entry, and it leaves through
// Device.TransferToHost.
package hal
