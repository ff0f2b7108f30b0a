package hal

import (
	"runtime"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Buffer is a reference-counted region of storage allocated on a specific device.
//
// A Buffer is created with one reference (see Allocator.Allocate and NewDeviceBuffer);
// Retain and Release adjust the count and the last Release returns the storage to the
// driver. Concurrent Retain/Release from multiple goroutines is safe; concurrent
// read/write of the underlying storage is the caller's responsibility.
type Buffer struct {
	wrapper *bufferWrapper
	params  BufferParams
	cleanup runtime.Cleanup
}

// bufferWrapper holds the state that out-lives the Buffer handle, so the GC backstop
// can free leaked storage without keeping the handle alive.
type bufferWrapper struct {
	device  Device
	storage []byte
	free    func([]byte)
	refs    atomic.Int32
}

func (w *bufferWrapper) release() {
	refs := w.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		klog.Errorf("hal.Buffer released more times than retained (refs=%d)", refs)
		return
	}
	if w.free != nil {
		w.free(w.storage)
	}
	w.storage = nil
	w.device.Release()
	w.device = nil
	buffersAlive.Add(-1)
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device buffers currently live. Useful to verify
// tests and programs released everything they allocated.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// NewDeviceBuffer wraps storage handed out by a driver into a reference-counted Buffer
// owned by device. free, if not nil, is called with the storage when the last reference
// is released. The buffer holds a device reference for as long as it is alive.
//
// This is a driver-side constructor; runtime users get buffers from Allocator.Allocate
// or AllocateBufferCopy.
func NewDeviceBuffer(device Device, storage []byte, params BufferParams, free func([]byte)) *Buffer {
	device.Retain()
	b := &Buffer{
		wrapper: &bufferWrapper{
			device:  device,
			storage: storage,
			free:    free,
		},
		params: params,
	}
	b.wrapper.refs.Store(1)
	buffersAlive.Add(1)

	// GC backstop: a leaked buffer still returns its storage, with a complaint.
	b.cleanup = runtime.AddCleanup(b, func(w *bufferWrapper) {
		if w.refs.Load() > 0 {
			klog.Errorf("hal.Buffer of %d bytes on %s garbage-collected while still retained; missing Release?",
				len(w.storage), w.device)
			w.refs.Store(1)
			w.release()
		}
	}, b.wrapper)
	return b
}

// Device returns the device the buffer's storage belongs to, or nil if the buffer has
// been fully released.
func (b *Buffer) Device() Device {
	return b.wrapper.device
}

// Size returns the storage size in bytes.
func (b *Buffer) Size() int {
	return len(b.wrapper.storage)
}

// Params returns the parameters the buffer was allocated with.
func (b *Buffer) Params() BufferParams {
	return b.params
}

// IsValid reports whether the buffer still holds storage.
func (b *Buffer) IsValid() bool {
	return b != nil && b.wrapper != nil && b.wrapper.refs.Load() > 0
}

// Bytes exposes the raw storage.
//
// Only code running on the owning device (work passed to Device.Submit) may touch it;
// host code must go through Device.TransferToHost or AllocateBufferCopy instead.
func (b *Buffer) Bytes() []byte {
	return b.wrapper.storage
}

// Retain adds one reference to the buffer.
func (b *Buffer) Retain() {
	b.wrapper.refs.Add(1)
}

// Release drops one reference; the last release returns the storage to the driver and
// the buffer becomes invalid.
func (b *Buffer) Release() {
	b.wrapper.release()
	if !b.IsValid() {
		b.cleanup.Stop()
	}
}
