package gort

import "github.com/gomlx/gort/hal"

// HostAllocator hands out transient host byte scratch -- staging space for transfers
// and call bookkeeping -- recycling it through size-bucketed pools. The zero value is
// ready to use; get the process-shared one from Instance.HostAllocator.
type HostAllocator struct {
	pool hal.BytePool
}

// Get returns a zeroed scratch slice of exactly size bytes.
func (a *HostAllocator) Get(size int) []byte {
	return a.pool.Get(size)
}

// Put returns scratch obtained from Get. The caller must not use it afterwards.
func (a *HostAllocator) Put(data []byte) {
	a.pool.Put(data)
}
