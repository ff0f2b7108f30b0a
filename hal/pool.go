package hal

import (
	"math/bits"
	"sync"
)

// BytePool recycles byte storage, bucketing requests by rounded-up power-of-two
// capacity. The zero value is ready to use, and a single pool is safe for concurrent
// use from multiple goroutines.
//
// Drivers use it to back device buffer allocators; the runtime uses it for transient
// host scratch.
type BytePool struct {
	pools sync.Map // map[int]*sync.Pool, keyed by bucket capacity.
}

func bucketFor(size int) int {
	if size <= 0 {
		return 0
	}
	return 1 << bits.Len(uint(size-1))
}

// Get returns a zeroed slice of exactly size bytes, reusing previously returned
// storage when possible.
func (p *BytePool) Get(size int) []byte {
	bucket := bucketFor(size)
	if bucket == 0 {
		return []byte{}
	}
	poolAny, _ := p.pools.LoadOrStore(bucket, &sync.Pool{
		New: func() any { return make([]byte, bucket) },
	})
	data := poolAny.(*sync.Pool).Get().([]byte)[:size]
	clear(data)
	return data
}

// Put returns storage obtained from Get to the pool. The caller must not use data
// afterwards.
func (p *BytePool) Put(data []byte) {
	bucket := cap(data)
	if bucket == 0 || bucket != bucketFor(bucket) {
		// Not storage we handed out, drop it for the GC.
		return
	}
	if poolAny, found := p.pools.Load(bucket); found {
		poolAny.(*sync.Pool).Put(data[:bucket])
	}
}
