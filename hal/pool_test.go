package hal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketFor(t *testing.T) {
	require.Equal(t, 0, bucketFor(0))
	require.Equal(t, 1, bucketFor(1))
	require.Equal(t, 2, bucketFor(2))
	require.Equal(t, 4, bucketFor(3))
	require.Equal(t, 1024, bucketFor(1000))
	require.Equal(t, 1024, bucketFor(1024))
	require.Equal(t, 2048, bucketFor(1025))
}

func TestBytePool(t *testing.T) {
	var pool BytePool

	data := pool.Get(10)
	require.Len(t, data, 10)
	require.Equal(t, 16, cap(data))

	// Dirty storage comes back zeroed.
	for ii := range data {
		data[ii] = 0xAB
	}
	pool.Put(data)
	data = pool.Get(12)
	require.Len(t, data, 12)
	for _, value := range data {
		require.Zero(t, value)
	}

	require.Empty(t, pool.Get(0))

	// Foreign storage is silently dropped.
	pool.Put(make([]byte, 10))
}
