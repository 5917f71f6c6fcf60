package tnet

import (
	"sync"
	"sync/atomic"
)

// bufferPool reduces GC pressure on the frame codec's hot path by reusing
// byte slices across encodeFrame/decodeFrame calls. Buckets are sized for typical packet
// payloads; anything larger bypasses the pool entirely.
type bufferPool struct {
	pool512 sync.Pool
	pool1K  sync.Pool
	pool4K  sync.Pool
	pool16K sync.Pool
	enabled atomic.Bool

	gets512, gets1K, gets4K, gets16K, getsOversized uint64
	puts512, puts1K, puts4K, puts16K                uint64
}

var globalBufferPool = newBufferPool()

func newBufferPool() *bufferPool {
	bp := &bufferPool{
		pool512: sync.Pool{New: func() interface{} { b := make([]byte, 0, 512); return &b }},
		pool1K:  sync.Pool{New: func() interface{} { b := make([]byte, 0, 1024); return &b }},
		pool4K:  sync.Pool{New: func() interface{} { b := make([]byte, 0, 4096); return &b }},
		pool16K: sync.Pool{New: func() interface{} { b := make([]byte, 0, 16384); return &b }},
	}
	return bp
}

// EnableBufferPool turns on global buffer pooling for frame encoding and
// decoding.
func EnableBufferPool() { globalBufferPool.enabled.Store(true) }

// DisableBufferPool turns it back off; encodeFrame/decodeFrame allocate
// fresh buffers.
func DisableBufferPool() { globalBufferPool.enabled.Store(false) }

// IsBufferPoolEnabled reports the current pooling state.
func IsBufferPoolEnabled() bool { return globalBufferPool.enabled.Load() }

// GetBuffer returns a zero-length buffer with capacity >= size.
func (bp *bufferPool) GetBuffer(size int) []byte {
	if !bp.enabled.Load() {
		return make([]byte, 0, size)
	}
	var bufPtr *[]byte
	switch {
	case size <= 512:
		atomic.AddUint64(&bp.gets512, 1)
		bufPtr = bp.pool512.Get().(*[]byte)
	case size <= 1024:
		atomic.AddUint64(&bp.gets1K, 1)
		bufPtr = bp.pool1K.Get().(*[]byte)
	case size <= 4096:
		atomic.AddUint64(&bp.gets4K, 1)
		bufPtr = bp.pool4K.Get().(*[]byte)
	case size <= 16384:
		atomic.AddUint64(&bp.gets16K, 1)
		bufPtr = bp.pool16K.Get().(*[]byte)
	default:
		atomic.AddUint64(&bp.getsOversized, 1)
		return make([]byte, 0, size)
	}
	return (*bufPtr)[:0]
}

// PutBuffer returns buf to its bucket. Buffers whose capacity does not
// match a bucket exactly (e.g. grown past it) are left for the GC.
func (bp *bufferPool) PutBuffer(buf []byte) {
	if !bp.enabled.Load() || buf == nil || cap(buf) > 16384 {
		return
	}
	buf = buf[:0]
	switch cap(buf) {
	case 512:
		atomic.AddUint64(&bp.puts512, 1)
		bp.pool512.Put(&buf)
	case 1024:
		atomic.AddUint64(&bp.puts1K, 1)
		bp.pool1K.Put(&buf)
	case 4096:
		atomic.AddUint64(&bp.puts4K, 1)
		bp.pool4K.Put(&buf)
	case 16384:
		atomic.AddUint64(&bp.puts16K, 1)
		bp.pool16K.Put(&buf)
	}
}

// BufferPoolStats is a snapshot of pool hit counts, useful for sizing
// decisions under load testing.
type BufferPoolStats struct {
	Gets512, Gets1K, Gets4K, Gets16K, GetsOversized uint64
	Puts512, Puts1K, Puts4K, Puts16K                uint64
}

// GetBufferPoolStats returns nil if pooling is disabled.
func GetBufferPoolStats() *BufferPoolStats {
	if !globalBufferPool.enabled.Load() {
		return nil
	}
	bp := globalBufferPool
	return &BufferPoolStats{
		Gets512: atomic.LoadUint64(&bp.gets512), Gets1K: atomic.LoadUint64(&bp.gets1K),
		Gets4K: atomic.LoadUint64(&bp.gets4K), Gets16K: atomic.LoadUint64(&bp.gets16K),
		GetsOversized: atomic.LoadUint64(&bp.getsOversized),
		Puts512:       atomic.LoadUint64(&bp.puts512), Puts1K: atomic.LoadUint64(&bp.puts1K),
		Puts4K: atomic.LoadUint64(&bp.puts4K), Puts16K: atomic.LoadUint64(&bp.puts16K),
	}
}
