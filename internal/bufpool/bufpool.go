// Package bufpool provides pooled byte slices for the control-channel read
// path, avoiding a fresh allocation on every epoll-driven read and frame
// decode. Uses size-bucketed pools with power-of-2 sizes (4KB, 16KB, 64KB,
// 256KB) sized for wire.Frame headers/bodies and socket read chunks, not for
// the bulk device/host buffers internal/bufxfer stages through rt.Malloc.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
package bufpool

import "sync"

const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

var global = struct {
	p4k   sync.Pool
	p16k  sync.Pool
	p64k  sync.Pool
	p256k sync.Pool
}{
	p4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	p16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// Get returns a pooled buffer of at least the requested size. Caller must
// call Put when done. Sizes above the largest bucket are allocated fresh
// and simply not returned to the pool by Put.
func Get(size int) []byte {
	switch {
	case size <= size4k:
		return (*global.p4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*global.p16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*global.p64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*global.p256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer to the pool. The buffer's capacity determines which
// pool it goes to; non-standard capacities are dropped for the GC.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		global.p4k.Put(&buf)
	case size16k:
		global.p16k.Put(&buf)
	case size64k:
		global.p64k.Put(&buf)
	case size256k:
		global.p256k.Put(&buf)
	}
}
