// Package bufpool provides pooled byte slices for chunk and control-message
// buffers so the retry path and chunked RMA issuance avoid a fresh
// allocation on every hot-path send.
package bufpool

import "sync"

// Bucket sizes span from one eager message (constants.DefaultMaxEagerSize)
// up to one full RMA chunk (constants.DefaultMaxIOBytes). A request larger
// than the largest bucket falls through to a plain allocation; Put silently
// drops anything that isn't exactly one of these capacities.
const (
	size8k   = 8 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
)

var pools = struct {
	p8k, p64k, p256k, p1m sync.Pool
}{
	p8k:   sync.Pool{New: func() any { b := make([]byte, size8k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	p1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// Get returns a buffer of at least size bytes, sliced down to exactly size.
// Buffers larger than the 1MiB bucket are allocated directly and never
// pooled.
func Get(size int) []byte {
	switch {
	case size <= size8k:
		return (*pools.p8k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*pools.p64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*pools.p256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*pools.p1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns buf to its bucket pool for reuse. Buffers whose capacity
// doesn't match a bucket exactly (including anything from the size>1MiB
// fallback) are simply discarded.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size8k:
		pools.p8k.Put(&buf)
	case size64k:
		pools.p64k.Put(&buf)
	case size256k:
		pools.p256k.Put(&buf)
	case size1m:
		pools.p1m.Put(&buf)
	}
}
