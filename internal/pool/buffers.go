// Package pool provides sync.Pool-backed byte buffer reuse for the RLF
// client's JSON request bodies, sized the way the teacher's DNS
// buffer pools were sized for wire messages.
package pool

import "sync"

const (
	// SmallBufferSize fits a single-bucket RLF request body.
	SmallBufferSize = 512
	// MediumBufferSize fits a multi-bucket RLF request or response body.
	MediumBufferSize = 4096
	// LargeBufferSize is the ceiling for a pathological RLF response.
	LargeBufferSize = 65535
)

var smallBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, SmallBufferSize)
		return &buf
	},
}

var mediumBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, MediumBufferSize)
		return &buf
	},
}

var largeBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, LargeBufferSize)
		return &buf
	},
}

func getSmallBuffer() []byte {
	bufPtr := smallBufferPool.Get().(*[]byte)
	return (*bufPtr)[:SmallBufferSize]
}

func putSmallBuffer(buf []byte) {
	if cap(buf) < SmallBufferSize {
		return
	}
	buf = buf[:cap(buf)]
	smallBufferPool.Put(&buf)
}

func getMediumBuffer() []byte {
	bufPtr := mediumBufferPool.Get().(*[]byte)
	return (*bufPtr)[:MediumBufferSize]
}

func putMediumBuffer(buf []byte) {
	if cap(buf) < MediumBufferSize {
		return
	}
	buf = buf[:cap(buf)]
	mediumBufferPool.Put(&buf)
}

func getLargeBuffer() []byte {
	bufPtr := largeBufferPool.Get().(*[]byte)
	return (*bufPtr)[:LargeBufferSize]
}

func putLargeBuffer(buf []byte) {
	if cap(buf) < LargeBufferSize {
		return
	}
	buf = buf[:cap(buf)]
	largeBufferPool.Put(&buf)
}

// GetBuffer returns a zeroed-length buffer with capacity for at least
// size bytes, drawn from the pool tier that fits it.
func GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return getSmallBuffer()[:0]
	case size <= MediumBufferSize:
		return getMediumBuffer()[:0]
	default:
		return getLargeBuffer()[:0]
	}
}

// PutBuffer returns buf to the pool tier matching its capacity. Buffers
// whose capacity doesn't match a tier exactly (e.g. grown past it by
// append) are dropped rather than pooled.
func PutBuffer(buf []byte) {
	switch cap(buf) {
	case SmallBufferSize:
		putSmallBuffer(buf)
	case MediumBufferSize:
		putMediumBuffer(buf)
	case LargeBufferSize:
		putLargeBuffer(buf)
	}
}
