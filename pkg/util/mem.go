package util

import (
	"sync/atomic"
)

type BytesAllocator interface {
	Alloc(sz int) []byte
	Free([]byte)
}

// TrackedAllocator counts the bytes handed out and not yet freed.
type TrackedAllocator struct {
	_inUse atomic.Int64
	_peak  atomic.Int64
}

func (alloc *TrackedAllocator) Alloc(sz int) []byte {
	now := alloc._inUse.Add(int64(sz))
	for {
		peak := alloc._peak.Load()
		if now <= peak || alloc._peak.CompareAndSwap(peak, now) {
			break
		}
	}
	return make([]byte, sz)
}

func (alloc *TrackedAllocator) Free(bytes []byte) {
	alloc._inUse.Add(-int64(cap(bytes)))
}

func (alloc *TrackedAllocator) InUse() int64 {
	return alloc._inUse.Load()
}

func (alloc *TrackedAllocator) Peak() int64 {
	return alloc._peak.Load()
}

var GAlloc = &TrackedAllocator{}
