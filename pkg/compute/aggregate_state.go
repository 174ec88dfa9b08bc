package compute

import (
	"sync/atomic"

	"github.com/daviszhen/aggspill/pkg/util"
)

const arenaBlockSize = 64 * 1024

type arenaBlock struct {
	_buf  []byte
	_refs atomic.Int32
}

// Arena hands out sub-slices of append-only blocks. Blocks are reference
// counted so that payloads combined zero-copy can share them. A block is
// returned to the allocator when the last arena holding it is released.
type Arena struct {
	_alloc  util.BytesAllocator
	_blocks []*arenaBlock
	_index  map[*arenaBlock]struct{}
	_tail   *arenaBlock
	_used   int
	_bytes  int
}

func NewArena(alloc util.BytesAllocator) *Arena {
	if alloc == nil {
		alloc = util.GAlloc
	}
	return &Arena{
		_alloc: alloc,
		_index: make(map[*arenaBlock]struct{}),
	}
}

func (arena *Arena) addBlock(blk *arenaBlock) {
	if _, has := arena._index[blk]; has {
		return
	}
	blk._refs.Add(1)
	arena._index[blk] = struct{}{}
	arena._blocks = append(arena._blocks, blk)
	arena._bytes += cap(blk._buf)
}

// Alloc returns n zeroed bytes that stay valid as long as any arena
// holding the block is alive.
func (arena *Arena) Alloc(n int) []byte {
	n = util.AlignValue8(n)
	if n == 0 {
		return nil
	}
	if n > arenaBlockSize/4 {
		blk := &arenaBlock{_buf: arena._alloc.Alloc(n)}
		arena.addBlock(blk)
		return blk._buf[:n:n]
	}
	if arena._tail == nil || arena._used+n > len(arena._tail._buf) {
		arena._tail = &arenaBlock{_buf: arena._alloc.Alloc(arenaBlockSize)}
		arena.addBlock(arena._tail)
		arena._used = 0
	}
	ret := arena._tail._buf[arena._used : arena._used+n : arena._used+n]
	arena._used += n
	return ret
}

// Share makes arena a co-owner of the blocks of other.
func (arena *Arena) Share(other *Arena) {
	if other == nil || other == arena {
		return
	}
	for _, blk := range other._blocks {
		arena.addBlock(blk)
	}
}

// Adopt takes over the blocks of other. other is left empty.
func (arena *Arena) Adopt(other *Arena) {
	if other == nil || other == arena {
		return
	}
	arena.Share(other)
	other.Release()
}

// Release drops the references of arena.
func (arena *Arena) Release() {
	for _, blk := range arena._blocks {
		if blk._refs.Add(-1) == 0 {
			arena._alloc.Free(blk._buf)
			blk._buf = nil
		}
	}
	arena._blocks = nil
	arena._index = make(map[*arenaBlock]struct{})
	arena._tail = nil
	arena._used = 0
	arena._bytes = 0
}

// Bytes held, shared blocks included. Arenas sharing a block each count
// it.
func (arena *Arena) Bytes() int {
	return arena._bytes
}

func (arena *Arena) BlockCount() int {
	return len(arena._blocks)
}

// PayloadFlushState is the scratch reused while routing rows to
// partitions.
type PayloadFlushState struct {
	_rows [][]*tupleRow
}

func NewPayloadFlushState() *PayloadFlushState {
	return &PayloadFlushState{}
}

func (state *PayloadFlushState) reset(partitionCount int) {
	if len(state._rows) < partitionCount {
		state._rows = make([][]*tupleRow, partitionCount)
	}
	for i := range state._rows {
		state._rows[i] = state._rows[i][:0]
	}
}
