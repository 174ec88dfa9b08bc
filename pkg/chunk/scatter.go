package chunk

import (
	"github.com/daviszhen/aggspill/pkg/util"
)

// Scatter splits the rows of ck into n chunks. Row i goes to the chunk
// indices[i]. Empty chunks are returned as chunks with zero rows.
func Scatter(ck *Chunk, indices []uint16, n int) []*Chunk {
	util.AssertFunc(len(indices) == ck.Card())
	sels := make([][]int, n)
	for row, idx := range indices {
		util.AssertFunc(int(idx) < n)
		sels[idx] = append(sels[idx], row)
	}
	ret := make([]*Chunk, n)
	for i, sel := range sels {
		ret[i] = ck.Select(sel)
	}
	return ret
}

// ScatterBy computes the destination of every row with fn.
func ScatterBy(ck *Chunk, n int, fn func(row int) int) []*Chunk {
	indices := make([]uint16, ck.Card())
	for i := range indices {
		indices[i] = uint16(fn(i))
	}
	return Scatter(ck, indices, n)
}
