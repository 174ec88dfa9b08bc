package compute

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

// hashSalt takes bits 32..47. The high bits pick the radix partition and
// the low bits the probing slot.
func hashSalt(hash uint64) uint16 {
	return uint16(hash >> hashSaltShift)
}

type aggrHTEntry struct {
	_salt       uint16
	_pageOffset uint16
	_pageNr     uint32
}

func (ent *aggrHTEntry) clean() {
	ent._salt = 0
	ent._pageOffset = 0
	ent._pageNr = 0
}

func (ent *aggrHTEntry) String() string {
	return fmt.Sprintf("salt:%d offset:%d nr:%d", ent._salt, ent._pageOffset, ent._pageNr)
}

// tupleRow is one group. _key and _states point into arena blocks.
type tupleRow struct {
	_hash   uint64
	_key    []byte
	_states []byte
}

const (
	pageRows           = util.DefaultVectorSize
	initialCapacity    = 1024
	hashSaltShift      = HASH_WIDTH / 2 * 8
	serializedKeyCol   = 0
	serializedStateCol = 1
)

// SerializedTypes is the layout of a serialized payload block: the
// encoded group key and the concatenated aggregate states of a group.
func SerializedTypes() []common.LType {
	return []common.LType{common.BlobType(), common.BlobType()}
}

// AggrPayload maps group keys to aggregate states. Rows live in pages
// that never move, the linear probing table refers to them by page
// number and offset.
type AggrPayload struct {
	_layout   *TupleLayout
	_arena    *Arena
	_pages    [][]tupleRow
	_entries  []aggrHTEntry
	_capacity int
	_bitmask  uint64
	_count    int
	_keyBuf   []byte
}

func NewAggrPayload(layout *TupleLayout) *AggrPayload {
	return &AggrPayload{
		_layout: layout,
		_arena:  NewArena(nil),
	}
}

func (payload *AggrPayload) Layout() *TupleLayout {
	return payload._layout
}

func (payload *AggrPayload) Count() int {
	return payload._count
}

// Bytes held by the arena of the payload.
func (payload *AggrPayload) Bytes() int {
	return payload._arena.Bytes()
}

func (payload *AggrPayload) rowAt(ent *aggrHTEntry) *tupleRow {
	return &payload._pages[ent._pageNr-1][ent._pageOffset]
}

func (payload *AggrPayload) appendRow(row tupleRow) (*tupleRow, uint32, uint16) {
	if len(payload._pages) == 0 || len(payload._pages[len(payload._pages)-1]) == pageRows {
		payload._pages = append(payload._pages, make([]tupleRow, 0, pageRows))
	}
	last := len(payload._pages) - 1
	page := append(payload._pages[last], row)
	payload._pages[last] = page
	payload._count++
	return &page[len(page)-1], uint32(last + 1), uint16(len(page) - 1)
}

func (payload *AggrPayload) resizeThreshold() int {
	return int(float64(payload._capacity) / LOAD_FACTOR)
}

func (payload *AggrPayload) maybeGrow() {
	if payload._capacity == 0 {
		payload.resize(initialCapacity)
		return
	}
	if payload._count+1 > payload.resizeThreshold() {
		payload.resize(payload._capacity * 2)
	}
}

func (payload *AggrPayload) resize(size int) {
	util.AssertFunc(util.IsPowerOfTwo(uint64(size)))
	util.AssertFunc(size >= payload._capacity)
	payload._capacity = size
	payload._bitmask = uint64(size - 1)
	payload._entries = make([]aggrHTEntry, size)
	for pageIdx, page := range payload._pages {
		for offset := range page {
			hash := page[offset]._hash
			idx := hash & payload._bitmask
			for payload._entries[idx]._pageNr > 0 {
				idx = (idx + 1) & payload._bitmask
			}
			ent := &payload._entries[idx]
			ent._salt = hashSalt(hash)
			ent._pageNr = uint32(pageIdx + 1)
			ent._pageOffset = uint16(offset)
		}
	}
}

// probe returns the row of key, or the empty entry to place it in.
func (payload *AggrPayload) probe(hash uint64, key []byte) (*tupleRow, *aggrHTEntry) {
	salt := hashSalt(hash)
	idx := hash & payload._bitmask
	for {
		ent := &payload._entries[idx]
		if ent._pageNr == 0 {
			return nil, ent
		}
		if ent._salt == salt {
			row := payload.rowAt(ent)
			if row._hash == hash && bytes.Equal(row._key, key) {
				return row, nil
			}
		}
		idx = (idx + 1) & payload._bitmask
	}
}

// FindOrCreateGroup returns the row of key. A new row gets a copy of key
// and initialized states.
func (payload *AggrPayload) FindOrCreateGroup(hash uint64, key []byte) (*tupleRow, bool) {
	payload.maybeGrow()
	row, ent := payload.probe(hash, key)
	if row != nil {
		return row, false
	}
	keyCopy := payload._arena.Alloc(len(key))[:len(key)]
	copy(keyCopy, key)
	stateSize := payload._layout.stateSize()
	states := payload._arena.Alloc(stateSize)[:stateSize]
	payload._layout.initStates(states)
	row, pageNr, offset := payload.appendRow(tupleRow{
		_hash:   hash,
		_key:    keyCopy,
		_states: states,
	})
	ent._salt = hashSalt(hash)
	ent._pageNr = pageNr
	ent._pageOffset = offset
	return row, true
}

// insertRow merges the states of row into an existing group or adds row
// itself. The bytes of row are not copied.
func (payload *AggrPayload) insertRow(row *tupleRow) bool {
	payload.maybeGrow()
	old, ent := payload.probe(row._hash, row._key)
	if old != nil {
		payload._layout.mergeStates(old._states, row._states)
		return false
	}
	_, pageNr, offset := payload.appendRow(*row)
	ent._salt = hashSalt(row._hash)
	ent._pageNr = pageNr
	ent._pageOffset = offset
	return true
}

// UpdateGroup folds row of inputs into the group of key.
func (payload *AggrPayload) UpdateGroup(hash uint64, key []byte, inputs []*chunk.Vector, row int) bool {
	grp, created := payload.FindOrCreateGroup(hash, key)
	payload._layout.updateStates(grp._states, inputs, row)
	return created
}

// AddChunk aggregates raw rows. It returns the number of new groups.
func (payload *AggrPayload) AddChunk(groups *chunk.Chunk, inputs []*chunk.Vector) int {
	newGroups := 0
	for i := 0; i < groups.Card(); i++ {
		payload._keyBuf = chunk.EncodeGroupKey(payload._keyBuf[:0], groups, i)
		if payload.UpdateGroup(chunk.HashKey(payload._keyBuf), payload._keyBuf, inputs, i) {
			newGroups++
		}
	}
	return newGroups
}

func checkSerialized(block *chunk.Chunk, stateSize int) error {
	if block.ColumnCount() != 2 {
		return errors.AssertionFailedf("serialized block has %d columns", block.ColumnCount())
	}
	for _, typ := range block.Types() {
		if typ.Id != common.LTID_BLOB {
			return errors.AssertionFailedf("serialized block column type %s", typ)
		}
	}
	states := block.Data[serializedStateCol]
	for i := 0; i < block.Card(); i++ {
		if len(states.Bytes(i)) != stateSize {
			return errors.AssertionFailedf("serialized states of row %d has %d bytes, want %d",
				i, len(states.Bytes(i)), stateSize)
		}
	}
	return nil
}

// AddSerialized merges a block produced by ToSerialized.
func (payload *AggrPayload) AddSerialized(block *chunk.Chunk) error {
	if err := checkSerialized(block, payload._layout.stateSize()); err != nil {
		return err
	}
	keys := block.Data[serializedKeyCol]
	states := block.Data[serializedStateCol]
	for i := 0; i < block.Card(); i++ {
		key := keys.Bytes(i)
		grp, created := payload.FindOrCreateGroup(chunk.HashKey(key), key)
		if created {
			copy(grp._states, states.Bytes(i))
		} else {
			payload._layout.mergeStates(grp._states, states.Bytes(i))
		}
	}
	return nil
}

// Combine moves all groups of other into payload. Key and state bytes
// are not copied, payload adopts the arena blocks of other instead.
// other is empty afterwards.
func (payload *AggrPayload) Combine(other *AggrPayload) {
	if other == nil || other == payload {
		return
	}
	util.AssertFunc(payload._layout.equal(other._layout))
	if other._count == 0 {
		other.Reset()
		return
	}
	for _, page := range other._pages {
		for i := range page {
			payload.insertRow(&page[i])
		}
	}
	payload._arena.Adopt(other._arena)
	other.Reset()
}

// Scan visits the groups in insertion order until fn returns false.
func (payload *AggrPayload) Scan(fn func(hash uint64, key, states []byte) bool) {
	for _, page := range payload._pages {
		for i := range page {
			if !fn(page[i]._hash, page[i]._key, page[i]._states) {
				return
			}
		}
	}
}

// ToSerialized references the groups as a two column block.
func (payload *AggrPayload) ToSerialized() *chunk.Chunk {
	keys := chunk.NewVector(common.BlobType(), payload._count)
	states := chunk.NewVector(common.BlobType(), payload._count)
	payload.Scan(func(_ uint64, key, st []byte) bool {
		keys.AppendBytes(key)
		states.AppendBytes(st)
		return true
	})
	return chunk.FromVectors(keys, states)
}

// Finalize produces the output rows in batches: the decoded group
// columns followed by the aggregate results.
func (payload *AggrPayload) Finalize(fn func(*chunk.Chunk) error) error {
	layout := payload._layout
	var groups []*chunk.Vector
	var results []*chunk.Vector
	newBatch := func() {
		groups = make([]*chunk.Vector, len(layout.groupTypes()))
		for i, typ := range layout.groupTypes() {
			groups[i] = chunk.NewVector(typ, util.DefaultVectorSize)
		}
		results = make([]*chunk.Vector, layout.aggrCount())
		for i, aggr := range layout._aggregates {
			results[i] = chunk.NewVector(aggr.ReturnType(), util.DefaultVectorSize)
		}
	}
	flush := func(n int) error {
		if n == 0 {
			return nil
		}
		vecs := append(groups, results...)
		ck := chunk.FromVectors(vecs...)
		if len(vecs) == 0 {
			return nil
		}
		return fn(ck)
	}
	newBatch()
	n := 0
	var err error
	payload.Scan(func(_ uint64, key, states []byte) bool {
		if err = chunk.DecodeGroupKey(key, groups); err != nil {
			return false
		}
		layout.finalizeStates(states, results)
		n++
		if n == util.DefaultVectorSize {
			if err = flush(n); err != nil {
				return false
			}
			newBatch()
			n = 0
		}
		return true
	})
	if err != nil {
		return err
	}
	return flush(n)
}

// Reset drops all groups and the references to the arena blocks.
func (payload *AggrPayload) Reset() {
	payload._arena.Release()
	payload._pages = nil
	payload._entries = nil
	payload._capacity = 0
	payload._bitmask = 0
	payload._count = 0
}

// Verify checks the probing table against the pages.
func (payload *AggrPayload) Verify() {
	count := 0
	for i := range payload._entries {
		ent := &payload._entries[i]
		if ent._pageNr == 0 {
			continue
		}
		util.AssertFunc(int(ent._pageNr) <= len(payload._pages))
		row := payload.rowAt(ent)
		util.AssertFunc(ent._salt == hashSalt(row._hash))
		count++
	}
	util.AssertFunc(count == payload._count)
}
