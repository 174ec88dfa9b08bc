package compute

import (
	"github.com/daviszhen/aggspill/pkg/chunk"
)

// AggrHashTable is a radix partitioned table. Groups go straight to
// their partition. It backs the upstream worker and the reconciliation
// of the partition bucket transform.
type AggrHashTable struct {
	_layout     *TupleLayout
	_payload    *PartitionedPayload
	_flushState *PayloadFlushState
	_keyBuf     []byte
}

func NewAggrHashTable(layout *TupleLayout, radixBits int) *AggrHashTable {
	return &AggrHashTable{
		_layout:     layout,
		_payload:    NewPartitionedPayload(layout, 1<<radixBits),
		_flushState: NewPayloadFlushState(),
	}
}

func (ht *AggrHashTable) Payload() *PartitionedPayload {
	return ht._payload
}

func (ht *AggrHashTable) RadixBits() int {
	return ht._payload.RadixBits()
}

func (ht *AggrHashTable) Count() int {
	return ht._payload.Count()
}

func (ht *AggrHashTable) Bytes() int {
	return ht._payload.Bytes()
}

// MaxPartitionRows is the group count of the largest partition.
func (ht *AggrHashTable) MaxPartitionRows() int {
	ret := 0
	for _, p := range ht._payload.Payloads {
		ret = max(ret, p.Count())
	}
	return ret
}

// AddChunk aggregates raw rows and returns the number of new groups.
func (ht *AggrHashTable) AddChunk(groups *chunk.Chunk, inputs []*chunk.Vector) int {
	newGroups := 0
	bits := ht._payload.RadixBits()
	for i := 0; i < groups.Card(); i++ {
		ht._keyBuf = chunk.EncodeGroupKey(ht._keyBuf[:0], groups, i)
		hash := chunk.HashKey(ht._keyBuf)
		p := ht._payload.Payloads[RadixBucket(hash, bits)]
		if p.UpdateGroup(hash, ht._keyBuf, inputs, i) {
			newGroups++
		}
	}
	return newGroups
}

// AddGroups merges a serialized block of any partitioning. The groups
// are built in one payload and then routed to their partitions.
func (ht *AggrHashTable) AddGroups(block *chunk.Chunk) error {
	tmp := NewAggrPayload(ht._layout)
	if err := tmp.AddSerialized(block); err != nil {
		return err
	}
	ht._payload.CombineSingle(tmp, ht._flushState)
	return nil
}

// CombinePayload routes the groups of payload into the table. payload is
// empty afterwards.
func (ht *AggrHashTable) CombinePayload(payload *AggrPayload) {
	ht._payload.CombineSingle(payload, ht._flushState)
}

// CombineBucket merges payload into partition bucket. payload must hold
// only groups of that bucket.
func (ht *AggrHashTable) CombineBucket(bucket int, payload *AggrPayload) {
	ht._payload.Payloads[bucket].Combine(payload)
}

// Repartition raises the radix bits of the table.
func (ht *AggrHashTable) Repartition(radixBits int) error {
	pp, err := ht._payload.Repartition(1<<radixBits, ht._flushState)
	if err != nil {
		return err
	}
	ht._payload = pp
	return nil
}

// Take hands the partitions over to the caller and leaves an empty table
// at the same radix bits.
func (ht *AggrHashTable) Take() *PartitionedPayload {
	ret := ht._payload
	ht._payload = NewPartitionedPayload(ht._layout, ret.PartitionCount())
	return ret
}

