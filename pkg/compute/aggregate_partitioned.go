package compute

import (
	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/util"
)

// RadixBucket takes the high radixBits bits of hash. Buckets at
// radixBits+1 refine the buckets at radixBits: bucket b splits into
// 2b and 2b+1.
func RadixBucket(hash uint64, radixBits int) int {
	if radixBits == 0 {
		return 0
	}
	return int(hash >> (64 - radixBits))
}

// RefineBucket returns the range [lo, hi) of the buckets at toBits that
// bucket at fromBits splits into.
func RefineBucket(bucket, fromBits, toBits int) (int, int) {
	util.AssertFunc(toBits >= fromBits)
	shift := toBits - fromBits
	return bucket << shift, (bucket + 1) << shift
}

// UpgradePartitionCount folds an observed partition count into the
// current one. 0 is "not partitioned" on both sides. The result never
// decreases.
func UpgradePartitionCount(current, incoming int) (int, error) {
	if incoming == 0 {
		return current, nil
	}
	if incoming < 0 || !util.IsPowerOfTwo(uint64(incoming)) {
		return current, errors.AssertionFailedf("partition count %d is not a power of two", incoming)
	}
	if current == 0 {
		return incoming, nil
	}
	if err := CheckRepartition(min(current, incoming), max(current, incoming)); err != nil {
		return current, err
	}
	return max(current, incoming), nil
}

// CheckRepartition verifies that data partitioned at from can be
// redistributed to to.
func CheckRepartition(from, to int) error {
	if from <= 0 || !util.IsPowerOfTwo(uint64(from)) {
		return errors.AssertionFailedf("repartition from invalid partition count %d", from)
	}
	if to <= 0 || !util.IsPowerOfTwo(uint64(to)) {
		return errors.AssertionFailedf("repartition to invalid partition count %d", to)
	}
	if to < from || to%from != 0 {
		return errors.AssertionFailedf("can not repartition from %d to %d partitions", from, to)
	}
	return nil
}

// PartitionedPayload is one logical table split by RadixBucket. Every
// partition holds shares of the arena blocks its rows point into, so a
// partition can leave the table on its own.
type PartitionedPayload struct {
	_layout    *TupleLayout
	_radixBits int
	Payloads   []*AggrPayload
}

func NewPartitionedPayload(layout *TupleLayout, partitionCount int) *PartitionedPayload {
	util.AssertFunc(partitionCount >= 1 && util.IsPowerOfTwo(uint64(partitionCount)))
	ret := &PartitionedPayload{
		_layout:    layout,
		_radixBits: util.Log2(uint64(partitionCount)),
		Payloads:   make([]*AggrPayload, partitionCount),
	}
	for i := range ret.Payloads {
		ret.Payloads[i] = NewAggrPayload(layout)
	}
	return ret
}

// WrapPayload makes a single partition table out of payload.
func WrapPayload(payload *AggrPayload) *PartitionedPayload {
	return &PartitionedPayload{
		_layout:  payload._layout,
		Payloads: []*AggrPayload{payload},
	}
}

func (pp *PartitionedPayload) Layout() *TupleLayout {
	return pp._layout
}

func (pp *PartitionedPayload) PartitionCount() int {
	return len(pp.Payloads)
}

func (pp *PartitionedPayload) RadixBits() int {
	return pp._radixBits
}

func (pp *PartitionedPayload) Count() int {
	cnt := 0
	for _, p := range pp.Payloads {
		cnt += p.Count()
	}
	return cnt
}

// Bytes held by all partitions. A block shared by several partitions
// counts once.
func (pp *PartitionedPayload) Bytes() int {
	if len(pp.Payloads) == 1 {
		return pp.Payloads[0].Bytes()
	}
	seen := make(map[*arenaBlock]struct{})
	sz := 0
	for _, p := range pp.Payloads {
		for _, blk := range p._arena._blocks {
			if _, has := seen[blk]; has {
				continue
			}
			seen[blk] = struct{}{}
			sz += cap(blk._buf)
		}
	}
	return sz
}

// CombineSingle routes the groups of payload to their partitions.
// payload may come from any partitioning, it is empty afterwards.
func (pp *PartitionedPayload) CombineSingle(payload *AggrPayload, state *PayloadFlushState) {
	if payload == nil || payload.Count() == 0 {
		if payload != nil {
			payload.Reset()
		}
		return
	}
	util.AssertFunc(pp._layout.equal(payload._layout))
	if state == nil {
		state = NewPayloadFlushState()
	}
	state.reset(len(pp.Payloads))
	for _, page := range payload._pages {
		for i := range page {
			row := &page[i]
			bucket := RadixBucket(row._hash, pp._radixBits)
			state._rows[bucket] = append(state._rows[bucket], row)
		}
	}
	for bucket, rows := range state._rows[:len(pp.Payloads)] {
		if len(rows) == 0 {
			continue
		}
		dst := pp.Payloads[bucket]
		for _, row := range rows {
			dst.insertRow(row)
		}
		dst._arena.Share(payload._arena)
		state._rows[bucket] = rows[:0]
	}
	payload.Reset()
}

// Combine merges other into pp. other is empty afterwards.
func (pp *PartitionedPayload) Combine(other *PartitionedPayload, state *PayloadFlushState) {
	if other.PartitionCount() == pp.PartitionCount() {
		for i, p := range other.Payloads {
			pp.Payloads[i].Combine(p)
		}
		return
	}
	for _, p := range other.Payloads {
		pp.CombineSingle(p, state)
	}
}

// Repartition moves the groups into a new table of partitionCount
// partitions. pp is empty afterwards.
func (pp *PartitionedPayload) Repartition(partitionCount int, state *PayloadFlushState) (*PartitionedPayload, error) {
	if err := CheckRepartition(pp.PartitionCount(), partitionCount); err != nil {
		return nil, err
	}
	if partitionCount == pp.PartitionCount() {
		return pp, nil
	}
	ret := NewPartitionedPayload(pp._layout, partitionCount)
	for _, p := range pp.Payloads {
		ret.CombineSingle(p, state)
	}
	return ret, nil
}

// Reset drops every group.
func (pp *PartitionedPayload) Reset() {
	for _, p := range pp.Payloads {
		p.Reset()
	}
}
