package compute

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/storage"
)

// AggrMeta is the envelope of one unit of aggregation data. The set of
// variants is closed.
type AggrMeta interface {
	aggrMeta()
	String() string
}

// HashTableMeta is a complete worker table that is not radix partitioned
// (Bucket == SingleLevelBucket), or one bucket of a worker table split at
// the default fan-out.
type HashTableMeta struct {
	Bucket  int
	Payload *AggrPayload
}

// AggrPayloadMeta is one partition of a table split at MaxPartitionCount.
type AggrPayloadMeta struct {
	Bucket            int
	Payload           *AggrPayload
	MaxPartitionCount int
}

// AggrHashTableMeta is the merged in-memory contribution to one bucket.
type AggrHashTableMeta struct {
	Bucket  int
	Payload *PartitionedPayload
}

// SerializedMeta carries groups as a block of SerializedTypes.
type SerializedMeta struct {
	Bucket            int
	Block             *chunk.Chunk
	MaxPartitionCount int
}

// BucketSpilledMeta points at one spilled partition. When
// TargetPartitionCount is set, only the groups that fall into
// TargetBucket at that partition count belong to this unit.
type BucketSpilledMeta struct {
	Bucket               int
	Location             string
	DataRange            storage.Range
	Rows                 int
	MaxPartitionCount    int
	TargetBucket         int
	TargetPartitionCount int
}

// SpilledMeta announces that a worker spilled all its partitions.
type SpilledMeta struct {
	Buckets []*BucketSpilledMeta
}

// PartitionedMeta holds every contribution to one bucket.
type PartitionedMeta struct {
	Bucket        int
	Contributions []AggrMeta
}

func (*HashTableMeta) aggrMeta()     {}
func (*AggrPayloadMeta) aggrMeta()   {}
func (*AggrHashTableMeta) aggrMeta() {}
func (*SerializedMeta) aggrMeta()    {}
func (*BucketSpilledMeta) aggrMeta() {}
func (*SpilledMeta) aggrMeta()       {}
func (*PartitionedMeta) aggrMeta()   {}

func (meta *HashTableMeta) String() string {
	return fmt.Sprintf("HashTable{bucket:%d rows:%d}", meta.Bucket, meta.Payload.Count())
}

func (meta *AggrPayloadMeta) String() string {
	return fmt.Sprintf("AggrPayload{bucket:%d rows:%d partitions:%d}",
		meta.Bucket, meta.Payload.Count(), meta.MaxPartitionCount)
}

func (meta *AggrHashTableMeta) String() string {
	return fmt.Sprintf("AggrHashTable{bucket:%d rows:%d}", meta.Bucket, meta.Payload.Count())
}

func (meta *SerializedMeta) String() string {
	return fmt.Sprintf("Serialized{bucket:%d rows:%d partitions:%d}",
		meta.Bucket, meta.Block.Card(), meta.MaxPartitionCount)
}

func (meta *BucketSpilledMeta) String() string {
	if meta.TargetPartitionCount > 0 {
		return fmt.Sprintf("BucketSpilled{bucket:%d %s%s partitions:%d target:%d/%d}",
			meta.Bucket, meta.Location, meta.DataRange, meta.MaxPartitionCount,
			meta.TargetBucket, meta.TargetPartitionCount)
	}
	return fmt.Sprintf("BucketSpilled{bucket:%d %s%s partitions:%d}",
		meta.Bucket, meta.Location, meta.DataRange, meta.MaxPartitionCount)
}

func (meta *SpilledMeta) String() string {
	return fmt.Sprintf("Spilled{buckets:%d}", len(meta.Buckets))
}

func (meta *PartitionedMeta) String() string {
	parts := make([]string, len(meta.Contributions))
	for i, c := range meta.Contributions {
		parts[i] = c.String()
	}
	return fmt.Sprintf("Partitioned{bucket:%d [%s]}", meta.Bucket, strings.Join(parts, ", "))
}

// retarget derives the unit of sub-bucket target at partitionCount.
func (meta *BucketSpilledMeta) retarget(target, partitionCount int) *BucketSpilledMeta {
	ret := *meta
	ret.TargetBucket = target
	ret.TargetPartitionCount = partitionCount
	return &ret
}

// MetaRows counts the groups a unit carries. Spilled units count the
// rows written, before any target filter.
func MetaRows(meta AggrMeta) (int, error) {
	switch m := meta.(type) {
	case *HashTableMeta:
		return m.Payload.Count(), nil
	case *AggrPayloadMeta:
		return m.Payload.Count(), nil
	case *AggrHashTableMeta:
		return m.Payload.Count(), nil
	case *SerializedMeta:
		return m.Block.Card(), nil
	case *BucketSpilledMeta:
		return m.Rows, nil
	case *SpilledMeta:
		cnt := 0
		for _, b := range m.Buckets {
			cnt += b.Rows
		}
		return cnt, nil
	case *PartitionedMeta:
		cnt := 0
		for _, c := range m.Contributions {
			n, err := MetaRows(c)
			if err != nil {
				return 0, err
			}
			cnt += n
		}
		return cnt, nil
	default:
		return 0, errors.AssertionFailedf("unknown aggregate meta %T", meta)
	}
}

// DataBlock is the unit moving through ports.
type DataBlock struct {
	Chunk *chunk.Chunk
	Meta  AggrMeta
}

func NewMetaBlock(meta AggrMeta) *DataBlock {
	return &DataBlock{Meta: meta}
}

func (blk *DataBlock) String() string {
	if blk.Meta != nil {
		return blk.Meta.String()
	}
	if blk.Chunk != nil {
		return fmt.Sprintf("Chunk{rows:%d}", blk.Chunk.Card())
	}
	return "Empty"
}
