package compute

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/storage"
	"github.com/daviszhen/aggspill/pkg/util"
)

func newTestStore(t *testing.T) *storage.SpillStore {
	store, err := storage.NewSpillStore(afero.NewMemMapFs(), util.SpillOptions{
		Path:        "spill",
		Compression: "zstd",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Cleanup()
	})
	return store
}

// runBucketTransform connects sources straight to the partition bucket
// transform and collects what it emits.
func runBucketTransform(t *testing.T, params *AggregatorParams, sources ...[]*DataBlock) ([]*PartitionedMeta, *TransformPartitionBucket, error) {
	bucket := NewTransformPartitionBucket(params, len(sources))
	var procs []Processor
	for i, blocks := range sources {
		src := NewMetaSource(fmt.Sprintf("src%d", i), blocks)
		Connect(src.Output(), bucket.Input(i))
		procs = append(procs, src)
	}
	sink := NewResultSink()
	Connect(bucket.Output(), sink.Input())
	procs = append(procs, bucket, sink)
	exec, err := NewExecutor(procs)
	require.NoError(t, err)
	err = exec.Run(context.Background())
	metas := lo.Map(sink.DataBlocks(), func(blk *DataBlock, _ int) *PartitionedMeta {
		return blk.Meta.(*PartitionedMeta)
	})
	return metas, bucket, err
}

// splitAt partitions the groups of rows at count and wraps every
// non-empty partition with wrap.
func splitAt(params *AggregatorParams, rows []kv, count int, wrap func(bucket int, p *AggrPayload) AggrMeta) []*DataBlock {
	pp := NewPartitionedPayload(params.Layout(), count)
	pp.CombineSingle(kvPayload(params, rows), nil)
	var ret []*DataBlock
	for bucket, p := range pp.Payloads {
		if p.Count() == 0 {
			continue
		}
		ret = append(ret, NewMetaBlock(wrap(bucket, p)))
	}
	return ret
}

func classicBlocks(params *AggregatorParams, rows []kv) []*DataBlock {
	return splitAt(params, rows, params.DefaultPartitionCount(), func(bucket int, p *AggrPayload) AggrMeta {
		return &HashTableMeta{Bucket: bucket, Payload: p}
	})
}

func partitionedBlocks(params *AggregatorParams, rows []kv, count int) []*DataBlock {
	return splitAt(params, rows, count, func(bucket int, p *AggrPayload) AggrMeta {
		return &AggrPayloadMeta{Bucket: bucket, Payload: p, MaxPartitionCount: count}
	})
}

func spilledBlock(t *testing.T, store *storage.SpillStore, params *AggregatorParams, rows []kv, count int) *DataBlock {
	pp := NewPartitionedPayload(params.Layout(), count)
	pp.CombineSingle(kvPayload(params, rows), nil)
	meta, err := NewSpillWriter(store).SpillPartitioned(context.Background(), pp, count)
	require.NoError(t, err)
	return NewMetaBlock(meta)
}

// mergeEmitted reads back spilled contributions and finalizes every
// emitted bucket.
func mergeEmitted(t *testing.T, params *AggregatorParams, store *storage.SpillStore, metas []*PartitionedMeta) map[int64]groupResult {
	final := NewTransformFinalAggregate(params)
	var chunks []*chunk.Chunk
	for _, meta := range metas {
		contributions := make([]AggrMeta, 0, len(meta.Contributions))
		for _, c := range meta.Contributions {
			if sp, ok := c.(*BucketSpilledMeta); ok {
				loaded, err := ReadBucket(context.Background(), store, sp)
				require.NoError(t, err)
				c = loaded
			}
			contributions = append(contributions, c)
		}
		payload, err := final.merge(&PartitionedMeta{Bucket: meta.Bucket, Contributions: contributions})
		require.NoError(t, err)
		require.NoError(t, payload.Finalize(func(ck *chunk.Chunk) error {
			chunks = append(chunks, ck)
			return nil
		}))
	}
	return collectResults(t, chunks)
}

func emittedBuckets(metas []*PartitionedMeta) []int {
	return lo.Map(metas, func(meta *PartitionedMeta, _ int) int {
		return meta.Bucket
	})
}

func assertAscending(t *testing.T, metas []*PartitionedMeta) {
	buckets := emittedBuckets(metas)
	for i := 1; i < len(buckets); i++ {
		assert.Less(t, buckets[i-1], buckets[i])
		assert.GreaterOrEqual(t, buckets[i], 0)
	}
}

func Test_partitionBucketStreaming(t *testing.T) {
	params := testParams(t, 3)
	a := sequentialRows(4000, 1000)
	b := sequentialRows(3000, 1500)
	metas, bucket, err := runBucketTransform(t, params, classicBlocks(params, a), classicBlocks(params, b))
	require.NoError(t, err)
	assert.Equal(t, stateFinished, bucket._state)
	assert.False(t, bucket._drain)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, emittedBuckets(metas))
	for _, meta := range metas {
		assert.LessOrEqual(t, len(meta.Contributions), 2)
		for _, c := range meta.Contributions {
			_, ok := c.(*HashTableMeta)
			assert.True(t, ok)
		}
	}
	assert.Equal(t, reference(a, b), mergeEmitted(t, params, nil, metas))
}

func Test_partitionBucketSingleLevel(t *testing.T) {
	params := testParams(t, 2)
	a := sequentialRows(100, 10)
	b := sequentialRows(50, 20)
	single := func(rows []kv) []*DataBlock {
		return []*DataBlock{NewMetaBlock(&HashTableMeta{Bucket: SingleLevelBucket, Payload: kvPayload(params, rows)})}
	}

	// only single level data: emitted alone as bucket -1
	metas, _, err := runBucketTransform(t, params, single(a), single(b), nil)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, SingleLevelBucket, metas[0].Bucket)
	assert.Len(t, metas[0].Contributions, 2)
	assert.Equal(t, reference(a, b), mergeEmitted(t, params, nil, metas))

	// mixed with bucketed data: split at the default fan-out
	c := sequentialRows(400, 40)
	metas, _, err = runBucketTransform(t, params, single(a), classicBlocks(params, c))
	require.NoError(t, err)
	assertAscending(t, metas)
	assert.Equal(t, reference(a, c), mergeEmitted(t, params, nil, metas))

	// serialized single level data is scattered by radix bucket
	serialized := []*DataBlock{NewMetaBlock(&SerializedMeta{
		Bucket: SingleLevelBucket,
		Block:  kvPayload(params, b).ToSerialized(),
	})}
	metas, _, err = runBucketTransform(t, params, serialized, classicBlocks(params, c))
	require.NoError(t, err)
	assertAscending(t, metas)
	assert.Equal(t, reference(b, c), mergeEmitted(t, params, nil, metas))
}

// A spilled at 4 partitions, B single level.
func Test_partitionBucketSpillAndSingleLevel(t *testing.T) {
	params := testParams(t, 2)
	store := newTestStore(t)
	a := []kv{{1, 10}, {2, 20}, {1, 5}}
	b := []kv{{1, 1}, {3, 30}}
	metas, bucket, err := runBucketTransform(t, params,
		[]*DataBlock{spilledBlock(t, store, params, a, 4)},
		[]*DataBlock{NewMetaBlock(&HashTableMeta{Bucket: SingleLevelBucket, Payload: kvPayload(params, b)})},
	)
	require.NoError(t, err)
	assert.True(t, bucket._drain)
	assert.Equal(t, 4, bucket.MaxPartitionCount())
	assertAscending(t, metas)
	got := mergeEmitted(t, params, store, metas)
	assert.Equal(t, map[int64]groupResult{
		1: {sum: 16, count: 3},
		2: {sum: 20, count: 1},
		3: {sum: 30, count: 1},
	}, got)
}

// A at 2 partitions, B at 8.
func Test_partitionBucketMixedCounts(t *testing.T) {
	params := testParams(t, 1)
	a := sequentialRows(5000, 2000)
	b := sequentialRows(6000, 3000)
	metas, bucket, err := runBucketTransform(t, params, partitionedBlocks(params, a, 2), partitionedBlocks(params, b, 8))
	require.NoError(t, err)
	assert.Equal(t, 8, bucket.MaxPartitionCount())
	assertAscending(t, metas)
	for _, meta := range metas {
		assert.Less(t, meta.Bucket, 8)
		for _, c := range meta.Contributions {
			ht, ok := c.(*AggrHashTableMeta)
			require.True(t, ok)
			for _, p := range ht.Payload.Payloads {
				p.Scan(func(hash uint64, _, _ []byte) bool {
					assert.Equal(t, meta.Bucket, RadixBucket(hash, 3))
					return true
				})
			}
		}
	}
	assert.Equal(t, reference(a, b), mergeEmitted(t, params, nil, metas))
}

// Spilled partitions coarser than the target are attached to every
// bucket they split into and filtered on read.
func Test_partitionBucketRefineSpilled(t *testing.T) {
	params := testParams(t, 1)
	store := newTestStore(t)
	a := sequentialRows(3000, 1000)
	b := sequentialRows(2000, 800)
	c := sequentialRows(1000, 500)
	workerA := []*DataBlock{spilledBlock(t, store, params, a, 2)}
	workerA = append(workerA, partitionedBlocks(params, c, 4)...)
	metas, bucket, err := runBucketTransform(t, params, workerA, partitionedBlocks(params, b, 16))
	require.NoError(t, err)
	assert.Equal(t, 16, bucket.MaxPartitionCount())
	assertAscending(t, metas)

	targeted := 0
	for _, meta := range metas {
		for _, c := range meta.Contributions {
			if sp, ok := c.(*BucketSpilledMeta); ok {
				targeted++
				assert.Equal(t, 16, sp.TargetPartitionCount)
				assert.Equal(t, meta.Bucket, sp.TargetBucket)
				lo, hi := RefineBucket(sp.Bucket, 1, 4)
				assert.True(t, meta.Bucket >= lo && meta.Bucket < hi)
			}
		}
	}
	assert.Positive(t, targeted)
	assert.Equal(t, reference(a, b, c), mergeEmitted(t, params, store, metas))
}

func Test_partitionBucketSerializedInputs(t *testing.T) {
	params := testParams(t, 2)
	a := sequentialRows(2000, 700)
	b := sequentialRows(1000, 900)
	serialized := splitAt(params, a, 8, func(bucket int, p *AggrPayload) AggrMeta {
		return &SerializedMeta{Bucket: bucket, Block: p.ToSerialized(), MaxPartitionCount: 8}
	})
	classicSerialized := splitAt(params, b, 4, func(bucket int, p *AggrPayload) AggrMeta {
		return &SerializedMeta{Bucket: bucket, Block: p.ToSerialized()}
	})
	c := sequentialRows(500, 300)
	single := []*DataBlock{NewMetaBlock(&SerializedMeta{
		Bucket: SingleLevelBucket,
		Block:  kvPayload(params, c).ToSerialized(),
	})}
	metas, _, err := runBucketTransform(t, params, serialized, classicSerialized, single)
	require.NoError(t, err)
	assertAscending(t, metas)
	assert.Len(t, metas, 8)
	assert.Equal(t, reference(a, b, c), mergeEmitted(t, params, nil, metas))

	// a malformed block fails while reconciling to the larger count
	bad := chunk.NewChunk(SerializedTypes(), 1)
	bad.AppendRow(chunk.BlobValue([]byte{1}), chunk.BlobValue([]byte{2}))
	serialized = splitAt(params, a, 8, func(bucket int, p *AggrPayload) AggrMeta {
		return &SerializedMeta{Bucket: bucket, Block: p.ToSerialized(), MaxPartitionCount: 8}
	})
	_, _, err = runBucketTransform(t, params, serialized,
		[]*DataBlock{NewMetaBlock(&SerializedMeta{Bucket: 0, Block: bad, MaxPartitionCount: 2})})
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}

func Test_partitionBucketEmptyInputs(t *testing.T) {
	params := testParams(t, 2)
	metas, bucket, err := runBucketTransform(t, params, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, metas)
	assert.Equal(t, stateFinished, bucket._state)
}

func Test_partitionBucketProtocolErrors(t *testing.T) {
	params := testParams(t, 2)
	rows := sequentialRows(100, 30)
	cases := []struct {
		name   string
		blocks []*DataBlock
	}{
		{"merged table as input", []*DataBlock{NewMetaBlock(&AggrHashTableMeta{
			Bucket: 0, Payload: WrapPayload(kvPayload(params, rows))})}},
		{"partitioned meta as input", []*DataBlock{NewMetaBlock(&PartitionedMeta{Bucket: 0})}},
		{"chunk without meta", []*DataBlock{{Chunk: kvChunk(rows)}}},
		{"partition count not a power of two", []*DataBlock{NewMetaBlock(&AggrPayloadMeta{
			Bucket: 0, Payload: kvPayload(params, rows), MaxPartitionCount: 6})}},
		{"bucket out of range", []*DataBlock{NewMetaBlock(&HashTableMeta{
			Bucket: 4, Payload: kvPayload(params, rows)})}},
		{"payload without partition count", []*DataBlock{NewMetaBlock(&AggrPayloadMeta{
			Bucket: 0, Payload: kvPayload(params, rows)})}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := runBucketTransform(t, params, c.blocks, classicBlocks(params, rows))
			require.Error(t, err)
			assert.True(t, errors.HasAssertionFailure(err), "%v", err)
		})
	}
}

// A partition count that shows up after emission began can not be
// reconciled.
func Test_partitionBucketLateUpgrade(t *testing.T) {
	params := testParams(t, 2)
	a := sequentialRows(4000, 2000)
	late := classicBlocks(params, a)
	late = append(late, NewMetaBlock(&AggrPayloadMeta{
		Bucket: 3, Payload: kvPayload(params, a[:10]), MaxPartitionCount: 8}))
	b := classicBlocks(params, sequentialRows(100, 100))
	_, _, err := runBucketTransform(t, params, late, b)
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}

func Test_partitionBucketCancel(t *testing.T) {
	params := testParams(t, 3)
	sources := [][]*DataBlock{
		classicBlocks(params, sequentialRows(4000, 2000)),
		classicBlocks(params, sequentialRows(3000, 3000)),
	}
	bucket := NewTransformPartitionBucket(params, len(sources))
	var procs []Processor
	var srcs []*MetaSource
	for i, blocks := range sources {
		src := NewMetaSource(fmt.Sprintf("src%d", i), blocks)
		Connect(src.Output(), bucket.Input(i))
		procs = append(procs, src)
		srcs = append(srcs, src)
	}
	sink := NewLimitSink(1)
	Connect(bucket.Output(), sink.Input())
	procs = append(procs, bucket, sink)
	exec, err := NewExecutor(procs)
	require.NoError(t, err)
	require.NoError(t, exec.Run(context.Background()))

	assert.Equal(t, 1, sink.Blocks())
	assert.Equal(t, stateFinished, bucket._state)
	assert.Equal(t, 0, bucket._bucketsBlocks.Len())
	assert.Empty(t, bucket._unsplitted)
	for i := range sources {
		assert.True(t, bucket.Input(i).IsFinished())
		assert.Less(t, srcs[i].Pushed(), len(sources[i]))
	}
}

func Test_partitionBucketStep(t *testing.T) {
	params := testParams(t, 2)
	bucket := NewTransformPartitionBucket(params, 1)
	src := NewOutputPort()
	Connect(src, bucket.Input(0))
	sink := NewInputPort()
	Connect(bucket.Output(), sink)

	res, err := bucket.Step()
	require.NoError(t, err)
	assert.Equal(t, StepNeedInput, res.Kind)
	assert.Equal(t, 0, res.Port)

	src.PushData(NewMetaBlock(&HashTableMeta{Bucket: SingleLevelBucket, Payload: kvPayload(params, sequentialRows(10, 10))}))
	src.Finish()
	// single level data keeps the input pulling until it finishes
	res, err = bucket.Step()
	require.NoError(t, err)
	assert.Equal(t, StepNeedInput, res.Kind)
	res, err = bucket.Step()
	require.NoError(t, err)
	assert.Equal(t, StepHaveOutput, res.Kind)
	assert.False(t, sink.HasData())

	sink.SetNeedData()
	res, err = bucket.Step()
	require.NoError(t, err)
	assert.Equal(t, StepHaveOutput, res.Kind)
	require.True(t, sink.HasData())
	assert.Equal(t, SingleLevelBucket, sink.PullData().Meta.(*PartitionedMeta).Bucket)

	sink.SetNeedData()
	res, err = bucket.Step()
	require.NoError(t, err)
	assert.Equal(t, StepDone, res.Kind)
	assert.True(t, sink.IsFinished())

	ev, err := bucket.Event()
	require.NoError(t, err)
	assert.Equal(t, EventFinished, ev)
}
