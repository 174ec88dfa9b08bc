package compute

import (
	"context"
	"math/rand"
	"testing"

	"github.com/huandu/go-clone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/storage"
)

func randomRows(rng *rand.Rand, n, groups int) []kv {
	ret := make([]kv, n)
	for i := range ret {
		ret[i] = kv{key: rng.Int63n(int64(groups)), val: rng.Int63n(1000) - 500}
	}
	return ret
}

func toChunks(rows []kv, size int) []*chunk.Chunk {
	var ret []*chunk.Chunk
	for start := 0; start < len(rows); start += size {
		ret = append(ret, kvChunk(rows[start:min(start+size, len(rows))]))
	}
	return ret
}

// runWorkers aggregates every worker's rows in parallel and returns the
// blocks each worker hands downstream.
func runWorkers(t *testing.T, params *AggregatorParams, opts []PartialAggrOptions, store *storage.SpillStore, workers [][]kv) [][]*DataBlock {
	ret := make([][]*DataBlock, len(workers))
	var eg errgroup.Group
	for i := range workers {
		i := i
		eg.Go(func() error {
			aggr := NewPartialAggregator(params, opts[i%len(opts)], NewSpillWriter(store))
			blocks, err := aggr.Aggregate(context.Background(), toChunks(workers[i], 1024), []int{1, -1})
			ret[i] = blocks
			return err
		})
	}
	require.NoError(t, eg.Wait())
	return ret
}

func Test_pipelineMergeCompleteness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cases := []struct {
		name string
		opts []PartialAggrOptions
	}{
		{"single level", []PartialAggrOptions{{TwoLevelThreshold: 1 << 30}}},
		{"fixed fan-out", []PartialAggrOptions{{TwoLevelThreshold: 100, FixedFanout: true}}},
		{"fixed fan-out with spill", []PartialAggrOptions{{
			TwoLevelThreshold: 100, FixedFanout: true, SpillBytesThreshold: 256 << 10}}},
		{"adaptive", []PartialAggrOptions{{
			TwoLevelThreshold: 500, InitialRadixBits: 1, MaxRadixBits: 5, PartitionRowsThreshold: 300}}},
		{"adaptive with spill", []PartialAggrOptions{{
			TwoLevelThreshold: 500, InitialRadixBits: 1, MaxRadixBits: 5,
			PartitionRowsThreshold: 300, SpillBytesThreshold: 256 << 10}}},
		{"mixed workers", []PartialAggrOptions{
			{TwoLevelThreshold: 1 << 30},
			{TwoLevelThreshold: 100, InitialRadixBits: 1, MaxRadixBits: 4, PartitionRowsThreshold: 200},
			{TwoLevelThreshold: 100, InitialRadixBits: 2, MaxRadixBits: 2, SpillBytesThreshold: 128 << 10},
			{TwoLevelThreshold: 100, InitialRadixBits: 3, MaxRadixBits: 3, SerializeOutput: true},
		}},
		{"serialized", []PartialAggrOptions{{TwoLevelThreshold: 100, FixedFanout: true, SerializeOutput: true}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			params := testParams(t, 2)
			store := newTestStore(t)
			workers := make([][]kv, 4)
			for i := range workers {
				workers[i] = randomRows(rng, 8000, 3000)
			}
			expect := reference(workers...)
			sources := runWorkers(t, params, c.opts, store, clone.Clone(workers).([][]kv))

			pipe, err := BuildPartitionBucketPipeline(params, store, sources)
			require.NoError(t, err)
			require.NoError(t, pipe.Execute(context.Background()))
			assert.Equal(t, expect, collectResults(t, pipe.Sink.Chunks()))
			assert.Equal(t, len(expect), pipe.Sink.Rows())
		})
	}
}

func Test_pipelineSpillsAndRepartitions(t *testing.T) {
	params := testParams(t, 2)
	store := newTestStore(t)
	rows := sequentialRows(40000, 20000)
	aggr := NewPartialAggregator(params, PartialAggrOptions{
		TwoLevelThreshold:      100,
		InitialRadixBits:       1,
		MaxRadixBits:           4,
		PartitionRowsThreshold: 1000,
		SpillBytesThreshold:    512 << 10,
	}, NewSpillWriter(store))
	blocks, err := aggr.Aggregate(context.Background(), toChunks(rows, 2048), []int{1, -1})
	require.NoError(t, err)
	assert.True(t, aggr.TwoLevel())
	assert.Greater(t, aggr.RadixBits(), 1)
	assert.Positive(t, aggr.Spills())
	assert.NotEmpty(t, store.Files())

	spilled := 0
	for _, blk := range blocks {
		if _, ok := blk.Meta.(*SpilledMeta); ok {
			spilled++
		}
	}
	assert.Equal(t, aggr.Spills(), spilled)

	pipe, err := BuildPartitionBucketPipeline(params, store, [][]*DataBlock{blocks})
	require.NoError(t, err)
	require.NoError(t, pipe.Execute(context.Background()))
	assert.Equal(t, reference(rows), collectResults(t, pipe.Sink.Chunks()))
	assert.Equal(t, 1<<aggr.RadixBits(), pipe.Bucket.MaxPartitionCount())
}

func Test_pipelineGroupByOnly(t *testing.T) {
	params := NewAggregatorParams([]common.LType{common.BigintType()}, nil, 2)
	rows := sequentialRows(5000, 777)
	aggr := NewPartialAggregator(params, PartialAggrOptions{TwoLevelThreshold: 10, FixedFanout: true}, nil)
	blocks, err := aggr.Aggregate(context.Background(), toChunks(rows, 1000), nil)
	require.NoError(t, err)

	pipe, err := BuildPartitionBucketPipeline(params, nil, [][]*DataBlock{blocks})
	require.NoError(t, err)
	_, ok := pipe.Final.(*TransformFinalGroupBy)
	require.True(t, ok)
	require.NoError(t, pipe.Execute(context.Background()))

	seen := make(map[int64]bool)
	for _, ck := range pipe.Sink.Chunks() {
		require.Equal(t, 1, ck.ColumnCount())
		for i := 0; i < ck.Card(); i++ {
			key := ck.Data[0].Int64(i)
			assert.False(t, seen[key])
			seen[key] = true
		}
	}
	assert.Len(t, seen, 777)

	_, err = NewTransformFinalGroupBy(testParams(t, 2))
	assert.Error(t, err)
}

func Test_pipelineString(t *testing.T) {
	params := testParams(t, 2)
	pipe, err := BuildPartitionBucketPipeline(params, nil, [][]*DataBlock{nil, nil})
	require.NoError(t, err)
	out := pipe.String()
	assert.Contains(t, out, "ResultSink")
	assert.Contains(t, out, "TransformFinalAggregate")
	assert.Contains(t, out, "TransformSpillReader")
	assert.Contains(t, out, "TransformPartitionBucket")
	assert.Contains(t, out, "MetaSource#1")

	_, err = BuildPartitionBucketPipeline(params, nil, nil)
	assert.Error(t, err)
}

func Test_finalRejectsUnknownMeta(t *testing.T) {
	params := testParams(t, 2)
	final := NewTransformFinalAggregate(params)
	_, err := final.merge(&PartitionedMeta{Contributions: []AggrMeta{&SpilledMeta{}}})
	assert.Error(t, err)
}

// stuckSource never pushes.
type stuckSource struct {
	_output *OutputPort
}

func (s *stuckSource) Name() string                  { return "stuckSource" }
func (s *stuckSource) Event() (Event, error)         { return EventNeedConsume, nil }
func (s *stuckSource) Process(context.Context) error { return nil }
func (s *stuckSource) Inputs() []*InputPort          { return nil }
func (s *stuckSource) Outputs() []*OutputPort        { return []*OutputPort{s._output} }

func Test_executorStall(t *testing.T) {
	src := &stuckSource{_output: NewOutputPort()}
	sink := NewResultSink()
	Connect(src._output, sink.Input())
	exec, err := NewExecutor([]Processor{src, sink})
	require.NoError(t, err)
	err = exec.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stalled")

	_, err = NewExecutor([]Processor{NewResultSink()})
	assert.Error(t, err)
}

func Test_executorCancel(t *testing.T) {
	params := testParams(t, 2)
	blocks := classicBlocks(params, sequentialRows(4000, 2000))
	pipe, err := BuildPartitionBucketPipeline(params, nil, [][]*DataBlock{blocks})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pipe.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, pipe.Sink.Rows())
	assert.Equal(t, stateFinished, pipe.Bucket._state)
	assert.Equal(t, 0, pipe.Bucket._bucketsBlocks.Len())
}
