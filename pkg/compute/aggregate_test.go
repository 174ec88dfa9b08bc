package compute

import (
	"math"
	"testing"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

// testParams groups by one bigint and computes sum(bigint), count(*).
func testParams(t *testing.T, radixBits int) *AggregatorParams {
	sum, err := GetAggrFunction("sum", common.BigintType())
	require.NoError(t, err)
	cnt, err := GetAggrFunction("count_star", common.InvalidType())
	require.NoError(t, err)
	return NewAggregatorParams(
		[]common.LType{common.BigintType()},
		[]AggrFunction{sum, cnt},
		radixBits)
}

type kv struct {
	key int64
	val int64
}

type groupResult struct {
	sum   int64
	count int64
}

func kvChunk(rows []kv) *chunk.Chunk {
	ck := chunk.NewChunk([]common.LType{common.BigintType(), common.BigintType()}, len(rows))
	for _, r := range rows {
		ck.AppendRow(chunk.BigintValue(r.key), chunk.BigintValue(r.val))
	}
	return ck
}

func kvPayload(params *AggregatorParams, rows []kv) *AggrPayload {
	ret := NewAggrPayload(params.Layout())
	ck := kvChunk(rows)
	ret.AddChunk(ck.Project(0), []*chunk.Vector{ck.Data[1], nil})
	return ret
}

func sequentialRows(n, groups int) []kv {
	ret := make([]kv, n)
	for i := range ret {
		ret[i] = kv{key: int64(i % groups), val: int64(i)}
	}
	return ret
}

func reference(rows ...[]kv) map[int64]groupResult {
	ret := make(map[int64]groupResult)
	for _, part := range rows {
		for _, r := range part {
			res := ret[r.key]
			res.sum += r.val
			res.count++
			ret[r.key] = res
		}
	}
	return ret
}

func collectResults(t *testing.T, chunks []*chunk.Chunk) map[int64]groupResult {
	ret := make(map[int64]groupResult)
	for _, ck := range chunks {
		require.Equal(t, 3, ck.ColumnCount())
		for i := 0; i < ck.Card(); i++ {
			key := ck.Data[0].Int64(i)
			_, has := ret[key]
			require.False(t, has, "group %d emitted twice", key)
			ret[key] = groupResult{
				sum:   ck.Data[1].Int64(i),
				count: ck.Data[2].Int64(i),
			}
		}
	}
	return ret
}

func payloadResults(t *testing.T, payload *AggrPayload) map[int64]groupResult {
	var chunks []*chunk.Chunk
	require.NoError(t, payload.Finalize(func(ck *chunk.Chunk) error {
		chunks = append(chunks, ck)
		return nil
	}))
	return collectResults(t, chunks)
}

func Test_arena(t *testing.T) {
	alloc := &util.TrackedAllocator{}
	arena := NewArena(alloc)
	a := arena.Alloc(3)
	b := arena.Alloc(9)
	assert.Len(t, a, 8)
	assert.Len(t, b, 16)
	assert.Equal(t, 1, arena.BlockCount())
	big := arena.Alloc(arenaBlockSize)
	assert.Len(t, big, arenaBlockSize)
	assert.Equal(t, 2, arena.BlockCount())
	assert.Nil(t, arena.Alloc(0))

	other := NewArena(alloc)
	other.Alloc(16)
	arena.Share(other)
	assert.Equal(t, 3, arena.BlockCount())
	arena.Share(other)
	assert.Equal(t, 3, arena.BlockCount())

	inUse := alloc.InUse()
	other.Release()
	assert.Equal(t, inUse, alloc.InUse())
	arena.Release()
	assert.Equal(t, int64(0), alloc.InUse())
	assert.Equal(t, 0, arena.Bytes())

	third := NewArena(alloc)
	third.Alloc(8)
	fourth := NewArena(alloc)
	fourth.Adopt(third)
	assert.Equal(t, 0, third.BlockCount())
	assert.Equal(t, 1, fourth.BlockCount())
	fourth.Release()
	assert.Equal(t, int64(0), alloc.InUse())
}

func Test_aggrFunctions(t *testing.T) {
	ints := chunk.NewVector(common.BigintType(), 4)
	ints.AppendInt64(5)
	ints.AppendNull()
	ints.AppendInt64(-2)
	ints.AppendInt64(9)

	doubles := chunk.NewVector(common.DoubleType(), 4)
	doubles.AppendFloat64(1.5)
	doubles.AppendFloat64(2.5)
	doubles.AppendNull()
	doubles.AppendFloat64(-1)

	decTyp := common.DecimalType(10, 2)
	decs := chunk.NewVector(decTyp, 2)
	for _, d := range []decimal.Decimal{decimal.MustNew(125, 2), decimal.MustNew(-25, 2)} {
		val, err := chunk.DecimalValue(d, decTyp)
		require.NoError(t, err)
		decs.Append(val)
	}

	run := func(name string, input *chunk.Vector) *chunk.Vector {
		var arg common.LType
		if input != nil {
			arg = input.Typ()
		}
		aggr, err := GetAggrFunction(name, arg)
		require.NoError(t, err)
		// two halves merged into one state
		left := make([]byte, aggr.StateSize())
		right := make([]byte, aggr.StateSize())
		aggr.Init(left)
		aggr.Init(right)
		n := 4
		if input != nil {
			n = input.Len()
		}
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				aggr.Update(left, input, i)
			} else {
				aggr.Update(right, input, i)
			}
		}
		aggr.Merge(left, right)
		res := chunk.NewVector(aggr.ReturnType(), 1)
		aggr.Finalize(left, res)
		return res
	}

	assert.Equal(t, int64(4), run("count_star", nil).Int64(0))
	assert.Equal(t, int64(3), run("count", ints).Int64(0))
	assert.Equal(t, int64(12), run("sum", ints).Int64(0))
	assert.Equal(t, int64(-2), run("min", ints).Int64(0))
	assert.Equal(t, int64(9), run("max", ints).Int64(0))
	assert.Equal(t, 3.0, run("sum", doubles).Float64(0))
	assert.Equal(t, -1.0, run("min", doubles).Float64(0))
	assert.Equal(t, 2.5, run("max", doubles).Float64(0))
	assert.Equal(t, 1.0, run("avg", doubles).Float64(0))
	assert.Equal(t, 4.0, run("avg", ints).Float64(0))

	sum := run("sum", decs)
	got, err := sum.GetValue(0).Decimal()
	require.NoError(t, err)
	assert.Equal(t, "1.00", got.String())

	empty := chunk.NewVector(common.BigintType(), 1)
	empty.AppendNull()
	assert.True(t, run("sum", empty).IsNull(0))
	assert.True(t, run("max", empty).IsNull(0))

	_, err = GetAggrFunction("median", common.BigintType())
	assert.Error(t, err)
	_, err = GetAggrFunction("sum", common.VarcharType())
	assert.Error(t, err)
}

func Test_aggrPayload(t *testing.T) {
	params := testParams(t, 2)
	rows := sequentialRows(10000, 3000)
	payload := kvPayload(params, rows)
	payload.Verify()
	assert.Equal(t, 3000, payload.Count())
	assert.Equal(t, reference(rows), payloadResults(t, payload))

	// combine with overlapping groups
	more := sequentialRows(5000, 4000)
	other := kvPayload(params, more)
	payload = kvPayload(params, rows)
	payload.Combine(other)
	payload.Verify()
	assert.Equal(t, 0, other.Count())
	assert.Equal(t, 4000, payload.Count())
	assert.Equal(t, reference(rows, more), payloadResults(t, payload))

	// serialized groups merge into existing ones
	block := kvPayload(params, more).ToSerialized()
	assert.Equal(t, 4000, block.Card())
	payload = kvPayload(params, rows)
	require.NoError(t, payload.AddSerialized(block))
	assert.Equal(t, reference(rows, more), payloadResults(t, payload))

	bad := chunk.NewChunk([]common.LType{common.BlobType()}, 1)
	assert.Error(t, payload.AddSerialized(bad))

	empty := NewAggrPayload(params.Layout())
	assert.Empty(t, payloadResults(t, empty))
	assert.Equal(t, 0, empty.ToSerialized().Card())
	empty.Combine(NewAggrPayload(params.Layout()))
	empty.Reset()
	assert.Equal(t, 0, empty.Count())
}

func Test_aggrPayloadNullGroups(t *testing.T) {
	params := testParams(t, 2)
	ck := chunk.NewChunk([]common.LType{common.BigintType(), common.BigintType()}, 4)
	ck.AppendRow(chunk.NullValue(common.BigintType()), chunk.BigintValue(1))
	ck.AppendRow(chunk.BigintValue(0), chunk.BigintValue(2))
	ck.AppendRow(chunk.NullValue(common.BigintType()), chunk.BigintValue(3))
	ck.AppendRow(chunk.BigintValue(0), chunk.NullValue(common.BigintType()))
	payload := NewAggrPayload(params.Layout())
	assert.Equal(t, 2, payload.AddChunk(ck.Project(0), []*chunk.Vector{ck.Data[1], nil}))

	var out []*chunk.Chunk
	require.NoError(t, payload.Finalize(func(ck *chunk.Chunk) error {
		out = append(out, ck)
		return nil
	}))
	require.Len(t, out, 1)
	nulls := 0
	for i := 0; i < out[0].Card(); i++ {
		if out[0].Data[0].IsNull(i) {
			nulls++
			assert.Equal(t, int64(4), out[0].Data[1].Int64(i))
		} else {
			assert.Equal(t, int64(2), out[0].Data[1].Int64(i))
			assert.Equal(t, int64(2), out[0].Data[2].Int64(i))
		}
	}
	assert.Equal(t, 1, nulls)
}

func Test_epoch(t *testing.T) {
	k, err := UpgradePartitionCount(0, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, k)
	k, err = UpgradePartitionCount(8, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, k)
	k, err = UpgradePartitionCount(8, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, k)
	_, err = UpgradePartitionCount(8, 6)
	assert.Error(t, err)

	assert.NoError(t, CheckRepartition(2, 8))
	assert.NoError(t, CheckRepartition(8, 8))
	assert.Error(t, CheckRepartition(8, 2))
	assert.Error(t, CheckRepartition(3, 6))
	assert.Error(t, CheckRepartition(0, 4))

	lo, hi := RefineBucket(1, 1, 3)
	assert.Equal(t, 4, lo)
	assert.Equal(t, 8, hi)
	lo, hi = RefineBucket(5, 3, 3)
	assert.Equal(t, 5, lo)
	assert.Equal(t, 6, hi)

	hash := uint64(0xdeadbeefcafef00d)
	assert.Equal(t, 0, RadixBucket(hash, 0))
	for bits := 1; bits < 12; bits++ {
		parent := RadixBucket(hash, bits)
		child := RadixBucket(hash, bits+1)
		assert.True(t, child == 2*parent || child == 2*parent+1)
		lo, hi = RefineBucket(parent, bits, bits+1)
		assert.True(t, child >= lo && child < hi)
	}
	assert.Equal(t, 3, RadixBucket(math.MaxUint64, 2))
}

func Test_partitionedPayload(t *testing.T) {
	params := testParams(t, 2)
	rows := sequentialRows(20000, 5000)

	pp := NewPartitionedPayload(params.Layout(), 4)
	pp.CombineSingle(kvPayload(params, rows), nil)
	assert.Equal(t, 5000, pp.Count())
	assert.Equal(t, 2, pp.RadixBits())
	parents := make(map[string]int)
	for bucket, p := range pp.Payloads {
		p.Verify()
		p.Scan(func(hash uint64, key, _ []byte) bool {
			assert.Equal(t, bucket, RadixBucket(hash, 2))
			parents[string(key)] = bucket
			return true
		})
	}

	refined, err := pp.Repartition(16, NewPayloadFlushState())
	require.NoError(t, err)
	assert.Equal(t, 0, pp.Count())
	assert.Equal(t, 5000, refined.Count())
	for bucket, p := range refined.Payloads {
		p.Scan(func(hash uint64, key, _ []byte) bool {
			assert.Equal(t, bucket, RadixBucket(hash, 4))
			lo, hi := RefineBucket(parents[string(key)], 2, 4)
			assert.True(t, bucket >= lo && bucket < hi)
			return true
		})
	}

	_, err = refined.Repartition(8, nil)
	assert.Error(t, err)

	// different partition counts redistribute
	coarse := NewPartitionedPayload(params.Layout(), 2)
	coarse.CombineSingle(kvPayload(params, rows), nil)
	refined.Combine(coarse, nil)
	assert.Equal(t, 0, coarse.Count())
	merged := NewAggrPayload(params.Layout())
	for _, p := range refined.Payloads {
		merged.Combine(p)
	}
	assert.Equal(t, reference(rows, rows), payloadResults(t, merged))

	wrapped := WrapPayload(kvPayload(params, rows[:10]))
	assert.Equal(t, 1, wrapped.PartitionCount())
	assert.Equal(t, 0, wrapped.RadixBits())
	assert.Equal(t, 10, wrapped.Count())
}

func Test_aggrHashTable(t *testing.T) {
	params := testParams(t, 2)
	rows := sequentialRows(30000, 10000)
	ht := NewAggrHashTable(params.Layout(), 1)
	ck := kvChunk(rows)
	assert.Equal(t, 10000, ht.AddChunk(ck.Project(0), []*chunk.Vector{ck.Data[1], nil}))
	assert.Greater(t, ht.MaxPartitionRows(), 10000/2-500)
	assert.Greater(t, ht.Bytes(), 0)

	require.NoError(t, ht.Repartition(3))
	assert.Equal(t, 3, ht.RadixBits())
	assert.Less(t, ht.MaxPartitionRows(), 10000/8+500)
	require.NoError(t, ht.AddGroups(kvPayload(params, rows).ToSerialized()))
	ht.CombinePayload(kvPayload(params, rows))
	assert.Equal(t, 10000, ht.Count())

	pp := ht.Take()
	assert.Equal(t, 0, ht.Count())
	assert.Equal(t, 8, ht.Payload().PartitionCount())
	merged := NewAggrPayload(params.Layout())
	for _, p := range pp.Payloads {
		merged.Combine(p)
	}
	assert.Equal(t, reference(rows, rows, rows), payloadResults(t, merged))

	// a partition merges in place
	part := NewPartitionedPayload(params.Layout(), 8)
	part.CombineSingle(kvPayload(params, rows), nil)
	ht.CombineBucket(5, part.Payloads[5])
	assert.Equal(t, ht.Payload().Payloads[5].Count(), ht.Count())
	ht.Payload().Payloads[5].Scan(func(hash uint64, _, _ []byte) bool {
		assert.Equal(t, 5, RadixBucket(hash, 3))
		return true
	})
	assert.Error(t, ht.AddGroups(chunk.NewChunk([]common.LType{common.BlobType()}, 1)))
}

func Test_partitionedPayloadBytes(t *testing.T) {
	params := testParams(t, 2)
	rows := sequentialRows(20000, 5000)
	payload := kvPayload(params, rows)
	want := payload.Bytes()
	require.Positive(t, want)

	pp := NewPartitionedPayload(params.Layout(), 4)
	pp.CombineSingle(payload, nil)
	assert.Equal(t, 0, payload.Bytes())
	assert.Equal(t, want, pp.Bytes())

	refined, err := pp.Repartition(256, nil)
	require.NoError(t, err)
	assert.Equal(t, want, refined.Bytes())
	assert.Equal(t, 0, pp.Bytes())

	// combined payloads adopt the blocks of the other side
	left := kvPayload(params, rows)
	right := kvPayload(params, rows[:100])
	sum := left.Bytes() + right.Bytes()
	left.Combine(right)
	assert.Equal(t, sum, left.Bytes())
	assert.Equal(t, 0, right._arena.BlockCount())

	ht := NewAggrHashTable(params.Layout(), 8)
	ck := kvChunk(rows)
	ht.AddChunk(ck.Project(0), []*chunk.Vector{ck.Data[1], nil})
	single := NewAggrPayload(params.Layout())
	single.AddChunk(ck.Project(0), []*chunk.Vector{ck.Data[1], nil})
	// one arena per partition, each holds at least one block
	assert.LessOrEqual(t, ht.Bytes(), 256*arenaBlockSize+single.Bytes())
}

func Test_aggrPayloadSalt(t *testing.T) {
	params := testParams(t, 2)
	pp := NewPartitionedPayload(params.Layout(), 256)
	pp.CombineSingle(kvPayload(params, sequentialRows(20000, 20000)), nil)
	checked := 0
	for bucket, p := range pp.Payloads {
		p.Verify()
		if p.Count() < 32 {
			continue
		}
		high := make(map[uint16]struct{})
		p.Scan(func(hash uint64, _, _ []byte) bool {
			require.Equal(t, bucket, RadixBucket(hash, 8))
			high[hashSalt(hash)>>8] = struct{}{}
			return true
		})
		assert.Greater(t, len(high), 1, "bucket %d", bucket)
		checked++
	}
	assert.Positive(t, checked)
}
