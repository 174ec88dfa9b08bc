package compute

import (
	"context"

	hll "github.com/axiomhq/hyperloglog"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/metrics"
	"github.com/daviszhen/aggspill/pkg/util"
)

type PartialAggrOptions struct {
	// distinct groups estimated before the table turns radix partitioned
	TwoLevelThreshold      uint64
	InitialRadixBits       int
	MaxRadixBits           int
	PartitionRowsThreshold int
	// 0 disables spilling
	SpillBytesThreshold int
	SerializeOutput     bool
	// FixedFanout keeps the table at the default fan-out and emits units
	// without a partition count.
	FixedFanout bool
}

func NewPartialAggrOptions(cfg *util.AggregateOptions) PartialAggrOptions {
	return PartialAggrOptions{
		TwoLevelThreshold:      cfg.TwoLevelThreshold,
		InitialRadixBits:       cfg.InitialRadixBits,
		MaxRadixBits:           cfg.MaxRadixBits,
		PartitionRowsThreshold: cfg.PartitionRowsThreshold,
		SpillBytesThreshold:    cfg.SpillBytesThreshold,
	}
}

// PartialAggregator is the table of one upstream worker. It starts single
// level and turns radix partitioned once the distinct groups exceed the
// threshold.
type PartialAggregator struct {
	_params *AggregatorParams
	_opts   PartialAggrOptions
	_writer *SpillWriter

	_single *AggrPayload
	_log    *hll.Sketch
	_table  *AggrHashTable
	_keyBuf []byte

	_rows   int
	_spills int
}

// NewPartialAggregator creates a worker table. writer may be nil when
// spilling is off.
func NewPartialAggregator(params *AggregatorParams, opts PartialAggrOptions, writer *SpillWriter) *PartialAggregator {
	if opts.FixedFanout {
		opts.InitialRadixBits = params.RadixBits
		opts.MaxRadixBits = params.RadixBits
	}
	if opts.InitialRadixBits <= 0 {
		opts.InitialRadixBits = params.RadixBits
	}
	opts.MaxRadixBits = max(opts.MaxRadixBits, opts.InitialRadixBits)
	return &PartialAggregator{
		_params: params,
		_opts:   opts,
		_writer: writer,
		_single: NewAggrPayload(params.Layout()),
		_log:    hll.New14(),
	}
}

func (aggr *PartialAggregator) TwoLevel() bool {
	return aggr._table != nil
}

func (aggr *PartialAggregator) RadixBits() int {
	if aggr._table == nil {
		return 0
	}
	return aggr._table.RadixBits()
}

func (aggr *PartialAggregator) Spills() int {
	return aggr._spills
}

func (aggr *PartialAggregator) Count() int {
	if aggr._table != nil {
		return aggr._table.Count()
	}
	return aggr._single.Count()
}

func (aggr *PartialAggregator) Bytes() int {
	if aggr._table != nil {
		return aggr._table.Bytes()
	}
	return aggr._single.Bytes()
}

func (aggr *PartialAggregator) toTwoLevel() {
	aggr._table = NewAggrHashTable(aggr._params.Layout(), aggr._opts.InitialRadixBits)
	aggr._table.CombinePayload(aggr._single)
	aggr._single = nil
	aggr._log = nil
	util.Debug("partial aggregate turns two level",
		zap.Int("radixBits", aggr._opts.InitialRadixBits),
		zap.Int("groups", aggr._table.Count()))
}

// Sink aggregates one chunk. inputs holds the argument column of each
// aggregate, nil for count(*). The returned blocks are spilled
// partitions to hand downstream.
func (aggr *PartialAggregator) Sink(ctx context.Context, groups *chunk.Chunk, inputs []*chunk.Vector) ([]*DataBlock, error) {
	aggr._rows += groups.Card()
	if aggr._table == nil {
		for i := 0; i < groups.Card(); i++ {
			aggr._keyBuf = chunk.EncodeGroupKey(aggr._keyBuf[:0], groups, i)
			hash := chunk.HashKey(aggr._keyBuf)
			aggr._log.InsertHash(hash)
			aggr._single.UpdateGroup(hash, aggr._keyBuf, inputs, i)
		}
		if aggr._log.Estimate() > aggr._opts.TwoLevelThreshold {
			aggr.toTwoLevel()
		}
	} else {
		aggr._table.AddChunk(groups, inputs)
	}

	if err := aggr.maybeRepartition(); err != nil {
		return nil, err
	}
	defer func() {
		metrics.ArenaBytes.Set(float64(aggr.Bytes()))
	}()
	return aggr.maybeSpill(ctx)
}

func (aggr *PartialAggregator) maybeRepartition() error {
	if aggr._table == nil || aggr._opts.PartitionRowsThreshold <= 0 {
		return nil
	}
	for aggr._table.RadixBits() < aggr._opts.MaxRadixBits &&
		aggr._table.MaxPartitionRows() > aggr._opts.PartitionRowsThreshold {
		bits := aggr._table.RadixBits() + 1
		if err := aggr._table.Repartition(bits); err != nil {
			return err
		}
		util.Debug("partial aggregate repartitioned", zap.Int("radixBits", bits))
	}
	return nil
}

func (aggr *PartialAggregator) maxPartitionCount(pp *PartitionedPayload) int {
	if aggr._opts.FixedFanout {
		return 0
	}
	return pp.PartitionCount()
}

func (aggr *PartialAggregator) maybeSpill(ctx context.Context) ([]*DataBlock, error) {
	if aggr._writer == nil || aggr._opts.SpillBytesThreshold <= 0 ||
		aggr.Bytes() <= aggr._opts.SpillBytesThreshold {
		return nil, nil
	}
	if aggr._table == nil {
		aggr.toTwoLevel()
	}
	pp := aggr._table.Take()
	meta, err := aggr._writer.SpillPartitioned(ctx, pp, aggr.maxPartitionCount(pp))
	if err != nil {
		return nil, err
	}
	aggr._spills++
	util.Info("partial aggregate spilled",
		zap.Int("buckets", len(meta.Buckets)),
		zap.Int("partitions", pp.PartitionCount()),
		zap.Int("spills", aggr._spills))
	return []*DataBlock{NewMetaBlock(meta)}, nil
}

func (aggr *PartialAggregator) output(bucket int, payload *AggrPayload, maxPartitionCount int) *DataBlock {
	if aggr._opts.SerializeOutput {
		block := payload.ToSerialized()
		payload.Reset()
		return NewMetaBlock(&SerializedMeta{
			Bucket:            bucket,
			Block:             block,
			MaxPartitionCount: maxPartitionCount,
		})
	}
	if maxPartitionCount == 0 {
		return NewMetaBlock(&HashTableMeta{Bucket: bucket, Payload: payload})
	}
	return NewMetaBlock(&AggrPayloadMeta{
		Bucket:            bucket,
		Payload:           payload,
		MaxPartitionCount: maxPartitionCount,
	})
}

// Finish hands the groups downstream in ascending bucket order. The
// aggregator is empty afterwards.
func (aggr *PartialAggregator) Finish() []*DataBlock {
	var ret []*DataBlock
	if aggr._table == nil {
		if aggr._single.Count() > 0 {
			ret = append(ret, aggr.output(SingleLevelBucket, aggr._single, 0))
		}
		aggr._single = NewAggrPayload(aggr._params.Layout())
		aggr._log = hll.New14()
		return ret
	}
	pp := aggr._table.Take()
	count := aggr.maxPartitionCount(pp)
	for bucket, p := range pp.Payloads {
		if p.Count() == 0 {
			continue
		}
		ret = append(ret, aggr.output(bucket, p, count))
	}
	util.Debug("partial aggregate finished",
		zap.Int("rows", aggr._rows),
		zap.Int("buckets", len(ret)),
		zap.Int("partitions", pp.PartitionCount()))
	metrics.ArenaBytes.Set(0)
	return ret
}

// Aggregate runs the worker over all chunks. inputCols picks the
// argument column of each aggregate from a chunk, -1 for none. The group
// columns are the first len(GroupTypes) columns.
func (aggr *PartialAggregator) Aggregate(ctx context.Context, chunks []*chunk.Chunk, inputCols []int) ([]*DataBlock, error) {
	var ret []*DataBlock
	groupCols := make([]int, len(aggr._params.GroupTypes))
	for i := range groupCols {
		groupCols[i] = i
	}
	for _, ck := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inputs := make([]*chunk.Vector, len(inputCols))
		for i, col := range inputCols {
			if col >= 0 {
				inputs[i] = ck.Data[col]
			}
		}
		blocks, err := aggr.Sink(ctx, ck.Project(groupCols...), inputs)
		if err != nil {
			return nil, err
		}
		ret = append(ret, blocks...)
	}
	return append(ret, aggr.Finish()...), nil
}
