package compute

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/storage"
	"github.com/daviszhen/aggspill/pkg/util"
)

// SpillWriter writes partitions of a worker table to the spill store.
type SpillWriter struct {
	_store *storage.SpillStore
}

func NewSpillWriter(store *storage.SpillStore) *SpillWriter {
	return &SpillWriter{_store: store}
}

func encodePayload(payload *AggrPayload) ([]byte, error) {
	serial := util.NewBufferSerialize()
	if err := payload.ToSerialized().Serialize(serial); err != nil {
		return nil, err
	}
	return serial.Bytes(), nil
}

// SpillPartitioned writes every non-empty partition of pp into one file,
// one range per partition. maxPartitionCount is 0 for tables split at
// the default fan-out. The partitions are reset afterwards.
func (w *SpillWriter) SpillPartitioned(ctx context.Context, pp *PartitionedPayload, maxPartitionCount int) (*SpilledMeta, error) {
	if maxPartitionCount > 0 && maxPartitionCount != pp.PartitionCount() {
		return nil, errors.AssertionFailedf("spill %d partitions as %d", pp.PartitionCount(), maxPartitionCount)
	}
	file, err := w._store.Create(ctx)
	if err != nil {
		return nil, err
	}
	ret := &SpilledMeta{}
	for bucket, p := range pp.Payloads {
		if p.Count() == 0 {
			continue
		}
		data, err := encodePayload(p)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		rng, err := file.WriteRange(ctx, data)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		ret.Buckets = append(ret.Buckets, &BucketSpilledMeta{
			Bucket:            bucket,
			Location:          file.Location(),
			DataRange:         rng,
			Rows:              p.Count(),
			MaxPartitionCount: maxPartitionCount,
		})
	}
	if err = file.Close(); err != nil {
		return nil, err
	}
	util.Debug("spilled partitions",
		zap.String("location", file.Location()),
		zap.Int("buckets", len(ret.Buckets)),
		zap.Int("rows", pp.Count()))
	pp.Reset()
	return ret, nil
}

// ReadBucket loads a spilled partition. A targeted unit keeps only the
// groups of its target bucket.
func ReadBucket(ctx context.Context, store *storage.SpillStore, meta *BucketSpilledMeta) (*SerializedMeta, error) {
	data, err := store.ReadRange(ctx, meta.Location, meta.DataRange)
	if err != nil {
		return nil, err
	}
	deserial := util.NewBufferDeserialize(data)
	block, err := chunk.DeserializeChunk(deserial)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", meta)
	}
	if deserial.Remaining() != 0 {
		return nil, errors.Newf("decode %s: %d trailing bytes", meta, deserial.Remaining())
	}
	if block.Card() != meta.Rows {
		return nil, errors.Newf("decode %s: %d rows, expect %d", meta, block.Card(), meta.Rows)
	}
	if err = checkSerializedShape(block); err != nil {
		return nil, errors.Wrapf(err, "decode %s", meta)
	}

	ret := &SerializedMeta{
		Bucket:            meta.Bucket,
		Block:             block,
		MaxPartitionCount: meta.MaxPartitionCount,
	}
	if meta.TargetPartitionCount == 0 {
		return ret, nil
	}
	bits := util.Log2(uint64(meta.TargetPartitionCount))
	keys := block.Data[serializedKeyCol]
	var sel []int
	for i := 0; i < block.Card(); i++ {
		if RadixBucket(chunk.HashKey(keys.Bytes(i)), bits) == meta.TargetBucket {
			sel = append(sel, i)
		}
	}
	ret.Bucket = meta.TargetBucket
	ret.Block = block.Select(sel)
	ret.MaxPartitionCount = meta.TargetPartitionCount
	return ret, nil
}

func checkSerializedShape(block *chunk.Chunk) error {
	typs := block.Types()
	want := SerializedTypes()
	if len(typs) != len(want) {
		return errors.Newf("serialized block has %d columns", len(typs))
	}
	for i := range typs {
		if !typs[i].Equal(want[i]) {
			return errors.Newf("serialized column %d is %s", i, typs[i])
		}
	}
	return nil
}

// TransformSpillReader replaces the spilled contributions of each bucket
// by the groups read back from the spill store.
type TransformSpillReader struct {
	_store   *storage.SpillStore
	_input   *InputPort
	_output  *OutputPort
	_pending *DataBlock
	_loaded  bool
}

func NewTransformSpillReader(store *storage.SpillStore) *TransformSpillReader {
	return &TransformSpillReader{
		_store:  store,
		_input:  NewInputPort(),
		_output: NewOutputPort(),
	}
}

func (r *TransformSpillReader) Name() string {
	return "TransformSpillReader"
}

func (r *TransformSpillReader) Input() *InputPort {
	return r._input
}

func (r *TransformSpillReader) Output() *OutputPort {
	return r._output
}

func (r *TransformSpillReader) Inputs() []*InputPort {
	return []*InputPort{r._input}
}

func (r *TransformSpillReader) Outputs() []*OutputPort {
	return []*OutputPort{r._output}
}

func hasSpilled(meta *PartitionedMeta) bool {
	for _, c := range meta.Contributions {
		if _, ok := c.(*BucketSpilledMeta); ok {
			return true
		}
	}
	return false
}

func (r *TransformSpillReader) Event() (Event, error) {
	if r._output.IsFinished() {
		r._input.Finish()
		r._pending = nil
		return EventFinished, nil
	}
	if r._pending != nil {
		if !r._loaded {
			return EventAsync, nil
		}
		if !r._output.CanPush() {
			return EventNeedConsume, nil
		}
		r._output.PushData(r._pending)
		r._pending = nil
	}
	if r._input.HasData() {
		blk := r._input.PullData()
		meta, ok := blk.Meta.(*PartitionedMeta)
		if !ok {
			return EventFinished, errors.AssertionFailedf("%s receives %s", r.Name(), blk)
		}
		r._pending = blk
		r._loaded = !hasSpilled(meta)
		if !r._loaded {
			return EventAsync, nil
		}
		if r._output.CanPush() {
			r._output.PushData(r._pending)
			r._pending = nil
		} else {
			return EventNeedConsume, nil
		}
	}
	if r._input.IsFinished() {
		r._output.Finish()
		return EventFinished, nil
	}
	r._input.SetNeedData()
	return EventNeedData, nil
}

func (r *TransformSpillReader) Process(ctx context.Context) error {
	if r._pending == nil || r._loaded {
		return nil
	}
	meta := r._pending.Meta.(*PartitionedMeta)
	contributions := make([]AggrMeta, 0, len(meta.Contributions))
	for _, c := range meta.Contributions {
		sp, ok := c.(*BucketSpilledMeta)
		if !ok {
			contributions = append(contributions, c)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r._store == nil {
			return errors.AssertionFailedf("%s without spill store", sp)
		}
		loaded, err := ReadBucket(ctx, r._store, sp)
		if err != nil {
			return err
		}
		if loaded.Block.Card() > 0 {
			contributions = append(contributions, loaded)
		}
	}
	r._pending = NewMetaBlock(&PartitionedMeta{
		Bucket:        meta.Bucket,
		Contributions: contributions,
	})
	r._loaded = true
	return nil
}
