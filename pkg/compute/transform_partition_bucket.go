// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/metrics"
	"github.com/daviszhen/aggspill/pkg/util"
)

type transformState int

const (
	stateAwaitingInit transformState = iota
	stateCollecting
	stateSplitting
	stateEmitting
	stateFinished
)

func (st transformState) String() string {
	switch st {
	case stateAwaitingInit:
		return "AwaitingInit"
	case stateCollecting:
		return "Collecting"
	case stateSplitting:
		return "Splitting"
	case stateEmitting:
		return "Emitting"
	case stateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("transformState(%d)", int(st))
	}
}

type StepKind int

const (
	StepNeedInput StepKind = iota
	StepHaveOutput
	StepContinue
	StepDone
)

// StepResult is the outcome of one Step. Port is the first input waited
// on for StepNeedInput, -1 otherwise.
type StepResult struct {
	Kind StepKind
	Port int
}

func needInput(port int) StepResult {
	return StepResult{Kind: StepNeedInput, Port: port}
}

var (
	haveOutput = StepResult{Kind: StepHaveOutput, Port: -1}
	continueOn = StepResult{Kind: StepContinue, Port: -1}
	stepDone   = StepResult{Kind: StepDone, Port: -1}
)

type inputPortState struct {
	_port *InputPort
	// last bucket pulled from the port
	_bucket int
}

type bucketBlocks struct {
	_bucket int
	_metas  []AggrMeta
}

func bucketBlocksLess(a, b *bucketBlocks) bool {
	return a._bucket < b._bucket
}

// TransformPartitionBucket merges the streams of N upstream workers into
// one stream of complete buckets in ascending order.
//
// While every bucketed unit uses the default fan-out and carries no
// partition count, buckets stream out as soon as every input moved past
// them. Once a unit carries a partition count, every input is drained
// first and all contributions are reconciled to the largest partition
// count seen before anything is emitted.
type TransformPartitionBucket struct {
	_params *AggregatorParams
	_inputs []*inputPortState
	_output *OutputPort
	_state  transformState

	_workingBucket int
	_bucketsBlocks *btree.BTreeG[*bucketBlocks]
	_unsplitted    []AggrMeta
	_flushState    *PayloadFlushState

	// partition count every contribution is reconciled to
	_maxPartitionCount int
	_drain             bool
	_reconciled        bool
	_inMemory          []AggrMeta
	_spilled           []*BucketSpilledMeta

	_emitted     int
	_lastEmitted int
}

func NewTransformPartitionBucket(params *AggregatorParams, inputCount int) *TransformPartitionBucket {
	util.AssertFunc(inputCount > 0)
	ret := &TransformPartitionBucket{
		_params:        params,
		_output:        NewOutputPort(),
		_bucketsBlocks: btree.NewBTreeG[*bucketBlocks](bucketBlocksLess),
		_flushState:    NewPayloadFlushState(),
	}
	for i := 0; i < inputCount; i++ {
		ret._inputs = append(ret._inputs, &inputPortState{
			_port:   NewInputPort(),
			_bucket: SingleLevelBucket,
		})
	}
	return ret
}

func (t *TransformPartitionBucket) Name() string {
	return "TransformPartitionBucket"
}

func (t *TransformPartitionBucket) Input(i int) *InputPort {
	return t._inputs[i]._port
}

func (t *TransformPartitionBucket) Output() *OutputPort {
	return t._output
}

func (t *TransformPartitionBucket) Inputs() []*InputPort {
	ret := make([]*InputPort, len(t._inputs))
	for i, in := range t._inputs {
		ret[i] = in._port
	}
	return ret
}

func (t *TransformPartitionBucket) Outputs() []*OutputPort {
	return []*OutputPort{t._output}
}

// MaxPartitionCount is the partition count contributions are reconciled
// to so far.
func (t *TransformPartitionBucket) MaxPartitionCount() int {
	return t._maxPartitionCount
}

func (t *TransformPartitionBucket) defaultPartitionCount() int {
	return t._params.DefaultPartitionCount()
}

func (t *TransformPartitionBucket) mode() string {
	if t._drain {
		return metrics.ModeDrain
	}
	return metrics.ModeStreaming
}

func (t *TransformPartitionBucket) Event() (Event, error) {
	res, err := t.Step()
	if err != nil {
		return EventFinished, err
	}
	switch res.Kind {
	case StepNeedInput:
		return EventNeedData, nil
	case StepHaveOutput:
		return EventNeedConsume, nil
	case StepContinue:
		return EventSync, nil
	default:
		return EventFinished, nil
	}
}

// Step advances the state machine until it has to wait or has local
// work to do.
func (t *TransformPartitionBucket) Step() (StepResult, error) {
	if t._output.IsFinished() {
		t.cancel()
		return stepDone, nil
	}
	if t._state == stateFinished {
		return stepDone, nil
	}

	if t._state == stateAwaitingInit || (t._drain && !t._reconciled) {
		ready, port, err := t.initializeInputs()
		if err != nil {
			return stepDone, err
		}
		if !ready {
			return needInput(port), nil
		}
		t._state = stateCollecting
	}

	if t.needSplit() {
		t._state = stateSplitting
		return continueOn, nil
	}

	if !t._output.CanPush() {
		for _, in := range t._inputs {
			if !in._port.IsFinished() {
				in._port.SetNotNeedData()
			}
		}
		return haveOutput, nil
	}

	if t._drain {
		return t.stepDrain()
	}
	return t.stepStreaming()
}

// initializeInputs pulls until every input is finished or delivered its
// first bucketed unit. In drain mode it pulls until every input is
// finished.
func (t *TransformPartitionBucket) initializeInputs() (bool, int, error) {
	ready := true
	waitPort := -1
	for idx, in := range t._inputs {
		if in._port.IsFinished() {
			continue
		}
		if in._bucket > SingleLevelBucket && !t._drain {
			continue
		}
		if !in._port.HasData() {
			in._port.SetNeedData()
			ready = false
			if waitPort < 0 {
				waitPort = idx
			}
			continue
		}
		bucket, err := t.addBucket(in._port.PullData())
		if err != nil {
			return false, idx, err
		}
		in._bucket = bucket
		if in._bucket <= SingleLevelBucket || t._drain {
			in._port.SetNeedData()
			ready = false
			if waitPort < 0 {
				waitPort = idx
			}
		}
	}
	return ready, waitPort, nil
}

func (t *TransformPartitionBucket) needSplit() bool {
	if t._drain {
		return !t._reconciled
	}
	return len(t._unsplitted) > 0 && t._bucketsBlocks.Len() > 0
}

func (t *TransformPartitionBucket) stepStreaming() (StepResult, error) {
	pushed, err := t.tryPush()
	if err != nil {
		return stepDone, err
	}

	for {
		allFinished := true
		allPrepared := true
		waitPort := -1
		for idx, in := range t._inputs {
			if in._port.IsFinished() {
				continue
			}
			allFinished = false
			if in._bucket > t._workingBucket {
				continue
			}
			if !in._port.HasData() {
				allPrepared = false
				in._port.SetNeedData()
				if waitPort < 0 {
					waitPort = idx
				}
				continue
			}
			bucket, err := t.addBucket(in._port.PullData())
			if err != nil {
				return stepDone, err
			}
			in._bucket = bucket
			if t._drain {
				// partition count showed up before any emission, the
				// next step drains every input
				in._port.SetNeedData()
				return continueOn, nil
			}
			if in._bucket <= t._workingBucket {
				allPrepared = false
				in._port.SetNeedData()
				if waitPort < 0 {
					waitPort = idx
				}
			}
		}
		if allFinished {
			break
		}
		if !allPrepared {
			if pushed {
				t._state = stateEmitting
				return haveOutput, nil
			}
			t._state = stateCollecting
			return needInput(waitPort), nil
		}
		t._workingBucket++
	}

	if pushed {
		t._state = stateEmitting
		return haveOutput, nil
	}
	if pushed, err = t.tryPush(); err != nil {
		return stepDone, err
	} else if pushed {
		t._state = stateEmitting
		return haveOutput, nil
	}
	return t.popOrFinish()
}

func (t *TransformPartitionBucket) stepDrain() (StepResult, error) {
	util.AssertFunc(len(t._unsplitted) == 0)
	return t.popOrFinish()
}

func (t *TransformPartitionBucket) popOrFinish() (StepResult, error) {
	if blocks, ok := t._bucketsBlocks.PopMin(); ok {
		if err := t.push(blocks._bucket, blocks._metas); err != nil {
			return stepDone, err
		}
		t._state = stateEmitting
		return haveOutput, nil
	}
	t._output.Finish()
	t._state = stateFinished
	util.Debug("partition bucket transform finished",
		zap.String("mode", t.mode()),
		zap.Int("buckets", t._emitted),
		zap.Int("partitions", t._maxPartitionCount))
	return stepDone, nil
}

// tryPush emits the smallest bucket every input moved past, or the
// single level data when there is no bucketed data at all.
func (t *TransformPartitionBucket) tryPush() (bool, error) {
	if t._bucketsBlocks.Len() == 0 {
		if len(t._unsplitted) == 0 {
			return false, nil
		}
		metas := t._unsplitted
		t._unsplitted = nil
		return true, t.push(SingleLevelBucket, metas)
	}
	blocks, ok := t._bucketsBlocks.Min()
	if !ok || blocks._bucket >= t._workingBucket {
		return false, nil
	}
	t._bucketsBlocks.PopMin()
	return true, t.push(blocks._bucket, blocks._metas)
}

func (t *TransformPartitionBucket) push(bucket int, metas []AggrMeta) error {
	if t._emitted > 0 && (t._lastEmitted == SingleLevelBucket || bucket <= t._lastEmitted) {
		return errors.AssertionFailedf("bucket %d emitted after bucket %d", bucket, t._lastEmitted)
	}
	t._output.PushData(NewMetaBlock(&PartitionedMeta{
		Bucket:        bucket,
		Contributions: metas,
	}))
	t._emitted++
	t._lastEmitted = bucket
	metrics.BucketsEmitted.WithLabelValues(t.mode()).Inc()
	return nil
}

func (t *TransformPartitionBucket) pushBucket(bucket int, meta AggrMeta) error {
	if t._emitted > 0 && (t._lastEmitted == SingleLevelBucket || bucket <= t._lastEmitted) {
		return errors.AssertionFailedf("%s arrived after bucket %d was emitted", meta, t._lastEmitted)
	}
	key := &bucketBlocks{_bucket: bucket}
	if blocks, ok := t._bucketsBlocks.Get(key); ok {
		blocks._metas = append(blocks._metas, meta)
		return nil
	}
	key._metas = []AggrMeta{meta}
	t._bucketsBlocks.Set(key)
	return nil
}

// addBucket classifies one pulled unit and returns the bucket the input
// is at afterwards.
func (t *TransformPartitionBucket) addBucket(blk *DataBlock) (int, error) {
	if blk == nil || blk.Meta == nil {
		return 0, errors.AssertionFailedf("%s only receives aggregate meta, got %v", t.Name(), blk)
	}
	switch m := blk.Meta.(type) {
	case *BucketSpilledMeta:
		return SingleLevelBucket, t.addSpilled(m)
	case *SpilledMeta:
		for _, b := range m.Buckets {
			if err := t.addSpilled(b); err != nil {
				return 0, err
			}
		}
		return SingleLevelBucket, nil
	case *HashTableMeta:
		if m.Bucket == SingleLevelBucket {
			return SingleLevelBucket, t.addUnsplitted(m)
		}
		return m.Bucket, t.addBucketed(m.Bucket, 0, m)
	case *SerializedMeta:
		if m.Bucket == SingleLevelBucket && m.MaxPartitionCount == 0 {
			return SingleLevelBucket, t.addUnsplitted(m)
		}
		return m.Bucket, t.addBucketed(m.Bucket, m.MaxPartitionCount, m)
	case *AggrPayloadMeta:
		if m.MaxPartitionCount <= 0 {
			return 0, errors.AssertionFailedf("%s without partition count", m)
		}
		return m.Bucket, t.addBucketed(m.Bucket, m.MaxPartitionCount, m)
	case *AggrHashTableMeta, *PartitionedMeta:
		return 0, errors.AssertionFailedf("unexpected %s in %s", m, t.Name())
	default:
		return 0, errors.AssertionFailedf("unknown aggregate meta %T", m)
	}
}

func (t *TransformPartitionBucket) addUnsplitted(meta AggrMeta) error {
	if t._emitted > 0 {
		return errors.AssertionFailedf("single level %s arrived after %d buckets were emitted", meta, t._emitted)
	}
	t._unsplitted = append(t._unsplitted, meta)
	return nil
}

func (t *TransformPartitionBucket) effectiveCount(maxPartitionCount int) int {
	if maxPartitionCount > 0 {
		return maxPartitionCount
	}
	return t.defaultPartitionCount()
}

// observe upgrades the partition count and switches to drain mode on the
// first unit that carries a partition count.
func (t *TransformPartitionBucket) observe(count int, partitioned bool) error {
	next, err := UpgradePartitionCount(t._maxPartitionCount, count)
	if err != nil {
		return err
	}
	if partitioned && !t._drain {
		if t._emitted > 0 {
			return errors.AssertionFailedf("partition count %d observed after %d buckets were emitted",
				count, t._emitted)
		}
		t.enterDrain()
	}
	t._maxPartitionCount = next
	return nil
}

func (t *TransformPartitionBucket) enterDrain() {
	t._drain = true
	t._bucketsBlocks.Scan(func(blocks *bucketBlocks) bool {
		for _, meta := range blocks._metas {
			if sp, ok := meta.(*BucketSpilledMeta); ok {
				t._spilled = append(t._spilled, sp)
			} else {
				t._inMemory = append(t._inMemory, meta)
			}
		}
		return true
	})
	t._bucketsBlocks.Clear()
	util.Debug("partition bucket transform drains all inputs",
		zap.Int("inMemory", len(t._inMemory)),
		zap.Int("spilled", len(t._spilled)))
}

func (t *TransformPartitionBucket) addBucketed(bucket, maxPartitionCount int, meta AggrMeta) error {
	count := t.effectiveCount(maxPartitionCount)
	if bucket < SingleLevelBucket || bucket >= count {
		return errors.AssertionFailedf("%s has bucket out of [0, %d)", meta, count)
	}
	if err := t.observe(count, maxPartitionCount > 0); err != nil {
		return err
	}
	if t._drain {
		t._inMemory = append(t._inMemory, meta)
		return nil
	}
	return t.pushBucket(bucket, meta)
}

func (t *TransformPartitionBucket) addSpilled(meta *BucketSpilledMeta) error {
	count := t.effectiveCount(meta.MaxPartitionCount)
	if meta.Bucket < 0 || meta.Bucket >= count {
		return errors.AssertionFailedf("%s has bucket out of [0, %d)", meta, count)
	}
	if meta.TargetPartitionCount != 0 {
		return errors.AssertionFailedf("%s is already targeted", meta)
	}
	if err := t.observe(count, meta.MaxPartitionCount > 0); err != nil {
		return err
	}
	if t._drain {
		t._spilled = append(t._spilled, meta)
		return nil
	}
	return t.pushBucket(meta.Bucket, meta)
}

func (t *TransformPartitionBucket) Process(context.Context) error {
	if t._state != stateSplitting {
		return nil
	}
	t._state = stateCollecting
	if t._drain {
		return t.reconcile()
	}
	return t.splitOne()
}

// splitOne splits one single level unit at the default fan-out.
func (t *TransformPartitionBucket) splitOne() error {
	last := len(t._unsplitted) - 1
	meta := t._unsplitted[last]
	t._unsplitted = t._unsplitted[:last]
	count := t.defaultPartitionCount()

	switch m := meta.(type) {
	case *HashTableMeta:
		pp := NewPartitionedPayload(t._params.Layout(), count)
		pp.CombineSingle(m.Payload, t._flushState)
		for bucket, p := range pp.Payloads {
			if p.Count() == 0 {
				continue
			}
			if err := t.pushBucket(bucket, &HashTableMeta{Bucket: bucket, Payload: p}); err != nil {
				return err
			}
		}
		return nil
	case *SerializedMeta:
		pieces, err := scatterSerialized(m.Block, t._params.RadixBits)
		if err != nil {
			return err
		}
		for bucket, piece := range pieces {
			if piece.Card() == 0 {
				continue
			}
			err = t.pushBucket(bucket, &SerializedMeta{Bucket: bucket, Block: piece})
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.AssertionFailedf("can not split %s", meta)
	}
}

func scatterSerialized(block *chunk.Chunk, radixBits int) ([]*chunk.Chunk, error) {
	if block.ColumnCount() != 2 {
		return nil, errors.AssertionFailedf("serialized block has %d columns", block.ColumnCount())
	}
	keys := block.Data[serializedKeyCol]
	return chunk.ScatterBy(block, 1<<radixBits, func(row int) int {
		return RadixBucket(chunk.HashKey(keys.Bytes(row)), radixBits)
	}), nil
}

// reconcile brings every contribution to the largest partition count
// seen. In-memory data is merged into one table at that count. Spilled
// buckets of a smaller count are attached to each bucket they split
// into.
func (t *TransformPartitionBucket) reconcile() error {
	target := t._maxPartitionCount
	if target == 0 {
		target = t.defaultPartitionCount()
	}
	targetBits := util.Log2(uint64(target))
	ht := NewAggrHashTable(t._params.Layout(), targetBits)

	inMemory := append(t._inMemory, t._unsplitted...)
	t._inMemory = nil
	t._unsplitted = nil
	for _, meta := range inMemory {
		if err := t.reconcileInMemory(ht, meta, target); err != nil {
			return err
		}
	}
	pp := ht.Payload()

	for bucket, p := range pp.Payloads {
		if p.Count() == 0 {
			continue
		}
		err := t.pushBucket(bucket, &AggrHashTableMeta{Bucket: bucket, Payload: WrapPayload(p)})
		if err != nil {
			return err
		}
	}

	for _, sp := range t._spilled {
		from := t.effectiveCount(sp.MaxPartitionCount)
		if err := CheckRepartition(from, target); err != nil {
			return err
		}
		if from == target {
			if err := t.pushBucket(sp.Bucket, sp); err != nil {
				return err
			}
			continue
		}
		lo, hi := RefineBucket(sp.Bucket, util.Log2(uint64(from)), targetBits)
		for bucket := lo; bucket < hi; bucket++ {
			if err := t.pushBucket(bucket, sp.retarget(bucket, target)); err != nil {
				return err
			}
		}
	}
	util.Debug("partition bucket transform reconciled",
		zap.Int("partitions", target),
		zap.Int("inMemory", len(inMemory)),
		zap.Int("spilled", len(t._spilled)),
		zap.Int("buckets", t._bucketsBlocks.Len()))
	t._spilled = nil
	t._reconciled = true
	return nil
}

func (t *TransformPartitionBucket) reconcileInMemory(ht *AggrHashTable, meta AggrMeta, target int) error {
	var payload *AggrPayload
	var serialized *chunk.Chunk
	// 0 for data without radix structure
	from := 0
	bucket := SingleLevelBucket
	switch m := meta.(type) {
	case *HashTableMeta:
		payload = m.Payload
		bucket = m.Bucket
		if bucket != SingleLevelBucket {
			from = t.defaultPartitionCount()
		}
	case *AggrPayloadMeta:
		payload = m.Payload
		bucket = m.Bucket
		from = m.MaxPartitionCount
	case *SerializedMeta:
		serialized = m.Block
		bucket = m.Bucket
		if bucket != SingleLevelBucket || m.MaxPartitionCount > 0 {
			from = t.effectiveCount(m.MaxPartitionCount)
		}
	default:
		return errors.AssertionFailedf("can not reconcile %s", meta)
	}
	if from > 0 {
		if err := CheckRepartition(from, target); err != nil {
			return err
		}
	}
	if from == target && bucket != SingleLevelBucket {
		if serialized != nil {
			payload = NewAggrPayload(t._params.Layout())
			if err := payload.AddSerialized(serialized); err != nil {
				return err
			}
		}
		ht.CombineBucket(bucket, payload)
		return nil
	}
	if from > 0 {
		metrics.Repartitions.Inc()
	}
	if serialized != nil {
		return ht.AddGroups(serialized)
	}
	ht.CombinePayload(payload)
	return nil
}

// cancel stops every input and drops the buffered state.
func (t *TransformPartitionBucket) cancel() {
	if t._state == stateFinished {
		return
	}
	for _, in := range t._inputs {
		in._port.Finish()
	}
	t._bucketsBlocks.Scan(func(blocks *bucketBlocks) bool {
		for _, meta := range blocks._metas {
			discardMeta(meta)
		}
		return true
	})
	t._bucketsBlocks.Clear()
	for _, meta := range t._unsplitted {
		discardMeta(meta)
	}
	for _, meta := range t._inMemory {
		discardMeta(meta)
	}
	t._unsplitted = nil
	t._inMemory = nil
	t._spilled = nil
	t._state = stateFinished
	util.Debug("partition bucket transform cancelled", zap.Int("emitted", t._emitted))
}

// discardMeta releases the arenas held by an in-memory unit.
func discardMeta(meta AggrMeta) {
	switch m := meta.(type) {
	case *HashTableMeta:
		m.Payload.Reset()
	case *AggrPayloadMeta:
		m.Payload.Reset()
	case *AggrHashTableMeta:
		m.Payload.Reset()
	case *PartitionedMeta:
		for _, c := range m.Contributions {
			discardMeta(c)
		}
	}
}
