package compute

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/metrics"
)

// transformFinal merges the contributions of one bucket and emits the
// finalized rows before it pulls the next bucket.
type transformFinal struct {
	_name    string
	_params  *AggregatorParams
	_input   *InputPort
	_output  *OutputPort
	_current *PartitionedMeta
	_outputs []*chunk.Chunk
	_buckets int
}

// TransformFinalAggregate emits the group columns followed by the
// finalized aggregate results.
type TransformFinalAggregate struct {
	transformFinal
}

// TransformFinalGroupBy emits the distinct group keys.
type TransformFinalGroupBy struct {
	transformFinal
}

func newTransformFinal(name string, params *AggregatorParams) transformFinal {
	return transformFinal{
		_name:   name,
		_params: params,
		_input:  NewInputPort(),
		_output: NewOutputPort(),
	}
}

func NewTransformFinalAggregate(params *AggregatorParams) *TransformFinalAggregate {
	return &TransformFinalAggregate{newTransformFinal("TransformFinalAggregate", params)}
}

func NewTransformFinalGroupBy(params *AggregatorParams) (*TransformFinalGroupBy, error) {
	if !params.GroupByOnly() {
		return nil, errors.AssertionFailedf("group by transform with %d aggregates", len(params.Aggregates))
	}
	return &TransformFinalGroupBy{newTransformFinal("TransformFinalGroupBy", params)}, nil
}

// NewTransformFinal picks the final transform for params.
func NewTransformFinal(params *AggregatorParams) Processor {
	if params.GroupByOnly() {
		ret, _ := NewTransformFinalGroupBy(params)
		return ret
	}
	return NewTransformFinalAggregate(params)
}

func (t *transformFinal) Name() string {
	return t._name
}

func (t *transformFinal) Input() *InputPort {
	return t._input
}

func (t *transformFinal) Output() *OutputPort {
	return t._output
}

func (t *transformFinal) Inputs() []*InputPort {
	return []*InputPort{t._input}
}

func (t *transformFinal) Outputs() []*OutputPort {
	return []*OutputPort{t._output}
}

// Buckets is the number of buckets finalized.
func (t *transformFinal) Buckets() int {
	return t._buckets
}

func (t *transformFinal) Event() (Event, error) {
	if t._output.IsFinished() {
		t._input.Finish()
		t._current = nil
		t._outputs = nil
		return EventFinished, nil
	}
	if len(t._outputs) > 0 {
		if !t._output.CanPush() {
			return EventNeedConsume, nil
		}
		t._output.PushData(&DataBlock{Chunk: t._outputs[0]})
		t._outputs[0] = nil
		t._outputs = t._outputs[1:]
		return EventNeedConsume, nil
	}
	if t._current != nil {
		return EventSync, nil
	}
	if t._input.HasData() {
		blk := t._input.PullData()
		meta, ok := blk.Meta.(*PartitionedMeta)
		if !ok {
			return EventFinished, errors.AssertionFailedf("%s receives %s", t._name, blk)
		}
		t._current = meta
		return EventSync, nil
	}
	if t._input.IsFinished() {
		t._output.Finish()
		return EventFinished, nil
	}
	t._input.SetNeedData()
	return EventNeedData, nil
}

func (t *transformFinal) Process(context.Context) error {
	if t._current == nil {
		return nil
	}
	meta := t._current
	t._current = nil
	payload, err := t.merge(meta)
	if err != nil {
		return err
	}
	defer payload.Reset()
	err = payload.Finalize(func(ck *chunk.Chunk) error {
		t._outputs = append(t._outputs, ck)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.GroupsFinalized.Add(float64(payload.Count()))
	t._buckets++
	return nil
}

// merge folds every contribution of one bucket into one payload.
func (t *transformFinal) merge(meta *PartitionedMeta) (*AggrPayload, error) {
	ret := NewAggrPayload(t._params.Layout())
	for _, c := range meta.Contributions {
		switch m := c.(type) {
		case *HashTableMeta:
			ret.Combine(m.Payload)
		case *AggrPayloadMeta:
			ret.Combine(m.Payload)
		case *AggrHashTableMeta:
			for _, p := range m.Payload.Payloads {
				ret.Combine(p)
			}
		case *SerializedMeta:
			if err := ret.AddSerialized(m.Block); err != nil {
				ret.Reset()
				return nil, err
			}
		default:
			ret.Reset()
			return nil, errors.AssertionFailedf("%s can not merge %s", t._name, c)
		}
	}
	return ret, nil
}
