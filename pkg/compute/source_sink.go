package compute

import (
	"context"

	"github.com/daviszhen/aggspill/pkg/chunk"
)

// MetaSource replays the blocks of one upstream worker.
type MetaSource struct {
	_name   string
	_blocks []*DataBlock
	_next   int
	_output *OutputPort
}

func NewMetaSource(name string, blocks []*DataBlock) *MetaSource {
	return &MetaSource{
		_name:   name,
		_blocks: blocks,
		_output: NewOutputPort(),
	}
}

func (src *MetaSource) Name() string {
	return src._name
}

func (src *MetaSource) Output() *OutputPort {
	return src._output
}

func (src *MetaSource) Inputs() []*InputPort {
	return nil
}

func (src *MetaSource) Outputs() []*OutputPort {
	return []*OutputPort{src._output}
}

// Pushed is the number of blocks handed downstream.
func (src *MetaSource) Pushed() int {
	return src._next
}

func (src *MetaSource) Event() (Event, error) {
	if src._output.IsFinished() {
		src._blocks = nil
		return EventFinished, nil
	}
	if src._next >= len(src._blocks) {
		src._output.Finish()
		return EventFinished, nil
	}
	if src._output.CanPush() {
		src._output.PushData(src._blocks[src._next])
		src._blocks[src._next] = nil
		src._next++
	}
	return EventNeedConsume, nil
}

func (src *MetaSource) Process(context.Context) error {
	return nil
}

// ResultSink collects the output chunks of a pipeline. With limit > 0 it
// stops pulling after limit blocks.
type ResultSink struct {
	_input  *InputPort
	_chunks []*chunk.Chunk
	_all    []*DataBlock
	_blocks int
	_limit  int
}

func NewResultSink() *ResultSink {
	return &ResultSink{_input: NewInputPort()}
}

func NewLimitSink(limit int) *ResultSink {
	return &ResultSink{_input: NewInputPort(), _limit: limit}
}

func (sink *ResultSink) Name() string {
	return "ResultSink"
}

func (sink *ResultSink) Input() *InputPort {
	return sink._input
}

func (sink *ResultSink) Inputs() []*InputPort {
	return []*InputPort{sink._input}
}

func (sink *ResultSink) Outputs() []*OutputPort {
	return nil
}

func (sink *ResultSink) Chunks() []*chunk.Chunk {
	return sink._chunks
}

func (sink *ResultSink) Blocks() int {
	return sink._blocks
}

// DataBlocks are all blocks pulled, in order.
func (sink *ResultSink) DataBlocks() []*DataBlock {
	return sink._all
}

func (sink *ResultSink) Rows() int {
	cnt := 0
	for _, ck := range sink._chunks {
		cnt += ck.Card()
	}
	return cnt
}

// Close stops pulling. Upstream processors observe a finished output.
func (sink *ResultSink) Close() {
	sink._input.Finish()
}

func (sink *ResultSink) Event() (Event, error) {
	if sink._input.HasData() {
		blk := sink._input.PullData()
		sink._blocks++
		sink._all = append(sink._all, blk)
		if blk.Chunk != nil {
			sink._chunks = append(sink._chunks, blk.Chunk)
		}
		if sink._limit > 0 && sink._blocks >= sink._limit {
			sink.Close()
		}
	}
	if sink._input.IsFinished() {
		return EventFinished, nil
	}
	sink._input.SetNeedData()
	return EventNeedData, nil
}

func (sink *ResultSink) Process(context.Context) error {
	return nil
}
