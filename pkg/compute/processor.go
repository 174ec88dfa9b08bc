package compute

import (
	"context"
	"fmt"

	"github.com/daviszhen/aggspill/pkg/util"
)

type Event int

const (
	// EventNeedData waits for an input port.
	EventNeedData Event = iota
	// EventNeedConsume waits for the output port to be drained.
	EventNeedConsume
	// EventSync asks for Process, which does not block.
	EventSync
	// EventAsync asks for Process, which may block on io.
	EventAsync
	EventFinished
)

func (ev Event) String() string {
	switch ev {
	case EventNeedData:
		return "NeedData"
	case EventNeedConsume:
		return "NeedConsume"
	case EventSync:
		return "Sync"
	case EventAsync:
		return "Async"
	case EventFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Event(%d)", int(ev))
	}
}

// Processor is one node of a pipeline. Event never blocks. Process is
// called only after Event returned EventSync or EventAsync.
type Processor interface {
	Name() string
	Event() (Event, error)
	Process(ctx context.Context) error
	Inputs() []*InputPort
	Outputs() []*OutputPort
}

// portShared is the single slot between an output and an input port.
type portShared struct {
	_data *DataBlock
	// the consumer wants data
	_needData bool
	// the producer will push no more
	_outputFinished bool
	// the consumer will pull no more
	_inputFinished bool
	_ops           uint64
}

type InputPort struct {
	_shared *portShared
}

type OutputPort struct {
	_shared *portShared
}

func NewInputPort() *InputPort {
	return &InputPort{}
}

func NewOutputPort() *OutputPort {
	return &OutputPort{}
}

// Connect links out to in. Both must be unconnected.
func Connect(out *OutputPort, in *InputPort) {
	util.AssertFunc(out._shared == nil && in._shared == nil)
	shared := &portShared{}
	out._shared = shared
	in._shared = shared
}

func (in *InputPort) connected() bool {
	return in._shared != nil
}

func (in *InputPort) HasData() bool {
	return in._shared._data != nil
}

// PullData takes the block in the slot. The need data flag is cleared.
func (in *InputPort) PullData() *DataBlock {
	shared := in._shared
	blk := shared._data
	shared._data = nil
	shared._needData = false
	shared._ops++
	return blk
}

func (in *InputPort) SetNeedData() {
	if !in._shared._needData {
		in._shared._needData = true
		in._shared._ops++
	}
}

func (in *InputPort) SetNotNeedData() {
	if in._shared._needData {
		in._shared._needData = false
		in._shared._ops++
	}
}

// Finish tells the producer to stop. Buffered data is dropped.
func (in *InputPort) Finish() {
	shared := in._shared
	if !shared._inputFinished {
		shared._inputFinished = true
		shared._data = nil
		shared._ops++
	}
}

// IsFinished is true when nothing more can be pulled.
func (in *InputPort) IsFinished() bool {
	shared := in._shared
	return shared._inputFinished || (shared._outputFinished && shared._data == nil)
}

func (out *OutputPort) connected() bool {
	return out._shared != nil
}

// CanPush is true when the consumer asked for data and the slot is free.
func (out *OutputPort) CanPush() bool {
	shared := out._shared
	return !shared._inputFinished && shared._needData && shared._data == nil
}

func (out *OutputPort) PushData(blk *DataBlock) {
	shared := out._shared
	util.AssertFunc(shared._data == nil && !shared._outputFinished)
	if shared._inputFinished {
		return
	}
	shared._data = blk
	shared._ops++
}

func (out *OutputPort) Finish() {
	if !out._shared._outputFinished {
		out._shared._outputFinished = true
		out._shared._ops++
	}
}

// IsFinished is true when the consumer stopped pulling.
func (out *OutputPort) IsFinished() bool {
	return out._shared._inputFinished
}
