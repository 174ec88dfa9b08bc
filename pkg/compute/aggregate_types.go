package compute

import (
	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

// TupleLayout places the aggregate states of one group in a single
// slot. Every state starts 8-byte aligned.
type TupleLayout struct {
	_groupTypes []common.LType
	_aggregates []AggrFunction
	_offsets    []int
	_stateSize  int
}

func NewTupleLayout(groupTypes []common.LType, aggrs []AggrFunction) *TupleLayout {
	ret := &TupleLayout{
		_groupTypes: groupTypes,
		_aggregates: aggrs,
	}
	for _, aggr := range aggrs {
		ret._offsets = append(ret._offsets, ret._stateSize)
		ret._stateSize += util.AlignValue8(aggr.StateSize())
	}
	return ret
}

func (layout *TupleLayout) groupTypes() []common.LType {
	return layout._groupTypes
}

func (layout *TupleLayout) aggrCount() int {
	return len(layout._aggregates)
}

func (layout *TupleLayout) stateSize() int {
	return layout._stateSize
}

func (layout *TupleLayout) state(states []byte, i int) []byte {
	off := layout._offsets[i]
	return states[off : off+layout._aggregates[i].StateSize()]
}

func (layout *TupleLayout) initStates(states []byte) {
	for i, aggr := range layout._aggregates {
		aggr.Init(layout.state(states, i))
	}
}

// updateStates folds row of inputs. inputs[i] feeds aggregate i.
func (layout *TupleLayout) updateStates(states []byte, inputs []*chunk.Vector, row int) {
	for i, aggr := range layout._aggregates {
		var input *chunk.Vector
		if i < len(inputs) {
			input = inputs[i]
		}
		aggr.Update(layout.state(states, i), input, row)
	}
}

func (layout *TupleLayout) mergeStates(states, other []byte) {
	for i, aggr := range layout._aggregates {
		aggr.Merge(layout.state(states, i), layout.state(other, i))
	}
}

func (layout *TupleLayout) finalizeStates(states []byte, results []*chunk.Vector) {
	for i, aggr := range layout._aggregates {
		aggr.Finalize(layout.state(states, i), results[i])
	}
}

// equal reports whether two layouts can exchange states.
func (layout *TupleLayout) equal(other *TupleLayout) bool {
	if layout == other {
		return true
	}
	if len(layout._groupTypes) != len(other._groupTypes) ||
		len(layout._aggregates) != len(other._aggregates) {
		return false
	}
	for i, typ := range layout._groupTypes {
		if !typ.Equal(other._groupTypes[i]) {
			return false
		}
	}
	for i, aggr := range layout._aggregates {
		if aggr.Name() != other._aggregates[i].Name() ||
			aggr.StateSize() != other._aggregates[i].StateSize() {
			return false
		}
	}
	return true
}
