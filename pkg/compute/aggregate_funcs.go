package compute

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/govalues/decimal"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
)

// AggrFunction works on a fixed size state slot. Merge must be
// associative and commutative.
type AggrFunction interface {
	Name() string
	StateSize() int
	Init(state []byte)
	// Update folds row of input into state. input is nil for count(*).
	Update(state []byte, input *chunk.Vector, row int)
	Merge(state, other []byte)
	Finalize(state []byte, result *chunk.Vector)
	ReturnType() common.LType
}

var le = binary.LittleEndian

// layout of the nullable states: [valid uint64][value ...]
func stateValid(state []byte) bool {
	return le.Uint64(state) != 0
}

func setStateValid(state []byte) {
	le.PutUint64(state, 1)
}

// GetAggrFunction binds name to the argument type. arg is ignored by
// count_star.
func GetAggrFunction(name string, arg common.LType) (AggrFunction, error) {
	switch strings.ToLower(name) {
	case "count_star":
		return countStar{}, nil
	case "count":
		return countFunc{}, nil
	case "sum":
		switch arg.Id {
		case common.LTID_INTEGER, common.LTID_BIGINT, common.LTID_BOOLEAN:
			return sumInt{}, nil
		case common.LTID_DOUBLE:
			return sumDouble{}, nil
		case common.LTID_DECIMAL:
			return sumDecimal{_typ: common.DecimalType(common.DecimalMaxWidth, arg.Scale)}, nil
		}
	case "min", "max":
		isMax := strings.ToLower(name) == "max"
		switch arg.Id {
		case common.LTID_INTEGER, common.LTID_BIGINT:
			return minMaxInt{_max: isMax, _typ: arg}, nil
		case common.LTID_DOUBLE:
			return minMaxDouble{_max: isMax}, nil
		}
	case "avg":
		if arg.IsNumeric() {
			return avgFunc{}, nil
		}
	default:
		return nil, errors.Newf("unknown aggregate function %s", name)
	}
	return nil, errors.Newf("aggregate function %s does not support %s", name, arg)
}

type countStar struct{}

func (countStar) Name() string                 { return "count_star" }
func (countStar) StateSize() int               { return 8 }
func (countStar) Init(state []byte)            { le.PutUint64(state, 0) }
func (countStar) ReturnType() common.LType     { return common.BigintType() }
func (countStar) Update(state []byte, _ *chunk.Vector, _ int) {
	le.PutUint64(state, le.Uint64(state)+1)
}
func (countStar) Merge(state, other []byte) {
	le.PutUint64(state, le.Uint64(state)+le.Uint64(other))
}
func (countStar) Finalize(state []byte, result *chunk.Vector) {
	result.AppendInt64(int64(le.Uint64(state)))
}

type countFunc struct {
	countStar
}

func (countFunc) Name() string { return "count" }
func (countFunc) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	le.PutUint64(state, le.Uint64(state)+1)
}

type sumInt struct{}

func (sumInt) Name() string             { return "sum" }
func (sumInt) StateSize() int           { return 16 }
func (sumInt) ReturnType() common.LType { return common.BigintType() }
func (sumInt) Init(state []byte) {
	clear(state[:16])
}
func (sumInt) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	setStateValid(state)
	le.PutUint64(state[8:], uint64(int64(le.Uint64(state[8:]))+input.Int64(row)))
}
func (sumInt) Merge(state, other []byte) {
	if !stateValid(other) {
		return
	}
	setStateValid(state)
	le.PutUint64(state[8:], uint64(int64(le.Uint64(state[8:]))+int64(le.Uint64(other[8:]))))
}
func (sumInt) Finalize(state []byte, result *chunk.Vector) {
	if !stateValid(state) {
		result.AppendNull()
		return
	}
	result.AppendInt64(int64(le.Uint64(state[8:])))
}

type sumDouble struct{}

func (sumDouble) Name() string             { return "sum" }
func (sumDouble) StateSize() int           { return 16 }
func (sumDouble) ReturnType() common.LType { return common.DoubleType() }
func (sumDouble) Init(state []byte) {
	clear(state[:16])
}
func (sumDouble) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	setStateValid(state)
	sum := math.Float64frombits(le.Uint64(state[8:])) + input.Float64(row)
	le.PutUint64(state[8:], math.Float64bits(sum))
}
func (sumDouble) Merge(state, other []byte) {
	if !stateValid(other) {
		return
	}
	setStateValid(state)
	sum := math.Float64frombits(le.Uint64(state[8:])) + math.Float64frombits(le.Uint64(other[8:]))
	le.PutUint64(state[8:], math.Float64bits(sum))
}
func (sumDouble) Finalize(state []byte, result *chunk.Vector) {
	if !stateValid(state) {
		result.AppendNull()
		return
	}
	result.AppendFloat64(math.Float64frombits(le.Uint64(state[8:])))
}

// sumDecimal keeps whole and fraction at the scale of the result type.
type sumDecimal struct {
	_typ common.LType
}

func (sumDecimal) Name() string                 { return "sum" }
func (sumDecimal) StateSize() int               { return 24 }
func (agg sumDecimal) ReturnType() common.LType { return agg._typ }
func (sumDecimal) Init(state []byte) {
	clear(state[:24])
}

func (agg sumDecimal) load(state []byte) decimal.Decimal {
	d, err := decimal.NewFromInt64(int64(le.Uint64(state[8:])), int64(le.Uint64(state[16:])), agg._typ.Scale)
	if err != nil {
		panic(err)
	}
	return d.Pad(agg._typ.Scale)
}

func (agg sumDecimal) store(state []byte, d decimal.Decimal) {
	whole, frac, ok := d.Int64(agg._typ.Scale)
	if !ok {
		panic(errors.Newf("decimal sum %s overflows %s", d, agg._typ))
	}
	setStateValid(state)
	le.PutUint64(state[8:], uint64(whole))
	le.PutUint64(state[16:], uint64(frac))
}

func (agg sumDecimal) add(state []byte, d decimal.Decimal) {
	sum, err := agg.load(state).Add(d)
	if err != nil {
		panic(err)
	}
	agg.store(state, sum)
}

func (agg sumDecimal) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	d, err := input.GetValue(row).Decimal()
	if err != nil {
		panic(err)
	}
	agg.add(state, d)
}
func (agg sumDecimal) Merge(state, other []byte) {
	if !stateValid(other) {
		return
	}
	agg.add(state, agg.load(other))
}
func (agg sumDecimal) Finalize(state []byte, result *chunk.Vector) {
	if !stateValid(state) {
		result.AppendNull()
		return
	}
	result.Append(chunk.Value{
		Typ:   agg._typ,
		I64:   int64(le.Uint64(state[8:])),
		I64_1: int64(le.Uint64(state[16:])),
	})
}

type minMaxInt struct {
	_max bool
	_typ common.LType
}

func (agg minMaxInt) Name() string {
	if agg._max {
		return "max"
	}
	return "min"
}
func (minMaxInt) StateSize() int               { return 16 }
func (agg minMaxInt) ReturnType() common.LType { return agg._typ }
func (minMaxInt) Init(state []byte) {
	clear(state[:16])
}
func (agg minMaxInt) fold(state []byte, v int64) {
	if stateValid(state) {
		cur := int64(le.Uint64(state[8:]))
		if (agg._max && v <= cur) || (!agg._max && v >= cur) {
			return
		}
	}
	setStateValid(state)
	le.PutUint64(state[8:], uint64(v))
}
func (agg minMaxInt) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	agg.fold(state, input.Int64(row))
}
func (agg minMaxInt) Merge(state, other []byte) {
	if !stateValid(other) {
		return
	}
	agg.fold(state, int64(le.Uint64(other[8:])))
}
func (minMaxInt) Finalize(state []byte, result *chunk.Vector) {
	if !stateValid(state) {
		result.AppendNull()
		return
	}
	result.AppendInt64(int64(le.Uint64(state[8:])))
}

type minMaxDouble struct {
	_max bool
}

func (agg minMaxDouble) Name() string {
	if agg._max {
		return "max"
	}
	return "min"
}
func (minMaxDouble) StateSize() int           { return 16 }
func (minMaxDouble) ReturnType() common.LType { return common.DoubleType() }
func (minMaxDouble) Init(state []byte) {
	clear(state[:16])
}
func (agg minMaxDouble) fold(state []byte, v float64) {
	if stateValid(state) {
		cur := math.Float64frombits(le.Uint64(state[8:]))
		if (agg._max && v <= cur) || (!agg._max && v >= cur) {
			return
		}
	}
	setStateValid(state)
	le.PutUint64(state[8:], math.Float64bits(v))
}
func (agg minMaxDouble) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	agg.fold(state, input.Float64(row))
}
func (agg minMaxDouble) Merge(state, other []byte) {
	if !stateValid(other) {
		return
	}
	agg.fold(state, math.Float64frombits(le.Uint64(other[8:])))
}
func (minMaxDouble) Finalize(state []byte, result *chunk.Vector) {
	if !stateValid(state) {
		result.AppendNull()
		return
	}
	result.AppendFloat64(math.Float64frombits(le.Uint64(state[8:])))
}

// avgFunc: [count uint64][sum float64]
type avgFunc struct{}

func (avgFunc) Name() string             { return "avg" }
func (avgFunc) StateSize() int           { return 16 }
func (avgFunc) ReturnType() common.LType { return common.DoubleType() }
func (avgFunc) Init(state []byte) {
	clear(state[:16])
}
func (avgFunc) Update(state []byte, input *chunk.Vector, row int) {
	if input.IsNull(row) {
		return
	}
	var v float64
	switch input.Typ().Id {
	case common.LTID_DOUBLE:
		v = input.Float64(row)
	case common.LTID_DECIMAL:
		d, err := input.GetValue(row).Decimal()
		if err != nil {
			panic(err)
		}
		v, _ = d.Float64()
	default:
		v = float64(input.Int64(row))
	}
	le.PutUint64(state, le.Uint64(state)+1)
	le.PutUint64(state[8:], math.Float64bits(math.Float64frombits(le.Uint64(state[8:]))+v))
}
func (avgFunc) Merge(state, other []byte) {
	le.PutUint64(state, le.Uint64(state)+le.Uint64(other))
	sum := math.Float64frombits(le.Uint64(state[8:])) + math.Float64frombits(le.Uint64(other[8:]))
	le.PutUint64(state[8:], math.Float64bits(sum))
}
func (avgFunc) Finalize(state []byte, result *chunk.Vector) {
	cnt := le.Uint64(state)
	if cnt == 0 {
		result.AppendNull()
		return
	}
	result.AppendFloat64(math.Float64frombits(le.Uint64(state[8:])) / float64(cnt))
}
