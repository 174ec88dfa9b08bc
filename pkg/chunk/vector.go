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

package chunk

import (
	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

// Vector is one typed column. Storage depends on the type:
//   - BOOLEAN, INTEGER, BIGINT: _i64
//   - DECIMAL: _i64 (whole) and _i64b (fraction)
//   - DOUBLE: _f64
//   - VARCHAR: _str
//   - BLOB: _bytes
type Vector struct {
	_typ   common.LType
	_mask  util.Bitmap
	_count int
	_i64   []int64
	_i64b  []int64
	_f64   []float64
	_str   []string
	_bytes [][]byte
}

func NewVector(typ common.LType, capacity int) *Vector {
	vec := &Vector{_typ: typ}
	switch typ.Id {
	case common.LTID_BOOLEAN, common.LTID_INTEGER, common.LTID_BIGINT:
		vec._i64 = make([]int64, 0, capacity)
	case common.LTID_DECIMAL:
		vec._i64 = make([]int64, 0, capacity)
		vec._i64b = make([]int64, 0, capacity)
	case common.LTID_DOUBLE:
		vec._f64 = make([]float64, 0, capacity)
	case common.LTID_VARCHAR:
		vec._str = make([]string, 0, capacity)
	case common.LTID_BLOB:
		vec._bytes = make([][]byte, 0, capacity)
	default:
		panic(errors.AssertionFailedf("unsupported vector type %s", typ))
	}
	return vec
}

func (vec *Vector) Typ() common.LType {
	return vec._typ
}

func (vec *Vector) Len() int {
	return vec._count
}

func (vec *Vector) IsNull(idx int) bool {
	return !vec._mask.RowIsValid(uint64(idx))
}

func (vec *Vector) appendZero() {
	switch vec._typ.Id {
	case common.LTID_BOOLEAN, common.LTID_INTEGER, common.LTID_BIGINT:
		vec._i64 = append(vec._i64, 0)
	case common.LTID_DECIMAL:
		vec._i64 = append(vec._i64, 0)
		vec._i64b = append(vec._i64b, 0)
	case common.LTID_DOUBLE:
		vec._f64 = append(vec._f64, 0)
	case common.LTID_VARCHAR:
		vec._str = append(vec._str, "")
	case common.LTID_BLOB:
		vec._bytes = append(vec._bytes, nil)
	}
}

func (vec *Vector) AppendNull() {
	vec.appendZero()
	vec._mask.SetInvalid(uint64(vec._count))
	vec._count++
	vec._mask.Resize(vec._count)
}

func (vec *Vector) Append(val Value) {
	if val.IsNull {
		vec.AppendNull()
		return
	}
	switch vec._typ.Id {
	case common.LTID_BOOLEAN:
		var b int64
		if val.Bool {
			b = 1
		}
		vec._i64 = append(vec._i64, b)
	case common.LTID_INTEGER, common.LTID_BIGINT:
		vec._i64 = append(vec._i64, val.I64)
	case common.LTID_DECIMAL:
		vec._i64 = append(vec._i64, val.I64)
		vec._i64b = append(vec._i64b, val.I64_1)
	case common.LTID_DOUBLE:
		vec._f64 = append(vec._f64, val.F64)
	case common.LTID_VARCHAR:
		vec._str = append(vec._str, val.Str)
	case common.LTID_BLOB:
		vec._bytes = append(vec._bytes, []byte(val.Str))
	}
	vec._count++
	vec._mask.Resize(vec._count)
}

func (vec *Vector) AppendInt64(v int64) {
	util.AssertFunc(vec._i64 != nil && vec._i64b == nil)
	vec._i64 = append(vec._i64, v)
	vec._count++
	vec._mask.Resize(vec._count)
}

func (vec *Vector) AppendFloat64(v float64) {
	vec._f64 = append(vec._f64, v)
	vec._count++
	vec._mask.Resize(vec._count)
}

func (vec *Vector) AppendString(s string) {
	vec._str = append(vec._str, s)
	vec._count++
	vec._mask.Resize(vec._count)
}

// AppendBytes keeps a reference to b.
func (vec *Vector) AppendBytes(b []byte) {
	vec._bytes = append(vec._bytes, b)
	vec._count++
	vec._mask.Resize(vec._count)
}

func (vec *Vector) Int64(idx int) int64 {
	return vec._i64[idx]
}

func (vec *Vector) Float64(idx int) float64 {
	return vec._f64[idx]
}

func (vec *Vector) String(idx int) string {
	return vec._str[idx]
}

func (vec *Vector) Bytes(idx int) []byte {
	return vec._bytes[idx]
}

func (vec *Vector) GetValue(idx int) Value {
	util.AssertFunc(idx < vec._count)
	if vec.IsNull(idx) {
		return NullValue(vec._typ)
	}
	val := Value{Typ: vec._typ}
	switch vec._typ.Id {
	case common.LTID_BOOLEAN:
		val.Bool = vec._i64[idx] != 0
	case common.LTID_INTEGER, common.LTID_BIGINT:
		val.I64 = vec._i64[idx]
	case common.LTID_DECIMAL:
		val.I64 = vec._i64[idx]
		val.I64_1 = vec._i64b[idx]
	case common.LTID_DOUBLE:
		val.F64 = vec._f64[idx]
	case common.LTID_VARCHAR:
		val.Str = vec._str[idx]
	case common.LTID_BLOB:
		val.Str = string(vec._bytes[idx])
	}
	return val
}

// Select copies the rows in sel into a new vector.
func (vec *Vector) Select(sel []int) *Vector {
	ret := NewVector(vec._typ, len(sel))
	for _, idx := range sel {
		if vec.IsNull(idx) {
			ret.AppendNull()
			continue
		}
		switch vec._typ.Id {
		case common.LTID_BLOB:
			ret.AppendBytes(vec._bytes[idx])
		default:
			ret.Append(vec.GetValue(idx))
		}
	}
	return ret
}
