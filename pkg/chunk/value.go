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
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/govalues/decimal"

	"github.com/daviszhen/aggspill/pkg/common"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	//fraction part of the decimal
	I64_1 int64
	F64   float64
	Str   string
}

func NullValue(typ common.LType) Value {
	return Value{Typ: typ, IsNull: true}
}

func BooleanValue(b bool) Value {
	return Value{Typ: common.BooleanType(), Bool: b}
}

func IntegerValue(v int32) Value {
	return Value{Typ: common.IntegerType(), I64: int64(v)}
}

func BigintValue(v int64) Value {
	return Value{Typ: common.BigintType(), I64: v}
}

func DoubleValue(v float64) Value {
	return Value{Typ: common.DoubleType(), F64: v}
}

func VarcharValue(s string) Value {
	return Value{Typ: common.VarcharType(), Str: s}
}

func BlobValue(b []byte) Value {
	return Value{Typ: common.BlobType(), Str: string(b)}
}

func DecimalValue(d decimal.Decimal, typ common.LType) (Value, error) {
	whole, frac, ok := d.Int64(typ.Scale)
	if !ok {
		return Value{}, errors.Newf("decimal %s overflows %s", d.String(), typ)
	}
	return Value{Typ: typ, I64: whole, I64_1: frac}, nil
}

// Decimal keeps the trailing zeros up to the scale of the type.
func (val Value) Decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromInt64(val.I64, val.I64_1, val.Typ.Scale)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Pad(val.Typ.Scale), nil
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case common.LTID_DOUBLE:
		return fmt.Sprintf("%v", val.F64)
	case common.LTID_DECIMAL:
		d, err := val.Decimal()
		if err != nil {
			return fmt.Sprintf("%d.%d", val.I64, val.I64_1)
		}
		return d.String()
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_BLOB:
		return fmt.Sprintf("0x%x", val.Str)
	default:
		panic(errors.AssertionFailedf("unsupported value type %s", val.Typ))
	}
}

func (val Value) Equal(o Value) bool {
	if val.IsNull || o.IsNull {
		return val.IsNull == o.IsNull
	}
	if val.Typ.Id != o.Typ.Id {
		return false
	}
	switch val.Typ.Id {
	case common.LTID_BOOLEAN:
		return val.Bool == o.Bool
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return val.I64 == o.I64
	case common.LTID_DOUBLE:
		return val.F64 == o.F64
	case common.LTID_DECIMAL:
		return val.I64 == o.I64 && val.I64_1 == o.I64_1 && val.Typ.Scale == o.Typ.Scale
	default:
		return val.Str == o.Str
	}
}
