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

package common

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

type LTypeId int

const (
	LTID_INVALID LTypeId = iota
	LTID_BOOLEAN
	LTID_INTEGER
	LTID_BIGINT
	LTID_DOUBLE
	LTID_DECIMAL
	LTID_VARCHAR
	LTID_BLOB
)

var lTypeIdNames = map[LTypeId]string{
	LTID_INVALID: "INVALID",
	LTID_BOOLEAN: "BOOLEAN",
	LTID_INTEGER: "INTEGER",
	LTID_BIGINT:  "BIGINT",
	LTID_DOUBLE:  "DOUBLE",
	LTID_DECIMAL: "DECIMAL",
	LTID_VARCHAR: "VARCHAR",
	LTID_BLOB:    "BLOB",
}

func (id LTypeId) String() string {
	if name, ok := lTypeIdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("LTypeId(%d)", int(id))
}

const (
	DecimalMaxWidth = 18
)

type LType struct {
	Id    LTypeId
	Width int
	Scale int
}

func InvalidType() LType {
	return LType{Id: LTID_INVALID}
}

func BooleanType() LType {
	return LType{Id: LTID_BOOLEAN}
}

func IntegerType() LType {
	return LType{Id: LTID_INTEGER}
}

func BigintType() LType {
	return LType{Id: LTID_BIGINT}
}

func DoubleType() LType {
	return LType{Id: LTID_DOUBLE}
}

func DecimalType(width, scale int) LType {
	return LType{Id: LTID_DECIMAL, Width: width, Scale: scale}
}

func VarcharType() LType {
	return LType{Id: LTID_VARCHAR}
}

func BlobType() LType {
	return LType{Id: LTID_BLOB}
}

func (lt LType) IsNumeric() bool {
	switch lt.Id {
	case LTID_INTEGER, LTID_BIGINT, LTID_DOUBLE, LTID_DECIMAL:
		return true
	default:
		return false
	}
}

func (lt LType) IsIntegral() bool {
	return lt.Id == LTID_INTEGER || lt.Id == LTID_BIGINT
}

// FixedWidth is the encoded width of a value, 0 for variable length types.
func (lt LType) FixedWidth() int {
	switch lt.Id {
	case LTID_BOOLEAN:
		return 1
	case LTID_INTEGER:
		return 4
	case LTID_BIGINT, LTID_DOUBLE:
		return 8
	case LTID_DECIMAL:
		return 16
	default:
		return 0
	}
}

func (lt LType) Equal(o LType) bool {
	return lt.Id == o.Id && lt.Width == o.Width && lt.Scale == o.Scale
}

func (lt LType) String() string {
	if lt.Id == LTID_DECIMAL {
		return fmt.Sprintf("DECIMAL(%d,%d)", lt.Width, lt.Scale)
	}
	return lt.Id.String()
}

// ParseLType accepts the names printed by String.
func ParseLType(s string) (LType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "BOOLEAN", "BOOL":
		return BooleanType(), nil
	case "INTEGER", "INT":
		return IntegerType(), nil
	case "BIGINT":
		return BigintType(), nil
	case "DOUBLE":
		return DoubleType(), nil
	case "VARCHAR", "STRING":
		return VarcharType(), nil
	case "BLOB":
		return BlobType(), nil
	}
	var width, scale int
	if n, err := fmt.Sscanf(s, "DECIMAL(%d,%d)", &width, &scale); err == nil && n == 2 {
		if width <= 0 || width > DecimalMaxWidth || scale < 0 || scale > width {
			return InvalidType(), errors.Newf("invalid decimal type %s", s)
		}
		return DecimalType(width, scale), nil
	}
	return InvalidType(), errors.Newf("unknown type %q", s)
}
