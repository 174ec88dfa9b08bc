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
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/common"
)

const (
	keyNull  byte = 0
	keyValid byte = 1
)

// EncodeGroupKey appends the key of row to dst. Two rows have the same
// group iff their encodings are equal byte by byte.
func EncodeGroupKey(dst []byte, groups *Chunk, row int) []byte {
	for _, vec := range groups.Data {
		if vec.IsNull(row) {
			dst = append(dst, keyNull)
			continue
		}
		dst = append(dst, keyValid)
		switch vec.Typ().Id {
		case common.LTID_BOOLEAN:
			dst = append(dst, byte(vec._i64[row]))
		case common.LTID_INTEGER:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(vec._i64[row])))
		case common.LTID_BIGINT:
			dst = binary.LittleEndian.AppendUint64(dst, uint64(vec._i64[row]))
		case common.LTID_DECIMAL:
			dst = binary.LittleEndian.AppendUint64(dst, uint64(vec._i64[row]))
			dst = binary.LittleEndian.AppendUint64(dst, uint64(vec._i64b[row]))
		case common.LTID_DOUBLE:
			dst = binary.LittleEndian.AppendUint64(dst, canonicalFloatBits(vec._f64[row]))
		case common.LTID_VARCHAR:
			s := vec._str[row]
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
			dst = append(dst, s...)
		case common.LTID_BLOB:
			b := vec._bytes[row]
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
			dst = append(dst, b...)
		default:
			panic(errors.AssertionFailedf("unsupported group key type %s", vec.Typ()))
		}
	}
	return dst
}

func canonicalFloatBits(f float64) uint64 {
	if f == 0 {
		return 0
	}
	if math.IsNaN(f) {
		return math.Float64bits(math.NaN())
	}
	return math.Float64bits(f)
}

func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// DecodeGroupKey appends the values of key to the group vectors.
func DecodeGroupKey(key []byte, groups []*Vector) error {
	pos := 0
	need := func(n int) error {
		if pos+n > len(key) {
			return errors.Newf("group key truncated at %d, need %d of %d", pos, n, len(key))
		}
		return nil
	}
	for _, vec := range groups {
		if err := need(1); err != nil {
			return err
		}
		flag := key[pos]
		pos++
		if flag == keyNull {
			vec.AppendNull()
			continue
		}
		typ := vec.Typ()
		if width := typ.FixedWidth(); width > 0 {
			if err := need(width); err != nil {
				return err
			}
		}
		switch typ.Id {
		case common.LTID_BOOLEAN:
			vec.Append(BooleanValue(key[pos] != 0))
			pos++
		case common.LTID_INTEGER:
			vec.AppendInt64(int64(int32(binary.LittleEndian.Uint32(key[pos:]))))
			pos += 4
		case common.LTID_BIGINT:
			vec.AppendInt64(int64(binary.LittleEndian.Uint64(key[pos:])))
			pos += 8
		case common.LTID_DECIMAL:
			vec.Append(Value{
				Typ:   typ,
				I64:   int64(binary.LittleEndian.Uint64(key[pos:])),
				I64_1: int64(binary.LittleEndian.Uint64(key[pos+8:])),
			})
			pos += 16
		case common.LTID_DOUBLE:
			vec.AppendFloat64(math.Float64frombits(binary.LittleEndian.Uint64(key[pos:])))
			pos += 8
		case common.LTID_VARCHAR, common.LTID_BLOB:
			if err := need(4); err != nil {
				return err
			}
			l := int(binary.LittleEndian.Uint32(key[pos:]))
			pos += 4
			if err := need(l); err != nil {
				return err
			}
			if typ.Id == common.LTID_VARCHAR {
				vec.AppendString(string(key[pos : pos+l]))
			} else {
				vec.AppendBytes(key[pos : pos+l])
			}
			pos += l
		default:
			return errors.AssertionFailedf("unsupported group key type %s", typ)
		}
	}
	if pos != len(key) {
		return errors.Newf("group key has %d trailing bytes", len(key)-pos)
	}
	return nil
}
