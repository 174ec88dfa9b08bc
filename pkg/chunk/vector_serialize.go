package chunk

import (
	"github.com/cockroachdb/errors"

	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

// Serialize writes the validity mask followed by the values.
func (vec *Vector) Serialize(serial util.Serialize) error {
	count := vec._count
	writeValidity := count > 0 && !vec._mask.AllValid()
	err := util.Write[bool](writeValidity, serial)
	if err != nil {
		return err
	}
	if writeValidity {
		words := util.EntryCount(count)
		for i := 0; i < words; i++ {
			word := ^uint64(0)
			if i < len(vec._mask.Bits) {
				word = vec._mask.Bits[i]
			}
			err = util.Write[uint64](word, serial)
			if err != nil {
				return err
			}
		}
	}
	switch vec._typ.Id {
	case common.LTID_BOOLEAN, common.LTID_INTEGER, common.LTID_BIGINT:
		for i := 0; i < count; i++ {
			if err = util.Write[int64](vec._i64[i], serial); err != nil {
				return err
			}
		}
	case common.LTID_DECIMAL:
		for i := 0; i < count; i++ {
			if err = util.Write[int64](vec._i64[i], serial); err != nil {
				return err
			}
			if err = util.Write[int64](vec._i64b[i], serial); err != nil {
				return err
			}
		}
	case common.LTID_DOUBLE:
		for i := 0; i < count; i++ {
			if err = util.Write[float64](vec._f64[i], serial); err != nil {
				return err
			}
		}
	case common.LTID_VARCHAR:
		for i := 0; i < count; i++ {
			if err = util.WriteString(vec._str[i], serial); err != nil {
				return err
			}
		}
	case common.LTID_BLOB:
		for i := 0; i < count; i++ {
			if err = util.WriteBytes(vec._bytes[i], serial); err != nil {
				return err
			}
		}
	default:
		return errors.AssertionFailedf("unsupported vector type %s", vec._typ)
	}
	return nil
}

// Deserialize appends count values to an empty vector.
func (vec *Vector) Deserialize(count int, deserial util.Deserialize) error {
	util.AssertFunc(vec._count == 0)
	hasMask := false
	err := util.Read[bool](&hasMask, deserial)
	if err != nil {
		return err
	}
	vec._mask.Reset()
	if hasMask {
		vec._mask.Bits = make([]uint64, util.EntryCount(count))
		for i := range vec._mask.Bits {
			if err = util.Read[uint64](&vec._mask.Bits[i], deserial); err != nil {
				return err
			}
		}
	}
	switch vec._typ.Id {
	case common.LTID_BOOLEAN, common.LTID_INTEGER, common.LTID_BIGINT:
		for i := 0; i < count; i++ {
			var v int64
			if err = util.Read[int64](&v, deserial); err != nil {
				return err
			}
			vec._i64 = append(vec._i64, v)
		}
	case common.LTID_DECIMAL:
		for i := 0; i < count; i++ {
			var whole, frac int64
			if err = util.Read[int64](&whole, deserial); err != nil {
				return err
			}
			if err = util.Read[int64](&frac, deserial); err != nil {
				return err
			}
			vec._i64 = append(vec._i64, whole)
			vec._i64b = append(vec._i64b, frac)
		}
	case common.LTID_DOUBLE:
		for i := 0; i < count; i++ {
			var v float64
			if err = util.Read[float64](&v, deserial); err != nil {
				return err
			}
			vec._f64 = append(vec._f64, v)
		}
	case common.LTID_VARCHAR:
		for i := 0; i < count; i++ {
			s, err := util.ReadString(deserial)
			if err != nil {
				return err
			}
			vec._str = append(vec._str, s)
		}
	case common.LTID_BLOB:
		for i := 0; i < count; i++ {
			b, err := util.ReadBytes(deserial)
			if err != nil {
				return err
			}
			vec._bytes = append(vec._bytes, b)
		}
	default:
		return errors.AssertionFailedf("unsupported vector type %s", vec._typ)
	}
	vec._count = count
	return nil
}

// Serialize writes the column types, the row count and the columns.
func (c *Chunk) Serialize(serial util.Serialize) error {
	err := util.Write[uint32](uint32(len(c.Data)), serial)
	if err != nil {
		return err
	}
	for _, vec := range c.Data {
		if err = util.WriteString(vec.Typ().String(), serial); err != nil {
			return err
		}
	}
	err = util.Write[uint32](uint32(c.count), serial)
	if err != nil {
		return err
	}
	for _, vec := range c.Data {
		if err = vec.Serialize(serial); err != nil {
			return err
		}
	}
	return nil
}

func DeserializeChunk(deserial util.Deserialize) (*Chunk, error) {
	var colCnt, rowCnt uint32
	err := util.Read[uint32](&colCnt, deserial)
	if err != nil {
		return nil, err
	}
	typs := make([]common.LType, colCnt)
	for i := range typs {
		name, err := util.ReadString(deserial)
		if err != nil {
			return nil, err
		}
		typs[i], err = common.ParseLType(name)
		if err != nil {
			return nil, errors.Wrapf(err, "column %d", i)
		}
	}
	err = util.Read[uint32](&rowCnt, deserial)
	if err != nil {
		return nil, err
	}
	ret := NewChunk(typs, int(rowCnt))
	for _, vec := range ret.Data {
		if err = vec.Deserialize(int(rowCnt), deserial); err != nil {
			return nil, err
		}
	}
	ret.count = int(rowCnt)
	return ret, nil
}
