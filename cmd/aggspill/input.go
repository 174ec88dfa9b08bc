package main

import (
	"encoding/csv"
	"io"
	"math/rand"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqReader "github.com/xitongsys/parquet-go/reader"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

type runOptions struct {
	workers     int
	input       string
	format      string
	keyCol      int
	valCol      int
	rows        int
	groups      int
	seed        int64
	serialize   bool
	fixedFanout bool
}

func inputTypes() []common.LType {
	return []common.LType{common.BigintType(), common.BigintType()}
}

// readInput returns the chunks of every worker. Chunks read from a file
// are dealt to the workers round robin.
func readInput(opts *runOptions) ([][]*chunk.Chunk, error) {
	if opts.workers <= 0 {
		return nil, errors.Newf("workers %d must be positive", opts.workers)
	}
	var chunks []*chunk.Chunk
	var err error
	switch {
	case opts.input == "":
		return generateInput(opts)
	case opts.format == "csv":
		chunks, err = readCsv(opts)
	case opts.format == "parquet":
		chunks, err = readParquet(opts)
	default:
		return nil, errors.Newf("unsupported format %q", opts.format)
	}
	if err != nil {
		return nil, err
	}
	ret := make([][]*chunk.Chunk, opts.workers)
	for i, ck := range chunks {
		ret[i%opts.workers] = append(ret[i%opts.workers], ck)
	}
	return ret, nil
}

func generateInput(opts *runOptions) ([][]*chunk.Chunk, error) {
	if opts.groups <= 0 {
		return nil, errors.Newf("groups %d must be positive", opts.groups)
	}
	rng := rand.New(rand.NewSource(opts.seed))
	return lo.Times(opts.workers, func(int) []*chunk.Chunk {
		keys := lo.Times(opts.rows, func(int) int64 {
			return rng.Int63n(int64(opts.groups))
		})
		return lo.Map(lo.Chunk(keys, util.DefaultVectorSize), func(part []int64, _ int) *chunk.Chunk {
			ck := chunk.NewChunk(inputTypes(), len(part))
			for _, key := range part {
				ck.AppendRow(chunk.BigintValue(key), chunk.BigintValue(rng.Int63n(1000)))
			}
			return ck
		})
	}), nil
}

func fieldToValue(field string) (chunk.Value, error) {
	if field == "" {
		return chunk.NullValue(common.BigintType()), nil
	}
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return chunk.Value{}, err
	}
	return chunk.BigintValue(v), nil
}

func readCsv(opts *runOptions) ([]*chunk.Chunk, error) {
	file, err := os.Open(opts.input)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var ret []*chunk.Chunk
	ck := chunk.NewChunk(inputTypes(), util.DefaultVectorSize)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if opts.keyCol >= len(record) || opts.valCol >= len(record) {
			return nil, errors.Newf("line %d: no enough fields in the line", line)
		}
		key, err := fieldToValue(record[opts.keyCol])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		val, err := fieldToValue(record[opts.valCol])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		ck.AppendRow(key, val)
		if ck.Card() == util.DefaultVectorSize {
			ret = append(ret, ck)
			ck = chunk.NewChunk(inputTypes(), util.DefaultVectorSize)
		}
	}
	if ck.Card() > 0 {
		ret = append(ret, ck)
	}
	return ret, nil
}

func parquetColToValue(field interface{}) (chunk.Value, error) {
	switch v := field.(type) {
	case nil:
		return chunk.NullValue(common.BigintType()), nil
	case int64:
		return chunk.BigintValue(v), nil
	case int32:
		return chunk.BigintValue(int64(v)), nil
	case string:
		return fieldToValue(v)
	default:
		return chunk.Value{}, errors.Newf("unsupported parquet value %v of %T", field, field)
	}
}

func readParquet(opts *runOptions) ([]*chunk.Chunk, error) {
	file, err := pqLocal.NewLocalFileReader(opts.input)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader, err := pqReader.NewParquetColumnReader(file, 1)
	if err != nil {
		return nil, err
	}
	defer reader.ReadStop()

	var ret []*chunk.Chunk
	for {
		keys, _, _, err := reader.ReadColumnByIndex(int64(opts.keyCol), int64(util.DefaultVectorSize))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if len(keys) == 0 {
			break
		}
		vals, _, _, err := reader.ReadColumnByIndex(int64(opts.valCol), int64(util.DefaultVectorSize))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if len(vals) != len(keys) {
			return nil, errors.Newf("column %d has different count of values %d with column %d %d",
				opts.valCol, len(vals), opts.keyCol, len(keys))
		}
		ck := chunk.NewChunk(inputTypes(), len(keys))
		for i := range keys {
			key, err := parquetColToValue(keys[i])
			if err != nil {
				return nil, err
			}
			val, err := parquetColToValue(vals[i])
			if err != nil {
				return nil, err
			}
			ck.AppendRow(key, val)
		}
		ret = append(ret, ck)
	}
	return ret, nil
}
