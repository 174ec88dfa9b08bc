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

package compute

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/storage"
	"github.com/daviszhen/aggspill/pkg/util"
)

// Pipeline is the merge side of a parallel GROUP BY: one source per
// upstream worker, the partition bucket transform, the spill reader, the
// final transform and the result sink.
type Pipeline struct {
	Params  *AggregatorParams
	Sources []*MetaSource
	Bucket  *TransformPartitionBucket
	Reader  *TransformSpillReader
	Final   Processor
	Sink    *ResultSink
}

// BuildPartitionBucketPipeline wires one MetaSource per entry of
// sources. store may be nil when nothing was spilled.
func BuildPartitionBucketPipeline(params *AggregatorParams, store *storage.SpillStore, sources [][]*DataBlock) (*Pipeline, error) {
	if len(sources) == 0 {
		return nil, errors.New("pipeline needs at least one source")
	}
	ret := &Pipeline{
		Params: params,
		Bucket: NewTransformPartitionBucket(params, len(sources)),
		Reader: NewTransformSpillReader(store),
		Final:  NewTransformFinal(params),
		Sink:   NewResultSink(),
	}
	ret.Sources = lo.Map(sources, func(blocks []*DataBlock, i int) *MetaSource {
		src := NewMetaSource(fmt.Sprintf("MetaSource#%d", i), blocks)
		Connect(src.Output(), ret.Bucket.Input(i))
		return src
	})
	Connect(ret.Bucket.Output(), ret.Reader.Input())
	Connect(ret.Reader.Output(), ret.Final.Inputs()[0])
	Connect(ret.Final.Outputs()[0], ret.Sink.Input())
	return ret, nil
}

func (p *Pipeline) Processors() []Processor {
	ret := make([]Processor, 0, len(p.Sources)+4)
	for _, src := range p.Sources {
		ret = append(ret, src)
	}
	return append(ret, p.Bucket, p.Reader, p.Final, p.Sink)
}

// Execute runs the pipeline to the end on the calling goroutine.
func (p *Pipeline) Execute(ctx context.Context) error {
	exec, err := NewExecutor(p.Processors())
	if err != nil {
		return err
	}
	if err = exec.Run(ctx); err != nil {
		return err
	}
	util.Debug("pipeline finished",
		zap.Int("sources", len(p.Sources)),
		zap.Int("rows", p.Sink.Rows()))
	return nil
}
