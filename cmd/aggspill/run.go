package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/aggspill/pkg/chunk"
	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/compute"
	"github.com/daviszhen/aggspill/pkg/metrics"
	"github.com/daviszhen/aggspill/pkg/storage"
	"github.com/daviszhen/aggspill/pkg/util"
)

// newParams builds "select key, sum(val), count(*) group by key".
func newParams(cfg *util.Config) (*compute.AggregatorParams, error) {
	sum, err := compute.GetAggrFunction("sum", common.BigintType())
	if err != nil {
		return nil, err
	}
	cnt, err := compute.GetAggrFunction("count_star", common.InvalidType())
	if err != nil {
		return nil, err
	}
	return compute.NewAggregatorParams(
		[]common.LType{common.BigintType()},
		[]compute.AggrFunction{sum, cnt},
		cfg.Aggregate.RadixBits), nil
}

func runWorkers(
	ctx context.Context,
	params *compute.AggregatorParams,
	opts compute.PartialAggrOptions,
	store *storage.SpillStore,
	inputs [][]*chunk.Chunk,
) ([][]*compute.DataBlock, error) {
	ret := make([][]*compute.DataBlock, len(inputs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i := range inputs {
		i := i
		eg.Go(func() error {
			aggr := compute.NewPartialAggregator(params, opts, compute.NewSpillWriter(store))
			blocks, err := aggr.Aggregate(egCtx, inputs[i], []int{1, -1})
			if err != nil {
				return errors.Wrapf(err, "worker %d", i)
			}
			util.Debug("worker done",
				zap.Int("worker", i),
				zap.Bool("twoLevel", aggr.TwoLevel()),
				zap.Int("radixBits", aggr.RadixBits()),
				zap.Int("spills", aggr.Spills()),
				zap.Int("blocks", len(blocks)))
			ret[i] = blocks
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}

func run(ctx context.Context, cfg *util.Config, opts *runOptions) error {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	params, err := newParams(cfg)
	if err != nil {
		return err
	}
	inputs, err := readInput(opts)
	if err != nil {
		return err
	}
	store, err := storage.OpenSpillStore(cfg.Spill)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Cleanup(); err != nil {
			util.Warn("cleanup spill files failed", zap.Error(err))
		}
	}()

	workerOpts := compute.NewPartialAggrOptions(&cfg.Aggregate)
	workerOpts.SerializeOutput = opts.serialize
	workerOpts.FixedFanout = opts.fixedFanout

	start := time.Now()
	sources, err := runWorkers(ctx, params, workerOpts, store, inputs)
	if err != nil {
		return err
	}
	partialDone := time.Now()

	pipe, err := compute.BuildPartitionBucketPipeline(params, store, sources)
	if err != nil {
		return err
	}
	if cfg.Debug.PrintPlan {
		fmt.Println(pipe.String())
	}
	if err = pipe.Execute(ctx); err != nil {
		return err
	}
	if cfg.Debug.PrintResult {
		for _, ck := range pipe.Sink.Chunks() {
			ck.Print()
		}
	}
	util.Info("aggregate done",
		zap.String("params", params.String()),
		zap.Int("workers", len(inputs)),
		zap.Int("groups", pipe.Sink.Rows()),
		zap.Int("maxPartitionCount", pipe.Bucket.MaxPartitionCount()),
		zap.Duration("partial", partialDone.Sub(start)),
		zap.Duration("merge", time.Since(partialDone)))
	return reportMetrics(registry)
}

func reportMetrics(registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			fields := []zap.Field{zap.String("name", mf.GetName()), zap.Float64("value", value)}
			for _, label := range m.GetLabel() {
				fields = append(fields, zap.String(label.GetName(), label.GetValue()))
			}
			util.Info("metric", fields...)
		}
	}
	return nil
}
