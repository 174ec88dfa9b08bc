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

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/util"
)

// Executor drives processors on the calling goroutine. Each round asks
// every unfinished processor for its next event and runs the work it
// asks for. A round without work and without any port change is a stall.
type Executor struct {
	_processors []Processor
	_finished   []bool
	_sinks      []*InputPort
}

func NewExecutor(processors []Processor) (*Executor, error) {
	ret := &Executor{
		_processors: processors,
		_finished:   make([]bool, len(processors)),
	}
	for _, proc := range processors {
		for _, in := range proc.Inputs() {
			if !in.connected() {
				return nil, errors.AssertionFailedf("input of %s is not connected", proc.Name())
			}
		}
		for _, out := range proc.Outputs() {
			if !out.connected() {
				return nil, errors.AssertionFailedf("output of %s is not connected", proc.Name())
			}
		}
		if len(proc.Outputs()) == 0 {
			ret._sinks = append(ret._sinks, proc.Inputs()...)
		}
	}
	return ret, nil
}

func (exec *Executor) portOps() uint64 {
	var ops uint64
	for _, proc := range exec._processors {
		for _, in := range proc.Inputs() {
			ops += in._shared._ops
		}
	}
	return ops
}

// Run returns when every processor finished. On cancellation the sinks
// stop pulling, the pipeline drains its state and ctx.Err() is returned.
func (exec *Executor) Run(ctx context.Context) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = util.ConvertPanicError(e)
		}
	}()

	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			util.Info("pipeline cancelled, closing sinks", zap.Error(ctx.Err()))
			for _, in := range exec._sinks {
				in.Finish()
			}
		}

		before := exec.portOps()
		worked := false
		allFinished := true
		for i, proc := range exec._processors {
			if exec._finished[i] {
				continue
			}
			ev, err := proc.Event()
			if err != nil {
				return errors.Wrapf(err, "%s event", proc.Name())
			}
			switch ev {
			case EventSync, EventAsync:
				runCtx := ctx
				if cancelled {
					runCtx = context.WithoutCancel(ctx)
				}
				if err = proc.Process(runCtx); err != nil {
					return errors.Wrapf(err, "%s process", proc.Name())
				}
				worked = true
				allFinished = false
			case EventFinished:
				exec._finished[i] = true
				worked = true
			default:
				allFinished = false
			}
		}
		if allFinished {
			break
		}
		if !worked && exec.portOps() == before {
			return errors.AssertionFailedf("pipeline stalled")
		}
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}
