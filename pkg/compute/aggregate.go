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
	"fmt"
	"strings"

	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

const (
	LOAD_FACTOR = 1.5
	HASH_WIDTH  = 8
)

// SingleLevelBucket marks data that is not radix partitioned.
const SingleLevelBucket = -1

// AggregatorParams describes one GROUP BY.
type AggregatorParams struct {
	GroupTypes []common.LType
	Aggregates []AggrFunction
	// fan-out of units that carry MaxPartitionCount == 0 but a bucket >= 0
	RadixBits int

	_layout *TupleLayout
}

func NewAggregatorParams(groupTypes []common.LType, aggrs []AggrFunction, radixBits int) *AggregatorParams {
	util.AssertFunc(radixBits > 0 && radixBits <= util.MaxRadixBits)
	ret := &AggregatorParams{
		GroupTypes: groupTypes,
		Aggregates: aggrs,
		RadixBits:  radixBits,
	}
	ret._layout = NewTupleLayout(groupTypes, aggrs)
	return ret
}

func (params *AggregatorParams) Layout() *TupleLayout {
	return params._layout
}

func (params *AggregatorParams) GroupByOnly() bool {
	return len(params.Aggregates) == 0
}

func (params *AggregatorParams) DefaultPartitionCount() int {
	return 1 << params.RadixBits
}

// OutputTypes are the group columns followed by the aggregate results.
func (params *AggregatorParams) OutputTypes() []common.LType {
	ret := make([]common.LType, 0, len(params.GroupTypes)+len(params.Aggregates))
	ret = append(ret, params.GroupTypes...)
	for _, aggr := range params.Aggregates {
		ret = append(ret, aggr.ReturnType())
	}
	return ret
}

func (params *AggregatorParams) String() string {
	sb := strings.Builder{}
	sb.WriteString("group by (")
	for i, typ := range params.GroupTypes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(typ.String())
	}
	sb.WriteString(")")
	for _, aggr := range params.Aggregates {
		sb.WriteString(" ")
		sb.WriteString(aggr.Name())
	}
	sb.WriteString(fmt.Sprintf(" radix %d", params.RadixBits))
	return sb.String()
}
