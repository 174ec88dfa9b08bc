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
	"strings"

	"github.com/daviszhen/aggspill/pkg/common"
	"github.com/daviszhen/aggspill/pkg/util"
)

type Chunk struct {
	Data  []*Vector
	count int
}

func NewChunk(typs []common.LType, capacity int) *Chunk {
	ret := &Chunk{}
	ret.Init(typs, capacity)
	return ret
}

func (c *Chunk) Init(typs []common.LType, capacity int) {
	c.Data = make([]*Vector, len(typs))
	for i, typ := range typs {
		c.Data[i] = NewVector(typ, capacity)
	}
	c.count = 0
}

// FromVectors wraps vectors of equal length.
func FromVectors(vecs ...*Vector) *Chunk {
	ret := &Chunk{Data: vecs}
	if len(vecs) > 0 {
		ret.count = vecs[0].Len()
		for _, vec := range vecs {
			util.AssertFunc(vec.Len() == ret.count)
		}
	}
	return ret
}

func (c *Chunk) Card() int {
	return c.count
}

func (c *Chunk) SetCard(count int) {
	for _, vec := range c.Data {
		util.AssertFunc(vec.Len() == count)
	}
	c.count = count
}

func (c *Chunk) ColumnCount() int {
	return len(c.Data)
}

func (c *Chunk) Types() []common.LType {
	ret := make([]common.LType, len(c.Data))
	for i, vec := range c.Data {
		ret[i] = vec.Typ()
	}
	return ret
}

func (c *Chunk) AppendRow(vals ...Value) {
	util.AssertFunc(len(vals) == len(c.Data))
	for i, val := range vals {
		c.Data[i].Append(val)
	}
	c.count++
}

func (c *Chunk) Row(idx int) []Value {
	ret := make([]Value, len(c.Data))
	for i, vec := range c.Data {
		ret[i] = vec.GetValue(idx)
	}
	return ret
}

// Project references the columns in cols.
func (c *Chunk) Project(cols ...int) *Chunk {
	ret := &Chunk{count: c.count}
	for _, col := range cols {
		ret.Data = append(ret.Data, c.Data[col])
	}
	return ret
}

func (c *Chunk) Select(sel []int) *Chunk {
	ret := &Chunk{count: len(sel)}
	ret.Data = make([]*Vector, len(c.Data))
	for i, vec := range c.Data {
		ret.Data[i] = vec.Select(sel)
	}
	return ret
}

func (c *Chunk) String() string {
	sb := strings.Builder{}
	for i := 0; i < c.count; i++ {
		for j, val := range c.Row(i) {
			if j > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(val.String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Chunk) Print() {
	fmt.Print(c.String())
}
