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

	"github.com/xlab/treeprint"
)

// WriteMetaTree prints a unit and the contributions nested in it.
func WriteMetaTree(tree treeprint.Tree, meta AggrMeta) {
	switch m := meta.(type) {
	case *PartitionedMeta:
		branch := tree.AddMetaBranch(fmt.Sprintf("bucket %d", m.Bucket), "Partitioned")
		for _, c := range m.Contributions {
			WriteMetaTree(branch, c)
		}
	case *SpilledMeta:
		branch := tree.AddMetaBranch(fmt.Sprintf("%d buckets", len(m.Buckets)), "Spilled")
		for _, b := range m.Buckets {
			branch.AddNode(b.String())
		}
	default:
		tree.AddNode(meta.String())
	}
}

func writeProcessorTree(tree treeprint.Tree, proc Processor) treeprint.Tree {
	return tree.AddMetaBranch(
		fmt.Sprintf("in %d out %d", len(proc.Inputs()), len(proc.Outputs())),
		proc.Name())
}

// String prints the pipeline from the sink back to the sources.
func (p *Pipeline) String() string {
	tree := treeprint.NewWithRoot(p.Sink.Name())
	final := writeProcessorTree(tree, p.Final)
	final.AddMetaNode("params", p.Params.String())
	reader := writeProcessorTree(final, p.Reader)
	bucket := writeProcessorTree(reader, p.Bucket)
	bucket.AddMetaNode("radix bits", p.Params.RadixBits)
	for _, src := range p.Sources {
		srcTree := writeProcessorTree(bucket, src)
		srcTree.AddMetaNode("blocks", len(src._blocks))
	}
	return tree.String()
}
