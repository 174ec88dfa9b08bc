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

package util

import (
	"fmt"
	"math/bits"
	"os"
	"runtime"
)

const (
	DefaultVectorSize = 2048
)

func AssertFunc(b bool) {
	if !b {
		panic("assertion failed")
	}
}

func FileIsValid(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !stat.IsDir()
}

func ConvertPanicError(v interface{}) error {
	return fmt.Errorf("panic %v: %+v", v, Callers(3))
}

type Stack []uintptr

// Callers makes the depth customizable.
func Callers(depth int) *Stack {
	const numFrames = 32
	var pcs [numFrames]uintptr
	n := runtime.Callers(2+depth, pcs[:])
	var st Stack = pcs[0:n]
	return &st
}

func (s *Stack) Format(st fmt.State, verb rune) {
	for _, pc := range *s {
		fn := runtime.FuncForPC(pc - 1)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc - 1)
		fmt.Fprintf(st, "\n%s\n\t%s:%d", fn.Name(), file, line)
	}
}

func NextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}

func IsPowerOfTwo(v uint64) bool {
	return v != 0 && (v&(v-1)) == 0
}

// Log2 of a power of two.
func Log2(v uint64) int {
	AssertFunc(IsPowerOfTwo(v))
	return bits.TrailingZeros64(v)
}

func AlignValue8(value int) int {
	return (value + 7) & (^7)
}
