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
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

const (
	DefaultRadixBits              = 8
	MaxRadixBits                  = 12
	DefaultTwoLevelThreshold      = 20000
	DefaultPartitionRowsThreshold = 1 << 16
	DefaultSpillBytesThreshold    = 256 << 20
)

type AggregateOptions struct {
	// fan-out of the two level table is 1 << RadixBits
	RadixBits              int    `toml:"radixBits"`
	InitialRadixBits       int    `toml:"initialRadixBits"`
	MaxRadixBits           int    `toml:"maxRadixBits"`
	TwoLevelThreshold      uint64 `toml:"twoLevelThreshold"`
	PartitionRowsThreshold int    `toml:"partitionRowsThreshold"`
	SpillBytesThreshold    int    `toml:"spillBytesThreshold"`
}

type SpillOptions struct {
	Path        string `toml:"path"`
	InMemory    bool   `toml:"inMemory"`
	Compression string `toml:"compression"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type DebugOptions struct {
	PrintResult bool `toml:"printResult"`
	PrintPlan   bool `toml:"printPlan"`
}

type Config struct {
	Aggregate AggregateOptions `toml:"aggregate"`
	Spill     SpillOptions     `toml:"spill"`
	Log       LogConfig        `toml:"log"`
	Debug     DebugOptions     `toml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Aggregate: AggregateOptions{
			RadixBits:              DefaultRadixBits,
			InitialRadixBits:       2,
			MaxRadixBits:           DefaultRadixBits,
			TwoLevelThreshold:      DefaultTwoLevelThreshold,
			PartitionRowsThreshold: DefaultPartitionRowsThreshold,
			SpillBytesThreshold:    DefaultSpillBytesThreshold,
		},
		Spill: SpillOptions{
			Path:        "spill",
			Compression: "zstd",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig decodes the toml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	aggr := &cfg.Aggregate
	if aggr.RadixBits <= 0 || aggr.RadixBits > MaxRadixBits {
		return errors.Newf("aggregate.radixBits %d out of range (0, %d]", aggr.RadixBits, MaxRadixBits)
	}
	if aggr.InitialRadixBits <= 0 || aggr.InitialRadixBits > aggr.MaxRadixBits {
		return errors.Newf("aggregate.initialRadixBits %d out of range (0, %d]",
			aggr.InitialRadixBits, aggr.MaxRadixBits)
	}
	if aggr.MaxRadixBits > MaxRadixBits {
		return errors.Newf("aggregate.maxRadixBits %d exceeds %d", aggr.MaxRadixBits, MaxRadixBits)
	}
	if aggr.PartitionRowsThreshold < 0 || aggr.SpillBytesThreshold < 0 {
		return errors.Newf("aggregate thresholds must not be negative")
	}
	switch cfg.Spill.Compression {
	case "", "none", "zstd":
	default:
		return errors.Newf("unsupported spill.compression %q", cfg.Spill.Compression)
	}
	return nil
}

func (cfg *Config) PartitionCount() int {
	return 1 << cfg.Aggregate.RadixBits
}
