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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRunCmd()
}

var aggCfg = util.DefaultConfig()

///root cmd

var info = "aggspill"
var RootCmd = &cobra.Command{
	Use:          "aggspill",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use aggspill --help or -h")
	},
}

//run cmd

var runInfo = "aggregate input rows by key with partial workers and merge the buckets"
var runCmd = &cobra.Command{
	Use:   "run",
	Short: runInfo,
	Long:  runInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initRunCfg(); err != nil {
			return err
		}
		return run(cmd.Context(), aggCfg, runArgs)
	},
}

var runArgs = &runOptions{}

func initDebugOptions() {
	aggCfg.Debug.PrintResult = viper.GetBool("debug.printResult")
	aggCfg.Debug.PrintPlan = viper.GetBool("debug.printPlan")
}

func initRunCfg() error {
	initDebugOptions()
	aggCfg.Aggregate.RadixBits = viper.GetInt("aggregate.radixBits")
	aggCfg.Aggregate.InitialRadixBits = viper.GetInt("aggregate.initialRadixBits")
	aggCfg.Aggregate.MaxRadixBits = viper.GetInt("aggregate.maxRadixBits")
	aggCfg.Aggregate.TwoLevelThreshold = viper.GetUint64("aggregate.twoLevelThreshold")
	aggCfg.Aggregate.PartitionRowsThreshold = viper.GetInt("aggregate.partitionRowsThreshold")
	aggCfg.Aggregate.SpillBytesThreshold = viper.GetInt("aggregate.spillBytesThreshold")
	aggCfg.Spill.Path = viper.GetString("spill.path")
	aggCfg.Spill.InMemory = viper.GetBool("spill.inMemory")
	aggCfg.Spill.Compression = viper.GetString("spill.compression")
	aggCfg.Log.Level = viper.GetString("log.level")
	aggCfg.Log.File = viper.GetString("log.file")
	util.InitLogger(aggCfg.Log)
	return aggCfg.Validate()
}

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	flags := runCmd.Flags()
	def := util.DefaultConfig()

	flags.IntVar(&runArgs.workers, "workers", 4, "count of partial aggregate workers")
	flags.StringVar(&runArgs.input, "input", "", "input data path. rows are generated when empty")
	flags.StringVar(&runArgs.format, "format", "csv", "input data format. csv, parquet")
	flags.IntVar(&runArgs.keyCol, "key_col", 0, "index of the group key column")
	flags.IntVar(&runArgs.valCol, "val_col", 1, "index of the summed column")
	flags.IntVar(&runArgs.rows, "rows", 100000, "generated rows per worker")
	flags.IntVar(&runArgs.groups, "groups", 50000, "distinct generated keys")
	flags.Int64Var(&runArgs.seed, "seed", 1, "seed of the generated rows")
	flags.BoolVar(&runArgs.serialize, "serialize", false, "workers hand serialized blocks downstream")
	flags.BoolVar(&runArgs.fixedFanout, "fixed_fanout", false, "workers partition at the default fan-out only")

	flags.Int("radix_bits", def.Aggregate.RadixBits, "radix bits of the default fan-out")
	flags.Int("initial_radix_bits", def.Aggregate.InitialRadixBits, "radix bits of a worker turning two level")
	flags.Int("max_radix_bits", def.Aggregate.MaxRadixBits, "upper bound of the worker radix bits")
	flags.Uint64("two_level_threshold", def.Aggregate.TwoLevelThreshold, "distinct groups before a worker turns two level")
	flags.Int("partition_rows_threshold", def.Aggregate.PartitionRowsThreshold, "rows per partition before a worker repartitions")
	flags.Int("spill_bytes_threshold", def.Aggregate.SpillBytesThreshold, "table bytes before a worker spills. 0 disables spilling")
	flags.String("spill_path", def.Spill.Path, "directory of the spill files")
	flags.Bool("spill_in_memory", def.Spill.InMemory, "keep spill files in memory")
	flags.String("spill_compression", def.Spill.Compression, "spill compression. none, zstd")
	flags.String("log_level", def.Log.Level, "log level")
	flags.String("log_file", def.Log.File, "log file. stderr when empty")
	flags.Bool("print_result", false, "print the aggregated rows")
	flags.Bool("print_plan", false, "print the pipeline")

	viper.BindPFlag("aggregate.radixBits", flags.Lookup("radix_bits"))
	viper.BindPFlag("aggregate.initialRadixBits", flags.Lookup("initial_radix_bits"))
	viper.BindPFlag("aggregate.maxRadixBits", flags.Lookup("max_radix_bits"))
	viper.BindPFlag("aggregate.twoLevelThreshold", flags.Lookup("two_level_threshold"))
	viper.BindPFlag("aggregate.partitionRowsThreshold", flags.Lookup("partition_rows_threshold"))
	viper.BindPFlag("aggregate.spillBytesThreshold", flags.Lookup("spill_bytes_threshold"))
	viper.BindPFlag("spill.path", flags.Lookup("spill_path"))
	viper.BindPFlag("spill.inMemory", flags.Lookup("spill_in_memory"))
	viper.BindPFlag("spill.compression", flags.Lookup("spill_compression"))
	viper.BindPFlag("log.level", flags.Lookup("log_level"))
	viper.BindPFlag("log.file", flags.Lookup("log_file"))
	viper.BindPFlag("debug.printResult", flags.Lookup("print_result"))
	viper.BindPFlag("debug.printPlan", flags.Lookup("print_plan"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "aggspill.toml"

// loadConfig reads the first aggspill.toml found. Flags and defaults
// cover every key, so a missing file is not an error.
func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		viper.SetConfigFile(fpath)
		err := viper.ReadInConfig()
		if err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			continue
		}
		util.Debug("load config", zap.String("fpath", fpath))
		return
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
