// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/traduce/pkg/traduce"
	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/logging"
)

var translateCmd = &cobra.Command{
	Use:   "translate [flags] checkpoint...",
	Short: "Translate dataset splits or ad-hoc files",
	Long: `Load the given checkpoints as an ensemble and decode the requested
inputs. Give either -s with comma-separated split names defined by the
checkpoint's dataset, or -S with comma-separated streamKey:path pairs
for ad-hoc input files.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)

	flags := translateCmd.Flags()
	flags.StringP("splits", "s", "", "comma-separated split names to translate")
	flags.StringP("source", "S", "", "ad-hoc input as comma-separated streamKey:path pairs")
	flags.StringP("output", "o", "", "output base path for hypothesis files")
	flags.IntP("beam-size", "k", 6, "beam width")
	flags.IntP("batch-size", "b", 16, "decoding batch size")
	flags.IntP("max-len", "M", 200, "maximum decoded length in tokens")
	flags.Bool("avoid-double", false, "suppress immediate token repetition")
	flags.Bool("avoid-unk", false, "suppress the unknown-token placeholder")
	flags.Bool("no-filters", false, "skip the checkpoint-declared post-processing filters")
	flags.String("device", string(backends.GPUModeAuto), "accelerator placement (auto, cuda, cpu)")

	for _, name := range []string{
		"splits", "source", "output", "beam-size", "batch-size", "max-len",
		"avoid-double", "avoid-unk", "no-filters", "device",
	} {
		mustBindPFlag("translate."+name, flags.Lookup(name))
	}
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.New(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	cfg := traduce.DefaultTranslateConfig()
	cfg.Models = args
	cfg.Splits = viper.GetString("translate.splits")
	cfg.Source = viper.GetString("translate.source")
	cfg.Output = viper.GetString("translate.output")
	cfg.BeamSize = viper.GetInt("translate.beam-size")
	cfg.BatchSize = viper.GetInt("translate.batch-size")
	cfg.MaxLen = viper.GetInt("translate.max-len")
	cfg.AvoidDouble = viper.GetBool("translate.avoid-double")
	cfg.AvoidUnk = viper.GetBool("translate.avoid-unk")
	cfg.DisableFilters = viper.GetBool("translate.no-filters")
	cfg.Device = backends.GPUMode(viper.GetString("translate.device"))

	tr, err := traduce.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = tr.Close()
	}()

	return tr.Run(ctx)
}
