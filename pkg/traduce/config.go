// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package traduce orchestrates ensemble translation decoding: it loads one
// or more trained checkpoints, verifies they can decode together, resolves
// the requested input splits, runs beam search over every split and writes
// post-processed hypotheses to disk.
package traduce

import (
	"fmt"
	"strings"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
)

// TranslateConfig configures one translation run.
type TranslateConfig struct {
	// Models are the checkpoint directories of the ensemble, in order.
	Models []string

	// Splits selects pre-defined dataset splits as a comma-separated list.
	// Mutually exclusive with Source; Splits wins when both are set.
	Splits string

	// Source feeds ad-hoc input files as a comma-separated list of
	// "streamKey:path" pairs. The run then decodes the reserved split
	// "new".
	Source string

	// Output is the base path of the hypothesis files.
	Output string

	BeamSize  int
	BatchSize int
	MaxLen    int

	// AvoidDouble suppresses immediate token repetition during decoding.
	AvoidDouble bool

	// AvoidUnk suppresses the unknown-token placeholder during decoding.
	AvoidUnk bool

	// DisableFilters skips the checkpoint-declared post-processing filters.
	DisableFilters bool

	// Device selects accelerator placement for the inference sessions.
	Device backends.GPUMode
}

// DefaultTranslateConfig returns the decoding defaults.
func DefaultTranslateConfig() TranslateConfig {
	return TranslateConfig{
		BeamSize:  6,
		BatchSize: 16,
		MaxLen:    200,
		Device:    backends.GPUModeAuto,
	}
}

// Validate checks the configuration for a runnable combination.
func (c *TranslateConfig) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("no model checkpoints given")
	}
	if c.Output == "" {
		return fmt.Errorf("no output path given")
	}
	if c.BeamSize < 1 {
		return fmt.Errorf("beam size must be >= 1, got %d", c.BeamSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxLen < 1 {
		return fmt.Errorf("max length must be >= 1, got %d", c.MaxLen)
	}
	if c.Splits == "" && c.Source == "" {
		return fmt.Errorf("no input: give either dataset splits or a source file")
	}
	if c.Source != "" {
		if _, err := parseSource(c.Source); err != nil {
			return err
		}
	}
	return nil
}

// parseSource parses a comma-separated list of "streamKey:path" pairs into
// a stream mapping.
func parseSource(source string) (map[string]string, error) {
	streams := make(map[string]string)
	for _, pair := range strings.Split(source, ",") {
		key, path, ok := strings.Cut(pair, ":")
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("source pair %q: want streamKey:path", pair)
		}
		streams[key] = path
	}
	return streams, nil
}

// OutputPath derives the hypothesis file path for a split. The split name
// is part of the path except for the reserved ad-hoc split "new"; the
// decoding constraints are always encoded so runs with different settings
// never overwrite each other.
func (c *TranslateConfig) OutputPath(split string) string {
	parts := []string{c.Output}
	if split != "new" {
		parts = append(parts, split)
	}
	parts = append(parts, fmt.Sprintf("beam%d", c.BeamSize))
	if c.AvoidDouble {
		parts = append(parts, "nodbl")
	}
	if c.AvoidUnk {
		parts = append(parts, "nounk")
	}
	return strings.Join(parts, ".")
}
