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

// Package checkpoint reads trained model checkpoints from disk.
//
// A checkpoint is a directory exported by a training run:
//
//	<dir>/model.weights   weight table (safetensors layout)
//	<dir>/options.json    serialized training options
//	<dir>/meta.json       optional auxiliary metadata
//	<dir>/encoder.onnx    exported inference graphs, consumed by the
//	<dir>/decoder*.onnx   model variants at device-placement time
//
// Checkpoints are immutable once read; Load reads the weight header and
// both JSON files exactly once.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	WeightsFile = "model.weights"
	OptionsFile = "options.json"
	MetaFile    = "meta.json"
)

// Checkpoint is one materialized checkpoint directory.
type Checkpoint struct {
	// Dir is the checkpoint directory as given by the caller.
	Dir string

	// Weights is the parsed weight table header.
	Weights *WeightTable

	// Meta holds auxiliary metadata (training history etc.), may be nil.
	Meta map[string]any

	// RawOptions is the serialized options dict, as stored.
	RawOptions map[string]any
}

// Load reads the checkpoint at dir.
func Load(dir string) (*Checkpoint, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("checkpoint %s: not a directory", dir)
	}

	weights, err := ReadWeightTable(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", dir, err)
	}

	rawOpts, err := readJSONMap(filepath.Join(dir, OptionsFile))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", dir, err)
	}

	ckpt := &Checkpoint{
		Dir:        dir,
		Weights:    weights,
		RawOptions: rawOpts,
	}

	// meta.json is optional.
	metaPath := filepath.Join(dir, MetaFile)
	if _, err := os.Stat(metaPath); err == nil {
		meta, err := readJSONMap(metaPath)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", dir, err)
		}
		ckpt.Meta = meta
	}

	return ckpt, nil
}

// GraphPath returns the path of an exported inference graph inside the
// checkpoint, verifying it exists.
func (c *Checkpoint) GraphPath(filename string) (string, error) {
	path := filepath.Join(c.Dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("checkpoint %s: inference graph %s: %w", c.Dir, filename, err)
	}
	return path, nil
}

func readJSONMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
