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

package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TrainOptions is the read-only training section of a checkpoint's options.
// It records everything decoding needs to know about how the model was
// trained: its variant, post-processing filters, language pair, and the
// architecture dimensions used to derive the expected parameter set.
type TrainOptions struct {
	ModelType   string   `json:"model_type"`
	EvalFilters []string `json:"eval_filters"`

	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`

	EmbDim    int `json:"emb_dim"`
	EncDim    int `json:"enc_dim"`
	DecDim    int `json:"dec_dim"`
	EncLayers int `json:"enc_layers"`
	DecLayers int `json:"dec_layers"`
	Heads     int `json:"heads"`

	SrcVocabSize int `json:"src_vocab_size"`
	TrgVocabSize int `json:"trg_vocab_size"`
}

// DataOptions is the mutable data section. Splits maps a split name to its
// named input streams (stream key -> file path). NewSet holds the ad-hoc
// streams registered for the reserved "new" split; it is set exactly once,
// during split resolution, and never serialized back to disk.
type DataOptions struct {
	Splits map[string]map[string]string `json:"splits"`

	SrcVocab string `json:"src_vocab"`
	TrgVocab string `json:"trg_vocab"`

	NewSet map[string]string `json:"-"`
}

// Options is the structured configuration reconstructed from a checkpoint's
// serialized options dict.
type Options struct {
	Train TrainOptions `json:"train"`
	Data  DataOptions  `json:"data"`
}

// OptionsFromDict reconstructs Options from the raw options mapping stored
// in a checkpoint.
func OptionsFromDict(raw map[string]any) (*Options, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding options dict: %w", err)
	}
	var opts Options
	if err := json.Unmarshal(buf, &opts); err != nil {
		return nil, fmt.Errorf("decoding options dict: %w", err)
	}
	if opts.Train.ModelType == "" {
		return nil, fmt.Errorf("options: train.model_type is missing")
	}
	return &opts, nil
}

// FilterSignature returns a canonical representation of the eval_filters
// declaration, usable for cross-instance equality checks.
func (o *Options) FilterSignature() string {
	return strings.Join(o.Train.EvalFilters, ",")
}

// SplitStreams returns the named input streams for a split. The reserved
// split "new" resolves to the ad-hoc streams registered at resolution time.
func (o *Options) SplitStreams(split string) (map[string]string, error) {
	if split == "new" {
		if len(o.Data.NewSet) == 0 {
			return nil, fmt.Errorf("split %q requested but no ad-hoc input streams were registered", split)
		}
		return o.Data.NewSet, nil
	}
	streams, ok := o.Data.Splits[split]
	if !ok || len(streams) == 0 {
		return nil, fmt.Errorf("split %q is not defined in the checkpoint's data configuration", split)
	}
	return streams, nil
}
