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

// Package models provides the model variants that decode translations.
//
// A variant is looked up in a closed registry by the model_type string
// recorded in the checkpoint's training options. Every variant follows the
// same lifecycle: Configure (deterministic setup, no parameter
// initialization), LoadWeights (strict key matching against the checkpoint
// weight table), ToDevice (session creation on the inference backend),
// SetEvalMode, then step-wise scoring through the search.Scorer interface.
package models

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/checkpoint"
	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/search"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// Model is one configured, weight-validated, device-resident model
// instance. Instances are owned by the ensemble for the lifetime of a run
// and are not safe for concurrent use.
type Model interface {
	search.Scorer

	// Configure runs the variant's deterministic setup: vocabularies,
	// dataset registry, parameter schema. reset requests fresh parameter
	// initialization, which inference-only variants reject.
	Configure(reset bool) error

	// LoadWeights validates the checkpoint weight table against the
	// variant's parameter schema. With strict set, any missing or
	// unexpected key is an error.
	LoadWeights(tbl *checkpoint.WeightTable, strict bool) error

	// ToDevice creates the variant's inference sessions on the compute
	// device selected by mode.
	ToDevice(mode backends.GPUMode) error

	// SetEvalMode switches the instance to inference mode.
	SetEvalMode()

	// SourceLanguage returns the source stream key this model translates
	// from.
	SourceLanguage() string

	// TargetVocabSize returns the target vocabulary cardinality.
	TargetVocabSize() int

	// TargetVocab returns the target vocabulary.
	TargetVocab() *vocab.Vocabulary

	// Options returns the model's reconstructed training options.
	Options() *checkpoint.Options

	// LoadData materializes the dataset for a split. Idempotent.
	LoadData(split string) error

	// Dataset returns the dataset previously materialized for a split.
	Dataset(split string) (*data.Dataset, error)

	// Close releases the model's inference sessions.
	Close() error
}

// Params carries everything a variant constructor needs.
type Params struct {
	Checkpoint *checkpoint.Checkpoint
	Options    *checkpoint.Options
	Logger     *zap.Logger

	// Factory overrides the default inference backend's session factory.
	// Nil means use backends.Default() at device-placement time.
	Factory backends.SessionFactory
}

// Constructor builds one model variant.
type Constructor func(p Params) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// register adds a variant to the closed registry. Called from variant
// init() functions; duplicate registration is a programming error.
func register(modelType string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[modelType]; exists {
		panic(fmt.Sprintf("models: duplicate registration of variant %q", modelType))
	}
	registry[modelType] = ctor
}

// New constructs the variant registered for modelType. Unknown types are a
// checked error listing the known variants.
func New(modelType string, p Params) (Model, error) {
	registryMu.RLock()
	ctor, ok := registry[modelType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model type %q (known: %s)", modelType, strings.Join(Known(), ", "))
	}
	return ctor(p)
}

// Known returns the sorted registered variant names.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
