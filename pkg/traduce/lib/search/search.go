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

// Package search decodes source batches into target hypotheses.
//
// The search is decoupled from the inference runtime through the
// Scorer/State pair: a Scorer encodes one source batch, the resulting
// State scores next-token candidates one step at a time and can reorder
// its rows to follow beam selection. Hypotheses come back one per source
// sentence, in input order.
package search

import (
	"context"

	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// Options configures a decoding run.
type Options struct {
	// BeamSize is the number of partial hypotheses retained per sentence.
	BeamSize int

	// MaxLen bounds the decoded length in tokens.
	MaxLen int

	// AvoidDouble suppresses immediate token repetition.
	AvoidDouble bool

	// AvoidUnk suppresses emission of the unknown-token placeholder.
	AvoidUnk bool
}

// Scorer encodes source batches for step-wise decoding. Model variants
// implement it.
type Scorer interface {
	// Encode runs the encoder over the batch and returns a decoding state
	// with one row per source sentence.
	Encode(ctx context.Context, batch *data.Batch) (State, error)
}

// State is the per-batch decoding state.
type State interface {
	// Step consumes the previous target token of every active row and
	// returns one log-probability vector over the target vocabulary per
	// row, in row order.
	Step(ctx context.Context, prev []int) ([][]float32, error)

	// Select reorders (and possibly duplicates) state rows so that row i
	// of the next Step corresponds to current row rows[i]. Used to tile
	// rows for beam expansion and to follow beam selection.
	Select(rows []int) error

	// Close releases per-batch resources.
	Close() error
}

// Func is the search procedure signature consumed by the translator: it
// decodes every batch of the iterator and returns one hypothesis per
// source sentence, in iterator order.
type Func func(ctx context.Context, scorer Scorer, it *data.Iterator, v *vocab.Vocabulary, opts Options) ([]string, error)
