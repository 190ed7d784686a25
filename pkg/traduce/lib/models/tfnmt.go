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

package models

import (
	"context"
	"fmt"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/checkpoint"
	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/search"
)

// VariantTFNMT is the transformer encoder/decoder variant. Its decoder
// graph has no recurrent state: every step feeds the full target prefix
// and reads the log-probabilities of the next token.
const VariantTFNMT = "tfnmt"

const (
	tfnmtEncoderGraph = "encoder.onnx"
	tfnmtDecoderGraph = "decoder.onnx"
)

func init() {
	register(VariantTFNMT, func(p Params) (Model, error) {
		core, err := newSeq2seq(VariantTFNMT, p)
		if err != nil {
			return nil, err
		}
		return &tfnmtModel{seq2seq: core}, nil
	})
}

type tfnmtModel struct {
	*seq2seq
}

var _ Model = (*tfnmtModel)(nil)

func (m *tfnmtModel) Configure(reset bool) error {
	t := &m.opts.Train
	if t.EncLayers < 1 || t.DecLayers < 1 {
		return fmt.Errorf("model %s: layer counts must be >= 1 (enc %d, dec %d)",
			m.variant, t.EncLayers, t.DecLayers)
	}
	if t.Heads < 1 {
		return fmt.Errorf("model %s: head count must be >= 1, got %d", m.variant, t.Heads)
	}
	if t.DecDim%t.Heads != 0 {
		return fmt.Errorf("model %s: decoder dimension %d not divisible by %d heads",
			m.variant, t.DecDim, t.Heads)
	}
	return m.configure(reset)
}

func (m *tfnmtModel) parameterKeys() []string {
	t := &m.opts.Train
	keys := []string{"enc.emb.weight", "enc.norm.weight", "enc.norm.bias"}
	for i := 0; i < t.EncLayers; i++ {
		keys = append(keys, attentionKeys(fmt.Sprintf("enc.l%d.self_attn", i))...)
		keys = append(keys, blockKeys(fmt.Sprintf("enc.l%d", i), 2)...)
	}
	keys = append(keys, "dec.emb.weight", "dec.norm.weight", "dec.norm.bias")
	for i := 0; i < t.DecLayers; i++ {
		keys = append(keys, attentionKeys(fmt.Sprintf("dec.l%d.self_attn", i))...)
		keys = append(keys, attentionKeys(fmt.Sprintf("dec.l%d.cross_attn", i))...)
		keys = append(keys, blockKeys(fmt.Sprintf("dec.l%d", i), 3)...)
	}
	keys = append(keys, "dec.out.weight", "dec.out.bias")
	return keys
}

// attentionKeys lists the projection parameters of one attention module.
func attentionKeys(prefix string) []string {
	keys := make([]string, 0, 8)
	for _, proj := range []string{"q", "k", "v", "o"} {
		keys = append(keys,
			fmt.Sprintf("%s.%s.weight", prefix, proj),
			fmt.Sprintf("%s.%s.bias", prefix, proj),
		)
	}
	return keys
}

// blockKeys lists the feed-forward and layer-norm parameters of one
// transformer block with the given number of norms.
func blockKeys(prefix string, norms int) []string {
	keys := []string{
		prefix + ".ffn.w1.weight", prefix + ".ffn.w1.bias",
		prefix + ".ffn.w2.weight", prefix + ".ffn.w2.bias",
	}
	for i := 1; i <= norms; i++ {
		keys = append(keys,
			fmt.Sprintf("%s.norm%d.weight", prefix, i),
			fmt.Sprintf("%s.norm%d.bias", prefix, i),
		)
	}
	return keys
}

func (m *tfnmtModel) LoadWeights(tbl *checkpoint.WeightTable, strict bool) error {
	return m.loadWeights(tbl, m.parameterKeys(), strict)
}

func (m *tfnmtModel) ToDevice(mode backends.GPUMode) error {
	return m.toDevice(mode, tfnmtEncoderGraph, tfnmtDecoderGraph)
}

func (m *tfnmtModel) Encode(_ context.Context, batch *data.Batch) (search.State, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	enc, err := m.runEncoder(batch)
	if err != nil {
		return nil, err
	}

	n := batch.Size()
	st := &tfnmtState{
		model:    m,
		enc:      enc,
		sents:    make([]int, n),
		prefixes: make([][]int64, n),
	}
	for i := 0; i < n; i++ {
		st.sents[i] = i
	}
	return st, nil
}

// tfnmtState re-feeds the growing target prefix every step. All rows share
// one prefix length: each Step appends exactly one token per row, and
// Select copies prefixes along with the sentence mapping.
type tfnmtState struct {
	model    *tfnmtModel
	enc      *encContext
	sents    []int
	prefixes [][]int64
}

func (st *tfnmtState) Step(_ context.Context, prev []int) ([][]float32, error) {
	r := len(st.sents)
	if len(prev) != r {
		return nil, fmt.Errorf("model %s: step got %d previous tokens for %d rows", st.model.variant, len(prev), r)
	}
	for i := 0; i < r; i++ {
		st.prefixes[i] = append(st.prefixes[i], int64(prev[i]))
	}
	t := len(st.prefixes[0])

	tgt := make([]int64, r*t)
	for i, prefix := range st.prefixes {
		if len(prefix) != t {
			return nil, fmt.Errorf("model %s: ragged target prefixes (%d vs %d)", st.model.variant, len(prefix), t)
		}
		copy(tgt[i*t:(i+1)*t], prefix)
	}
	encStates, srcMask := st.enc.gather(st.sents)

	outputs, err := st.model.decoder.Run([]backends.NamedTensor{
		{Name: "tgt_ids", Shape: []int64{int64(r), int64(t)}, Data: tgt},
		encStates,
		srcMask,
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder: %w", st.model.variant, err)
	}

	logp, err := tensorByName(outputs, "logp")
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder: %w", st.model.variant, err)
	}
	flat, err := float32Data(logp)
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder output logp: %w", st.model.variant, err)
	}
	rows, err := reshapeRows(flat, r, st.model.trgVocab.Size())
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder output logp: %w", st.model.variant, err)
	}
	return rows, nil
}

func (st *tfnmtState) Select(rows []int) error {
	sents := make([]int, len(rows))
	prefixes := make([][]int64, len(rows))
	for i, r := range rows {
		if r < 0 || r >= len(st.sents) {
			return fmt.Errorf("model %s: select row %d out of range [0,%d)", st.model.variant, r, len(st.sents))
		}
		sents[i] = st.sents[r]
		prefixes[i] = append([]int64(nil), st.prefixes[r]...)
	}
	st.sents = sents
	st.prefixes = prefixes
	return nil
}

func (st *tfnmtState) Close() error { return nil }
