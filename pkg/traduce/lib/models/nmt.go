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

// VariantNMT is the recurrent attention encoder/decoder variant. Its
// decoder graph scores one step at a time, threading an explicit hidden
// state between steps.
const VariantNMT = "nmt"

const (
	nmtEncoderGraph = "encoder.onnx"
	nmtDecoderGraph = "decoder_step.onnx"
)

func init() {
	register(VariantNMT, func(p Params) (Model, error) {
		core, err := newSeq2seq(VariantNMT, p)
		if err != nil {
			return nil, err
		}
		return &nmtModel{seq2seq: core}, nil
	})
}

type nmtModel struct {
	*seq2seq
}

var _ Model = (*nmtModel)(nil)

func (m *nmtModel) Configure(reset bool) error {
	t := &m.opts.Train
	if t.EncLayers < 1 || t.DecLayers < 1 {
		return fmt.Errorf("model %s: layer counts must be >= 1 (enc %d, dec %d)",
			m.variant, t.EncLayers, t.DecLayers)
	}
	if t.DecDim < 1 {
		return fmt.Errorf("model %s: decoder dimension must be >= 1, got %d", m.variant, t.DecDim)
	}
	return m.configure(reset)
}

// parameterKeys derives the expected weight-table keys from the
// architecture dimensions. The naming follows the training export.
func (m *nmtModel) parameterKeys() []string {
	t := &m.opts.Train
	keys := []string{"enc.emb.weight"}
	for i := 0; i < t.EncLayers; i++ {
		keys = append(keys,
			fmt.Sprintf("enc.rnn.l%d.weight_ih", i),
			fmt.Sprintf("enc.rnn.l%d.weight_hh", i),
			fmt.Sprintf("enc.rnn.l%d.bias_ih", i),
			fmt.Sprintf("enc.rnn.l%d.bias_hh", i),
		)
	}
	keys = append(keys, "dec.emb.weight")
	for i := 0; i < t.DecLayers; i++ {
		keys = append(keys,
			fmt.Sprintf("dec.rnn.l%d.weight_ih", i),
			fmt.Sprintf("dec.rnn.l%d.weight_hh", i),
			fmt.Sprintf("dec.rnn.l%d.bias_ih", i),
			fmt.Sprintf("dec.rnn.l%d.bias_hh", i),
		)
	}
	keys = append(keys,
		"att.src.weight", "att.hid.weight", "att.score.weight",
		"dec.init.weight", "dec.init.bias",
		"dec.out.weight", "dec.out.bias",
	)
	return keys
}

func (m *nmtModel) LoadWeights(tbl *checkpoint.WeightTable, strict bool) error {
	return m.loadWeights(tbl, m.parameterKeys(), strict)
}

func (m *nmtModel) ToDevice(mode backends.GPUMode) error {
	return m.toDevice(mode, nmtEncoderGraph, nmtDecoderGraph)
}

func (m *nmtModel) Encode(_ context.Context, batch *data.Batch) (search.State, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	enc, err := m.runEncoder(batch)
	if err != nil {
		return nil, err
	}

	n := batch.Size()
	st := &nmtState{
		model: m,
		enc:   enc,
		sents: make([]int, n),
		hid:   make([][]float32, n),
	}
	for i := 0; i < n; i++ {
		st.sents[i] = i
		st.hid[i] = make([]float32, m.opts.Train.DecDim)
	}
	return st, nil
}

// nmtState threads the recurrent hidden state through step-wise decoding.
// Each row tracks which source sentence it belongs to; Select duplicates
// and reorders rows by copying hidden vectors, encoder states are gathered
// per step from the shared batch encoding.
type nmtState struct {
	model *nmtModel
	enc   *encContext
	sents []int
	hid   [][]float32
}

func (st *nmtState) Step(_ context.Context, prev []int) ([][]float32, error) {
	r := len(st.sents)
	if len(prev) != r {
		return nil, fmt.Errorf("model %s: step got %d previous tokens for %d rows", st.model.variant, len(prev), r)
	}

	d := st.model.opts.Train.DecDim
	prevIDs := make([]int64, r)
	hidden := make([]float32, r*d)
	for i := 0; i < r; i++ {
		prevIDs[i] = int64(prev[i])
		copy(hidden[i*d:(i+1)*d], st.hid[i])
	}
	encStates, srcMask := st.enc.gather(st.sents)

	outputs, err := st.model.decoder.Run([]backends.NamedTensor{
		{Name: "prev_ids", Shape: []int64{int64(r)}, Data: prevIDs},
		{Name: "hidden", Shape: []int64{int64(r), int64(d)}, Data: hidden},
		encStates,
		srcMask,
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder step: %w", st.model.variant, err)
	}

	logp, err := tensorByName(outputs, "logp")
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder step: %w", st.model.variant, err)
	}
	logpFlat, err := float32Data(logp)
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder output logp: %w", st.model.variant, err)
	}
	rows, err := reshapeRows(logpFlat, r, st.model.trgVocab.Size())
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder output logp: %w", st.model.variant, err)
	}

	next, err := tensorByName(outputs, "hidden")
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder step: %w", st.model.variant, err)
	}
	nextFlat, err := float32Data(next)
	if err != nil {
		return nil, fmt.Errorf("model %s: decoder output hidden: %w", st.model.variant, err)
	}
	if len(nextFlat) != r*d {
		return nil, fmt.Errorf("model %s: decoder output hidden has %d elements, want %d",
			st.model.variant, len(nextFlat), r*d)
	}
	for i := 0; i < r; i++ {
		copy(st.hid[i], nextFlat[i*d:(i+1)*d])
	}
	return rows, nil
}

func (st *nmtState) Select(rows []int) error {
	sents := make([]int, len(rows))
	hid := make([][]float32, len(rows))
	for i, r := range rows {
		if r < 0 || r >= len(st.sents) {
			return fmt.Errorf("model %s: select row %d out of range [0,%d)", st.model.variant, r, len(st.sents))
		}
		sents[i] = st.sents[r]
		hid[i] = append([]float32(nil), st.hid[r]...)
	}
	st.sents = sents
	st.hid = hid
	return nil
}

// Close is a no-op: sessions belong to the model and outlive the batch.
func (st *nmtState) Close() error { return nil }
