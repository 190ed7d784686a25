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
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/checkpoint"
	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// seq2seq is the lifecycle shared by the encoder/decoder variants: vocab
// loading, dataset registry, strict weight validation and session
// placement. Variants embed it and add their parameter schema and decoding
// state on top.
type seq2seq struct {
	variant string
	ckpt    *checkpoint.Checkpoint
	opts    *checkpoint.Options
	logger  *zap.Logger
	factory backends.SessionFactory

	srcVocab *vocab.Vocabulary
	trgVocab *vocab.Vocabulary
	datasets map[string]*data.Dataset

	encoder backends.Session
	decoder backends.Session

	configured bool
	eval       bool
}

func newSeq2seq(variant string, p Params) (*seq2seq, error) {
	if p.Checkpoint == nil {
		return nil, fmt.Errorf("model %s: no checkpoint", variant)
	}
	if p.Options == nil {
		return nil, fmt.Errorf("model %s: no options", variant)
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &seq2seq{
		variant: variant,
		ckpt:    p.Checkpoint,
		opts:    p.Options,
		logger:  logger.With(zap.String("model", variant)),
		factory: p.Factory,
	}, nil
}

// configure runs the deterministic setup common to all variants.
func (m *seq2seq) configure(reset bool) error {
	if reset {
		return fmt.Errorf("model %s is inference-only and cannot reinitialize parameters", m.variant)
	}
	if m.opts.Train.SourceLang == "" {
		return fmt.Errorf("model %s: options declare no source language", m.variant)
	}

	var err error
	if m.srcVocab, err = m.loadVocab(m.opts.Data.SrcVocab, m.opts.Train.SrcVocabSize); err != nil {
		return fmt.Errorf("model %s: source vocabulary: %w", m.variant, err)
	}
	if m.trgVocab, err = m.loadVocab(m.opts.Data.TrgVocab, m.opts.Train.TrgVocabSize); err != nil {
		return fmt.Errorf("model %s: target vocabulary: %w", m.variant, err)
	}

	m.datasets = make(map[string]*data.Dataset)
	m.configured = true
	return nil
}

// loadVocab resolves a vocabulary path relative to the checkpoint
// directory when it is not absolute.
func (m *seq2seq) loadVocab(path string, declaredSize int) (*vocab.Vocabulary, error) {
	if path == "" {
		return nil, fmt.Errorf("no vocabulary path in options")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.ckpt.Dir, path)
	}
	return vocab.Load(path, declaredSize)
}

// loadWeights validates the weight table against the expected parameter
// keys. Strict mode rejects any mismatch; otherwise mismatches are logged
// and loading proceeds.
func (m *seq2seq) loadWeights(tbl *checkpoint.WeightTable, expected []string, strict bool) error {
	if !m.configured {
		return fmt.Errorf("model %s: not configured", m.variant)
	}

	want := make(map[string]bool, len(expected))
	for _, k := range expected {
		want[k] = true
	}

	var missing, unexpected []string
	have := tbl.Keys()
	for _, k := range have {
		if !want[k] {
			unexpected = append(unexpected, k)
		}
	}
	haveSet := make(map[string]bool, len(have))
	for _, k := range have {
		haveSet[k] = true
	}
	for _, k := range expected {
		if !haveSet[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	if len(missing) > 0 || len(unexpected) > 0 {
		if strict {
			return fmt.Errorf("model %s: weight table does not match parameter schema (missing: [%s], unexpected: [%s])",
				m.variant, strings.Join(missing, " "), strings.Join(unexpected, " "))
		}
		m.logger.Warn("weight table does not match parameter schema",
			zap.Strings("missing", missing),
			zap.Strings("unexpected", unexpected))
	}

	// Embedding and projection rows must agree with the declared
	// vocabulary sizes; a mismatch here means the checkpoint and its
	// options drifted apart.
	checks := []struct {
		key  string
		rows int
	}{
		{"enc.emb.weight", m.opts.Train.SrcVocabSize},
		{"dec.emb.weight", m.opts.Train.TrgVocabSize},
		{"dec.out.weight", m.opts.Train.TrgVocabSize},
	}
	for _, c := range checks {
		info, ok := tbl.Tensor(c.key)
		if !ok || c.rows <= 0 {
			continue
		}
		if len(info.Shape) == 0 || info.Shape[0] != int64(c.rows) {
			return fmt.Errorf("model %s: tensor %s has leading dimension %v, options declare %d",
				m.variant, c.key, info.Shape, c.rows)
		}
	}
	return nil
}

// toDevice creates the encoder and decoder sessions from the checkpoint's
// exported graphs.
func (m *seq2seq) toDevice(mode backends.GPUMode, encoderGraph, decoderGraph string) error {
	if !m.configured {
		return fmt.Errorf("model %s: not configured", m.variant)
	}

	factory := m.factory
	if factory == nil {
		backend, err := backends.Default()
		if err != nil {
			return fmt.Errorf("model %s: %w", m.variant, err)
		}
		factory = backend.SessionFactory()
	}

	encPath, err := m.ckpt.GraphPath(encoderGraph)
	if err != nil {
		return fmt.Errorf("model %s: %w", m.variant, err)
	}
	decPath, err := m.ckpt.GraphPath(decoderGraph)
	if err != nil {
		return fmt.Errorf("model %s: %w", m.variant, err)
	}

	opts := []backends.SessionOption{backends.WithSessionGPUMode(mode)}
	if m.encoder, err = factory.CreateSession(encPath, opts...); err != nil {
		return fmt.Errorf("model %s: creating encoder session: %w", m.variant, err)
	}
	if m.decoder, err = factory.CreateSession(decPath, opts...); err != nil {
		_ = m.encoder.Close()
		m.encoder = nil
		return fmt.Errorf("model %s: creating decoder session: %w", m.variant, err)
	}

	m.logger.Debug("sessions created",
		zap.String("encoder", encoderGraph),
		zap.String("decoder", decoderGraph),
		zap.String("gpu_mode", string(mode)))
	return nil
}

func (m *seq2seq) SetEvalMode() { m.eval = true }

func (m *seq2seq) SourceLanguage() string { return m.opts.Train.SourceLang }

func (m *seq2seq) TargetVocabSize() int { return m.trgVocab.Size() }

func (m *seq2seq) TargetVocab() *vocab.Vocabulary { return m.trgVocab }

func (m *seq2seq) Options() *checkpoint.Options { return m.opts }

func (m *seq2seq) LoadData(split string) error {
	if !m.configured {
		return fmt.Errorf("model %s: not configured", m.variant)
	}
	if ds, ok := m.datasets[split]; ok {
		return ds.Load(m.SourceLanguage())
	}
	streams, err := m.opts.SplitStreams(split)
	if err != nil {
		return fmt.Errorf("model %s: %w", m.variant, err)
	}
	ds := data.NewDataset(split, streams)
	if err := ds.Load(m.SourceLanguage()); err != nil {
		return fmt.Errorf("model %s: %w", m.variant, err)
	}
	m.datasets[split] = ds
	return nil
}

func (m *seq2seq) Dataset(split string) (*data.Dataset, error) {
	ds, ok := m.datasets[split]
	if !ok {
		return nil, fmt.Errorf("model %s: no dataset loaded for split %q", m.variant, split)
	}
	return ds, nil
}

func (m *seq2seq) Close() error {
	var firstErr error
	for _, s := range []backends.Session{m.encoder, m.decoder} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.encoder, m.decoder = nil, nil
	return firstErr
}

// ready checks the lifecycle preconditions for scoring.
func (m *seq2seq) ready() error {
	if m.encoder == nil || m.decoder == nil {
		return fmt.Errorf("model %s: not placed on a device", m.variant)
	}
	if !m.eval {
		return fmt.Errorf("model %s: not in inference mode", m.variant)
	}
	return nil
}

// encContext is the encoder output for one batch: flat [n, srcLen, hidden]
// states plus the [n, srcLen] source mask. Decoding states gather rows out
// of it by sentence index, so beam tiling never re-runs the encoder.
type encContext struct {
	states []float32
	mask   []int64
	srcLen int
	hidden int
}

// runEncoder tokenizes the batch, pads it and executes the encoder graph.
func (m *seq2seq) runEncoder(batch *data.Batch) (*encContext, error) {
	n := batch.Size()
	encoded := make([][]int, n)
	srcLen := 0
	for i, line := range batch.Lines {
		ids := append(m.srcVocab.EncodeLine(line), m.srcVocab.EosID())
		encoded[i] = ids
		if len(ids) > srcLen {
			srcLen = len(ids)
		}
	}

	ids := make([]int64, n*srcLen)
	mask := make([]int64, n*srcLen)
	pad := int64(m.srcVocab.PadID())
	for i, row := range encoded {
		for j := 0; j < srcLen; j++ {
			if j < len(row) {
				ids[i*srcLen+j] = int64(row[j])
				mask[i*srcLen+j] = 1
			} else {
				ids[i*srcLen+j] = pad
			}
		}
	}

	outputs, err := m.encoder.Run([]backends.NamedTensor{
		{Name: "src_ids", Shape: []int64{int64(n), int64(srcLen)}, Data: ids},
		{Name: "src_mask", Shape: []int64{int64(n), int64(srcLen)}, Data: mask},
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: encoder: %w", m.variant, err)
	}

	states, err := tensorByName(outputs, "enc_states")
	if err != nil {
		return nil, fmt.Errorf("model %s: encoder: %w", m.variant, err)
	}
	flat, err := float32Data(states)
	if err != nil {
		return nil, fmt.Errorf("model %s: encoder output enc_states: %w", m.variant, err)
	}
	if len(states.Shape) != 3 || states.Shape[0] != int64(n) || states.Shape[1] != int64(srcLen) {
		return nil, fmt.Errorf("model %s: encoder output enc_states has shape %v, want [%d %d H]",
			m.variant, states.Shape, n, srcLen)
	}

	return &encContext{
		states: flat,
		mask:   mask,
		srcLen: srcLen,
		hidden: int(states.Shape[2]),
	}, nil
}

// gather builds the decoder-side encoder tensors for the given sentence
// row mapping.
func (e *encContext) gather(sents []int) (states, mask backends.NamedTensor) {
	r := len(sents)
	stride := e.srcLen * e.hidden
	flat := make([]float32, r*stride)
	m := make([]int64, r*e.srcLen)
	for i, sent := range sents {
		copy(flat[i*stride:(i+1)*stride], e.states[sent*stride:(sent+1)*stride])
		copy(m[i*e.srcLen:(i+1)*e.srcLen], e.mask[sent*e.srcLen:(sent+1)*e.srcLen])
	}
	states = backends.NamedTensor{
		Name:  "enc_states",
		Shape: []int64{int64(r), int64(e.srcLen), int64(e.hidden)},
		Data:  flat,
	}
	mask = backends.NamedTensor{
		Name:  "src_mask",
		Shape: []int64{int64(r), int64(e.srcLen)},
		Data:  m,
	}
	return states, mask
}

func tensorByName(tensors []backends.NamedTensor, name string) (backends.NamedTensor, error) {
	for _, t := range tensors {
		if t.Name == name {
			return t, nil
		}
	}
	return backends.NamedTensor{}, fmt.Errorf("no output tensor %q", name)
}

func float32Data(t backends.NamedTensor) ([]float32, error) {
	flat, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s is %T, want []float32", t.Name, t.Data)
	}
	return flat, nil
}

// reshapeRows slices a flat [rows, cols] tensor into per-row vectors.
func reshapeRows(flat []float32, rows, cols int) ([][]float32, error) {
	if len(flat) != rows*cols {
		return nil, fmt.Errorf("tensor has %d elements, want %d x %d", len(flat), rows, cols)
	}
	out := make([][]float32, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out, nil
}
