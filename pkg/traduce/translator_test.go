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

package traduce

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/checkpoint"
	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/search"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// nmtSchemaKeys is the expected weight table of the recurrent variant with
// one encoder and one decoder layer. Kept literal so a schema drift in the
// models package shows up here.
var nmtSchemaKeys = []string{
	"enc.emb.weight",
	"enc.rnn.l0.weight_ih", "enc.rnn.l0.weight_hh", "enc.rnn.l0.bias_ih", "enc.rnn.l0.bias_hh",
	"dec.emb.weight",
	"dec.rnn.l0.weight_ih", "dec.rnn.l0.weight_hh", "dec.rnn.l0.bias_ih", "dec.rnn.l0.bias_hh",
	"att.src.weight", "att.hid.weight", "att.score.weight",
	"dec.init.weight", "dec.init.bias",
	"dec.out.weight", "dec.out.bias",
}

// ckptSpec controls the synthetic checkpoint written by writeTestCheckpoint.
type ckptSpec struct {
	evalFilters []string
	// extraTrgWords widens the target vocabulary beyond the shared base.
	extraTrgWords []string
}

func writeVocabJSON(t *testing.T, path string, extra ...string) int {
	t.Helper()
	entries := map[string]int{
		vocab.PadToken: 0, vocab.BosToken: 1, vocab.EosToken: 2, vocab.UnkToken: 3,
		"hello": 4, "world": 5,
	}
	for i, w := range extra {
		entries[w] = 6 + i
	}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return len(entries)
}

func writeSafetensors(t *testing.T, path string, tensors map[string][]float32) {
	t.Helper()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	header := make(map[string]checkpoint.TensorInfo, len(tensors))
	var payload []byte
	for _, name := range names {
		values := tensors[name]
		start := int64(len(payload))
		for _, v := range values {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			payload = append(payload, buf[:]...)
		}
		header[name] = checkpoint.TensorInfo{
			DType:   "F32",
			Shape:   []int64{int64(len(values))},
			Offsets: [2]int64{start, int64(len(payload))},
		}
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	out := make([]byte, 8, 8+len(headerJSON)+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, payload...)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

// writeTestCheckpoint builds a complete recurrent-variant checkpoint with a
// two-sentence "test" split.
func writeTestCheckpoint(t *testing.T, spec ckptSpec) string {
	t.Helper()
	dir := t.TempDir()

	srcSize := writeVocabJSON(t, filepath.Join(dir, "src.json"))
	trgSize := writeVocabJSON(t, filepath.Join(dir, "trg.json"), spec.extraTrgWords...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.en"), []byte("hello world\nworld\n"), 0o644))
	for _, graph := range []string{"encoder.onnx", "decoder_step.onnx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, graph), []byte("graph"), 0o644))
	}

	tensors := make(map[string][]float32, len(nmtSchemaKeys))
	for _, k := range nmtSchemaKeys {
		switch k {
		case "enc.emb.weight":
			tensors[k] = make([]float32, srcSize)
		case "dec.emb.weight", "dec.out.weight":
			tensors[k] = make([]float32, trgSize)
		default:
			tensors[k] = []float32{0}
		}
	}
	writeSafetensors(t, filepath.Join(dir, checkpoint.WeightsFile), tensors)

	rawOpts := map[string]any{
		"train": map[string]any{
			"model_type":   "nmt",
			"eval_filters": spec.evalFilters,
			"source_lang":  "en",
			"target_lang":  "de",
			"emb_dim":      4, "enc_dim": 4, "dec_dim": 4,
			"enc_layers": 1, "dec_layers": 1,
			"src_vocab_size": srcSize, "trg_vocab_size": trgSize,
		},
		"data": map[string]any{
			"splits": map[string]any{
				"test": map[string]any{"en": filepath.Join(dir, "test.en")},
			},
			"src_vocab": "src.json",
			"trg_vocab": "trg.json",
		},
	}
	raw, err := json.Marshal(rawOpts)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.OptionsFile), raw, 0o644))
	return dir
}

// inertFactory satisfies session creation without ever running a graph;
// the tests stub the search procedure instead.
type inertFactory struct{}

func (inertFactory) CreateSession(string, ...backends.SessionOption) (backends.Session, error) {
	return inertSession{}, nil
}
func (inertFactory) Backend() backends.BackendType { return backends.BackendONNX }

type inertSession struct{}

func (inertSession) Run([]backends.NamedTensor) ([]backends.NamedTensor, error) { return nil, nil }
func (inertSession) InputInfo() []backends.TensorInfo                           { return nil }
func (inertSession) OutputInfo() []backends.TensorInfo                          { return nil }
func (inertSession) Close() error                                               { return nil }

// echoSearch returns one marked hypothesis per source line.
func echoSearch(prefix string) search.Func {
	return func(_ context.Context, _ search.Scorer, it *data.Iterator, _ *vocab.Vocabulary, _ search.Options) ([]string, error) {
		var out []string
		for b := it.Next(); b != nil; b = it.Next() {
			for _, line := range b.Lines {
				out = append(out, prefix+line)
			}
		}
		return out, nil
	}
}

func newTestTranslator(t *testing.T, cfg TranslateConfig, opts ...Option) *Translator {
	t.Helper()
	opts = append([]Option{
		WithSessionFactory(inertFactory{}),
		WithSearch(echoSearch("tr:")),
	}, opts...)
	tr, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tr.Close()) })
	return tr
}

func TestSplitResolutionOrder(t *testing.T) {
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{})}
	cfg.Output = filepath.Join(t.TempDir(), "run")
	cfg.Splits = "a,b,c"
	cfg.Device = backends.GPUModeCPU

	tr := newTestTranslator(t, cfg)
	assert.Equal(t, []string{"a", "b", "c"}, tr.Splits())
}

func TestSourceResolvesToNewSplit(t *testing.T) {
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{})}
	cfg.Output = filepath.Join(t.TempDir(), "run")
	cfg.Source = "src:in.txt"
	cfg.Device = backends.GPUModeCPU

	tr := newTestTranslator(t, cfg)
	assert.Equal(t, []string{"new"}, tr.Splits())
	assert.Equal(t, map[string]string{"src": "in.txt"},
		tr.primary().Options().Data.NewSet,
		"ad-hoc streams registered with the primary instance")
}

func TestRunWritesSplitFile(t *testing.T) {
	outDir := t.TempDir()
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{})}
	cfg.Output = filepath.Join(outDir, "run")
	cfg.Splits = "test"
	cfg.BeamSize = 4
	cfg.Device = backends.GPUModeCPU

	tr := newTestTranslator(t, cfg)
	require.NoError(t, tr.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(outDir, "run.test.beam4"))
	require.NoError(t, err)
	assert.Equal(t, "tr:hello world\ntr:world\n", string(raw))
}

func TestRunWritesAdhocFile(t *testing.T) {
	outDir := t.TempDir()
	input := filepath.Join(t.TempDir(), "foo.txt")
	require.NoError(t, os.WriteFile(input, []byte("hello\n"), 0o644))

	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{})}
	cfg.Output = filepath.Join(outDir, "run")
	// The stream key must match the model's source language to be loadable.
	cfg.Source = "en:" + input
	cfg.BeamSize = 1
	cfg.AvoidDouble = true
	cfg.AvoidUnk = true
	cfg.Device = backends.GPUModeCPU

	tr := newTestTranslator(t, cfg)
	require.NoError(t, tr.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(outDir, "run.beam1.nodbl.nounk"))
	require.NoError(t, err)
	assert.Equal(t, "tr:hello\n", string(raw))
}

func TestMismatchedVocabSizesFailConstruction(t *testing.T) {
	outDir := t.TempDir()
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{
		writeTestCheckpoint(t, ckptSpec{}),
		writeTestCheckpoint(t, ckptSpec{extraTrgWords: []string{"extra"}}),
	}
	cfg.Output = filepath.Join(outDir, "run")
	cfg.Splits = "test"
	cfg.Device = backends.GPUModeCPU

	_, err := New(cfg, zap.NewNop(), WithSessionFactory(inertFactory{}))
	require.ErrorContains(t, err, "target vocabulary size")

	entries, readErr := os.ReadDir(outDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no output files before decoding starts")
}

func TestMismatchedFiltersFailConstruction(t *testing.T) {
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{
		writeTestCheckpoint(t, ckptSpec{evalFilters: []string{"de-bpe"}}),
		writeTestCheckpoint(t, ckptSpec{evalFilters: []string{"lower"}}),
	}
	cfg.Output = filepath.Join(t.TempDir(), "run")
	cfg.Splits = "test"
	cfg.Device = backends.GPUModeCPU

	_, err := New(cfg, zap.NewNop(), WithSessionFactory(inertFactory{}))
	require.ErrorContains(t, err, "eval filters")
}

func TestFilterStage(t *testing.T) {
	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{evalFilters: []string{"lower"}})}
	cfg.Output = filepath.Join(t.TempDir(), "run")
	cfg.Splits = "test"
	cfg.Device = backends.GPUModeCPU

	tr := newTestTranslator(t, cfg, WithSearch(echoSearch("TR:")))
	hyps, err := tr.Translate(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"tr:hello world", "tr:world"}, hyps)

	cfg.DisableFilters = true
	tr = newTestTranslator(t, cfg, WithSearch(echoSearch("TR:")))
	hyps, err = tr.Translate(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"TR:hello world", "TR:world"}, hyps, "disabled filtering is the identity")
}

func TestThroughputLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	cfg := DefaultTranslateConfig()
	cfg.Models = []string{writeTestCheckpoint(t, ckptSpec{})}
	cfg.Output = filepath.Join(t.TempDir(), "run")
	cfg.Splits = "test"
	cfg.Device = backends.GPUModeCPU

	// Five hypotheses over a fixed two-second window: floor(5/2) = 2.
	fiveHyps := func(context.Context, search.Scorer, *data.Iterator, *vocab.Vocabulary, search.Options) ([]string, error) {
		return []string{"a", "b", "c", "d", "e"}, nil
	}
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		if calls == 1 {
			return t0
		}
		return t0.Add(2 * time.Second)
	}

	tr, err := New(cfg, zap.New(core),
		WithSessionFactory(inertFactory{}),
		WithSearch(fiveHyps),
		WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tr.Close()) })

	_, err = tr.Translate(context.Background(), "test")
	require.NoError(t, err)

	entries := logs.FilterMessage("split decoded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 5, fields["sentences"])
	assert.EqualValues(t, 2, fields["sent_per_sec"])
}
