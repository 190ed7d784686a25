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

package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// testVocab builds a JSON vocabulary with the reserved specials followed
// by the given words.
func testVocab(t *testing.T, words ...string) *vocab.Vocabulary {
	t.Helper()
	entries := map[string]int{
		vocab.PadToken: 0, vocab.BosToken: 1, vocab.EosToken: 2, vocab.UnkToken: 3,
	}
	for i, w := range words {
		entries[w] = 4 + i
	}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	v, err := vocab.Load(path, 0)
	require.NoError(t, err)
	return v
}

func testIterator(t *testing.T, batchSize int, lines ...string) *data.Iterator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.txt")
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ds := data.NewDataset("test", map[string]string{"src": path})
	require.NoError(t, ds.Load("src"))
	it, err := ds.Iterator(batchSize, true)
	require.NoError(t, err)
	return it
}

// scriptScorer is a deterministic Scorer: for every source sentence it has
// a scripted token sequence, and each Step strongly favors the scripted
// token for the current position (second-best scores go to altToken).
type scriptScorer struct {
	scripts   map[string][]int // source line -> scripted token ids
	vocabSize int
	altToken  int
	eos       int

	encodeErr error
	stepErr   error
}

type scriptState struct {
	s    *scriptScorer
	rows []int // row -> sentence script index
	keys []string
	step int
}

func (s *scriptScorer) Encode(_ context.Context, batch *data.Batch) (State, error) {
	if s.encodeErr != nil {
		return nil, s.encodeErr
	}
	st := &scriptState{s: s, keys: append([]string(nil), batch.Lines...)}
	for i := range batch.Lines {
		st.rows = append(st.rows, i)
	}
	return st, nil
}

func (st *scriptState) Step(_ context.Context, prev []int) ([][]float32, error) {
	if st.s.stepErr != nil {
		return nil, st.s.stepErr
	}
	if len(prev) != len(st.rows) {
		return nil, fmt.Errorf("got %d prev tokens for %d rows", len(prev), len(st.rows))
	}
	out := make([][]float32, len(st.rows))
	for r, sent := range st.rows {
		row := make([]float32, st.s.vocabSize)
		for i := range row {
			row[i] = -10
		}
		script := st.s.scripts[st.keys[sent]]
		want := st.s.eos
		if st.step < len(script) {
			want = script[st.step]
		}
		row[want] = -0.1
		if st.s.altToken > 0 && st.s.altToken != want {
			row[st.s.altToken] = -1
		}
		out[r] = row
	}
	st.step++
	return out, nil
}

func (st *scriptState) Select(rows []int) error {
	next := make([]int, len(rows))
	for i, r := range rows {
		if r < 0 || r >= len(st.rows) {
			return fmt.Errorf("select row %d out of range", r)
		}
		next[i] = st.rows[r]
	}
	st.rows = next
	return nil
}

func (st *scriptState) Close() error { return nil }

func ids(t *testing.T, v *vocab.Vocabulary, words ...string) []int {
	t.Helper()
	out := make([]int, len(words))
	for i, w := range words {
		id, ok := v.ID(w)
		require.True(t, ok, "word %q not in test vocabulary", w)
		out[i] = id
	}
	return out
}

func TestBeamDecodesScriptedHypotheses(t *testing.T) {
	v := testVocab(t, "follow", "the", "white", "rabbit", "me")
	scorer := &scriptScorer{
		vocabSize: v.Size(),
		eos:       v.EosID(),
		scripts: map[string][]int{
			"src one": ids(t, v, "follow", "the", "white", "rabbit"),
			"src two": ids(t, v, "follow", "me"),
		},
	}

	hyps, err := Beam(context.Background(), scorer,
		testIterator(t, 2, "src one", "src two"), v,
		Options{BeamSize: 2, MaxLen: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"follow the white rabbit", "follow me"}, hyps)
}

func TestBeamOrderAcrossBatches(t *testing.T) {
	v := testVocab(t, "a", "b", "c", "d", "e")
	words := []string{"a", "b", "c", "d", "e"}
	scorer := &scriptScorer{vocabSize: v.Size(), eos: v.EosID(), scripts: map[string][]int{}}
	var lines []string
	for i, w := range words {
		line := fmt.Sprintf("line %d", i)
		lines = append(lines, line)
		scorer.scripts[line] = ids(t, v, w)
	}

	// batch size 2 over 5 sentences: batches of 2, 2, 1
	hyps, err := Beam(context.Background(), scorer, testIterator(t, 2, lines...), v,
		Options{BeamSize: 3, MaxLen: 5})
	require.NoError(t, err)
	assert.Equal(t, words, hyps, "batch-internal order preserved, batches concatenated in order")
}

func TestBeamAvoidUnk(t *testing.T) {
	v := testVocab(t, "white")
	white, _ := v.ID("white")
	scorer := &scriptScorer{
		vocabSize: v.Size(),
		eos:       v.EosID(),
		altToken:  white,
		scripts:   map[string][]int{"in": {v.UnkID()}},
	}

	hyps, err := Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{vocab.UnkToken}, hyps, "without avoid-unk the placeholder wins")

	scorer = &scriptScorer{
		vocabSize: v.Size(),
		eos:       v.EosID(),
		altToken:  white,
		scripts:   map[string][]int{"in": {v.UnkID()}},
	}
	hyps, err = Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4, AvoidUnk: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"white"}, hyps, "avoid-unk falls back to the next-best token")
}

func TestBeamAvoidDouble(t *testing.T) {
	v := testVocab(t, "very", "fast")
	very, _ := v.ID("very")
	fast, _ := v.ID("fast")
	script := []int{very, very}

	scorer := &scriptScorer{
		vocabSize: v.Size(), eos: v.EosID(), altToken: fast,
		scripts: map[string][]int{"in": script},
	}
	hyps, err := Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"very very"}, hyps)

	scorer = &scriptScorer{
		vocabSize: v.Size(), eos: v.EosID(), altToken: fast,
		scripts: map[string][]int{"in": script},
	}
	hyps, err = Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4, AvoidDouble: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"very fast"}, hyps, "immediate repetition suppressed")
}

func TestBeamEmptyInput(t *testing.T) {
	v := testVocab(t, "x")
	scorer := &scriptScorer{vocabSize: v.Size(), eos: v.EosID()}
	hyps, err := Beam(context.Background(), scorer, testIterator(t, 4), v,
		Options{BeamSize: 2, MaxLen: 4})
	require.NoError(t, err)
	assert.Empty(t, hyps)
}

func TestBeamPropagatesErrors(t *testing.T) {
	v := testVocab(t, "x")

	scorer := &scriptScorer{vocabSize: v.Size(), eos: v.EosID(), encodeErr: errors.New("boom")}
	_, err := Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4})
	require.ErrorContains(t, err, "boom")

	scorer = &scriptScorer{vocabSize: v.Size(), eos: v.EosID(), stepErr: errors.New("step failed")}
	_, err = Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 4})
	require.ErrorContains(t, err, "step failed")
}

func TestBeamRejectsBadOptions(t *testing.T) {
	v := testVocab(t, "x")
	scorer := &scriptScorer{vocabSize: v.Size(), eos: v.EosID()}

	_, err := Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 0, MaxLen: 4})
	require.Error(t, err)

	_, err = Beam(context.Background(), scorer, testIterator(t, 1, "in"), v,
		Options{BeamSize: 1, MaxLen: 0})
	require.Error(t, err)
}
