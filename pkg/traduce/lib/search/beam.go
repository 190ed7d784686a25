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
	"fmt"
	"math"

	"github.com/antflydb/traduce/pkg/traduce/lib/data"
	"github.com/antflydb/traduce/pkg/traduce/lib/vocab"
)

// beam is one partial hypothesis. Tokens excludes bos and eos.
type beam struct {
	tokens []int
	score  float64
	done   bool
}

// candidate is one proposed beam extension during a step.
type candidate struct {
	parent int // beam index within the sentence
	token  int // next token, -1 for carrying a finished beam forward
	score  float64
}

// Beam is the default search procedure: batched beam search with optional
// repeat-avoidance and unknown-avoidance constraints. Final hypotheses are
// chosen by length-normalized score, preferring finished beams.
func Beam(ctx context.Context, scorer Scorer, it *data.Iterator, v *vocab.Vocabulary, opts Options) ([]string, error) {
	if opts.BeamSize < 1 {
		return nil, fmt.Errorf("beam size must be >= 1, got %d", opts.BeamSize)
	}
	if opts.MaxLen < 1 {
		return nil, fmt.Errorf("max length must be >= 1, got %d", opts.MaxLen)
	}

	hyps := make([]string, 0, it.Total())
	for batch := it.Next(); batch != nil; batch = it.Next() {
		decoded, err := beamDecodeBatch(ctx, scorer, batch, v, opts)
		if err != nil {
			return nil, err
		}
		hyps = append(hyps, decoded...)
	}
	return hyps, nil
}

func beamDecodeBatch(ctx context.Context, scorer Scorer, batch *data.Batch, v *vocab.Vocabulary, opts Options) ([]string, error) {
	n := batch.Size()
	if n == 0 {
		return nil, nil
	}
	k := opts.BeamSize

	st, err := scorer.Encode(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch at offset %d: %w", batch.Offset, err)
	}
	defer func() { _ = st.Close() }()

	// First step: one row per sentence, expand to the top-k tokens each.
	prev := make([]int, n)
	for i := range prev {
		prev[i] = v.BosID()
	}
	logps, err := st.Step(ctx, prev)
	if err != nil {
		return nil, fmt.Errorf("decode step 1: %w", err)
	}
	if err := checkLogpShape(logps, n, v.Size()); err != nil {
		return nil, err
	}

	beams := make([][]beam, n)
	parents := make([]int, 0, n*k)
	for i := 0; i < n; i++ {
		masked := maskLogps(logps[i], v, v.BosID(), opts)
		best := topTokens(masked, k)
		beams[i] = make([]beam, 0, k)
		for _, c := range best {
			b := beam{score: c.score}
			if c.token == v.EosID() {
				b.done = true
			} else {
				b.tokens = []int{c.token}
			}
			beams[i] = append(beams[i], b)
			parents = append(parents, i)
		}
	}
	if err := st.Select(parents); err != nil {
		return nil, fmt.Errorf("tiling decode state: %w", err)
	}

	for t := 2; t <= opts.MaxLen; t++ {
		if allDone(beams) {
			break
		}

		// State rows are the concatenation of every sentence's beams, in
		// order; offsets[i] is sentence i's first row.
		offsets := make([]int, n)
		rows := 0
		prev = prev[:0]
		for i := 0; i < n; i++ {
			offsets[i] = rows
			rows += len(beams[i])
			for _, b := range beams[i] {
				prev = append(prev, lastToken(b, v))
			}
		}

		logps, err = st.Step(ctx, prev)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", t, err)
		}
		if err := checkLogpShape(logps, rows, v.Size()); err != nil {
			return nil, err
		}

		parents = parents[:0]
		for i := 0; i < n; i++ {
			var cands []candidate
			for bi, b := range beams[i] {
				if b.done {
					// Finished beams carry forward unchanged and compete
					// on their final score.
					cands = append(cands, candidate{parent: bi, token: -1, score: b.score})
					continue
				}
				masked := maskLogps(logps[offsets[i]+bi], v, lastToken(b, v), opts)
				for tok, lp := range masked {
					if math.IsInf(float64(lp), -1) {
						continue
					}
					cands = append(cands, candidate{parent: bi, token: tok, score: b.score + float64(lp)})
				}
			}

			next := make([]beam, 0, k)
			for _, c := range topCandidates(cands, k) {
				parentBeam := beams[i][c.parent]
				nb := beam{score: c.score, done: parentBeam.done}
				nb.tokens = append([]int(nil), parentBeam.tokens...)
				switch {
				case c.token == -1:
					// carried-forward finished beam
				case c.token == v.EosID():
					nb.done = true
				default:
					nb.tokens = append(nb.tokens, c.token)
				}
				next = append(next, nb)
				parents = append(parents, offsets[i]+c.parent)
			}
			beams[i] = next
		}
		if err := st.Select(parents); err != nil {
			return nil, fmt.Errorf("reordering decode state: %w", err)
		}
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		best := pickBest(beams[i])
		out[i] = v.DecodeIDs(best.tokens)
	}
	return out, nil
}

// maskLogps applies decoding constraints, returning a copy with excluded
// tokens at -inf. Padding is never a legal emission.
func maskLogps(logps []float32, v *vocab.Vocabulary, prevToken int, opts Options) []float32 {
	masked := make([]float32, len(logps))
	copy(masked, logps)
	ninf := float32(math.Inf(-1))

	mask := func(id int) {
		if id >= 0 && id < len(masked) {
			masked[id] = ninf
		}
	}
	mask(v.PadID())
	mask(v.BosID())
	if opts.AvoidUnk {
		mask(v.UnkID())
	}
	if opts.AvoidDouble {
		mask(prevToken)
	}
	return masked
}

// topTokens returns the k best tokens of one log-probability vector as
// candidates with parent 0.
func topTokens(logps []float32, k int) []candidate {
	cands := make([]candidate, 0, len(logps))
	for tok, lp := range logps {
		if math.IsInf(float64(lp), -1) {
			continue
		}
		cands = append(cands, candidate{token: tok, score: float64(lp)})
	}
	return topCandidates(cands, k)
}

// topCandidates selects the k highest-scoring candidates. k is small, so
// insertion into a bounded slice beats sorting the full candidate set.
func topCandidates(cands []candidate, k int) []candidate {
	best := make([]candidate, 0, k)
	for _, c := range cands {
		pos := len(best)
		for pos > 0 && best[pos-1].score < c.score {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(best) < k {
			best = append(best, candidate{})
		}
		copy(best[pos+1:], best[pos:])
		best[pos] = c
	}
	return best
}

func lastToken(b beam, v *vocab.Vocabulary) int {
	if b.done || len(b.tokens) == 0 {
		return v.EosID()
	}
	return b.tokens[len(b.tokens)-1]
}

func allDone(beams [][]beam) bool {
	for _, sentence := range beams {
		for _, b := range sentence {
			if !b.done {
				return false
			}
		}
	}
	return true
}

// pickBest chooses the final hypothesis: finished beams outrank unfinished
// ones, then length-normalized score decides.
func pickBest(beams []beam) beam {
	best := beams[0]
	bestNorm := normScore(best)
	for _, b := range beams[1:] {
		norm := normScore(b)
		switch {
		case b.done && !best.done:
			best, bestNorm = b, norm
		case b.done == best.done && norm > bestNorm:
			best, bestNorm = b, norm
		}
	}
	return best
}

func normScore(b beam) float64 {
	length := len(b.tokens)
	if length == 0 {
		length = 1
	}
	return b.score / float64(length)
}

func checkLogpShape(logps [][]float32, rows, vocabSize int) error {
	if len(logps) != rows {
		return fmt.Errorf("scorer returned %d rows, want %d", len(logps), rows)
	}
	for i, row := range logps {
		if len(row) != vocabSize {
			return fmt.Errorf("scorer row %d has %d scores, vocabulary has %d entries", i, len(row), vocabSize)
		}
	}
	return nil
}
