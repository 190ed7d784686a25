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

// Package vocab loads and queries translation vocabularies.
//
// Three on-disk formats are supported, auto-detected from the file name:
//
//   - plain JSON token->id maps (the training export format, *.json)
//   - HuggingFace tokenizer.json (via go-huggingface, pure Go)
//   - SentencePiece tokenizer.model (via go-sentencepiece)
//
// JSON vocabularies reserve the conventional special ids: <pad>=0, <s>=1,
// </s>=2, <unk>=3. Tokenizer-backed vocabularies take their special ids
// from the tokenizer itself and their cardinality from the checkpoint
// options, since the tokenizer interface does not expose it.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Reserved special tokens for JSON vocabularies.
const (
	PadToken = "<pad>"
	BosToken = "<s>"
	EosToken = "</s>"
	UnkToken = "<unk>"
)

// tokenizer is the subset of the go-huggingface tokenizer surface we need.
// Both the HuggingFace tokenizer and the SentencePiece wrapper satisfy it.
type tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	SpecialTokenID(token api.SpecialToken) (int, error)
}

// Vocabulary maps between surface tokens and integer ids for one language
// side of a model. Immutable once loaded.
type Vocabulary struct {
	size int

	// JSON-backed vocabularies keep an explicit table.
	tokens []string
	ids    map[string]int

	// Tokenizer-backed vocabularies delegate to the tokenizer.
	tok tokenizer

	pad, bos, eos, unk int
}

// Load reads a vocabulary from path. declaredSize is the target cardinality
// recorded in the checkpoint options; it is required for tokenizer-backed
// formats and cross-checked against JSON vocabularies when non-zero.
func Load(path string, declaredSize int) (*Vocabulary, error) {
	base := filepath.Base(path)
	switch {
	case base == "tokenizer.model" || strings.HasSuffix(base, ".model") || strings.HasSuffix(base, ".spm"):
		return loadSentencePiece(path, declaredSize)
	case base == "tokenizer.json":
		return loadTokenizerJSON(path, declaredSize)
	case strings.HasSuffix(base, ".json"):
		return LoadJSON(path, declaredSize)
	default:
		return nil, fmt.Errorf("unrecognized vocabulary format: %s", path)
	}
}

// LoadJSON reads a plain token->id JSON map.
func LoadJSON(path string, declaredSize int) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary %s: %w", path, err)
	}

	var entries map[string]int
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing vocabulary %s: %w", path, err)
	}

	v := &Vocabulary{
		size:   len(entries),
		tokens: make([]string, len(entries)),
		ids:    make(map[string]int, len(entries)),
		pad:    -1, bos: -1, eos: -1, unk: -1,
	}
	for token, id := range entries {
		if id < 0 || id >= len(entries) {
			return nil, fmt.Errorf("vocabulary %s: id %d for %q out of range [0,%d)", path, id, token, len(entries))
		}
		if v.tokens[id] != "" {
			return nil, fmt.Errorf("vocabulary %s: duplicate id %d (%q and %q)", path, id, v.tokens[id], token)
		}
		v.tokens[id] = token
		v.ids[token] = id
	}

	var ok bool
	if v.pad, ok = v.ids[PadToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s: missing %s", path, PadToken)
	}
	if v.bos, ok = v.ids[BosToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s: missing %s", path, BosToken)
	}
	if v.eos, ok = v.ids[EosToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s: missing %s", path, EosToken)
	}
	if v.unk, ok = v.ids[UnkToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s: missing %s", path, UnkToken)
	}

	if declaredSize > 0 && declaredSize != v.size {
		return nil, fmt.Errorf("vocabulary %s: has %d entries, checkpoint declares %d", path, v.size, declaredSize)
	}
	return v, nil
}

// loadTokenizerJSON wraps a HuggingFace tokenizer.json file.
func loadTokenizerJSON(path string, declaredSize int) (*Vocabulary, error) {
	if declaredSize <= 0 {
		return nil, fmt.Errorf("vocabulary %s: tokenizer-backed vocabularies need a declared size", path)
	}
	tok, err := hftokenizer.NewFromFile(nil, path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer.json %s: %w", path, err)
	}
	return fromTokenizer(tok, declaredSize, path)
}

// loadSentencePiece wraps a SentencePiece model file.
func loadSentencePiece(path string, declaredSize int) (*Vocabulary, error) {
	if declaredSize <= 0 {
		return nil, fmt.Errorf("vocabulary %s: tokenizer-backed vocabularies need a declared size", path)
	}
	proc, err := esentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("loading sentencepiece model %s: %w", path, err)
	}
	return fromTokenizer(&spTokenizer{Processor: proc, info: proc.ModelInfo()}, declaredSize, path)
}

func fromTokenizer(tok tokenizer, size int, path string) (*Vocabulary, error) {
	v := &Vocabulary{size: size, tok: tok, pad: -1, bos: -1, eos: -1, unk: -1}
	specials := []struct {
		tok  api.SpecialToken
		dest *int
	}{
		{api.TokPad, &v.pad},
		{api.TokBeginningOfSentence, &v.bos},
		{api.TokEndOfSentence, &v.eos},
		{api.TokUnknown, &v.unk},
	}
	for _, s := range specials {
		id, err := tok.SpecialTokenID(s.tok)
		if err != nil {
			return nil, fmt.Errorf("vocabulary %s: resolving special token: %w", path, err)
		}
		*s.dest = id
	}
	return v, nil
}

// Size returns the vocabulary cardinality.
func (v *Vocabulary) Size() int { return v.size }

// PadID returns the padding token id.
func (v *Vocabulary) PadID() int { return v.pad }

// BosID returns the beginning-of-sentence token id.
func (v *Vocabulary) BosID() int { return v.bos }

// EosID returns the end-of-sentence token id.
func (v *Vocabulary) EosID() int { return v.eos }

// UnkID returns the unknown-token id.
func (v *Vocabulary) UnkID() int { return v.unk }

// ID looks up a token, reporting whether it is in-vocabulary.
func (v *Vocabulary) ID(token string) (int, bool) {
	if v.ids != nil {
		id, ok := v.ids[token]
		return id, ok
	}
	ids := v.tok.Encode(token)
	if len(ids) != 1 {
		return v.unk, false
	}
	return ids[0], ids[0] != v.unk
}

// Token returns the surface form for id, or the unknown token when the id
// is out of range or the format cannot answer.
func (v *Vocabulary) Token(id int) string {
	if v.tokens != nil {
		if id >= 0 && id < len(v.tokens) {
			return v.tokens[id]
		}
		return UnkToken
	}
	return v.tok.Decode([]int{id})
}

// EncodeLine turns one source line into token ids. JSON vocabularies split
// on whitespace and map out-of-vocabulary words to <unk>; tokenizer-backed
// vocabularies delegate to the tokenizer's own segmentation.
func (v *Vocabulary) EncodeLine(line string) []int {
	if v.ids != nil {
		words := strings.Fields(line)
		ids := make([]int, len(words))
		for i, w := range words {
			if id, ok := v.ids[w]; ok {
				ids[i] = id
			} else {
				ids[i] = v.unk
			}
		}
		return ids
	}
	return v.tok.Encode(line)
}

// DecodeIDs turns decoded token ids back into a surface string, skipping
// pad/bos and stopping at the first eos.
func (v *Vocabulary) DecodeIDs(ids []int) string {
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == v.eos {
			break
		}
		if id == v.pad || id == v.bos {
			continue
		}
		kept = append(kept, id)
	}
	if v.tokens != nil {
		words := make([]string, len(kept))
		for i, id := range kept {
			words[i] = v.Token(id)
		}
		return strings.Join(words, " ")
	}
	return v.tok.Decode(kept)
}

// spTokenizer adapts a SentencePiece processor to the tokenizer interface.
type spTokenizer struct {
	*esentencepiece.Processor
	info *esentencepiece.ModelInfo
}

func (t *spTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
	}
	return ids
}

func (t *spTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *spTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.info.UnknownID, nil
	case api.TokPad:
		return t.info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}
