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

// Package filters implements the hypothesis post-processing chain.
//
// A chain is an ordered pipeline of named text transforms applied to every
// decoded hypothesis. Transforms are total (never fail) and order-sensitive:
// de-bpe before lower is not the same chain as lower before de-bpe. Which
// filters to apply is declared by the training configuration stored in the
// checkpoint (eval_filters), so all ensemble members agree on it.
package filters

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is a single total text transform.
type Filter func(string) string

var (
	bpeJoinRe    = regexp.MustCompile(`@@( |$)`)
	segmentRe    = regexp.MustCompile(` *<[^<>]*?:([^<>]*?)>`)
	hyphenRe     = regexp.MustCompile(`(\S)\s+-\s+(\S)`)
	compoundLeft = strings.NewReplacer(" @", "", "@ ", "")
)

// known maps filter identifiers to implementations. The set is closed:
// chain construction rejects identifiers not present here.
var known = map[string]Filter{
	// Joins subword units produced by BPE segmentation ("fol@@ low" -> "follow").
	"de-bpe": func(s string) string {
		return bpeJoinRe.ReplaceAllString(s, "")
	},
	// Reverts SentencePiece segmentation: pieces are glued back together and
	// the word-boundary marker U+2581 becomes a space.
	"de-spm": func(s string) string {
		s = strings.Join(strings.Fields(s), "")
		s = strings.ReplaceAll(s, "▁", " ")
		return strings.TrimSpace(s)
	},
	// Reverts morphological segmentation markup "<tag:surface>" to "surface".
	"de-segment": func(s string) string {
		return segmentRe.ReplaceAllString(s, "$1")
	},
	// Joins German-style compound markers ("Auto @fahrer" / "Auto@ fahrer").
	"de-compound": func(s string) string {
		return compoundLeft.Replace(s)
	},
	// Re-attaches tokenized hyphens ("well - known" -> "well-known").
	"de-hyphen": func(s string) string {
		for {
			next := hyphenRe.ReplaceAllString(s, "$1-$2")
			if next == s {
				return s
			}
			s = next
		}
	},
	// Character-level output back to words: characters are glued together
	// and the explicit word separator <s> becomes a space.
	"c2w": func(s string) string {
		s = strings.Join(strings.Fields(s), "")
		s = strings.ReplaceAll(s, "<s>", " ")
		return strings.TrimSpace(s)
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

// Chain is an ordered filter pipeline. The zero value (and nil) is the
// identity chain.
type Chain struct {
	ids []string
	fns []Filter
}

// NewChain builds a chain from the given filter identifiers, preserving
// order. Unknown identifiers are a construction error.
func NewChain(ids []string) (*Chain, error) {
	c := &Chain{}
	for _, id := range ids {
		fn, ok := known[id]
		if !ok {
			return nil, fmt.Errorf("unknown eval filter %q (known: %s)", id, strings.Join(Known(), ", "))
		}
		c.ids = append(c.ids, id)
		c.fns = append(c.fns, fn)
	}
	return c, nil
}

// Known returns the sorted identifiers of all available filters.
func Known() []string {
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	// Deterministic listing for error messages.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// IDs returns the chain's filter identifiers in application order.
func (c *Chain) IDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.ids...)
}

// Apply runs every filter over every hypothesis, in order. The result has
// exactly the same length and ordering as the input; a nil or empty chain
// returns a copy of the input unchanged.
func (c *Chain) Apply(hyps []string) []string {
	out := make([]string, len(hyps))
	copy(out, hyps)
	if c == nil {
		return out
	}
	for _, fn := range c.fns {
		for i, h := range out {
			out[i] = fn(h)
		}
	}
	return out
}
