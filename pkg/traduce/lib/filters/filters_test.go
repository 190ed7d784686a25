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

package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFilters(t *testing.T) {
	tests := []struct {
		filter string
		in     string
		want   string
	}{
		{"de-bpe", "fol@@ low the wh@@ ite rab@@ bit", "follow the white rabbit"},
		{"de-bpe", "trailing@@", "trailing"},
		{"de-spm", "▁follow ▁the ▁white ▁rab bit", "follow the white rabbit"},
		{"de-segment", "the <adj:white> <n:rabbit>", "the white rabbit"},
		{"de-compound", "Auto @fahrer und Auto@ bahn", "Autofahrer und Autobahn"},
		{"de-hyphen", "a well - known state - of - the - art system", "a well-known state-of-the-art system"},
		{"c2w", "f o l l o w <s> m e", "follow me"},
		{"lower", "Follow The Rabbit", "follow the rabbit"},
		{"upper", "shout", "SHOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			chain, err := NewChain([]string{tt.filter})
			require.NoError(t, err)
			got := chain.Apply([]string{tt.in})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestChainOrderMatters(t *testing.T) {
	lowerFirst, err := NewChain([]string{"lower", "upper"})
	require.NoError(t, err)
	upperFirst, err := NewChain([]string{"upper", "lower"})
	require.NoError(t, err)

	in := []string{"MiXeD"}
	assert.Equal(t, "MIXED", lowerFirst.Apply(in)[0])
	assert.Equal(t, "mixed", upperFirst.Apply(in)[0])
}

func TestChainIsOneToOneAndOrderPreserving(t *testing.T) {
	chain, err := NewChain([]string{"de-bpe", "lower"})
	require.NoError(t, err)

	for _, in := range [][]string{
		nil,
		{},
		{"One@@ ly"},
		{"A", "B", "C", "D"},
	} {
		out := chain.Apply(in)
		require.Len(t, out, len(in))
	}

	out := chain.Apply([]string{"First", "Second", "Third"})
	assert.Equal(t, []string{"first", "second", "third"}, out)
}

func TestNilChainIsIdentity(t *testing.T) {
	var chain *Chain
	in := []string{"Keep@@ s", "EVERYTHING"}
	assert.Equal(t, in, chain.Apply(in))

	empty, err := NewChain(nil)
	require.NoError(t, err)
	assert.Equal(t, in, empty.Apply(in))
}

func TestUnknownFilterRejected(t *testing.T) {
	_, err := NewChain([]string{"de-bpe", "no-such-filter"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-filter")
}
