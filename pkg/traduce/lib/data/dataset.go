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

// Package data provides line-file-backed datasets and ordered batch
// iteration for inference.
//
// A Dataset represents one named split with one or more input streams
// (stream key -> file path). At inference time only the source stream is
// materialized; iteration yields fixed-size batches whose concatenation
// reproduces the input file order exactly.
package data

import (
	"bufio"
	"fmt"
	"os"
)

// Batch is one group of consecutive source lines.
type Batch struct {
	// Lines are the raw source sentences, in file order.
	Lines []string

	// Offset is the index of Lines[0] within the full stream.
	Offset int
}

// Size returns the number of sentences in the batch.
func (b *Batch) Size() int { return len(b.Lines) }

// Dataset is one split's input streams.
type Dataset struct {
	name    string
	streams map[string]string

	sourceKey string
	lines     []string
	loaded    bool
}

// NewDataset creates a dataset for the named split over the given streams.
func NewDataset(name string, streams map[string]string) *Dataset {
	copied := make(map[string]string, len(streams))
	for k, v := range streams {
		copied[k] = v
	}
	return &Dataset{name: name, streams: copied}
}

// Name returns the split name this dataset was created for.
func (d *Dataset) Name() string { return d.name }

// Load materializes the source stream identified by sourceKey. Loading is
// idempotent: repeated calls with the same key are no-ops, a different key
// is an error since the dataset would silently change under its iterators.
func (d *Dataset) Load(sourceKey string) error {
	if d.loaded {
		if sourceKey != d.sourceKey {
			return fmt.Errorf("dataset %s: already loaded with source stream %q, cannot reload as %q",
				d.name, d.sourceKey, sourceKey)
		}
		return nil
	}

	path, ok := d.streams[sourceKey]
	if !ok {
		return fmt.Errorf("dataset %s: no stream %q (have %d stream(s))", d.name, sourceKey, len(d.streams))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dataset %s: opening source stream %s: %w", d.name, path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("dataset %s: reading source stream %s: %w", d.name, path, err)
	}

	d.sourceKey = sourceKey
	d.lines = lines
	d.loaded = true
	return nil
}

// Len returns the number of source sentences. Zero before Load.
func (d *Dataset) Len() int { return len(d.lines) }

// Iterator returns an ordered batch iterator over the loaded source
// stream. onlySource must be true at inference time; target streams are
// never materialized by this package.
func (d *Dataset) Iterator(batchSize int, onlySource bool) (*Iterator, error) {
	if !d.loaded {
		return nil, fmt.Errorf("dataset %s: not loaded", d.name)
	}
	if !onlySource {
		return nil, fmt.Errorf("dataset %s: target streams are not available at inference time", d.name)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("dataset %s: batch size must be >= 1, got %d", d.name, batchSize)
	}
	return &Iterator{lines: d.lines, batchSize: batchSize}, nil
}

// Iterator yields consecutive batches over a source stream. It is not safe
// for concurrent use; decoding consumes it sequentially.
type Iterator struct {
	lines     []string
	batchSize int
	pos       int
}

// Next returns the next batch, or nil when the stream is exhausted.
func (it *Iterator) Next() *Batch {
	if it.pos >= len(it.lines) {
		return nil
	}
	end := it.pos + it.batchSize
	if end > len(it.lines) {
		end = len(it.lines)
	}
	batch := &Batch{Lines: it.lines[it.pos:end], Offset: it.pos}
	it.pos = end
	return batch
}

// Total returns the total number of sentences the iterator will yield.
func (it *Iterator) Total() int { return len(it.lines) }
