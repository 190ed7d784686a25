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

package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// maxHeaderSize bounds the weight-table header to catch corrupt files
// before attempting a huge allocation.
const maxHeaderSize = 64 << 20

// TensorInfo describes one named tensor in a weight table.
type TensorInfo struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// WeightTable is the parsed header of a checkpoint weight file
// (safetensors layout: 8-byte little-endian header length, JSON table of
// tensor name -> dtype/shape/offsets, then raw tensor data). The header is
// read once; tensor data stays on disk until explicitly requested, so
// strict key validation never materializes weights.
type WeightTable struct {
	path     string
	dataBase int64
	entries  map[string]TensorInfo
}

// ReadWeightTable parses the header of the weight file at path.
func ReadWeightTable(path string) (*WeightTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening weights %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading weight header length of %s: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("weights %s: implausible header length %d", path, headerLen)
	}

	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("reading weight header of %s: %w", path, err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return nil, fmt.Errorf("parsing weight header of %s: %w", path, err)
	}

	tbl := &WeightTable{
		path:     path,
		dataBase: int64(8 + headerLen),
		entries:  make(map[string]TensorInfo, len(header)),
	}
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("weights %s: tensor %q: %w", path, name, err)
		}
		if info.Offsets[1] < info.Offsets[0] {
			return nil, fmt.Errorf("weights %s: tensor %q has inverted data offsets", path, name)
		}
		tbl.entries[name] = info
	}
	return tbl, nil
}

// Len returns the number of tensors in the table.
func (w *WeightTable) Len() int { return len(w.entries) }

// Keys returns all tensor names, sorted.
func (w *WeightTable) Keys() []string {
	keys := make([]string, 0, len(w.entries))
	for name := range w.entries {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the table contains the named tensor.
func (w *WeightTable) Has(name string) bool {
	_, ok := w.entries[name]
	return ok
}

// Tensor returns metadata for the named tensor.
func (w *WeightTable) Tensor(name string) (TensorInfo, bool) {
	info, ok := w.entries[name]
	return info, ok
}

// ReadFloat32 materializes the named tensor's data as float32 values in
// row-major order.
func (w *WeightTable) ReadFloat32(name string) ([]float32, error) {
	info, ok := w.entries[name]
	if !ok {
		return nil, fmt.Errorf("weights %s: no tensor %q", w.path, name)
	}
	if info.DType != "F32" {
		return nil, fmt.Errorf("weights %s: tensor %q has dtype %s, want F32", w.path, name, info.DType)
	}
	byteLen := info.Offsets[1] - info.Offsets[0]
	if byteLen%4 != 0 {
		return nil, fmt.Errorf("weights %s: tensor %q byte length %d not divisible by 4", w.path, name, byteLen)
	}

	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("opening weights %s: %w", w.path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, byteLen)
	if _, err := f.ReadAt(buf, w.dataBase+info.Offsets[0]); err != nil {
		return nil, fmt.Errorf("weights %s: reading tensor %q: %w", w.path, name, err)
	}

	out := make([]float32, byteLen/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
