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

// Package backends abstracts the inference runtime that executes a model's
// exported graphs. Model variants talk to a Session; which runtime provides
// it is decided once per process from the compiled-in backends.
package backends

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// BackendType identifies an inference runtime.
type BackendType string

const (
	BackendONNX BackendType = "onnx"
)

// GPUMode controls accelerator placement.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto"
	GPUModeCuda GPUMode = "cuda"
	GPUModeCPU  GPUMode = "cpu"
)

// ShouldUseGPU decides whether the given mode resolves to GPU execution.
// Auto mode checks for visible CUDA devices.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeCuda:
		return true
	case GPUModeCPU:
		return false
	default:
		if os.Getenv("CUDA_VISIBLE_DEVICES") != "" {
			return true
		}
		if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
			return true
		}
		return false
	}
}

// Backend is one compiled-in inference runtime.
type Backend interface {
	// Type returns the backend identifier.
	Type() BackendType

	// Name returns a human-readable name for logging.
	Name() string

	// Available reports whether the backend can run in this process.
	Available() bool

	// Priority orders backends when several are available; lower wins.
	Priority() int

	// SessionFactory returns the backend's session creation mechanism.
	SessionFactory() SessionFactory
}

var (
	registryMu sync.RWMutex
	registry   []Backend
)

// RegisterBackend adds a backend to the process registry. Called from
// backend init() functions.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, b)
}

// Default returns the highest-priority available backend.
func Default() (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	candidates := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Available() {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no inference backend compiled in (build with -tags onnx,ORT)")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() < candidates[j].Priority()
	})
	return candidates[0], nil
}
