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

package backends

// Session executes one exported inference graph. It handles named tensor
// I/O without knowledge of model semantics; the encoder/decoder-step
// structure lives in the models package on top of this primitive.
type Session interface {
	// Run executes the graph with the given named inputs and returns the
	// named outputs.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any // []float32, []int64, []int32 or []bool
}

// TensorInfo describes a tensor's metadata. Dynamic dimensions are -1.
type TensorInfo struct {
	Name     string
	Shape    []int64
	DataType DataType
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from exported graph files.
type SessionFactory interface {
	// CreateSession creates a session for the graph at graphPath.
	CreateSession(graphPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto).
	NumThreads int

	// GPUMode controls accelerator placement for this session.
	GPUMode GPUMode
}

// WithSessionThreads sets the number of intra-op threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) { c.NumThreads = n }
}

// WithSessionGPUMode sets the accelerator mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) { c.GPUMode = mode }
}

// ApplySessionOptions applies options over defaults.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := &SessionConfig{GPUMode: GPUModeAuto}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
