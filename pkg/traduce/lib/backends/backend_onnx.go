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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend executes graphs with ONNX Runtime.
//
// Runtime requirements: libonnxruntime must be locatable via
// ONNXRUNTIME_ROOT or LD_LIBRARY_PATH; for CUDA, the CUDA libraries must be
// on LD_LIBRARY_PATH as well. CGO_ENABLED=1 at build time.
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType { return BackendONNX }

func (b *onnxBackend) Name() string { return "ONNX Runtime" }

func (b *onnxBackend) Available() bool { return true }

func (b *onnxBackend) Priority() int { return 10 }

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) initialize() error {
	b.initOnce.Do(func() {
		if dir := onnxLibraryDir(); dir != "" {
			ort.SetSharedLibraryPath(filepath.Join(dir, onnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryDir locates the directory containing the ONNX Runtime shared
// library, checking ONNXRUNTIME_ROOT then LD_LIBRARY_PATH.
func onnxLibraryDir() string {
	name := onnxLibraryName()
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, name)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, name)); err == nil {
			return directDir
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// onnxSessionFactory creates ONNX Runtime sessions.
type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) Backend() BackendType { return BackendONNX }

func (f *onnxSessionFactory) CreateSession(graphPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initialize(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(graphPath)
	if err != nil {
		return nil, fmt.Errorf("inspecting graph %s: %w", graphPath, err)
	}

	inputNames := make([]string, len(inputs))
	inputInfo := make([]TensorInfo, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		inputInfo[i] = TensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: onnxDataType(info.DataType)}
	}
	outputNames := make([]string, len(outputs))
	outputInfo := make([]TensorInfo, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputInfo[i] = TensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: onnxDataType(info.DataType)}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if ShouldUseGPU(cfg.GPUMode) {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				// CUDA provider unavailable at runtime, stay on CPU.
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(graphPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session for %s: %w", graphPath, err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) InputInfo() []TensorInfo { return s.inputInfo }

func (s *onnxSession) OutputInfo() []TensorInfo { return s.outputInfo }

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	ortInputs := make([]ort.Value, len(inputs))
	defer func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i, input := range inputs {
		tensor, err := newOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}

	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		out, err := copyOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func newOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)
	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		return ort.NewTensor(shape, converted)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

func copyOrtTensor(value ort.Value, name string) (NamedTensor, error) {
	shape := value.GetShape()
	switch t := value.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, len(t.GetData()))
		copy(data, t.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	case *ort.Tensor[int32]:
		data := make([]int32, len(t.GetData()))
		copy(data, t.GetData())
		return NamedTensor{Name: name, Shape: shape, Data: data}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type")
	}
}
