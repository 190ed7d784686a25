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

// Package logging builds the process-wide zap logger for traduce.
//
// The logger is created exactly once per run by the CLI entrypoint and
// passed into every component at construction. Callers are expected to
// defer Sync() at run end.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the minimum level to emit (debug, info, warn, error).
type Level string

// Style selects the output encoding.
type Style string

const (
	StyleTerminal Style = "terminal"
	StyleJSON     Style = "json"
	StyleNoop     Style = "noop"
)

// Config configures logger construction.
type Config struct {
	Level Level
	Style Style
}

// New creates a zap logger according to cfg. Unknown levels fall back to
// info and unknown styles fall back to terminal output, so a typo in a
// config file never prevents a run from starting.
func New(cfg *Config) *zap.Logger {
	if cfg != nil && cfg.Style == StyleNoop {
		return zap.NewNop()
	}

	level := zapcore.InfoLevel
	if cfg != nil {
		if parsed, err := zapcore.ParseLevel(string(cfg.Level)); err == nil {
			level = parsed
		}
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg != nil && cfg.Style == StyleJSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}
