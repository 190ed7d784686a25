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

package traduce

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/traduce/pkg/traduce/lib/backends"
	"github.com/antflydb/traduce/pkg/traduce/lib/checkpoint"
	"github.com/antflydb/traduce/pkg/traduce/lib/filters"
	"github.com/antflydb/traduce/pkg/traduce/lib/models"
	"github.com/antflydb/traduce/pkg/traduce/lib/search"
)

// Translator owns a loaded ensemble for the duration of one run. The first
// instance is the primary: it is the sole source of datasets and target
// vocabulary for decoding.
type Translator struct {
	cfg    TranslateConfig
	logger *zap.Logger

	instances []models.Model
	splits    []string
	filter    *filters.Chain

	searchFn search.Func
	factory  backends.SessionFactory
	now      func() time.Time
}

// Option adjusts translator construction.
type Option func(*Translator)

// WithSessionFactory overrides the inference session factory of every
// loaded model.
func WithSessionFactory(f backends.SessionFactory) Option {
	return func(t *Translator) { t.factory = f }
}

// WithSearch replaces the search procedure.
func WithSearch(fn search.Func) Option {
	return func(t *Translator) { t.searchFn = fn }
}

// WithClock replaces the wall clock used for throughput measurement.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// New validates the configuration, loads the ensemble, verifies it can
// decode jointly and resolves the splits to translate. Any failure here
// means the run never starts and no output file is touched.
func New(cfg TranslateConfig, logger *zap.Logger, opts ...Option) (*Translator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("translate config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Translator{
		cfg:      cfg,
		logger:   logger,
		searchFn: search.Beam,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.loadEnsemble(); err != nil {
		return nil, err
	}
	if err := t.sanityCheck(); err != nil {
		t.closeInstances()
		return nil, err
	}
	if err := t.resolveSplits(); err != nil {
		t.closeInstances()
		return nil, err
	}
	if err := t.buildFilterChain(); err != nil {
		t.closeInstances()
		return nil, err
	}
	return t, nil
}

// loadEnsemble reads all checkpoints concurrently, then constructs and
// places the instances one at a time, preserving checkpoint order.
func (t *Translator) loadEnsemble() error {
	ckpts := make([]*checkpoint.Checkpoint, len(t.cfg.Models))
	var g errgroup.Group
	for i, dir := range t.cfg.Models {
		g.Go(func() error {
			ckpt, err := checkpoint.Load(dir)
			if err != nil {
				return err
			}
			ckpts[i] = ckpt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, ckpt := range ckpts {
		opts, err := checkpoint.OptionsFromDict(ckpt.RawOptions)
		if err != nil {
			t.closeInstances()
			return fmt.Errorf("checkpoint %s: %w", ckpt.Dir, err)
		}

		m, err := models.New(opts.Train.ModelType, models.Params{
			Checkpoint: ckpt,
			Options:    opts,
			Logger:     t.logger,
			Factory:    t.factory,
		})
		if err != nil {
			t.closeInstances()
			return fmt.Errorf("checkpoint %s: %w", ckpt.Dir, err)
		}
		t.instances = append(t.instances, m)

		if err := m.Configure(false); err != nil {
			t.closeInstances()
			return fmt.Errorf("checkpoint %s: %w", ckpt.Dir, err)
		}
		if err := m.LoadWeights(ckpt.Weights, true); err != nil {
			t.closeInstances()
			return fmt.Errorf("checkpoint %s: %w", ckpt.Dir, err)
		}
		if err := m.ToDevice(t.cfg.Device); err != nil {
			t.closeInstances()
			return fmt.Errorf("checkpoint %s: %w", ckpt.Dir, err)
		}
		m.SetEvalMode()

		t.logger.Info("model loaded",
			zap.String("checkpoint", ckpt.Dir),
			zap.String("model_type", opts.Train.ModelType),
			zap.Int("target_vocab", m.TargetVocabSize()))
	}
	return nil
}

// sanityCheck verifies the instances agree on post-processing and target
// vocabulary cardinality. An ensemble that disagrees on either cannot
// produce one coherent hypothesis stream.
func (t *Translator) sanityCheck() error {
	filterSigs := make(map[string]bool)
	vocabSizes := make(map[int]bool)
	for _, m := range t.instances {
		filterSigs[m.Options().FilterSignature()] = true
		vocabSizes[m.TargetVocabSize()] = true
	}
	if len(filterSigs) != 1 {
		return fmt.Errorf("ensemble members disagree on eval filters (%d distinct configurations)", len(filterSigs))
	}
	if len(vocabSizes) != 1 {
		return fmt.Errorf("ensemble members disagree on target vocabulary size (%d distinct sizes)", len(vocabSizes))
	}
	return nil
}

// resolveSplits determines the ordered split list. An ad-hoc source spec
// registers its streams with the primary instance and resolves to the
// reserved split "new".
func (t *Translator) resolveSplits() error {
	if t.cfg.Splits != "" {
		for _, name := range strings.Split(t.cfg.Splits, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			t.splits = append(t.splits, name)
		}
		if len(t.splits) == 0 {
			return fmt.Errorf("splits %q: no split names", t.cfg.Splits)
		}
		return nil
	}

	streams, err := parseSource(t.cfg.Source)
	if err != nil {
		return err
	}
	t.primary().Options().Data.NewSet = streams
	t.splits = []string{"new"}
	return nil
}

func (t *Translator) buildFilterChain() error {
	ids := t.primary().Options().Train.EvalFilters
	if t.cfg.DisableFilters || len(ids) == 0 {
		return nil
	}
	chain, err := filters.NewChain(ids)
	if err != nil {
		return fmt.Errorf("building filter chain: %w", err)
	}
	t.filter = chain
	return nil
}

func (t *Translator) primary() models.Model { return t.instances[0] }

// Splits returns the resolved split names, in processing order.
func (t *Translator) Splits() []string {
	return append([]string(nil), t.splits...)
}

// Translate decodes one split and returns its post-processed hypotheses in
// input order.
func (t *Translator) Translate(ctx context.Context, split string) ([]string, error) {
	primary := t.primary()
	if err := primary.LoadData(split); err != nil {
		return nil, fmt.Errorf("split %s: %w", split, err)
	}
	ds, err := primary.Dataset(split)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", split, err)
	}
	it, err := ds.Iterator(t.cfg.BatchSize, true)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", split, err)
	}

	start := t.now()
	hyps, err := t.searchFn(ctx, primary, it, primary.TargetVocab(), search.Options{
		BeamSize:    t.cfg.BeamSize,
		MaxLen:      t.cfg.MaxLen,
		AvoidDouble: t.cfg.AvoidDouble,
		AvoidUnk:    t.cfg.AvoidUnk,
	})
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", split, err)
	}
	elapsed := t.now().Sub(start)

	rate := 0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = int(float64(len(hyps)) / secs)
	}
	t.logger.Info("split decoded",
		zap.String("split", split),
		zap.Int("sentences", len(hyps)),
		zap.Duration("elapsed", elapsed),
		zap.Int("sent_per_sec", rate))

	return t.filter.Apply(hyps), nil
}

// Dump writes one hypothesis per line, newline-terminated, overwriting any
// existing file at the derived path.
func (t *Translator) Dump(hyps []string, split string) error {
	path := t.cfg.OutputPath(split)
	var sb strings.Builder
	for _, h := range hyps {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("split %s: writing hypotheses: %w", split, err)
	}
	t.logger.Info("hypotheses written",
		zap.String("split", split),
		zap.String("path", path),
		zap.Int("count", len(hyps)))
	return nil
}

// Run translates and writes every resolved split, in order.
func (t *Translator) Run(ctx context.Context) error {
	for _, split := range t.splits {
		hyps, err := t.Translate(ctx, split)
		if err != nil {
			return err
		}
		if err := t.Dump(hyps, split); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every instance's inference sessions.
func (t *Translator) Close() error {
	return t.closeInstances()
}

func (t *Translator) closeInstances() error {
	var firstErr error
	for _, m := range t.instances {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.instances = nil
	return firstErr
}
