// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ProgressScoresFile is written into the output directory after every evaluation during training.
const ProgressScoresFile = "training_progress_scores.csv"

// ProgressScores accumulates one row per evaluation done during training.
//
// The first columns are global_step, train_loss, language_model_loss and f1_score, followed by
// the extra metrics in alphabetical order.
type ProgressScores struct {
	columns []string
	values  map[string][]float64
}

// NewProgressScores creates an empty table with the default columns plus the extra metrics.
func NewProgressScores(extraMetrics ...string) *ProgressScores {
	p := &ProgressScores{
		columns: []string{MetricGlobalStep, MetricTrainLoss, MetricLMLoss, MetricF1},
		values:  make(map[string][]float64),
	}
	extra := slices.Clone(extraMetrics)
	slices.Sort(extra)
	for _, name := range extra {
		if !slices.Contains(p.columns, name) {
			p.columns = append(p.columns, name)
		}
	}
	return p
}

// Append adds a row. Unknown keys add new columns, missing keys are recorded as 0.
func (p *ProgressScores) Append(globalStep int, trainLoss float64, results map[string]float64) {
	numRows := p.Len()
	keys := maps.Keys(results)
	slices.Sort(keys)
	for _, key := range keys {
		if !slices.Contains(p.columns, key) {
			p.columns = append(p.columns, key)
			p.values[key] = make([]float64, numRows)
		}
	}
	for _, col := range p.columns {
		var v float64
		switch col {
		case MetricGlobalStep:
			v = float64(globalStep)
		case MetricTrainLoss:
			v = trainLoss
		default:
			v = results[col]
		}
		p.values[col] = append(p.values[col], v)
	}
}

// Len returns the number of rows.
func (p *ProgressScores) Len() int {
	return len(p.values[MetricGlobalStep])
}

// Columns returns the column names, in order.
func (p *ProgressScores) Columns() []string { return slices.Clone(p.columns) }

// Column returns the values of one column.
func (p *ProgressScores) Column(name string) []float64 { return slices.Clone(p.values[name]) }

// DataFrame converts the table to a gota DataFrame.
func (p *ProgressScores) DataFrame() dataframe.DataFrame {
	cols := make([]series.Series, 0, len(p.columns))
	for _, name := range p.columns {
		if name == MetricGlobalStep {
			steps := make([]int, len(p.values[name]))
			for ii, v := range p.values[name] {
				steps[ii] = int(v)
			}
			cols = append(cols, series.New(steps, series.Int, name))
			continue
		}
		cols = append(cols, series.New(p.values[name], series.Float, name))
	}
	return dataframe.New(cols...)
}

// WriteCSV writes the table to dir/training_progress_scores.csv.
func (p *ProgressScores) WriteCSV(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	path := filepath.Join(dir, ProgressScoresFile)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err := p.DataFrame().WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// ReadProgressScores reads a table written by ProgressScores.WriteCSV.
func ReadProgressScores(dir string) (*ProgressScores, error) {
	path := filepath.Join(dir, ProgressScoresFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	p := &ProgressScores{values: make(map[string][]float64)}
	for _, name := range df.Names() {
		p.columns = append(p.columns, name)
		p.values[name] = df.Col(name).Float()
	}
	if _, found := p.values[MetricGlobalStep]; !found {
		return nil, errors.Errorf("%q has no %s column", path, MetricGlobalStep)
	}
	return p, nil
}
