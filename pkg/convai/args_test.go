// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	dir := t.TempDir()
	args, err := LoadArgs(dir)
	require.NoError(t, err)
	require.Equal(t, DefaultArgs().LearningRate, args.LearningRate)
	_, hasSeed := args.Seed()
	require.False(t, hasSeed)

	seed := int64(42)
	args.ManualSeed = &seed
	args.TopK = 5
	clone := args.Clone()
	*clone.ManualSeed = 1
	require.Equal(t, int64(42), *args.ManualSeed)

	require.NoError(t, args.Save(dir))
	loaded, err := LoadArgs(dir)
	require.NoError(t, err)
	require.Equal(t, 5, loaded.TopK)
	got, hasSeed := loaded.Seed()
	require.True(t, hasSeed)
	require.Equal(t, int64(42), got)

	// Keys missing from the file keep their defaults.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ArgsFile), []byte(`{"top_p": 0.5}`), 0644))
	loaded, err = LoadArgs(dir)
	require.NoError(t, err)
	require.Equal(t, 0.5, loaded.TopP)
	require.Equal(t, DefaultArgs().MaxLength, loaded.MaxLength)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ArgsFile), []byte(`{`), 0644))
	_, err = LoadArgs(dir)
	require.Error(t, err)
}

func TestSchedules(t *testing.T) {
	args := DefaultArgs()
	args.LearningRate = 1
	args.Scheduler = "linear_schedule_with_warmup"
	schedule, err := NewSchedule(args, 2, 10)
	require.NoError(t, err)
	for step, want := range map[int]float64{0: 0, 1: 0.5, 2: 1, 6: 0.5, 10: 0, 12: 0} {
		require.InDelta(t, want, schedule(step), 1e-9, "step %d", step)
	}

	args.Scheduler = "cosine_schedule_with_warmup"
	schedule, err = NewSchedule(args, 0, 10)
	require.NoError(t, err)
	require.InDelta(t, 1, schedule(0), 1e-9)
	require.InDelta(t, 0.5, schedule(5), 1e-9)
	require.InDelta(t, 0, schedule(10), 1e-9)

	args.Scheduler = "polynomial_decay_schedule_with_warmup"
	args.PolynomialDecayScheduleLREnd = 0.1
	schedule, err = NewSchedule(args, 0, 10)
	require.NoError(t, err)
	require.InDelta(t, 1, schedule(0), 1e-9)
	require.InDelta(t, 0.55, schedule(5), 1e-9)
	require.InDelta(t, 0.1, schedule(20), 1e-9)
	args.PolynomialDecayScheduleLREnd = 2
	_, err = NewSchedule(args, 0, 10)
	require.Error(t, err)

	args.Scheduler = "constant_schedule_with_warmup"
	schedule, err = NewSchedule(args, 4, 10)
	require.NoError(t, err)
	require.InDelta(t, 0.25, schedule(1), 1e-9)
	require.InDelta(t, 1, schedule(9), 1e-9)

	args.Scheduler = "exponential"
	_, err = NewSchedule(args, 0, 10)
	require.ErrorContains(t, err, "constant_schedule")

	args.WarmupRatio = 0.06
	require.Equal(t, 6, WarmupSteps(args, 100))
	require.Equal(t, 1, WarmupSteps(args, 10))
	args.WarmupSteps = 3
	require.Equal(t, 3, WarmupSteps(args, 100))
}

func TestMacroF1(t *testing.T) {
	require.InDelta(t, 1, MacroF1([]int{1, 0, 1}, []int{1, 0, 1}), 1e-9)
	// Class 0: precision 1/2, recall 1, f1 2/3. Class 1: precision 1, recall 2/3, f1 4/5.
	require.InDelta(t, (2.0/3+0.8)/2, MacroF1([]int{1, 1, 0, 1}, []int{1, 0, 0, 1}), 1e-9)
	require.InDelta(t, 0, MacroF1([]int{1, 1}, []int{0, 0}), 1e-9)
	require.Equal(t, 0.0, MacroF1(nil, nil))
}

func TestProgressScores(t *testing.T) {
	scores := NewProgressScores("perplexity", "accuracy")
	require.Equal(t, []string{MetricGlobalStep, MetricTrainLoss, MetricLMLoss, MetricF1, "accuracy", "perplexity"}, scores.Columns())
	scores.Append(10, 2.5, map[string]float64{MetricLMLoss: 3, MetricF1: 0.5, "accuracy": 0.75})
	scores.Append(20, 1.5, map[string]float64{MetricLMLoss: 2, MetricF1: 0.25, "accuracy": 0.5, "bleu": 7})
	require.Equal(t, 2, scores.Len())
	require.Equal(t, []float64{0, 7}, scores.Column("bleu"))
	require.Equal(t, []float64{0, 0}, scores.Column("perplexity"))

	dir := t.TempDir()
	require.NoError(t, scores.WriteCSV(dir))
	read, err := ReadProgressScores(dir)
	require.NoError(t, err)
	require.Equal(t, scores.Columns(), read.Columns())
	for _, col := range scores.Columns() {
		require.Equal(t, scores.Column(col), read.Column(col), col)
	}

	_, err = ReadProgressScores(t.TempDir())
	require.Error(t, err)
}
