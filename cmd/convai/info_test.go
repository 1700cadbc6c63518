// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/convai/pkg/convai"
	"github.com/stretchr/testify/require"
)

func TestShortNames(t *testing.T) {
	require.Equal(t, []string{"best_model"}, shortNames("/tmp/runs/best_model/"))
	require.Equal(t, []string{"a", "b"}, shortNames("/runs/a/outputs", "/runs/b/outputs"))
	require.Equal(t, []string{"a...x", "b...y"}, shortNames("/runs/a/x", "/runs/b/y"))
}

func TestAccuracy(t *testing.T) {
	require.Equal(t, 0.0, accuracy(nil, nil))
	require.InDelta(t, 2.0/3, accuracy([]int{1, 0, 1}, []int{1, 1, 1}), 1e-9)
}

func TestReadResults(t *testing.T) {
	dir := t.TempDir()
	results, err := readResults(filepath.Join(dir, convai.EvalResultsFile))
	require.NoError(t, err)
	require.Empty(t, results)

	want := map[string]float64{"f1_score": 0.5, "language_model_loss": 2.25}
	require.NoError(t, convai.WriteResults(dir, want))
	results, err = readResults(filepath.Join(dir, convai.EvalResultsFile))
	require.NoError(t, err)
	require.Equal(t, want, results)

	require.NoError(t, os.WriteFile(filepath.Join(dir, convai.EvalResultsFile), []byte("f1_score = x\n"), 0644))
	_, err = readResults(filepath.Join(dir, convai.EvalResultsFile))
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	dirs := []string{filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b")}
	for ii, dir := range dirs {
		args := convai.DefaultArgs()
		args.ModelType = convai.TypeGPT
		args.NumTrainEpochs = ii + 1
		require.NoError(t, args.Save(dir))
		scores := convai.NewProgressScores()
		scores.Append(10, 2.5, map[string]float64{convai.MetricLMLoss: 3, convai.MetricF1: 0.5})
		require.NoError(t, scores.WriteCSV(dir))
	}

	model, err := loadSavedModel(dirs[1])
	require.NoError(t, err)
	require.Equal(t, 2, model.args.NumTrainEpochs)
	require.Nil(t, model.weights)
	require.NotNil(t, model.scores)
	require.Equal(t, []string{convai.MetricGlobalStep, convai.MetricF1},
		metricsColumns(model.scores, "f1_score,unknown,f1_score"))
	require.Equal(t, model.scores.Columns(), metricsColumns(model.scores, ""))

	require.NoError(t, info(dirs))
	require.Error(t, info([]string{filepath.Join(t.TempDir(), "missing")}))
}
