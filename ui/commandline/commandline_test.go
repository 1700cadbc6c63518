// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testArgs struct {
	LearningRate float64  `json:"learning_rate"`
	NumEpochs    int      `json:"num_train_epochs"`
	Scheduler    string   `json:"scheduler"`
	NoCache      bool     `json:"no_cache"`
	ManualSeed   *int64   `json:"manual_seed"`
	Personality  []string `json:"personality"`
}

func newTestArgs() *testArgs {
	return &testArgs{LearningRate: 4e-5, NumEpochs: 1, Scheduler: "linear_schedule_with_warmup"}
}

func TestParseSettings(t *testing.T) {
	args := newTestArgs()
	paramsSet, err := ParseSettings(args,
		`learning_rate=1e-3;num_train_epochs=1_000;scheduler=constant_schedule;no_cache=true;manual_seed=7;personality=["a","b"];`)
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "num_train_epochs", "scheduler", "no_cache", "manual_seed", "personality"}, paramsSet)
	assert.Equal(t, 1e-3, args.LearningRate)
	assert.Equal(t, 1000, args.NumEpochs)
	assert.Equal(t, "constant_schedule", args.Scheduler)
	assert.True(t, args.NoCache)
	require.NotNil(t, args.ManualSeed)
	assert.Equal(t, int64(7), *args.ManualSeed)
	assert.Equal(t, []string{"a", "b"}, args.Personality)

	// Empty settings change nothing.
	paramsSet, err = ParseSettings(args, " ; ")
	require.NoError(t, err)
	require.Empty(t, paramsSet)

	// Unknown key.
	_, err = ParseSettings(args, "q=3")
	require.ErrorContains(t, err, "unknown setting")
	// Valid keys are listed sorted.
	require.ErrorContains(t, err,
		`["learning_rate" "manual_seed" "no_cache" "num_train_epochs" "personality" "scheduler"]`)

	// Wrong type of value.
	_, err = ParseSettings(args, "num_train_epochs=3.14")
	require.Error(t, err)
	_, err = ParseSettings(args, "no_cache=yes")
	require.Error(t, err)

	// Missing "=".
	_, err = ParseSettings(args, "no_cache")
	require.Error(t, err)
}

func TestParseSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Comment\nlearning_rate=0.5\n\nnum_train_epochs=3;no_cache=true\n"), 0644))
	args := newTestArgs()
	paramsSet, err := ParseSettings(args, "file:"+path+";scheduler=cosine_schedule_with_warmup")
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "num_train_epochs", "no_cache", "scheduler"}, paramsSet)
	assert.Equal(t, 0.5, args.LearningRate)
	assert.Equal(t, 3, args.NumEpochs)
	assert.True(t, args.NoCache)
	assert.Equal(t, "cosine_schedule_with_warmup", args.Scheduler)

	_, err = ParseSettings(args, "file:"+path+".missing")
	require.Error(t, err)
}

func TestSprintSettings(t *testing.T) {
	args := newTestArgs()
	out := SprintSettings(args)
	assert.Contains(t, out, `"learning_rate": 0.00004`)
	assert.Contains(t, out, `"manual_seed": null`)
	assert.Equal(t, "\t\"num_train_epochs\": 1", SprintModifiedSettings(args, []string{"num_train_epochs", "num_train_epochs"}))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestReportResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ReportResults(&buf, "Results", map[string]float64{"f1_score": 0.5, "accuracy": 1}))
	out := buf.String()
	assert.Contains(t, out, "Results:")
	assert.Contains(t, out, "accuracy")
	assert.Contains(t, out, "0.5000")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("accuracy")), bytes.Index(buf.Bytes(), []byte("f1_score")))
}

func TestProgressBar(t *testing.T) {
	for _, inNotebook := range []bool{false, true} {
		var buf bytes.Buffer
		pBar := newProgressBar(&buf, inNotebook)
		pBar.OnStep(1, 3, 2.5, 1e-3)
		pBar.OnEvaluation(1, map[string]float64{"language_model_loss": 1.25})
		pBar.OnStep(2, 3, 2.0, 5e-4)
		pBar.OnStep(2, 3, 2.0, 5e-4) // Repeated steps are ignored.
		pBar.OnStep(3, 3, 1.5, 0)
		pBar.OnEnd()
		pBar.OnEnd() // Idempotent.
		out := buf.String()
		assert.Contains(t, out, "language_model_loss", "inNotebook=%v", inNotebook)
		assert.Contains(t, out, "1.5", "inNotebook=%v", inNotebook)
	}
}
