// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Names of the evaluation metrics and training progress columns.
const (
	MetricLMLoss     = "language_model_loss"
	MetricF1         = "f1_score"
	MetricGlobalStep = "global_step"
	MetricTrainLoss  = "train_loss"
)

// EvalResultsFile is written by Evaluate and Save with the evaluation results.
const EvalResultsFile = "eval_results.txt"

// Metric scores multiple-choice predictions against the gold labels.
type Metric func(labels, preds []int) float64

// MacroF1 is the unweighted mean of the per-class F1 scores, over the classes present in
// labels or preds. Classes with no predicted or no true members score 0.
func MacroF1(labels, preds []int) float64 {
	type counts struct{ tp, fp, fn int }
	classes := make(map[int]*counts)
	get := func(c int) *counts {
		if classes[c] == nil {
			classes[c] = &counts{}
		}
		return classes[c]
	}
	for ii, label := range labels {
		pred := preds[ii]
		if pred == label {
			get(label).tp++
			continue
		}
		get(label).fn++
		get(pred).fp++
	}
	if len(classes) == 0 {
		return 0
	}
	var sum float64
	for _, c := range classes {
		var precision, recall float64
		if c.tp+c.fp > 0 {
			precision = float64(c.tp) / float64(c.tp+c.fp)
		}
		if c.tp+c.fn > 0 {
			recall = float64(c.tp) / float64(c.tp+c.fn)
		}
		if precision+recall > 0 {
			sum += 2 * precision * recall / (precision + recall)
		}
	}
	return sum / float64(len(classes))
}

// WriteResults writes results as "key = value" lines, sorted by key, into dir/eval_results.txt.
func WriteResults(dir string, results map[string]float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	keys := maps.Keys(results)
	slices.Sort(keys)
	var sb strings.Builder
	for _, key := range keys {
		_, _ = fmt.Fprintf(&sb, "%s = %v\n", key, results[key])
	}
	path := filepath.Join(dir, EvalResultsFile)
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
