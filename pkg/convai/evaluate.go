// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"context"
	"io"

	"github.com/gomlx/convai/pkg/decode"
	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluate computes the evaluation metrics on the valid split of the dataset at evalFile
// (PERSONA-CHAT if empty) and writes them into outputDir/eval_results.txt (Args.OutputDir if
// outputDir is empty).
//
// Results are the per-batch language_model_loss and f1_score (macro F1 of the multiple-choice
// arg-max), plus the extra metrics, all averaged over batches.
func (m *Model) Evaluate(ctx context.Context, evalFile, outputDir string, extraMetrics map[string]Metric) (map[string]float64, error) {
	if !IsTrainable(m.Type) {
		return nil, errors.Errorf("evaluation is not supported for %s models", m.Type)
	}
	if outputDir == "" {
		outputDir = m.Args.OutputDir
	}
	batcher, err := m.loadBatcher(ctx, evalFile, true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results, err := m.evaluate(ctx, batcher, extraMetrics)
	if err != nil {
		return nil, err
	}
	if err := WriteResults(outputDir, results); err != nil {
		return nil, err
	}
	for k, v := range results {
		m.results[k] = v
	}
	if !m.Args.Silent {
		klog.Infof("Evaluation results: %v", results)
	}
	return results, nil
}

// evaluate runs over all batches of batcher. The caller must hold m.mu.
func (m *Model) evaluate(ctx context.Context, batcher *dialogue.Batcher, extraMetrics map[string]Metric) (map[string]float64, error) {
	batcher.Reset()
	results := map[string]float64{MetricLMLoss: 0, MetricF1: 0}
	for name := range extraMetrics {
		results[name] = 0
	}
	numSteps := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "evaluation interrupted")
		}
		batch, err := batcher.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		lmLoss, mcLogits, err := m.learner.EvalStep(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation step %d", numSteps)
		}
		preds := make([]int, len(mcLogits))
		for ii, scores := range mcLogits {
			preds[ii] = argMax(scores)
		}
		results[MetricLMLoss] += lmLoss
		results[MetricF1] += MacroF1(batch.MCLabels, preds)
		for name, metric := range extraMetrics {
			results[name] += metric(batch.MCLabels, preds)
		}
		numSteps++
	}
	if numSteps == 0 {
		return nil, errors.Errorf("no evaluation batches in %q", batcher.Name())
	}
	for k := range results {
		results[k] /= float64(numSteps)
	}
	return results, nil
}

func argMax(scores []float32) int {
	probs := make([]float64, len(scores))
	for ii, s := range scores {
		probs[ii] = float64(s)
	}
	return decode.ArgMax(probs)
}
